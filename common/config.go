// Copyright 2025-2026 The nowplaying Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// Upstream Related Config

// SpotifyCredentials are the long lived secrets used to obtain bearer tokens
type SpotifyCredentials struct {
	// ClientID is the registered application client identifier
	ClientID string `mapstructure:"client_id" json:"-"`
	// ClientSecret is the registered application client secret
	ClientSecret string `mapstructure:"client_secret" json:"-"`
	// RefreshToken is the long lived refresh secret for the tracked account
	RefreshToken string `mapstructure:"refresh_token" json:"-"`
}

// Configured whether all credential parameters are present
func (c SpotifyCredentials) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// UpstreamConfig defines parameters for talking to the upstream streaming service
type UpstreamConfig struct {
	// AuthURL is the upstream OAuth2 authorization end-point
	AuthURL string `mapstructure:"auth_url" json:"auth_url" validate:"required,url"`
	// TokenURL is the upstream OAuth2 token end-point
	TokenURL string `mapstructure:"token_url" json:"token_url" validate:"required,url"`
	// APIBaseURL is the base URL of the upstream web API
	APIBaseURL string `mapstructure:"api_base_url" json:"api_base_url" validate:"required,url"`
	// RequestTimeout is the max duration of one upstream request in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
	// TokenSafetyMargin is the lead time before token expiry to trigger a refresh in seconds
	TokenSafetyMargin int `mapstructure:"token_safety_margin_sec" json:"token_safety_margin_sec" validate:"gte=0"`
	// Credentials are the upstream secrets
	Credentials SpotifyCredentials `mapstructure:"credentials" json:"-"`
}

// ===============================================================================
// Poller Related Config

// PollConfig defines the upstream polling cadence
type PollConfig struct {
	// Interval is the delay between the end of one poll tick and the start of the next in seconds
	Interval int `mapstructure:"interval_sec" json:"interval_sec" validate:"gte=1"`
	// HistorySize is the number of recent history items to include in a snapshot
	HistorySize int `mapstructure:"history_size" json:"history_size" validate:"gte=1,lte=50"`
	// HistoryTTL is the recent history cache window in seconds
	HistoryTTL int `mapstructure:"history_ttl_sec" json:"history_ttl_sec" validate:"gte=1"`
	// ProfileInterval is the delay between successful profile refreshes in seconds
	ProfileInterval int `mapstructure:"profile_interval_sec" json:"profile_interval_sec" validate:"gte=1"`
	// ProfileRetry is the base delay before retrying a failed profile refresh in seconds
	ProfileRetry int `mapstructure:"profile_retry_sec" json:"profile_retry_sec" validate:"gte=1"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for forwarding snapshots to a NATS server
type NATSConfig struct {
	// Enabled whether to forward snapshots to NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required_if=Enabled true,omitempty,uri"`
	// Subject is the NATS subject snapshots are published under
	Subject string `mapstructure:"subject" json:"subject" validate:"required_if=Enabled true"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout. Stream end-points need zero.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Relay Server Related Config

// RelayEndpointConfig defines relay API endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// SubscriberQueueDepth is the number of undelivered frames a subscriber may hold
	// before it is treated as disconnected
	SubscriberQueueDepth int `mapstructure:"subscriber_queue_depth" json:"subscriber_queue_depth" validate:"gte=1"`
}

// RelayServerConfig defines configuration for the relay API server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the relay API server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the relay
type SystemConfig struct {
	// Upstream are the upstream service parameters
	Upstream UpstreamConfig `mapstructure:"upstream" json:"upstream" validate:"required,dive"`
	// Poll are the poll cadence parameters
	Poll PollConfig `mapstructure:"poll" json:"poll" validate:"required,dive"`
	// NATS are the NATS forwarding parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Relay are the relay API server configs
	Relay RelayServerConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default upstream settings
	viper.SetDefault("upstream.auth_url", "https://accounts.spotify.com/authorize")
	viper.SetDefault("upstream.token_url", "https://accounts.spotify.com/api/token")
	viper.SetDefault("upstream.api_base_url", "https://api.spotify.com/v1")
	viper.SetDefault("upstream.request_timeout_sec", 5)
	viper.SetDefault("upstream.token_safety_margin_sec", 60)
	_ = viper.BindEnv("upstream.credentials.client_id", "SPOTIFY_CLIENT_ID")
	_ = viper.BindEnv("upstream.credentials.client_secret", "SPOTIFY_CLIENT_SECRET")
	_ = viper.BindEnv("upstream.credentials.refresh_token", "SPOTIFY_REFRESH_TOKEN")

	// Default poll settings
	viper.SetDefault("poll.interval_sec", 3)
	viper.SetDefault("poll.history_size", 3)
	viper.SetDefault("poll.history_ttl_sec", 30)
	viper.SetDefault("poll.profile_interval_sec", 300)
	viper.SetDefault("poll.profile_retry_sec", 30)

	// Default NATS settings
	viper.SetDefault("nats.enabled", false)
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.subject", "nowplaying.snapshot")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	_ = viper.BindEnv("nats.server_uri", "NATS_SERVER_URI")

	// Default relay server settings
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.endpoint_config.subscriber_queue_depth", 16)
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 3000)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	_ = viper.BindEnv("relay.api_server.server_config.listen_port", "PORT")
	viper.SetDefault(
		"relay.api_server.logging_config.request_id_header", "Nowplaying-Request-ID",
	)
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
