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

package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/kuchizu/nowplaying/common"
	"golang.org/x/oauth2"
)

// DefaultAuthorizeScopes upstream scopes needed by the relay
var DefaultAuthorizeScopes = []string{"user-read-currently-playing", "user-read-recently-played"}

// AuthorizeParam parameters for the one-shot authorization helper
type AuthorizeParam struct {
	// Upstream upstream end-points and application credentials
	Upstream common.UpstreamConfig
	// ListenOn address the local callback server listens on
	ListenOn string `validate:"required,hostname_port"`
	// Scopes requested upstream permissions
	Scopes []string `validate:"required,min=1"`
}

// authorizeResult outcome of the authorization callback
type authorizeResult struct {
	token *oauth2.Token
	err   error
}

// authorizeOAuthConfig OAuth2 config for the authorization code exchange
func authorizeOAuthConfig(param AuthorizeParam) oauth2.Config {
	return oauth2.Config{
		ClientID:     param.Upstream.Credentials.ClientID,
		ClientSecret: param.Upstream.Credentials.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   param.Upstream.AuthURL,
			TokenURL:  param.Upstream.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		RedirectURL: fmt.Sprintf("http://%s/callback", param.ListenOn),
		Scopes:      param.Scopes,
	}
}

// defineAuthorizeCallback handler which exchanges the returned code for tokens
//
// Exactly one outcome is reported; later callbacks are answered with 410.
func defineAuthorizeCallback(
	cfg oauth2.Config,
	state string,
	client *http.Client,
	results chan<- authorizeResult,
	logTags log.Fields,
) http.HandlerFunc {
	reported := make(chan struct{}, 1)
	report := func(result authorizeResult) bool {
		select {
		case reported <- struct{}{}:
			results <- result
			return true
		default:
			return false
		}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("state") != state {
			log.WithFields(logTags).Warn("Callback with unexpected state ignored")
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if upstreamErr := query.Get("error"); upstreamErr != "" {
			if report(authorizeResult{err: fmt.Errorf("authorization denied: %s", upstreamErr)}) {
				http.Error(w, "authorization denied", http.StatusForbidden)
			} else {
				http.Error(w, "already handled", http.StatusGone)
			}
			return
		}
		code := query.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		ctxt := r.Context()
		if client != nil {
			ctxt = context.WithValue(ctxt, oauth2.HTTPClient, client)
		}
		token, err := cfg.Exchange(ctxt, code)
		if err == nil && token.RefreshToken == "" {
			err = fmt.Errorf("token response has no refresh token")
		}
		if !report(authorizeResult{token: token, err: err}) {
			http.Error(w, "already handled", http.StatusGone)
			return
		}
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Code exchange failed")
			http.Error(w, "code exchange failed", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Authorized. You may close this window."))
	}
}

// RunAuthorizeHelper print the upstream authorization URL, wait for its callback, and
// print the resulting refresh token to out
func RunAuthorizeHelper(
	runTimeContext context.Context, param AuthorizeParam, out io.Writer,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "authorize",
		"instance":  param.ListenOn,
	}
	creds := param.Upstream.Credentials
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return fmt.Errorf("%w: client ID and client secret are required", common.ErrNotConfigured)
	}

	cfg := authorizeOAuthConfig(param)
	state := uuid.New().String()
	results := make(chan authorizeResult, 1)

	router := mux.NewRouter()
	router.Path("/callback").Methods(http.MethodGet).HandlerFunc(
		defineAuthorizeCallback(cfg, state, nil, results, logTags),
	)
	httpSrv := &http.Server{
		Addr:              param.ListenOn,
		ReadHeaderTimeout: time.Second * 10,
		Handler:           router,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}()

	_, _ = fmt.Fprintf(
		out, "Open this URL in a browser to authorize:\n\n%s\n\n",
		cfg.AuthCodeURL(state, oauth2.AccessTypeOffline),
	)
	log.WithFields(logTags).Infof("Waiting for callback on %s", cfg.RedirectURL)

	select {
	case <-runTimeContext.Done():
		return runTimeContext.Err()
	case err := <-serverErr:
		log.WithError(err).WithFields(logTags).Error("Callback server failure")
		return err
	case result := <-results:
		if result.err != nil {
			return result.err
		}
		_, _ = fmt.Fprintf(out, "SPOTIFY_REFRESH_TOKEN=%s\n", result.token.RefreshToken)
		return nil
	}
}
