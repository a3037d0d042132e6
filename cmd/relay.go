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
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/kuchizu/nowplaying/apis"
	"github.com/kuchizu/nowplaying/common"
	"github.com/kuchizu/nowplaying/core"
	"github.com/kuchizu/nowplaying/credential"
	"github.com/kuchizu/nowplaying/dataplane"
	"github.com/kuchizu/nowplaying/metrics"
	"github.com/kuchizu/nowplaying/relay"
	"github.com/kuchizu/nowplaying/spotify"
	"github.com/kuchizu/nowplaying/storage"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// hubTaskBuffer number of hub requests which may be queued ahead of the event loop
const hubTaskBuffer = 32

// startUpstreamPolling define and start the upstream poll loop
//
// Returns nil if no upstream credentials are configured.
func startUpstreamPolling(
	config *common.SystemConfig,
	instance string,
	store storage.SnapshotStore,
	hub dataplane.Hub,
	recorder metrics.Recorder,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
	logTags log.Fields,
) (relay.Poller, relay.ProfileRefresher, error) {
	requestTimeout := time.Second * time.Duration(config.Upstream.RequestTimeout)
	httpClient := &http.Client{Timeout: requestTimeout}

	tokens, err := credential.GetManager(
		config.Upstream.Credentials,
		config.Upstream.TokenURL,
		time.Second*time.Duration(config.Upstream.TokenSafetyMargin),
		httpClient,
	)
	if errors.Is(err, common.ErrNotConfigured) {
		log.WithFields(logTags).Warn(
			"Upstream credentials not configured, serving without polling",
		)
		return nil, nil, nil
	} else if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define credential manager")
		return nil, nil, err
	}

	upstream := spotify.GetClient(config.Upstream.APIBaseURL, requestTimeout, httpClient)

	profile, err := relay.GetProfileRefresher(relay.ProfileRefresherParam{
		Instance:  instance,
		Tokens:    tokens,
		Source:    upstream,
		Interval:  time.Second * time.Duration(config.Poll.ProfileInterval),
		RetryBase: time.Second * time.Duration(config.Poll.ProfileRetry),
		Metrics:   recorder,
	}, runTimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define profile refresher")
		return nil, nil, err
	}

	history := relay.GetHistoryCache(
		instance,
		upstream,
		config.Poll.HistorySize,
		time.Second*time.Duration(config.Poll.HistoryTTL),
		nil,
	)

	poller, err := relay.GetPoller(relay.PollerParam{
		Instance:  instance,
		Interval:  time.Second * time.Duration(config.Poll.Interval),
		Tokens:    tokens,
		Status:    upstream,
		History:   history,
		Profile:   profile,
		Store:     store,
		Publisher: hub,
		Metrics:   recorder,
	}, runTimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define poller")
		return nil, nil, err
	}

	if err := profile.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start profile refresher")
		return nil, nil, err
	}
	if err := poller.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start poller")
		_ = profile.Stop()
		return nil, nil, err
	}
	return poller, profile, nil
}

// RunRelayServer run the relay server
//
// natsClient is optional. When provided, every published snapshot is also forwarded
// onto the configured NATS subject.
func RunRelayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	recorder := metrics.GetRecorder(instance)
	store := storage.GetSnapshotStore(instance)
	// The hub outlives the runtime context so it can close the channels during shutdown
	hubCtxt, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	hub, err := dataplane.GetHub(instance, store, recorder, hubTaskBuffer, hubCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast hub")
		return err
	}
	recorder.SetSubscriberCounter(hub.ActiveSubscribers)

	if natsClient != nil {
		forwarder := dataplane.GetMessageBusForwarder(
			fmt.Sprintf("nats-%s", instance), config.NATS.Subject, natsClient,
		)
		if err := hub.Subscribe(localCtxt, forwarder); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to attach NATS forwarder")
			return err
		}
		log.WithFields(logTags).Infof("Forwarding snapshots to NATS subject %s", config.NATS.Subject)
	}

	poller, profile, err := startUpstreamPolling(
		config, instance, store, hub, recorder, localCtxt, wg, logTags,
	)
	if err != nil {
		return err
	}

	httpHandler, err := apis.GetAPIRestRelayHandler(
		localCtxt,
		&config.Relay.HTTPSetting,
		store,
		hub,
		recorder,
		config.Relay.Endpoints.SubscriberQueueDepth,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := apis.DefineRelayRouter(config.Relay.Endpoints.PathPrefix, httpHandler)

	// Add logging
	accessLog := apis.LogWriter{LogTags: log.Fields{
		"module": "apis", "component": "access-log", "instance": instance,
	}}
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	// CORS wraps the router so unmatched routes and preflights carry the headers too
	handler := handlers.RecoveryHandler(
		handlers.RecoveryLogger(accessLog), handlers.PrintRecoveryStack(true),
	)(
		apis.CORSMiddleware(
			apis.RequestIDMiddleware(config.Relay.HTTPSetting.Logging.RequestIDHeader, router),
		),
	)

	serverCfg := config.Relay.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(handler, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-localCtxt.Done()

	// Stop polling before the channels close
	if poller != nil {
		if err := poller.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure stopping poller")
		}
	}
	if profile != nil {
		if err := profile.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure stopping profile refresher")
		}
	}

	// Close the push channels so their handlers return
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := hub.Stop(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure stopping broadcast hub")
		}
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
