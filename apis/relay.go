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

package apis

import (
	"context"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/kuchizu/nowplaying/common"
	"github.com/kuchizu/nowplaying/dataplane"
	"github.com/kuchizu/nowplaying/metrics"
	"github.com/kuchizu/nowplaying/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// unsubscribeTimeout bound on removing a channel after its request ended
	unsubscribeTimeout = time.Second * 5
	// websocketWriteWait bound on writing one websocket frame
	websocketWriteWait = time.Second * 5
	// websocketReadLimit max size of a client message
	websocketReadLimit = 512
)

// unavailableResponse body of the snapshot end-point before any snapshot exists
type unavailableResponse struct {
	Error string `json:"error"`
}

// APIRestRelayHandler REST handler for the relay
type APIRestRelayHandler struct {
	goutils.RestAPIHandler
	store       storage.SnapshotStore
	hub         dataplane.Hub
	metrics     metrics.Recorder
	queueDepth  int
	upgrader    websocket.Upgrader
	prometheus  http.Handler
	baseContext context.Context
}

// GetAPIRestRelayHandler define APIRestRelayHandler
func GetAPIRestRelayHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	store storage.SnapshotStore,
	hub dataplane.Hub,
	recorder metrics.Recorder,
	queueDepth int,
) (APIRestRelayHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "relay",
	}
	return APIRestRelayHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		store:      store,
		hub:        hub,
		metrics:    recorder,
		queueDepth: queueDepth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		prometheus:  promhttp.HandlerFor(recorder.Registry(), promhttp.HandlerOpts{}),
		baseContext: baseContext,
	}, nil
}

// requestLogTags log tags for one request, including its request ID
func (h APIRestRelayHandler) requestLogTags(r *http.Request) log.Fields {
	logTags := h.GetLogTagsForContext(r.Context())
	if reqID := requestIDFromContext(r.Context()); reqID != "" {
		logTags["request_id"] = reqID
	}
	return logTags
}

// writeJSON write a JSON response body
func (h APIRestRelayHandler) writeJSON(w http.ResponseWriter, r *http.Request, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.WithError(err).WithFields(h.requestLogTags(r)).Error("Failed to serialize response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{}"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		log.WithError(err).WithFields(h.requestLogTags(r)).Error("Failed to form response")
	}
}

// runCtxt context which ends with the request or on server stop
func (h APIRestRelayHandler) runCtxt(r *http.Request) (context.Context, context.CancelFunc) {
	ctxt, cancel := context.WithCancel(r.Context())
	go func() {
		select {
		case <-h.baseContext.Done():
			cancel()
		case <-ctxt.Done():
		}
	}()
	return ctxt, cancel
}

// unsubscribe remove a channel from the hub once its request ended
func (h APIRestRelayHandler) unsubscribe(sub dataplane.Subscriber, logTags log.Fields) {
	ctxt, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := h.hub.Unsubscribe(ctxt, sub); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to unsubscribe %s", sub.ID())
	}
	_ = sub.Close()
}

// =======================================================================
// Snapshot

// NowPlaying godoc
// @Summary Current snapshot
// @Description Return the current activity snapshot, or an unavailable marker if none exists yet
// @tags Relay
// @Produce json
// @Success 200 {object} common.Snapshot "current snapshot"
// @Router /now-playing [get]
func (h APIRestRelayHandler) NowPlaying(w http.ResponseWriter, r *http.Request) {
	h.metrics.RecordRequest(metrics.RequestNowPlaying)
	current := h.store.Get()
	if current == nil {
		h.writeJSON(w, r, unavailableResponse{Error: "unavailable"})
		return
	}
	h.writeJSON(w, r, current)
}

// NowPlayingHandler Wrapper around NowPlaying
func (h APIRestRelayHandler) NowPlayingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.NowPlaying(w, r)
	}
}

// =======================================================================
// Stream

// Stream godoc
// @Summary Subscribe to snapshots
// @Description Hold open a server-sent event stream with one event per published snapshot
// @tags Relay
// @Produce text/event-stream
// @Success 200 {string} string "data: <snapshot JSON>"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /stream [get]
func (h APIRestRelayHandler) Stream(w http.ResponseWriter, r *http.Request) {
	h.metrics.RecordRequest(metrics.RequestStream)
	logTags := h.requestLogTags(r)

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Error(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
		return
	}

	sub := dataplane.NewQueuedSubscriber(uuid.New().String(), "sse", h.queueDepth)
	logTags["subscriber"] = sub.ID()
	if err := h.hub.Subscribe(r.Context(), sub); err != nil {
		// The hub may have accepted the request before the error
		h.unsubscribe(sub, logTags)
		msg := "Unable to subscribe"
		log.WithError(err).WithFields(logTags).Error(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusServiceUnavailable,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, err.Error()),
			nil,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
		return
	}
	defer h.unsubscribe(sub, logTags)

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()
	log.WithFields(logTags).Info("Started event stream")

	runtimeCtxt, cancel := h.runCtxt(r)
	defer cancel()
	if err := sub.Run(runtimeCtxt, dataplane.SSEFrameWriter(w, writeFlusher)); err != nil {
		log.WithError(err).WithFields(logTags).Info("Event stream write failed")
		return
	}
	log.WithFields(logTags).Info("Event stream ended")
}

// StreamHandler Wrapper around Stream
func (h APIRestRelayHandler) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stream(w, r)
	}
}

// WebSocket godoc
// @Summary Subscribe to snapshots over websocket
// @Description Upgrade to a websocket with one text message per published snapshot
// @tags Relay
// @Success 101 {string} string "switching protocols"
// @Router /ws [get]
func (h APIRestRelayHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	h.metrics.RecordRequest(metrics.RequestWebSocket)
	logTags := h.requestLogTags(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.WithError(err).WithFields(logTags).Error("Websocket upgrade failed")
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	sub := dataplane.NewQueuedSubscriber(uuid.New().String(), "websocket", h.queueDepth)
	logTags["subscriber"] = sub.ID()
	if err := h.hub.Subscribe(r.Context(), sub); err != nil {
		h.unsubscribe(sub, logTags)
		log.WithError(err).WithFields(logTags).Error("Unable to subscribe")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(websocketWriteWait),
		)
		return
	}
	defer h.unsubscribe(sub, logTags)
	log.WithFields(logTags).Info("Started websocket stream")

	// Client messages are discarded; a read failure means the client is gone
	conn.SetReadLimit(websocketReadLimit)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				_ = sub.Close()
				return
			}
		}
	}()

	runtimeCtxt, cancel := h.runCtxt(r)
	defer cancel()
	if err := sub.Run(runtimeCtxt, dataplane.WebSocketFrameWriter(conn, websocketWriteWait)); err != nil {
		log.WithError(err).WithFields(logTags).Info("Websocket write failed")
		return
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(websocketWriteWait),
	)
	log.WithFields(logTags).Info("Websocket stream ended")
}

// WebSocketHandler Wrapper around WebSocket
func (h APIRestRelayHandler) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.WebSocket(w, r)
	}
}

// =======================================================================
// Health and metrics

// Health godoc
// @Summary Liveness check
// @tags Health
// @Produce plain
// @Success 200 {string} string "ok"
// @Router /health [get]
func (h APIRestRelayHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.metrics.RecordRequest(metrics.RequestHealth)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		log.WithError(err).WithFields(h.requestLogTags(r)).Error("Failed to form response")
	}
}

// HealthHandler Wrapper around Health
func (h APIRestRelayHandler) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Health(w, r)
	}
}

// Metrics godoc
// @Summary Process counters
// @tags Health
// @Produce json
// @Success 200 {object} metrics.Report "counters"
// @Router /metrics [get]
func (h APIRestRelayHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.RecordRequest(metrics.RequestMetrics)
	h.writeJSON(w, r, h.metrics.Report())
}

// MetricsHandler Wrapper around Metrics
func (h APIRestRelayHandler) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Metrics(w, r)
	}
}

// PrometheusHandler expose the counters in prometheus text format
func (h APIRestRelayHandler) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.prometheus.ServeHTTP(w, r)
	}
}

// =======================================================================

// DefineRelayRouter define the relay API routes under a path prefix
func DefineRelayRouter(pathPrefix string, h APIRestRelayHandler) *mux.Router {
	router := mux.NewRouter()
	InstallFallbackHandlers(router)
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)
	InstallFallbackHandlers(mainRouter)

	// Push channels
	_ = RegisterPathPrefix(mainRouter, "/stream", MethodHandlers{
		"get": h.StreamHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ws", MethodHandlers{
		"get": h.WebSocketHandler(),
	})

	// Snapshot, with the legacy path kept for older clients
	_ = RegisterPathPrefix(mainRouter, "/now-playing", MethodHandlers{
		"get": h.NowPlayingHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/api/spotify/now-playing", MethodHandlers{
		"get": h.NowPlayingHandler(),
	})

	// Health and metrics
	_ = RegisterPathPrefix(mainRouter, "/health", MethodHandlers{
		"get": h.HealthHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/metrics/prometheus", MethodHandlers{
		"get": h.PrometheusHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/metrics", MethodHandlers{
		"get": h.MetricsHandler(),
	})

	router.Use(MetricsMiddleware(h.metrics))
	return router
}
