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

// Package apis HTTP ingress of the relay
package apis

import (
	"context"
	"net/http"

	"github.com/apex/log"
	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/kuchizu/nowplaying/metrics"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// emptyBodyHandler reply with a fixed status and an empty JSON object
func emptyBodyHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte("{}"))
	})
}

// InstallFallbackHandlers reply to unknown routes and methods without exposing internals
func InstallFallbackHandlers(router *mux.Router) {
	router.NotFoundHandler = emptyBodyHandler(http.StatusNotFound)
	router.MethodNotAllowedHandler = emptyBodyHandler(http.StatusMethodNotAllowed)
}

// CORSMiddleware permit cross-origin reads of every response from any origin
//
// Headers are set unconditionally, including on requests without an Origin header.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("Access-Control-Allow-Origin", "*")
		headers.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		headers.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			headers.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ========================================================================================

type requestIDKey struct{}

// RequestIDMiddleware attach a request ID to a API request, and echo it in the response
func RequestIDMiddleware(headerName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(headerName)
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		w.Header().Set(headerName, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestIDFromContext read the request ID attached by RequestIDMiddleware
func requestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok {
		return reqID
	}
	return ""
}

// MetricsMiddleware record the duration and outcome of each routed request
func MetricsMiddleware(recorder metrics.Recorder) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			// The wrapped writer keeps Flusher and Hijacker available to stream handlers
			measured := httpsnoop.CaptureMetrics(next, w, r)
			recorder.ObserveRequest(route, measured.Code, measured.Duration)
		})
	}
}

// ========================================================================================

// LogWriter io.Writer which forwards HTTP access logs to the structured logger
type LogWriter struct {
	LogTags log.Fields
}

// Write logging support
func (l LogWriter) Write(p []byte) (n int, err error) {
	log.WithFields(l.LogTags).Infof("%s", p)
	return len(p), nil
}

// Println support recovery handler logging
func (l LogWriter) Println(v ...interface{}) {
	log.WithFields(l.LogTags).Errorf("%v", v)
}
