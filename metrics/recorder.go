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

// Package metrics process local relay counters
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request kinds
const (
	RequestStream     = "stream"
	RequestWebSocket  = "websocket"
	RequestNowPlaying = "now_playing"
	RequestHealth     = "health"
	RequestMetrics    = "metrics"
)

// Error sources
const (
	ErrorAuth      = "auth"
	ErrorUpstream  = "upstream"
	ErrorHistory   = "history"
	ErrorProfile   = "profile"
	ErrorTransport = "transport"
	ErrorPanic     = "panic"
)

// Report point-in-time JSON view of the counters
type Report struct {
	UptimeSeconds     int64             `json:"uptime_seconds"`
	ActiveSubscribers int               `json:"active_subscribers"`
	Requests          map[string]uint64 `json:"requests"`
	Errors            uint64            `json:"errors"`
	Polls             uint64            `json:"polls"`
	RateLimited       uint64            `json:"rateLimited"`
	LastPollAt        *time.Time        `json:"lastPollAt"`
}

// Recorder relay metrics recorder
type Recorder interface {
	// RecordRequest count one inbound request of a kind
	RecordRequest(kind string)
	// ObserveRequest record the outcome of one routed HTTP request
	ObserveRequest(route string, status int, duration time.Duration)
	// RecordError count one locally recovered error
	RecordError(source string)
	// RecordRateLimited count one upstream rate limit rejection
	RecordRateLimited()
	// RecordPoll count one completed poll tick
	RecordPoll(at time.Time)
	// SetSubscriberCounter install the source of the active subscriber count
	SetSubscriberCounter(counter func() int)
	// Report return the current counter values
	Report() Report
	// Registry return the prometheus registry mirroring the counters
	Registry() *prometheus.Registry
}

// recorderImpl implements Recorder
type recorderImpl struct {
	goutils.Component
	startedAt time.Time
	now       func() time.Time

	lock        sync.Mutex
	requests    map[string]uint64
	errors      atomic.Uint64
	polls       atomic.Uint64
	rateLimited atomic.Uint64
	lastPollAt  atomic.Int64
	subscribers atomic.Pointer[func() int]

	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	errorsTotal      *prometheus.CounterVec
	pollsTotal       prometheus.Counter
	rateLimitedTotal prometheus.Counter
	lastPollGauge    prometheus.Gauge
}

// GetRecorder define a new metrics recorder with its own prometheus registry
func GetRecorder(instance string) Recorder {
	logTags := log.Fields{
		"module": "metrics", "component": "recorder", "instance": instance,
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	r := &recorderImpl{
		Component: goutils.Component{LogTags: logTags},
		startedAt: time.Now(),
		now:       time.Now,
		requests:  make(map[string]uint64),
		registry:  registry,

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nowplaying_requests_total",
			Help: "Total number of inbound requests by kind",
		}, []string{"kind"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nowplaying_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),

		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nowplaying_errors_total",
			Help: "Total number of locally recovered errors by source",
		}, []string{"source"}),

		pollsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "nowplaying_polls_total",
			Help: "Total number of completed poll ticks",
		}),

		rateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "nowplaying_upstream_rate_limited_total",
			Help: "Total number of upstream rate limit rejections",
		}),

		lastPollGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nowplaying_last_poll_timestamp_seconds",
			Help: "Unix time of the last completed poll tick",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "nowplaying_active_subscribers",
		Help: "Current number of registered subscribers",
	}, func() float64 {
		return float64(r.activeSubscribers())
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "nowplaying_uptime_seconds",
		Help: "Seconds since the relay started",
	}, func() float64 {
		return r.now().Sub(r.startedAt).Seconds()
	})

	return r
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func (r *recorderImpl) activeSubscribers() int {
	counter := r.subscribers.Load()
	if counter == nil {
		return 0
	}
	return (*counter)()
}

// RecordRequest count one inbound request of a kind
func (r *recorderImpl) RecordRequest(kind string) {
	r.lock.Lock()
	r.requests[kind]++
	r.lock.Unlock()
	r.requestsTotal.WithLabelValues(kind).Inc()
}

// ObserveRequest record the outcome of one routed HTTP request
func (r *recorderImpl) ObserveRequest(route string, status int, duration time.Duration) {
	r.requestDuration.WithLabelValues(route, statusBucket(status)).Observe(duration.Seconds())
}

// RecordError count one locally recovered error
func (r *recorderImpl) RecordError(source string) {
	r.errors.Add(1)
	r.errorsTotal.WithLabelValues(source).Inc()
}

// RecordRateLimited count one upstream rate limit rejection
func (r *recorderImpl) RecordRateLimited() {
	r.rateLimited.Add(1)
	r.rateLimitedTotal.Inc()
}

// RecordPoll count one completed poll tick
func (r *recorderImpl) RecordPoll(at time.Time) {
	r.polls.Add(1)
	r.lastPollAt.Store(at.UnixMilli())
	r.pollsTotal.Inc()
	r.lastPollGauge.Set(float64(at.UnixMilli()) / 1000.0)
}

// SetSubscriberCounter install the source of the active subscriber count
func (r *recorderImpl) SetSubscriberCounter(counter func() int) {
	r.subscribers.Store(&counter)
}

// Report return the current counter values
func (r *recorderImpl) Report() Report {
	report := Report{
		UptimeSeconds:     int64(r.now().Sub(r.startedAt).Seconds()),
		ActiveSubscribers: r.activeSubscribers(),
		Requests:          map[string]uint64{},
		Errors:            r.errors.Load(),
		Polls:             r.polls.Load(),
		RateLimited:       r.rateLimited.Load(),
	}
	r.lock.Lock()
	for kind, count := range r.requests {
		report.Requests[kind] = count
	}
	r.lock.Unlock()
	if ms := r.lastPollAt.Load(); ms != 0 {
		at := time.UnixMilli(ms).UTC()
		report.LastPollAt = &at
	}
	return report
}

// Registry return the prometheus registry mirroring the counters
func (r *recorderImpl) Registry() *prometheus.Registry {
	return r.registry
}
