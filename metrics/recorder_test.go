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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderReport(t *testing.T) {
	assert := assert.New(t)

	uut := GetRecorder("unit-test")
	impl := uut.(*recorderImpl)
	startTime := impl.startedAt
	impl.now = func() time.Time { return startTime.Add(time.Second * 42) }

	// Case 0: nothing recorded yet
	{
		report := uut.Report()
		assert.Equal(int64(42), report.UptimeSeconds)
		assert.Equal(0, report.ActiveSubscribers)
		assert.Empty(report.Requests)
		assert.Equal(uint64(0), report.Errors)
		assert.Equal(uint64(0), report.Polls)
		assert.Nil(report.LastPollAt)
	}

	// Case 1: counters advance
	{
		uut.RecordRequest(RequestStream)
		uut.RecordRequest(RequestStream)
		uut.RecordRequest(RequestNowPlaying)
		uut.RecordError(ErrorAuth)
		uut.RecordError(ErrorTransport)
		uut.RecordRateLimited()
		pollTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		uut.RecordPoll(pollTime.Add(-time.Second * 3))
		uut.RecordPoll(pollTime)
		subscribers := 7
		uut.SetSubscriberCounter(func() int { return subscribers })

		report := uut.Report()
		assert.Equal(map[string]uint64{RequestStream: 2, RequestNowPlaying: 1}, report.Requests)
		assert.Equal(uint64(2), report.Errors)
		assert.Equal(uint64(2), report.Polls)
		assert.Equal(uint64(1), report.RateLimited)
		assert.Equal(7, report.ActiveSubscribers)
		assert.NotNil(report.LastPollAt)
		assert.True(pollTime.Equal(*report.LastPollAt))
	}
}

func TestRecorderPrometheusMirror(t *testing.T) {
	assert := assert.New(t)

	uut := GetRecorder("unit-test")
	impl := uut.(*recorderImpl)

	uut.RecordRequest(RequestHealth)
	uut.RecordError(ErrorUpstream)
	uut.RecordError(ErrorUpstream)
	uut.RecordPoll(time.Unix(1700000000, 0))
	uut.ObserveRequest("/health", 200, time.Millisecond)
	uut.SetSubscriberCounter(func() int { return 3 })

	assert.Equal(1.0, testutil.ToFloat64(impl.requestsTotal.WithLabelValues(RequestHealth)))
	assert.Equal(2.0, testutil.ToFloat64(impl.errorsTotal.WithLabelValues(ErrorUpstream)))
	assert.Equal(1.0, testutil.ToFloat64(impl.pollsTotal))
	assert.Equal(1700000000.0, testutil.ToFloat64(impl.lastPollGauge))

	families, err := uut.Registry().Gather()
	assert.Nil(err)
	found := map[string]bool{}
	for _, family := range families {
		found[family.GetName()] = true
	}
	assert.True(found["nowplaying_active_subscribers"])
	assert.True(found["nowplaying_request_duration_seconds"])
	assert.True(found["nowplaying_uptime_seconds"])
	assert.True(found["go_goroutines"])
}
