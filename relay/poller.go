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

// Package relay polls the upstream status and folds it into snapshots
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/kuchizu/nowplaying/common"
	"github.com/kuchizu/nowplaying/credential"
	"github.com/kuchizu/nowplaying/metrics"
	"github.com/kuchizu/nowplaying/storage"
)

// StatusSource upstream current activity query
type StatusSource interface {
	// CurrentlyPlaying returns nil if nothing is playing
	CurrentlyPlaying(ctx context.Context, token string) (*common.NowPlaying, error)
}

// Publisher fan-out target for new snapshots
type Publisher interface {
	Publish(ctx context.Context, snapshot *common.Snapshot) error
}

// ErrorRecorder counts locally recovered errors
type ErrorRecorder interface {
	RecordError(source string)
}

// PollRecorder poll loop metrics
type PollRecorder interface {
	ErrorRecorder
	RecordPoll(at time.Time)
	RecordRateLimited()
}

// Poller upstream poll loop
type Poller interface {
	// Tick run one poll tick
	//
	// Returns the snapshot produced by the tick, which was stored and published,
	// or nil if the tick was skipped.
	Tick(ctx context.Context) *common.Snapshot
	// Start the poll loop, with the first tick run immediately
	Start() error
	// Stop the poll loop
	Stop() error
}

// PollerParam configuration for a Poller
type PollerParam struct {
	// Instance name of the poller
	Instance string
	// Interval between poll ticks
	Interval time.Duration
	// Tokens source of bearer tokens
	Tokens credential.TokenProvider
	// Status the upstream current activity query
	Status StatusSource
	// History recent history cache
	History HistoryCache
	// Profile source of the tracked account identity
	Profile ProfileRefresher
	// Store holds the current snapshot
	Store storage.SnapshotStore
	// Publisher fans out each produced snapshot
	Publisher Publisher
	// Metrics poll loop metrics
	Metrics PollRecorder
	// Now optional wall clock override
	Now func() time.Time
}

// pollerImpl implements Poller
type pollerImpl struct {
	goutils.Component
	PollerParam
	rootCtxt context.Context
	timer    common.IntervalTimer
}

// GetPoller define a new upstream poller
func GetPoller(param PollerParam, rootCtxt context.Context, wg *sync.WaitGroup) (Poller, error) {
	if param.Interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if param.Tokens == nil || param.Status == nil || param.Store == nil {
		return nil, fmt.Errorf("poller requires a token source, a status source, and a store")
	}
	logTags := log.Fields{
		"module": "relay", "component": "poller", "instance": param.Instance,
	}
	if param.Now == nil {
		param.Now = time.Now
	}
	timer, err := common.GetIntervalTimerInstance(param.Instance+"-poll-timer", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	return &pollerImpl{
		Component:   goutils.Component{LogTags: logTags},
		PollerParam: param,
		rootCtxt:    rootCtxt,
		timer:       timer,
	}, nil
}

func (p *pollerImpl) recordError(source string) {
	if p.Metrics != nil {
		p.Metrics.RecordError(source)
	}
}

// fetchSnapshot query the upstream and fold the result into a snapshot
//
// Returns the snapshot, which may be nil if the tick produced nothing, and the
// delay before the next tick.
func (p *pollerImpl) fetchSnapshot(ctx context.Context) (result *common.Snapshot, next time.Duration) {
	localLogTags := p.GetLogTagsForContext(ctx)
	previous := p.Store.Get()
	next = p.Interval

	defer func() {
		if err := recover(); err != nil {
			log.WithFields(localLogTags).Errorf("Poll tick panicked, keeping last snapshot: %v", err)
			p.recordError(metrics.ErrorPanic)
			result = previous
			next = p.Interval
		}
	}()

	token, err := p.Tokens.GetValidToken(ctx)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("No valid token, skipping poll tick")
		p.recordError(metrics.ErrorAuth)
		return nil, next
	}

	var snapshot *common.Snapshot
	item, err := p.Status.CurrentlyPlaying(ctx, token)
	switch {
	case err != nil:
		if retryAfter, limited := common.IsRateLimited(err); limited {
			if p.Metrics != nil {
				p.Metrics.RecordRateLimited()
			}
			if retryAfter > next {
				next = retryAfter
			}
			log.WithFields(localLogTags).Warnf(
				"Status query rate limited, keeping last snapshot, next poll in %s", next,
			)
			return previous, next
		}
		log.WithError(err).WithFields(localLogTags).Error("Status query failed, reporting not playing")
		p.recordError(metrics.ErrorUpstream)
		snapshot = common.NotPlayingSnapshot(false, p.Now())
	case item == nil:
		snapshot = common.NotPlayingSnapshot(true, p.Now())
	default:
		snapshot = common.PlayingSnapshot(*item, p.Now())
	}

	history := []common.HistoryItem{}
	if p.History != nil {
		items, err := p.History.Get(ctx, token)
		if err != nil {
			p.recordError(metrics.ErrorHistory)
		}
		history = items
	}
	profile := common.Profile{}
	if p.Profile != nil {
		profile = p.Profile.Current()
	}
	return snapshot.WithAuxiliary(history, profile), next
}

// tick run one poll tick, and return the produced snapshot and next tick delay
func (p *pollerImpl) tick(ctx context.Context) (snapshot *common.Snapshot, next time.Duration) {
	localLogTags := p.GetLogTagsForContext(ctx)
	defer func() {
		if err := recover(); err != nil {
			log.WithFields(localLogTags).Errorf("Snapshot propagation panicked: %v", err)
			p.recordError(metrics.ErrorPanic)
			next = p.Interval
		}
	}()
	snapshot, next = p.fetchSnapshot(ctx)
	if p.Metrics != nil {
		p.Metrics.RecordPoll(p.Now())
	}
	if snapshot == nil {
		return nil, next
	}
	p.Store.Set(snapshot)
	if p.Publisher != nil {
		if err := p.Publisher.Publish(ctx, snapshot); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Snapshot publish failed")
		}
	}
	return snapshot, next
}

// Tick run one poll tick
func (p *pollerImpl) Tick(ctx context.Context) *common.Snapshot {
	snapshot, _ := p.tick(ctx)
	return snapshot
}

// Start the poll loop, with the first tick run immediately
func (p *pollerImpl) Start() error {
	log.WithFields(p.LogTags).Infof("Starting poll loop with interval %s", p.Interval)
	return p.timer.StartWithReschedule(0, func() time.Duration {
		_, next := p.tick(p.rootCtxt)
		return next
	})
}

// Stop the poll loop
func (p *pollerImpl) Stop() error {
	return p.timer.Stop()
}
