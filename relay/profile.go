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

package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/kuchizu/nowplaying/common"
	"github.com/kuchizu/nowplaying/credential"
	"github.com/kuchizu/nowplaying/metrics"
)

// ProfileSource upstream profile query
type ProfileSource interface {
	Profile(ctx context.Context, token string) (common.Profile, error)
}

// ProfileRefresher keeps the tracked account identity current on its own schedule
type ProfileRefresher interface {
	// Current return the last successfully fetched profile
	Current() common.Profile
	// Refresh perform one refresh attempt, and return the delay before the next one
	Refresh(ctx context.Context) time.Duration
	// Start begin periodic refresh, with the first attempt made immediately
	Start() error
	// Stop periodic refresh
	Stop() error
}

// ProfileRefresherParam configuration for a ProfileRefresher
type ProfileRefresherParam struct {
	// Instance name of the refresher
	Instance string
	// Tokens source of bearer tokens
	Tokens credential.TokenProvider
	// Source the upstream profile query
	Source ProfileSource
	// Interval between successful refreshes
	Interval time.Duration
	// RetryBase first retry delay after a failure, doubled on each consecutive failure
	// up to Interval
	RetryBase time.Duration
	// Metrics optional error counting
	Metrics ErrorRecorder
}

// profileRefresherImpl implements ProfileRefresher
type profileRefresherImpl struct {
	goutils.Component
	ProfileRefresherParam
	rootCtxt context.Context
	timer    common.IntervalTimer
	current  atomic.Pointer[common.Profile]
	failures int
}

// GetProfileRefresher define a new profile refresher
func GetProfileRefresher(
	param ProfileRefresherParam, rootCtxt context.Context, wg *sync.WaitGroup,
) (ProfileRefresher, error) {
	logTags := log.Fields{
		"module": "relay", "component": "profile-refresher", "instance": param.Instance,
	}
	timer, err := common.GetIntervalTimerInstance(
		param.Instance+"-profile-timer", rootCtxt, wg,
	)
	if err != nil {
		return nil, err
	}
	instance := &profileRefresherImpl{
		Component:             goutils.Component{LogTags: logTags},
		ProfileRefresherParam: param,
		rootCtxt:              rootCtxt,
		timer:                 timer,
	}
	instance.current.Store(&common.Profile{})
	return instance, nil
}

// Current return the last successfully fetched profile
func (r *profileRefresherImpl) Current() common.Profile {
	return *r.current.Load()
}

// backoff the delay after the given number of consecutive failures
func (r *profileRefresherImpl) backoff(failures int) time.Duration {
	delay := r.RetryBase
	for i := 1; i < failures && delay < r.Interval; i++ {
		delay *= 2
	}
	if delay > r.Interval {
		delay = r.Interval
	}
	return delay
}

// Refresh perform one refresh attempt, and return the delay before the next one.
// Calls are not safe to make concurrently.
func (r *profileRefresherImpl) Refresh(ctx context.Context) time.Duration {
	localLogTags := r.GetLogTagsForContext(ctx)
	token, err := r.Tokens.GetValidToken(ctx)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.RecordError(metrics.ErrorAuth)
		}
		r.failures++
		delay := r.backoff(r.failures)
		log.WithError(err).WithFields(localLogTags).Errorf(
			"No valid token for profile refresh, retry in %s", delay,
		)
		return delay
	}
	profile, err := r.Source.Profile(ctx, token)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.RecordError(metrics.ErrorProfile)
		}
		r.failures++
		if retryAfter, limited := common.IsRateLimited(err); limited && retryAfter > 0 {
			log.WithFields(localLogTags).Warnf("Profile refresh rate limited, retry in %s", retryAfter)
			return retryAfter
		}
		delay := r.backoff(r.failures)
		log.WithError(err).WithFields(localLogTags).Errorf("Profile refresh failed, retry in %s", delay)
		return delay
	}
	r.failures = 0
	r.current.Store(&profile)
	log.WithFields(localLogTags).Debugf("Refreshed profile of '%s'", profile.DisplayName)
	return r.Interval
}

// Start begin periodic refresh, with the first attempt made immediately
func (r *profileRefresherImpl) Start() error {
	return r.timer.StartWithReschedule(0, func() time.Duration {
		return r.Refresh(r.rootCtxt)
	})
}

// Stop periodic refresh
func (r *profileRefresherImpl) Stop() error {
	return r.timer.Stop()
}
