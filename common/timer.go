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

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// TimeoutHandler handler callback on timeout
type TimeoutHandler func() error

// RescheduleHandler handler callback on timeout which also decides the delay
// before it is called again
type RescheduleHandler func() time.Duration

// IntervalTimer support class for triggering events at specific intervals
//
// The next delay only starts counting once the handler returns, so two
// handler calls never overlap.
type IntervalTimer interface {
	// Start call handler every interval, or once if oneShot
	Start(interval time.Duration, handler TimeoutHandler, oneShot bool) error
	// StartWithReschedule call handler after initial, then after whatever delay
	// the handler returned
	StartWithReschedule(initial time.Duration, handler RescheduleHandler) error
	// Stop the timer loop
	Stop() error
}

// intervalTimerImpl implements IntervalTimer
type intervalTimerImpl struct {
	goutils.Component
	rootContext   context.Context
	lock          sync.Mutex
	running       bool
	contextCancel context.CancelFunc
	wg            *sync.WaitGroup
}

// GetIntervalTimerInstance create new interval timer instance
func GetIntervalTimerInstance(
	name string, rootCtxt context.Context, wg *sync.WaitGroup,
) (IntervalTimer, error) {
	logTags := log.Fields{
		"module": "common", "component": "interval-timer", "instance": name,
	}
	return &intervalTimerImpl{
		Component:     goutils.Component{LogTags: logTags},
		rootContext:   rootCtxt,
		contextCancel: nil,
		wg:            wg,
	}, nil
}

// Start start the interval timer
func (t *intervalTimerImpl) Start(
	interval time.Duration, handler TimeoutHandler, oneShot bool,
) error {
	log.WithFields(t.LogTags).Infof("Starting with int %s", interval)
	return t.StartWithReschedule(interval, func() time.Duration {
		log.WithFields(t.LogTags).Debug("Calling handler")
		if err := handler(); err != nil {
			log.WithError(err).WithFields(t.LogTags).Error("Handler failed")
		}
		if oneShot {
			return -1
		}
		return interval
	})
}

// StartWithReschedule start the timer with a handler controlled delay. A negative
// delay returned by the handler ends the timer loop.
func (t *intervalTimerImpl) StartWithReschedule(
	initial time.Duration, handler RescheduleHandler,
) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.running {
		return fmt.Errorf("timer already running")
	}
	t.running = true
	t.wg.Add(1)
	ctxt, cancel := context.WithCancel(t.rootContext)
	t.contextCancel = cancel
	go func() {
		defer t.wg.Done()
		defer log.WithFields(t.LogTags).Info("Timer loop exiting")
		defer func() {
			t.lock.Lock()
			t.running = false
			t.lock.Unlock()
		}()
		delay := initial
		for delay >= 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctxt.Done():
				timer.Stop()
				return
			case <-timer.C:
				delay = handler()
			}
		}
	}()
	return nil
}

// Stop stop the interval timer
func (t *intervalTimerImpl) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.contextCancel != nil {
		log.WithFields(t.LogTags).Info("Stopping timer loop")
		t.contextCancel()
	}
	return nil
}
