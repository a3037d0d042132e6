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

// Package dataplane fans snapshots out to subscribed push channels
package dataplane

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/kuchizu/nowplaying/common"
)

// Subscriber one open push channel
type Subscriber interface {
	// ID unique subscriber ID
	ID() string
	// Send queue a payload for delivery. Must not block; fails with
	// *common.TransportError if the channel can not take the payload.
	Send(payload []byte) error
	// Close discard the channel. Idempotent.
	Close() error
}

// FrameWriter writes one payload to the underlying transport
type FrameWriter func(payload []byte) error

// QueuedSubscriber Subscriber which buffers payloads for a transport writer goroutine
//
// Send only enqueues. The transport handler drives delivery through Run.
type QueuedSubscriber struct {
	goutils.Component
	id     string
	queue  chan []byte
	lock   sync.Mutex
	closed bool
	done   chan struct{}
}

// NewQueuedSubscriber define a new queued subscriber
func NewQueuedSubscriber(id, transport string, depth int) *QueuedSubscriber {
	if depth < 1 {
		depth = 1
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "subscriber", "instance": id, "transport": transport,
	}
	return &QueuedSubscriber{
		Component: goutils.Component{LogTags: logTags},
		id:        id,
		queue:     make(chan []byte, depth),
		done:      make(chan struct{}),
	}
}

// ID unique subscriber ID
func (s *QueuedSubscriber) ID() string {
	return s.id
}

// Send queue a payload for delivery
func (s *QueuedSubscriber) Send(payload []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return &common.TransportError{SubscriberID: s.id, Err: fmt.Errorf("channel closed")}
	}
	select {
	case s.queue <- payload:
		return nil
	default:
		return &common.TransportError{SubscriberID: s.id, Err: fmt.Errorf("send queue full")}
	}
}

// Close discard the channel
func (s *QueuedSubscriber) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
		log.WithFields(s.LogTags).Debug("Subscriber closed")
	}
	return nil
}

// Done closed once the subscriber is closed
func (s *QueuedSubscriber) Done() <-chan struct{} {
	return s.done
}

// Run deliver queued payloads through the writer until the context ends, the
// subscriber is closed, or a write fails
//
// A write failure closes the subscriber, and is returned as *common.TransportError.
func (s *QueuedSubscriber) Run(ctx context.Context, writer FrameWriter) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case payload := <-s.queue:
			if err := writer(payload); err != nil {
				log.WithError(err).WithFields(s.LogTags).Info("Transport write failed")
				_ = s.Close()
				return &common.TransportError{SubscriberID: s.id, Err: err}
			}
			log.WithFields(s.LogTags).Debugf("Written %dB", len(payload))
		}
	}
}
