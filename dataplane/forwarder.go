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

package dataplane

import (
	"fmt"
	"sync/atomic"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/kuchizu/nowplaying/common"
)

// MessagePublisher message bus publish capability
type MessagePublisher interface {
	Publish(subject string, payload []byte) error
}

// messageBusForwarder Subscriber which forwards every payload onto a message bus subject
type messageBusForwarder struct {
	goutils.Component
	id        string
	subject   string
	publisher MessagePublisher
	closed    atomic.Bool
}

// GetMessageBusForwarder define a Subscriber which republishes snapshots on a subject
func GetMessageBusForwarder(id, subject string, publisher MessagePublisher) Subscriber {
	logTags := log.Fields{
		"module": "dataplane", "component": "bus-forwarder", "instance": id, "subject": subject,
	}
	return &messageBusForwarder{
		Component: goutils.Component{LogTags: logTags},
		id:        id,
		subject:   subject,
		publisher: publisher,
	}
}

// ID unique subscriber ID
func (f *messageBusForwarder) ID() string {
	return f.id
}

// Send publish the payload on the subject
func (f *messageBusForwarder) Send(payload []byte) error {
	if f.closed.Load() {
		return &common.TransportError{SubscriberID: f.id, Err: fmt.Errorf("forwarder closed")}
	}
	if err := f.publisher.Publish(f.subject, payload); err != nil {
		return &common.TransportError{SubscriberID: f.id, Err: err}
	}
	log.WithFields(f.LogTags).Debugf("Forwarded %dB", len(payload))
	return nil
}

// Close stop forwarding. The bus connection is owned by the caller.
func (f *messageBusForwarder) Close() error {
	f.closed.Store(true)
	return nil
}
