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
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/kuchizu/nowplaying/common"
	"github.com/kuchizu/nowplaying/metrics"
	"github.com/kuchizu/nowplaying/storage"
)

// ErrorRecorder counts locally recovered errors
type ErrorRecorder interface {
	RecordError(source string)
}

// Hub registry of subscribed channels, and the fan-out of new snapshots to them
//
// Registry mutation and delivery run on one event loop, in submission order.
type Hub interface {
	// Subscribe register a channel, and send it the current snapshot if one exists
	Subscribe(ctx context.Context, sub Subscriber) error
	// Unsubscribe remove a channel. Removing an unknown channel is a no-op.
	Unsubscribe(ctx context.Context, sub Subscriber) error
	// Publish serialize the snapshot once, and send the payload to every channel
	Publish(ctx context.Context, snapshot *common.Snapshot) error
	// ActiveSubscribers number of registered channels
	ActiveSubscribers() int
	// Stop close all channels and stop the event loop
	Stop(ctx context.Context) error
}

// hubImpl implements Hub
type hubImpl struct {
	goutils.Component
	tp          common.TaskProcessor
	store       storage.SnapshotStore
	metrics     ErrorRecorder
	subscribers map[string]Subscriber
	count       atomic.Int64
}

// GetHub define a new broadcast hub, and start its event loop
func GetHub(
	instance string,
	store storage.SnapshotStore,
	recorder ErrorRecorder,
	taskBuffer int,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (Hub, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "broadcast-hub", "instance": instance,
	}
	tp, err := common.GetNewTaskProcessorInstance(instance+"-hub", taskBuffer, ctxt)
	if err != nil {
		return nil, err
	}
	instanceHub := &hubImpl{
		Component:   goutils.Component{LogTags: logTags},
		tp:          tp,
		store:       store,
		metrics:     recorder,
		subscribers: make(map[string]Subscriber),
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(hubCtrlSubscribe{}), instanceHub.processSubscribe,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(hubCtrlUnsubscribe{}), instanceHub.processUnsubscribe,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(hubCtrlPublish{}), instanceHub.processPublish,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(hubCtrlCloseAll{}), instanceHub.processCloseAll,
	); err != nil {
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		return nil, err
	}
	return instanceHub, nil
}

// ActiveSubscribers number of registered channels
func (h *hubImpl) ActiveSubscribers() int {
	return int(h.count.Load())
}

// submitAndWait submit a request to the event loop and wait for its result
func (h *hubImpl) submitAndWait(
	ctx context.Context, request interface{}, resultChan chan error, action string,
) error {
	if err := h.tp.Submit(request, ctx); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Failed to submit %s", action)
		return err
	}
	select {
	case err, ok := <-resultChan:
		if !ok {
			return fmt.Errorf("response to %s is invalid", action)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drop remove a subscriber from the registry and close it
func (h *hubImpl) drop(sub Subscriber) bool {
	if _, ok := h.subscribers[sub.ID()]; !ok {
		return false
	}
	delete(h.subscribers, sub.ID())
	h.count.Store(int64(len(h.subscribers)))
	if err := sub.Close(); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Failed to close subscriber %s", sub.ID())
	}
	return true
}

// =========================================================================

type hubCtrlSubscribe struct {
	timestamp time.Time
	sub       Subscriber
	resultCB  func(err error)
}

// Subscribe register a channel, and send it the current snapshot if one exists
func (h *hubImpl) Subscribe(ctx context.Context, sub Subscriber) error {
	resultChan := make(chan error, 1)
	request := hubCtrlSubscribe{
		timestamp: time.Now(),
		sub:       sub,
		resultCB:  func(err error) { resultChan <- err },
	}
	return h.submitAndWait(ctx, request, resultChan, fmt.Sprintf("subscribe %s", sub.ID()))
}

// processSubscribe support TaskProcessor, handle hubCtrlSubscribe
func (h *hubImpl) processSubscribe(param interface{}) error {
	request, ok := param.(hubCtrlSubscribe)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for subscribe", reflect.TypeOf(param))
	}
	err := h.ProcessSubscribe(request.sub)
	request.resultCB(err)
	return err
}

// ProcessSubscribe register a channel. Runs on the event loop.
func (h *hubImpl) ProcessSubscribe(sub Subscriber) error {
	if _, ok := h.subscribers[sub.ID()]; ok {
		return fmt.Errorf("subscriber %s already registered", sub.ID())
	}
	h.subscribers[sub.ID()] = sub
	h.count.Store(int64(len(h.subscribers)))
	log.WithFields(h.LogTags).Infof(
		"Registered subscriber %s, %d active", sub.ID(), len(h.subscribers),
	)

	current := h.store.Get()
	if current == nil {
		return nil
	}
	payload, err := json.Marshal(current)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Unable to serialize current snapshot")
		return nil
	}
	if err := sub.Send(payload); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Catch-up send to %s failed", sub.ID())
		h.recordTransportError()
		h.drop(sub)
		return err
	}
	return nil
}

// =========================================================================

type hubCtrlUnsubscribe struct {
	timestamp time.Time
	sub       Subscriber
	resultCB  func(err error)
}

// Unsubscribe remove a channel
func (h *hubImpl) Unsubscribe(ctx context.Context, sub Subscriber) error {
	resultChan := make(chan error, 1)
	request := hubCtrlUnsubscribe{
		timestamp: time.Now(),
		sub:       sub,
		resultCB:  func(err error) { resultChan <- err },
	}
	return h.submitAndWait(ctx, request, resultChan, fmt.Sprintf("unsubscribe %s", sub.ID()))
}

// processUnsubscribe support TaskProcessor, handle hubCtrlUnsubscribe
func (h *hubImpl) processUnsubscribe(param interface{}) error {
	request, ok := param.(hubCtrlUnsubscribe)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for unsubscribe", reflect.TypeOf(param))
	}
	if h.drop(request.sub) {
		log.WithFields(h.LogTags).Infof(
			"Removed subscriber %s, %d active", request.sub.ID(), len(h.subscribers),
		)
	}
	request.resultCB(nil)
	return nil
}

// =========================================================================

type hubCtrlPublish struct {
	timestamp time.Time
	payload   []byte
	resultCB  func(err error)
}

// Publish serialize the snapshot once, and send the payload to every channel
func (h *hubImpl) Publish(ctx context.Context, snapshot *common.Snapshot) error {
	if snapshot == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Unable to serialize snapshot")
		return err
	}
	resultChan := make(chan error, 1)
	request := hubCtrlPublish{
		timestamp: time.Now(),
		payload:   payload,
		resultCB:  func(err error) { resultChan <- err },
	}
	return h.submitAndWait(ctx, request, resultChan, "publish")
}

// processPublish support TaskProcessor, handle hubCtrlPublish
func (h *hubImpl) processPublish(param interface{}) error {
	request, ok := param.(hubCtrlPublish)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for publish", reflect.TypeOf(param))
	}
	h.ProcessPublish(request.payload)
	request.resultCB(nil)
	return nil
}

// ProcessPublish send the payload to every channel, and remove the ones which
// fail. Runs on the event loop.
func (h *hubImpl) ProcessPublish(payload []byte) {
	failed := []Subscriber{}
	for _, sub := range h.subscribers {
		if err := sub.Send(payload); err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf("Send to %s failed", sub.ID())
			failed = append(failed, sub)
		}
	}
	for _, sub := range failed {
		h.recordTransportError()
		h.drop(sub)
	}
	log.WithFields(h.LogTags).Debugf(
		"Published %dB to %d subscribers, %d removed",
		len(payload), len(h.subscribers)+len(failed), len(failed),
	)
}

func (h *hubImpl) recordTransportError() {
	if h.metrics != nil {
		h.metrics.RecordError(metrics.ErrorTransport)
	}
}

// =========================================================================

type hubCtrlCloseAll struct {
	resultCB func(err error)
}

// Stop close all channels and stop the event loop
func (h *hubImpl) Stop(ctx context.Context) error {
	resultChan := make(chan error, 1)
	request := hubCtrlCloseAll{resultCB: func(err error) { resultChan <- err }}
	err := h.submitAndWait(ctx, request, resultChan, "close all")
	if stopErr := h.tp.StopEventLoop(); stopErr != nil {
		return stopErr
	}
	return err
}

// processCloseAll support TaskProcessor, handle hubCtrlCloseAll
func (h *hubImpl) processCloseAll(param interface{}) error {
	request, ok := param.(hubCtrlCloseAll)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for close all", reflect.TypeOf(param))
	}
	for _, sub := range h.subscribers {
		h.drop(sub)
	}
	log.WithFields(h.LogTags).Info("Closed all subscribers")
	request.resultCB(nil)
	return nil
}
