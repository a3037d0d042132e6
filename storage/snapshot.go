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

// Package storage holds the latest known activity snapshot
package storage

import (
	"sync/atomic"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/kuchizu/nowplaying/common"
)

// SnapshotStore single current snapshot, last write wins
type SnapshotStore interface {
	// Set replace the current snapshot
	Set(snapshot *common.Snapshot)
	// Get return the current snapshot, nil if none exist yet
	Get() *common.Snapshot
}

// memSnapshotStore in-memory SnapshotStore
type memSnapshotStore struct {
	goutils.Component
	current atomic.Pointer[common.Snapshot]
}

// GetSnapshotStore define a new in-memory snapshot store
func GetSnapshotStore(instance string) SnapshotStore {
	return &memSnapshotStore{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module": "storage", "component": "snapshot-store", "instance": instance,
			},
		},
	}
}

// Set replace the current snapshot. A nil snapshot is ignored.
func (s *memSnapshotStore) Set(snapshot *common.Snapshot) {
	if snapshot == nil {
		return
	}
	s.current.Store(snapshot)
	log.WithFields(s.LogTags).Debugf("Current snapshot %s", snapshot)
}

// Get return the current snapshot, nil if none exist yet
func (s *memSnapshotStore) Get() *common.Snapshot {
	return s.current.Load()
}
