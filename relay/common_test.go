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
	"time"

	"github.com/kuchizu/nowplaying/common"
)

type mockTokens struct {
	token string
	err   error
}

func (m *mockTokens) GetValidToken(_ context.Context) (string, error) {
	return m.token, m.err
}

type mockUpstream struct {
	lock      sync.Mutex
	status    func() (*common.NowPlaying, error)
	history   func() ([]common.HistoryItem, error)
	profile   func() (common.Profile, error)
	calls     map[string]int
	lastToken string
}

func newMockUpstream() *mockUpstream {
	return &mockUpstream{calls: map[string]int{}}
}

func (m *mockUpstream) called(op string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.calls[op]
}

func (m *mockUpstream) record(op, token string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.calls[op]++
	m.lastToken = token
}

func (m *mockUpstream) CurrentlyPlaying(_ context.Context, token string) (*common.NowPlaying, error) {
	m.record("status", token)
	return m.status()
}

func (m *mockUpstream) RecentlyPlayed(
	_ context.Context, token string, _ int,
) ([]common.HistoryItem, error) {
	m.record("history", token)
	return m.history()
}

func (m *mockUpstream) Profile(_ context.Context, token string) (common.Profile, error) {
	m.record("profile", token)
	return m.profile()
}

type mockPublisher struct {
	lock      sync.Mutex
	published []*common.Snapshot
}

func (m *mockPublisher) Publish(_ context.Context, snapshot *common.Snapshot) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.published = append(m.published, snapshot)
	return nil
}

func (m *mockPublisher) count() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.published)
}

func (m *mockPublisher) last() *common.Snapshot {
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.published) == 0 {
		return nil
	}
	return m.published[len(m.published)-1]
}

// testClock manually advanced wall clock
type testClock struct {
	lock    sync.Mutex
	current time.Time
}

func (c *testClock) now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.current
}

func (c *testClock) advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.current = c.current.Add(d)
}
