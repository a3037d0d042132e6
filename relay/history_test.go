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
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/kuchizu/nowplaying/common"
	"github.com/stretchr/testify/assert"
)

func TestHistoryCacheWindow(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	clock := &testClock{current: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	upstream := newMockUpstream()
	upstream.history = func() ([]common.HistoryItem, error) {
		return []common.HistoryItem{
			{Name: "One", Artist: "A"}, {Name: "Two", Artist: "B"}, {Name: "Three"}, {Name: "Four"},
		}, nil
	}
	uut := GetHistoryCache("unit-test", upstream, 3, time.Second*30, clock.now)
	ctxt := context.Background()

	// Case 0: first call queries the upstream
	{
		items, err := uut.Get(ctxt, "token")
		assert.Nil(err)
		assert.Len(items, 3)
		assert.Equal("One", items[0].Name)
		assert.Equal(1, upstream.called("history"))
	}

	// Case 1: second call within the window is served from cache
	{
		clock.advance(time.Second * 10)
		items, err := uut.Get(ctxt, "token")
		assert.Nil(err)
		assert.Len(items, 3)
		assert.Equal(1, upstream.called("history"))
	}

	// Case 2: call after the window queries again
	{
		clock.advance(time.Second * 21)
		_, err := uut.Get(ctxt, "token")
		assert.Nil(err)
		assert.Equal(2, upstream.called("history"))
	}
}

func TestHistoryCacheStaleFallback(t *testing.T) {
	assert := assert.New(t)

	clock := &testClock{current: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	upstream := newMockUpstream()
	uut := GetHistoryCache("unit-test", upstream, 3, time.Second*30, clock.now)
	ctxt := context.Background()

	// Case 0: failure with nothing cached yields an empty list
	{
		upstream.history = func() ([]common.HistoryItem, error) {
			return nil, &common.UpstreamError{Operation: "history", StatusCode: 500, Err: fmt.Errorf("dummy")}
		}
		items, err := uut.Get(ctxt, "token")
		assert.NotNil(err)
		assert.NotNil(items)
		assert.Empty(items)
	}

	// Case 1: populate the cache
	{
		upstream.history = func() ([]common.HistoryItem, error) {
			return []common.HistoryItem{{Name: "One"}}, nil
		}
		items, err := uut.Get(ctxt, "token")
		assert.Nil(err)
		assert.Equal([]common.HistoryItem{{Name: "One"}}, items)
	}

	// Case 2: failure after expiry returns the stale copy
	{
		clock.advance(time.Second * 31)
		upstream.history = func() ([]common.HistoryItem, error) {
			return nil, fmt.Errorf("dummy")
		}
		before := upstream.called("history")
		items, err := uut.Get(ctxt, "token")
		assert.NotNil(err)
		assert.Equal([]common.HistoryItem{{Name: "One"}}, items)
		assert.Equal(before+1, upstream.called("history"))

		// Plain failures do not suppress the next attempt
		_, _ = uut.Get(ctxt, "token")
		assert.Equal(before+2, upstream.called("history"))
	}

	// Case 3: rate limit holds the stale copy until the advertised delay passes
	{
		upstream.history = func() ([]common.HistoryItem, error) {
			return nil, &common.UpstreamError{
				Operation: "history", StatusCode: http.StatusTooManyRequests,
				RetryAfter: time.Second * 90, Err: fmt.Errorf("dummy"),
			}
		}
		before := upstream.called("history")
		items, err := uut.Get(ctxt, "token")
		assert.NotNil(err)
		assert.Equal([]common.HistoryItem{{Name: "One"}}, items)
		assert.Equal(before+1, upstream.called("history"))

		clock.advance(time.Second * 60)
		items, err = uut.Get(ctxt, "token")
		assert.Nil(err)
		assert.Equal([]common.HistoryItem{{Name: "One"}}, items)
		assert.Equal(before+1, upstream.called("history"))

		clock.advance(time.Second * 31)
		_, _ = uut.Get(ctxt, "token")
		assert.Equal(before+2, upstream.called("history"))
	}
}

// realisticHistory items with the field lengths the upstream actually returns
func realisticHistory(count int, nameLen int) []common.HistoryItem {
	items := make([]common.HistoryItem, count)
	for i := range items {
		items[i] = common.HistoryItem{
			Name:   fmt.Sprintf("%02d %s", i, strings.Repeat("n", nameLen)),
			Artist: "Some Artist, Another Artist feat. A Third One",
			Image:  fmt.Sprintf("https://i.scdn.co/image/ab67616d00004851%032x", i),
			URL:    fmt.Sprintf("https://open.spotify.com/track/4uLU6hMCjMI75M1A2tK%03d", i),
		}
	}
	return items
}

func TestHistoryCacheRealisticEntries(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()

	// Case 0: default history size with full length URLs
	{
		clock := &testClock{current: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
		expected := realisticHistory(3, 40)
		upstream := newMockUpstream()
		upstream.history = func() ([]common.HistoryItem, error) { return expected, nil }
		uut := GetHistoryCache("unit-test", upstream, 3, time.Second*30, clock.now)

		items, err := uut.Get(ctxt, "token")
		assert.Nil(err)
		assert.Equal(expected, items)

		clock.advance(time.Second * 5)
		items, err = uut.Get(ctxt, "token")
		assert.Nil(err)
		assert.Equal(expected, items)
		assert.Equal(1, upstream.called("history"))

		// The stale copy holds the full list too
		clock.advance(time.Second * 30)
		upstream.history = func() ([]common.HistoryItem, error) { return nil, fmt.Errorf("dummy") }
		items, err = uut.Get(ctxt, "token")
		assert.NotNil(err)
		assert.Equal(expected, items)
		assert.Equal(2, upstream.called("history"))
	}

	// Case 1: largest history size with long names
	{
		clock := &testClock{current: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
		expected := realisticHistory(50, 200)
		upstream := newMockUpstream()
		upstream.history = func() ([]common.HistoryItem, error) { return expected, nil }
		uut := GetHistoryCache("unit-test", upstream, 50, time.Second*30, clock.now)

		_, err := uut.Get(ctxt, "token")
		assert.Nil(err)
		clock.advance(time.Second * 10)
		items, err := uut.Get(ctxt, "token")
		assert.Nil(err)
		assert.Equal(expected, items)
		assert.Equal(1, upstream.called("history"))
	}
}

func TestHistoryCacheSizing(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(minHistoryCacheBytes, historyCacheBytes(0))
	for _, limit := range []int{1, 3, 10, 50} {
		// freecache accepts entries up to 1/1024 of the cache size
		assert.GreaterOrEqual(historyCacheBytes(limit)/1024, limit*historyItemBudget)
	}
}
