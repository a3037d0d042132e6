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
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/coocood/freecache"
	"github.com/goccy/go-json"
	"github.com/kuchizu/nowplaying/common"
)

const (
	// historyItemBudget serialized size allowance of one history item
	historyItemBudget = 512
	// historyEntryHeadroom allowance for the list encoding and the freecache entry header
	historyEntryHeadroom = 1024
	// minHistoryCacheBytes smallest cache to allocate
	minHistoryCacheBytes = 1024 * 1024
)

// historyCacheBytes cache size able to hold a list of limit items
//
// freecache rejects entries larger than 1/1024 of its total size.
func historyCacheBytes(limit int) int {
	if limit < 1 {
		limit = 1
	}
	size := (limit*historyItemBudget + historyEntryHeadroom) * 1024
	if size < minHistoryCacheBytes {
		return minHistoryCacheBytes
	}
	return size
}

var (
	freshHistoryKey = []byte("history")
	staleHistoryKey = []byte("history-stale")
)

// HistorySource upstream recent history query
type HistorySource interface {
	RecentlyPlayed(ctx context.Context, token string, limit int) ([]common.HistoryItem, error)
}

// HistoryCache recent history, refreshed from the upstream at most once per cache window
type HistoryCache interface {
	// Get return the recent history
	//
	// If the cached copy is still fresh, no upstream call is made. On upstream failure
	// the last good copy is returned along with the error.
	Get(ctx context.Context, token string) ([]common.HistoryItem, error)
}

// cacheClock adapts a wall clock to the freecache timer
type cacheClock struct {
	now func() time.Time
}

// Now implements freecache.Timer
func (c cacheClock) Now() uint32 {
	return uint32(c.now().Unix())
}

// historyCacheImpl implements HistoryCache
type historyCacheImpl struct {
	goutils.Component
	source HistorySource
	limit  int
	ttl    time.Duration
	cache  *freecache.Cache
}

// GetHistoryCache define a new recent history cache
func GetHistoryCache(
	instance string, source HistorySource, limit int, ttl time.Duration, now func() time.Time,
) HistoryCache {
	logTags := log.Fields{
		"module": "relay", "component": "history-cache", "instance": instance,
	}
	if now == nil {
		now = time.Now
	}
	return &historyCacheImpl{
		Component: goutils.Component{LogTags: logTags},
		source:    source,
		limit:     limit,
		ttl:       ttl,
		cache:     freecache.NewCacheCustomTimer(historyCacheBytes(limit), cacheClock{now: now}),
	}
}

func (c *historyCacheImpl) read(key []byte) ([]common.HistoryItem, bool) {
	raw, err := c.cache.Get(key)
	if err != nil {
		return nil, false
	}
	var items []common.HistoryItem
	if err := json.Unmarshal(raw, &items); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Dropping unreadable cached history")
		c.cache.Del(key)
		return nil, false
	}
	return items, true
}

func (c *historyCacheImpl) write(key []byte, items []common.HistoryItem, expire time.Duration) {
	raw, err := json.Marshal(items)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to serialize history for caching")
		return
	}
	// Zero expiry never expires
	seconds := 0
	if expire > 0 {
		seconds = int((expire + time.Second - 1) / time.Second)
	}
	if err := c.cache.Set(key, raw, seconds); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to cache history")
	}
}

// Get return the recent history
func (c *historyCacheImpl) Get(ctx context.Context, token string) ([]common.HistoryItem, error) {
	if items, ok := c.read(freshHistoryKey); ok {
		return items, nil
	}

	localLogTags := c.GetLogTagsForContext(ctx)
	items, err := c.source.RecentlyPlayed(ctx, token, c.limit)
	if err != nil {
		stale, ok := c.read(staleHistoryKey)
		if !ok {
			stale = []common.HistoryItem{}
		}
		if retryAfter, limited := common.IsRateLimited(err); limited {
			// Hold the stale copy as fresh until the upstream accepts queries again
			if retryAfter <= 0 {
				retryAfter = c.ttl
			}
			log.WithFields(localLogTags).Warnf("History query rate limited, backing off %s", retryAfter)
			c.write(freshHistoryKey, stale, retryAfter)
		} else {
			log.WithError(err).WithFields(localLogTags).Error("History refresh failed, using stale copy")
		}
		return stale, err
	}

	if len(items) > c.limit {
		items = items[:c.limit]
	}
	c.write(freshHistoryKey, items, c.ttl)
	c.write(staleHistoryKey, items, 0)
	log.WithFields(localLogTags).Debugf("Refreshed history with %d items", len(items))
	return items, nil
}
