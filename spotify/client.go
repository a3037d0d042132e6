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

// Package spotify is a client for the upstream player status, history, and profile queries
package spotify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/kuchizu/nowplaying/common"
)

// Upstream query names, used in errors and metrics
const (
	OperationStatus  = "status"
	OperationHistory = "history"
	OperationProfile = "profile"
)

// Client upstream query client
type Client interface {
	// CurrentlyPlaying fetch the currently active item. Returns nil if nothing is playing.
	CurrentlyPlaying(ctx context.Context, token string) (*common.NowPlaying, error)
	// RecentlyPlayed fetch up to limit recently played items, newest first
	RecentlyPlayed(ctx context.Context, token string, limit int) ([]common.HistoryItem, error)
	// Profile fetch the identity of the account owning the token
	Profile(ctx context.Context, token string) (common.Profile, error)
}

// clientImpl implements Client
type clientImpl struct {
	goutils.Component
	baseURL string
	client  *http.Client
}

// GetClient define a new upstream client
func GetClient(baseURL string, timeout time.Duration, client *http.Client) Client {
	logTags := log.Fields{
		"module": "spotify", "component": "client", "instance": baseURL,
	}
	if client == nil {
		client = &http.Client{}
	}
	if timeout > 0 {
		bounded := *client
		bounded.Timeout = timeout
		client = &bounded
	}
	return &clientImpl{
		Component: goutils.Component{LogTags: logTags},
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    client,
	}
}

// ========================================================================================
// Upstream response shapes. Every field is optional.

type image struct {
	URL string `json:"url"`
}

type artist struct {
	Name string `json:"name"`
}

type externalURLs struct {
	Spotify string `json:"spotify"`
}

type album struct {
	Name   string  `json:"name"`
	Images []image `json:"images"`
}

type track struct {
	Name         string       `json:"name"`
	Artists      []artist     `json:"artists"`
	Album        album        `json:"album"`
	DurationMs   int64        `json:"duration_ms"`
	ExternalURLs externalURLs `json:"external_urls"`
}

type currentlyPlayingResp struct {
	IsPlaying  bool   `json:"is_playing"`
	ProgressMs int64  `json:"progress_ms"`
	Item       *track `json:"item"`
}

type playHistoryResp struct {
	Items []struct {
		Track *track `json:"track"`
	} `json:"items"`
}

type profileResp struct {
	DisplayName  string       `json:"display_name"`
	Images       []image      `json:"images"`
	ExternalURLs externalURLs `json:"external_urls"`
}

// pickImage return the image at the preferred index, or the first one if not present
func pickImage(images []image, preferred int) string {
	if preferred < len(images) && images[preferred].URL != "" {
		return images[preferred].URL
	}
	if len(images) > 0 {
		return images[0].URL
	}
	return ""
}

func joinArtists(artists []artist) string {
	names := make([]string, 0, len(artists))
	for _, a := range artists {
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}
	return strings.Join(names, ", ")
}

// ParseRetryAfter parse a Retry-After header value, either delay seconds or an HTTP date
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if delay := at.Sub(now); delay > 0 {
			return delay
		}
	}
	return 0
}

// ========================================================================================

// get perform a GET against the upstream API
//
// Returns the response status and body. Non-success statuses are converted to
// *common.UpstreamError, except for the ones listed in passthrough.
func (c *clientImpl) get(
	ctx context.Context, operation, token, path string, passthrough ...int,
) (int, []byte, error) {
	logTags := c.GetLogTagsForContext(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, &common.UpstreamError{Operation: operation, Err: err}
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Upstream %s query failed", operation)
		return 0, nil, &common.UpstreamError{Operation: operation, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &common.UpstreamError{
			Operation: operation, StatusCode: resp.StatusCode, Err: err,
		}
	}

	for _, code := range passthrough {
		if resp.StatusCode == code {
			return resp.StatusCode, body, nil
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upstreamErr := &common.UpstreamError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response status %s", resp.Status),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			upstreamErr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			log.WithFields(logTags).Warnf(
				"Upstream %s query rate limited, retry after %s", operation, upstreamErr.RetryAfter,
			)
		} else {
			log.WithFields(logTags).Errorf("Upstream %s query returned %d", operation, resp.StatusCode)
		}
		return resp.StatusCode, body, upstreamErr
	}
	return resp.StatusCode, body, nil
}

// CurrentlyPlaying fetch the currently active item. Returns nil if nothing is playing.
func (c *clientImpl) CurrentlyPlaying(ctx context.Context, token string) (*common.NowPlaying, error) {
	status, body, err := c.get(
		ctx,
		OperationStatus,
		token,
		"/me/player/currently-playing",
		http.StatusNoContent,
		http.StatusAccepted,
	)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || status == http.StatusAccepted || len(body) == 0 {
		return nil, nil
	}

	var parsed currentlyPlayingResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &common.UpstreamError{Operation: OperationStatus, StatusCode: status, Err: err}
	}
	// A paused item is reported as not playing
	if parsed.Item == nil || !parsed.IsPlaying {
		return nil, nil
	}
	item := parsed.Item
	return &common.NowPlaying{
		Name:     item.Name,
		Artist:   joinArtists(item.Artists),
		Album:    item.Album.Name,
		Image:    pickImage(item.Album.Images, 1),
		URL:      item.ExternalURLs.Spotify,
		Progress: parsed.ProgressMs,
		Duration: item.DurationMs,
	}, nil
}

// RecentlyPlayed fetch up to limit recently played items, newest first
func (c *clientImpl) RecentlyPlayed(
	ctx context.Context, token string, limit int,
) ([]common.HistoryItem, error) {
	status, body, err := c.get(
		ctx, OperationHistory, token, fmt.Sprintf("/me/player/recently-played?limit=%d", limit),
	)
	if err != nil {
		return nil, err
	}
	history := []common.HistoryItem{}
	if len(body) == 0 {
		return history, nil
	}
	var parsed playHistoryResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &common.UpstreamError{Operation: OperationHistory, StatusCode: status, Err: err}
	}
	for _, entry := range parsed.Items {
		if entry.Track == nil {
			continue
		}
		history = append(history, common.HistoryItem{
			Name:   entry.Track.Name,
			Artist: joinArtists(entry.Track.Artists),
			Image:  pickImage(entry.Track.Album.Images, 2),
			URL:    entry.Track.ExternalURLs.Spotify,
		})
		if len(history) >= limit {
			break
		}
	}
	return history, nil
}

// Profile fetch the identity of the account owning the token
func (c *clientImpl) Profile(ctx context.Context, token string) (common.Profile, error) {
	status, body, err := c.get(ctx, OperationProfile, token, "/me")
	if err != nil {
		return common.Profile{}, err
	}
	if len(body) == 0 {
		return common.Profile{}, &common.UpstreamError{
			Operation: OperationProfile, StatusCode: status, Err: fmt.Errorf("empty profile"),
		}
	}
	var parsed profileResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return common.Profile{}, &common.UpstreamError{
			Operation: OperationProfile, StatusCode: status, Err: err,
		}
	}
	return common.Profile{
		DisplayName: parsed.DisplayName,
		Avatar:      pickImage(parsed.Images, 0),
		ProfileURL:  parsed.ExternalURLs.Spotify,
	}, nil
}
