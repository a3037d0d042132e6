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
	"fmt"
	"time"
)

// HistoryItem one recently played item
type HistoryItem struct {
	// Name is the display name of the item
	Name string `json:"name"`
	// Artist is the secondary label, the joined artist names
	Artist string `json:"artist"`
	// Image is the artwork URL
	Image string `json:"image,omitempty"`
	// URL is the external link to the item
	URL string `json:"url,omitempty"`
}

// Profile identity of the tracked upstream account
type Profile struct {
	// DisplayName is the display name
	DisplayName string `json:"profileName,omitempty"`
	// Avatar is the avatar image URL
	Avatar string `json:"profileAvatar,omitempty"`
	// ProfileURL is the external profile URL
	ProfileURL string `json:"profileUrl,omitempty"`
}

// NowPlaying the currently active item. Only set when something is playing.
type NowPlaying struct {
	// Name is the item name
	Name string `json:"name,omitempty"`
	// Artist is the joined artist list
	Artist string `json:"artist,omitempty"`
	// Album is the collection the item belongs to
	Album string `json:"album,omitempty"`
	// Image is the best available artwork URL
	Image string `json:"image,omitempty"`
	// URL is the external link to the item
	URL string `json:"url,omitempty"`
	// Progress is the elapsed position in ms
	Progress int64 `json:"progress"`
	// Duration is the total duration in ms
	Duration int64 `json:"duration"`
}

// Snapshot the best known current state of the upstream activity
//
// A Snapshot is never modified once handed to the storage; a new one replaces it.
type Snapshot struct {
	// Playing is the activity tag
	Playing bool `json:"playing"`
	// NowPlaying the active item, nil unless playing
	*NowPlaying
	// Online is whether the status query reached the upstream and got a usable answer
	Online bool `json:"online"`
	// RecentTracks is the recent history, newest first
	RecentTracks []HistoryItem `json:"recentTracks"`
	Profile
	// UpdatedAt is when the snapshot was produced
	UpdatedAt time.Time `json:"updatedAt"`
}

// NotPlayingSnapshot define a snapshot tagged not-playing
func NotPlayingSnapshot(online bool, at time.Time) *Snapshot {
	return &Snapshot{Playing: false, Online: online, RecentTracks: []HistoryItem{}, UpdatedAt: at}
}

// PlayingSnapshot define a snapshot tagged playing
func PlayingSnapshot(item NowPlaying, at time.Time) *Snapshot {
	return &Snapshot{
		Playing: true, NowPlaying: &item, Online: true, RecentTracks: []HistoryItem{}, UpdatedAt: at,
	}
}

// WithAuxiliary return a copy of the snapshot with the auxiliary fields merged in
func (s Snapshot) WithAuxiliary(history []HistoryItem, profile Profile) *Snapshot {
	merged := s
	merged.RecentTracks = make([]HistoryItem, len(history))
	copy(merged.RecentTracks, history)
	merged.Profile = profile
	return &merged
}

// String toString function
func (s Snapshot) String() string {
	if !s.Playing || s.NowPlaying == nil {
		return fmt.Sprintf("NOT-PLAYING[online:%v]@%s", s.Online, s.UpdatedAt.Format(time.RFC3339))
	}
	return fmt.Sprintf(
		"PLAYING['%s' by '%s' %d/%d]@%s",
		s.Name, s.Artist, s.Progress, s.Duration, s.UpdatedAt.Format(time.RFC3339),
	)
}
