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
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotConfigured the upstream credentials are not configured
var ErrNotConfigured = errors.New("upstream credentials not configured")

// AuthError credential refresh failed
type AuthError struct {
	// StatusCode is the token end-point response code, zero if no response
	StatusCode int
	Err        error
}

// Error implements error
func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("credential refresh failed [%d]: %s", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("credential refresh failed: %s", e.Err)
}

// Unwrap return the cause
func (e *AuthError) Unwrap() error {
	return e.Err
}

// UpstreamError an upstream status / history / profile query failed
type UpstreamError struct {
	// Operation is the upstream query which failed
	Operation string
	// StatusCode is the upstream response code, zero if no response
	StatusCode int
	// RetryAfter is the delay advertised by the upstream on rate limiting
	RetryAfter time.Duration
	Err        error
}

// Error implements error
func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s failed [%d]: %s", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s failed: %s", e.Operation, e.Err)
}

// Unwrap return the cause
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// RateLimited whether the upstream rejected the query for exceeding its rate limit
func (e *UpstreamError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsRateLimited helper function to check whether an error is an upstream rate limit
// rejection. Returns the advertised retry delay if so.
func IsRateLimited(err error) (time.Duration, bool) {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) && upstreamErr.RateLimited() {
		return upstreamErr.RetryAfter, true
	}
	return 0, false
}

// TransportError writing to a subscriber channel failed
type TransportError struct {
	// SubscriberID is the subscriber which failed
	SubscriberID string
	Err          error
}

// Error implements error
func (e *TransportError) Error() string {
	return fmt.Sprintf("subscriber %s write failed: %s", e.SubscriberID, e.Err)
}

// Unwrap return the cause
func (e *TransportError) Unwrap() error {
	return e.Err
}
