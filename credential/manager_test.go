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

package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/kuchizu/nowplaying/common"
	"github.com/stretchr/testify/assert"
)

// tokenEndpoint test double of the upstream token end-point
type tokenEndpoint struct {
	calls     atomic.Int32
	lock      sync.Mutex
	status    int
	body      string
	delay     time.Duration
	lastForm  map[string]string
	lastBasic bool
}

func (e *tokenEndpoint) respond(status int, body string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.status = status
	e.body = body
}

func (e *tokenEndpoint) form(key string) string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.lastForm[key]
}

func (e *tokenEndpoint) usedBasicAuth() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.lastBasic
}

func (e *tokenEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.calls.Add(1)
	_ = r.ParseForm()
	e.lock.Lock()
	e.lastForm = map[string]string{
		"grant_type":    r.PostForm.Get("grant_type"),
		"refresh_token": r.PostForm.Get("refresh_token"),
	}
	_, _, e.lastBasic = r.BasicAuth()
	status, body, delay := e.status, e.body, e.delay
	e.lock.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func defineTestManager(t *testing.T, endpoint *tokenEndpoint) (*managerImpl, func()) {
	server := httptest.NewServer(endpoint)
	uut, err := GetManager(
		common.SpotifyCredentials{
			ClientID: "client", ClientSecret: "secret", RefreshToken: "refresh-0",
		},
		server.URL,
		time.Second*60,
		server.Client(),
	)
	assert.Nil(t, err)
	return uut.(*managerImpl), server.Close
}

func TestManagerNotConfigured(t *testing.T) {
	assert := assert.New(t)

	_, err := GetManager(common.SpotifyCredentials{ClientID: "client"}, "http://localhost", 0, nil)
	assert.True(errors.Is(err, common.ErrNotConfigured))
}

func TestManagerReuseCachedToken(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	endpoint := &tokenEndpoint{}
	endpoint.respond(http.StatusOK, `{"access_token":"token-1","token_type":"Bearer","expires_in":3600}`)
	uut, cleanup := defineTestManager(t, endpoint)
	defer cleanup()

	ctxt := context.Background()

	// Case 0: first call performs a refresh
	{
		token, err := uut.GetValidToken(ctxt)
		assert.Nil(err)
		assert.Equal("token-1", token)
		assert.Equal(int32(1), endpoint.calls.Load())
		assert.Equal("refresh_token", endpoint.form("grant_type"))
		assert.Equal("refresh-0", endpoint.form("refresh_token"))
		assert.True(endpoint.usedBasicAuth())
	}

	// Case 1: token valid for more than the margin is reused without a network call
	{
		for itr := 0; itr < 5; itr++ {
			token, err := uut.GetValidToken(ctxt)
			assert.Nil(err)
			assert.Equal("token-1", token)
		}
		assert.Equal(int32(1), endpoint.calls.Load())
		cached, ok := uut.Cached()
		assert.True(ok)
		assert.Equal("token-1", cached.Token)
	}
}

func TestManagerRefreshBoundary(t *testing.T) {
	assert := assert.New(t)

	endpoint := &tokenEndpoint{}
	uut, cleanup := defineTestManager(t, endpoint)
	defer cleanup()

	ctxt := context.Background()
	baseTime := time.Now()
	uut.now = func() time.Time { return baseTime }

	// Case 0: cached token expiring in 59 seconds triggers exactly one refresh
	{
		uut.current = &Credential{Token: "old", ExpiresAt: baseTime.Add(time.Second * 59)}
		endpoint.respond(http.StatusOK, `{"access_token":"new","token_type":"Bearer","expires_in":3600}`)
		token, err := uut.GetValidToken(ctxt)
		assert.Nil(err)
		assert.Equal("new", token)
		assert.Equal(int32(1), endpoint.calls.Load())
	}

	// Case 1: cached token expiring in 61 seconds is reused
	{
		uut.current = &Credential{Token: "still-good", ExpiresAt: baseTime.Add(time.Second * 61)}
		token, err := uut.GetValidToken(ctxt)
		assert.Nil(err)
		assert.Equal("still-good", token)
		assert.Equal(int32(1), endpoint.calls.Load())
	}

	// Case 2: expired token triggers a refresh
	{
		uut.current = &Credential{Token: "expired", ExpiresAt: baseTime.Add(-time.Second)}
		token, err := uut.GetValidToken(ctxt)
		assert.Nil(err)
		assert.Equal("new", token)
		assert.Equal(int32(2), endpoint.calls.Load())
	}
}

func TestManagerRefreshFailure(t *testing.T) {
	assert := assert.New(t)

	endpoint := &tokenEndpoint{}
	uut, cleanup := defineTestManager(t, endpoint)
	defer cleanup()

	ctxt := context.Background()
	baseTime := time.Now()
	uut.now = func() time.Time { return baseTime }
	stale := &Credential{Token: "stale", ExpiresAt: baseTime.Add(time.Second * 30)}
	uut.current = stale

	// Case 0: non-success status
	{
		endpoint.respond(http.StatusBadRequest, `{"error":"invalid_grant"}`)
		_, err := uut.GetValidToken(ctxt)
		assert.NotNil(err)
		var authErr *common.AuthError
		assert.True(errors.As(err, &authErr))
		assert.Equal(http.StatusBadRequest, authErr.StatusCode)
		// Previously cached credential is left untouched
		cached, ok := uut.Cached()
		assert.True(ok)
		assert.Equal(*stale, cached)
	}

	// Case 1: malformed response
	{
		endpoint.respond(http.StatusOK, `{"token_type":"Bearer"`)
		_, err := uut.GetValidToken(ctxt)
		var authErr *common.AuthError
		assert.True(errors.As(err, &authErr))
		cached, _ := uut.Cached()
		assert.Equal("stale", cached.Token)
	}

	// Case 2: response without an access token
	{
		endpoint.respond(http.StatusOK, `{"expires_in":3600}`)
		_, err := uut.GetValidToken(ctxt)
		var authErr *common.AuthError
		assert.True(errors.As(err, &authErr))
	}

	// Case 3: token end-point unreachable
	{
		unreachable, err := GetManager(
			common.SpotifyCredentials{ClientID: "a", ClientSecret: "b", RefreshToken: "c"},
			"http://127.0.0.1:1/token",
			time.Second*60,
			&http.Client{Timeout: time.Millisecond * 200},
		)
		assert.Nil(err)
		_, err = unreachable.GetValidToken(ctxt)
		var authErr *common.AuthError
		assert.True(errors.As(err, &authErr))
		assert.Equal(0, authErr.StatusCode)
	}
}

func TestManagerRefreshTokenRotation(t *testing.T) {
	assert := assert.New(t)

	endpoint := &tokenEndpoint{}
	uut, cleanup := defineTestManager(t, endpoint)
	defer cleanup()

	ctxt := context.Background()

	endpoint.respond(
		http.StatusOK,
		`{"access_token":"t1","token_type":"Bearer","expires_in":30,"refresh_token":"refresh-1"}`,
	)
	_, err := uut.GetValidToken(ctxt)
	assert.Nil(err)
	assert.Equal("refresh-0", endpoint.form("refresh_token"))

	// Lifetime below the margin, so the next call refreshes with the rotated secret
	_, err = uut.GetValidToken(ctxt)
	assert.Nil(err)
	assert.Equal("refresh-1", endpoint.form("refresh_token"))
	assert.Equal(int32(2), endpoint.calls.Load())
}

func TestManagerSingleFlightRefresh(t *testing.T) {
	assert := assert.New(t)

	endpoint := &tokenEndpoint{delay: time.Millisecond * 100}
	endpoint.respond(http.StatusOK, `{"access_token":"shared","token_type":"Bearer","expires_in":3600}`)
	uut, cleanup := defineTestManager(t, endpoint)
	defer cleanup()

	wg := sync.WaitGroup{}
	results := make(chan string, 8)
	for itr := 0; itr < 8; itr++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := uut.GetValidToken(context.Background())
			if err != nil {
				results <- fmt.Sprintf("error: %s", err)
				return
			}
			results <- token
		}()
	}
	wg.Wait()
	close(results)

	for token := range results {
		assert.Equal("shared", token)
	}
	assert.Equal(int32(1), endpoint.calls.Load())
}
