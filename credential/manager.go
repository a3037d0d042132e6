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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/kuchizu/nowplaying/common"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Credential a bearer token with its absolute expiry
type Credential struct {
	// Token is the opaque bearer string
	Token string
	// ExpiresAt is when the token stops being accepted. Zero if the token
	// end-point did not report a lifetime.
	ExpiresAt time.Time
}

// TokenProvider source of valid bearer tokens
type TokenProvider interface {
	// GetValidToken return a token which is valid for at least the safety margin.
	// Fails with *common.AuthError if a refresh was needed and failed.
	GetValidToken(ctx context.Context) (string, error)
}

// Manager owns the bearer credential of the tracked account and refreshes it
// from the long lived refresh secret
type Manager interface {
	TokenProvider
	// Cached return the currently cached credential, if any
	Cached() (Credential, bool)
}

// managerImpl implements Manager
type managerImpl struct {
	goutils.Component
	oauth        oauth2.Config
	client       *http.Client
	safetyMargin time.Duration
	now          func() time.Time

	lock         sync.RWMutex
	current      *Credential
	refreshToken string

	flight singleflight.Group
}

// GetManager define a new credential Manager
func GetManager(
	creds common.SpotifyCredentials,
	tokenURL string,
	safetyMargin time.Duration,
	client *http.Client,
) (Manager, error) {
	if !creds.Configured() {
		return nil, common.ErrNotConfigured
	}
	logTags := log.Fields{
		"module": "credential", "component": "manager", "instance": creds.ClientID,
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &managerImpl{
		Component: goutils.Component{LogTags: logTags},
		oauth: oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		client:       client,
		safetyMargin: safetyMargin,
		now:          time.Now,
		refreshToken: creds.RefreshToken,
	}, nil
}

// Cached return the currently cached credential, if any
func (m *managerImpl) Cached() (Credential, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.current == nil {
		return Credential{}, false
	}
	return *m.current, true
}

// usable return the cached token if its remaining lifetime exceeds the safety margin
func (m *managerImpl) usable() (string, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.current == nil || m.current.ExpiresAt.IsZero() {
		return "", false
	}
	if m.current.ExpiresAt.Sub(m.now()) <= m.safetyMargin {
		return "", false
	}
	return m.current.Token, true
}

// GetValidToken return a token which is valid for at least the safety margin
func (m *managerImpl) GetValidToken(ctx context.Context) (string, error) {
	if token, ok := m.usable(); ok {
		return token, nil
	}
	// Concurrent callers share one refresh call
	result, err, shared := m.flight.Do("refresh", func() (interface{}, error) {
		if token, ok := m.usable(); ok {
			return token, nil
		}
		return m.refresh(ctx)
	})
	if shared {
		log.WithFields(m.LogTags).Debug("Shared in-flight token refresh")
	}
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// refresh exchange the refresh secret for a new bearer token
func (m *managerImpl) refresh(ctx context.Context) (string, error) {
	m.lock.RLock()
	refreshToken := m.refreshToken
	m.lock.RUnlock()

	callCtxt := context.WithValue(ctx, oauth2.HTTPClient, m.client)
	// The seed token carries no access token, so the source always calls the token end-point
	source := m.oauth.TokenSource(callCtxt, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		authErr := &common.AuthError{Err: err}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			authErr.StatusCode = retrieveErr.Response.StatusCode
		}
		log.WithError(err).WithFields(m.LogTags).Error("Token refresh failed")
		return "", authErr
	}

	refreshed := &Credential{Token: token.AccessToken, ExpiresAt: token.Expiry}
	m.lock.Lock()
	m.current = refreshed
	if token.RefreshToken != "" && token.RefreshToken != m.refreshToken {
		log.WithFields(m.LogTags).Info("Refresh secret rotated by token end-point")
		m.refreshToken = token.RefreshToken
	}
	m.lock.Unlock()

	if refreshed.ExpiresAt.IsZero() {
		log.WithFields(m.LogTags).Warn("Token end-point did not report a lifetime")
	} else {
		log.WithFields(m.LogTags).Debugf(
			"Refreshed token valid until %s", refreshed.ExpiresAt.Format(time.RFC3339),
		)
	}
	return refreshed.Token, nil
}
