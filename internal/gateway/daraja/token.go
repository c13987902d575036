package daraja

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"schoolpay/internal/gateway"
)

// renewMargin: a token this close to expiry is treated as stale so a
// renewal starts before in-flight requests can race the deadline.
const renewMargin = 5 * time.Minute

// tokenSource caches the Daraja OAuth bearer token. Renewal is
// single-flight: concurrent callers with a stale token wait on one
// in-flight fetch instead of each hitting the token endpoint.
type tokenSource struct {
	key    string
	secret string
	base   string
	http   *httpClient

	sf singleflight.Group

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func newTokenSource(key, secret, base string, hc *httpClient) *tokenSource {
	return &tokenSource{key: key, secret: secret, base: base, http: hc}
}

func (t *tokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := t.cached(); ok {
		return tok, nil
	}

	v, err, _ := t.sf.Do("token", func() (any, error) {
		// A renewal that finished while we queued serves us too.
		if tok, ok := t.cached(); ok {
			return tok, nil
		}
		// The fetch serves every queued waiter, not just the caller
		// that opened the flight; its cancellation must not fail the
		// rest. The HTTP client's timeout still bounds the request.
		tok, expiresAt, err := t.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		t.mu.Lock()
		t.token = tok
		t.expiresAt = expiresAt
		t.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (t *tokenSource) cached() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.token != "" && time.Until(t.expiresAt) > renewMargin {
		return t.token, true
	}
	return "", false
}

func (t *tokenSource) fetch(ctx context.Context) (string, time.Time, error) {
	url := t.base + "/oauth/v1/generate?grant_type=client_credentials"
	auth := basicAuth(t.key, t.secret)

	status, body, err := t.http.get(ctx, url, map[string]string{"Authorization": "Basic " + auth})
	if err != nil {
		return "", time.Time{}, &gateway.Error{
			Code:      gateway.ErrAuthFailed,
			Message:   fmt.Sprintf("token request failed: %v", err),
			Retryable: true,
		}
	}
	if status != 200 {
		return "", time.Time{}, &gateway.Error{
			Code:      gateway.ErrAuthFailed,
			Message:   fmt.Sprintf("token endpoint returned %d: %s", status, string(body)),
			Retryable: status >= 500,
		}
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", time.Time{}, &gateway.Error{
			Code:    gateway.ErrAuthFailed,
			Message: fmt.Sprintf("failed to parse token response: %v", err),
		}
	}
	if out.AccessToken == "" {
		return "", time.Time{}, &gateway.Error{
			Code:    gateway.ErrAuthFailed,
			Message: "token endpoint returned no access_token",
		}
	}

	expiresIn, err := strconv.Atoi(out.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 3600
	}
	return out.AccessToken, time.Now().Add(time.Duration(expiresIn) * time.Second), nil
}
