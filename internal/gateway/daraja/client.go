package daraja

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// httpClient wraps the shared timeout-bound client used for every
// outbound Daraja call.
type httpClient struct {
	c    *http.Client
	name string
}

func newHTTPClient(name string, timeout time.Duration) *httpClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &httpClient{
		c:    &http.Client{Timeout: timeout},
		name: name,
	}
}

func (c *httpClient) postJSON(ctx context.Context, url string, payload any, headers map[string]string) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	log.Debug().
		Str("provider", c.name).
		Str("method", "POST").
		Str("url", url).
		Msg("making HTTP request")

	resp, err := c.c.Do(req)
	if err != nil {
		log.Error().
			Str("provider", c.name).
			Str("url", url).
			Err(err).
			Msg("HTTP request failed")
		return 0, nil, err
	}
	return c.readResponse(resp)
}

func (c *httpClient) get(ctx context.Context, url string, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	log.Debug().
		Str("provider", c.name).
		Str("method", "GET").
		Str("url", url).
		Msg("making HTTP request")

	resp, err := c.c.Do(req)
	if err != nil {
		log.Error().
			Str("provider", c.name).
			Str("url", url).
			Err(err).
			Msg("HTTP request failed")
		return 0, nil, err
	}
	return c.readResponse(resp)
}

func (c *httpClient) readResponse(resp *http.Response) (int, []byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	log.Debug().
		Str("provider", c.name).
		Int("status_code", resp.StatusCode).
		Int("body_length", len(body)).
		Msg("received HTTP response")

	return resp.StatusCode, body, nil
}
