package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StatusError is returned when the bridge answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d body=%q", e.Code, e.Body)
}

// BridgeClient speaks JSON over HTTP to a protocol bridge sidecar.
type BridgeClient struct {
	baseURL string
	header  http.Header
	client  *http.Client
}

type Option func(*BridgeClient)

func WithHTTPClient(c *http.Client) Option {
	return func(b *BridgeClient) {
		if c != nil {
			b.client = c
		}
	}
}

func WithHeader(key, value string) Option {
	return func(b *BridgeClient) {
		b.header.Set(key, value)
	}
}

func NewBridgeClient(baseURL string, opts ...Option) *BridgeClient {
	b := &BridgeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  http.Header{},
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do sends in as the JSON body (when non-nil) and decodes the response into
// out (when non-nil).
func (c *BridgeClient) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		reqBody, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode json: %w body=%q", err, string(respBody))
	}
	return nil
}
