// Package repository provides PocketBase REST API implementations
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// pbTimeLayout is how PocketBase renders datetime fields
	pbTimeLayout = "2006-01-02 15:04:05.000Z"
	// pbParseLayout accepts PocketBase datetimes with or without fractional seconds
	pbParseLayout = "2006-01-02 15:04:05Z07:00"

	perPage = 500
)

// StoreError is a failed PocketBase request, surfaced as-is to callers
type StoreError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Client is a thin PocketBase REST client shared by the repositories
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a PocketBase REST client
func NewClient(baseURL, authToken string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (c *Client) addAuthHeader(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", c.authToken)
	}
}

// do sends a request and decodes a 2xx JSON response into out (when non-nil)
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return &StoreError{Op: op, Err: err}
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &StoreError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addAuthHeader(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &StoreError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &StoreError{Op: op, Status: resp.StatusCode, Err: err}
	}
	c.logger.Debug("pocketbase request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StoreError{Op: op, Status: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &StoreError{Op: op, Status: resp.StatusCode, Err: err}
	}
	return nil
}

// listAll walks every page of a collection listing
func listAll[T any](ctx context.Context, c *Client, op, collection string, query url.Values) ([]T, error) {
	var all []T
	for page := 1; ; page++ {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("page", fmt.Sprint(page))
		q.Set("perPage", fmt.Sprint(perPage))
		q.Set("skipTotal", "1")

		var result struct {
			Items []T `json:"items"`
		}
		path := fmt.Sprintf("/api/collections/%s/records?%s", collection, q.Encode())
		if err := c.do(ctx, op, http.MethodGet, path, nil, &result); err != nil {
			return nil, err
		}
		all = append(all, result.Items...)
		if len(result.Items) < perPage {
			return all, nil
		}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(pbTimeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(pbParseLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// quote renders a string literal for a PocketBase filter expression
func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
