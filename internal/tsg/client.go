package tsg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the timingd REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Details)
}

// Login exchanges operator credentials for an access token and keeps it for
// later calls.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", "application/json", bytes.NewReader(body), &resp); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	c.token = resp.AccessToken
	return nil
}

// Session is the part of a server session the client needs.
type Session struct {
	ID       string `json:"id"`
	Slot     int    `json:"slot"`
	SlotName string `json:"slot_name"`
	Kind     string `json:"kind"`
}

func (c *Client) OpenSession(ctx context.Context, slot string) (*Session, error) {
	body, _ := json.Marshal(map[string]string{"slot": slot})

	var s Session
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions", "application/json", bytes.NewReader(body), &s); err != nil {
		return nil, fmt.Errorf("failed to open session on %s: %w", slot, err)
	}
	return &s, nil
}

// CardInfo is the part of GET /card the runner checks before a run.
type CardInfo struct {
	Attached            bool   `json:"attached"`
	DMABufferBytes      int    `json:"dma_buffer_bytes"`
	BulkState           string `json:"bulk_state"`
	CompletionInterrupt bool   `json:"completion_interrupt"`
}

func (c *Client) CardInfo(ctx context.Context) (*CardInfo, error) {
	var resp struct {
		Status CardInfo `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/card", "", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get card: %w", err)
	}
	return &resp.Status, nil
}

func (c *Client) CloseSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+id, "", nil, nil)
}

// Write sends data as the raw body of one write call and returns the count
// the server reports.
func (c *Client) Write(ctx context.Context, id string, data []byte) (int, error) {
	path := "/api/v1/sessions/" + id + "/write?count=" + strconv.Itoa(len(data))

	var resp struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodPost, path, "application/octet-stream", bytes.NewReader(data), &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Wait blocks until the session's bulk transfer completes, up to timeout on
// the server side. A zero timeout uses the server default.
func (c *Client) Wait(ctx context.Context, id string, timeout time.Duration) error {
	path := "/api/v1/sessions/" + id + "/wait"
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
	}
	return c.do(ctx, http.MethodPost, path, "", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error APIError `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		payload.Error.Status = resp.StatusCode
		return &payload.Error
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
