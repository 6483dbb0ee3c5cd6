package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/berth-dev/berth/internal/buildinfo"
)

const (
	defaultSocketPath     = "/run/berth/berthd.sock"
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 4 << 20
)

// defaultSocket returns BERTH_SOCKET when set, the standard path otherwise.
func defaultSocket() string {
	if s := strings.TrimSpace(os.Getenv("BERTH_SOCKET")); s != "" {
		return s
	}
	return defaultSocketPath
}

// apiClient speaks HTTP to berthd over its unix socket.
type apiClient struct {
	socketPath string
	httpClient *http.Client
	timeout    time.Duration
}

// apiError is a non-2xx response from the control API.
type apiError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details"`
}

func (e *apiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", e.Status)
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	return msg
}

func newAPIClient(socketPath string, timeout time.Duration) *apiClient {
	path := socketPath
	if path == "" {
		path = defaultSocketPath
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return &apiClient{
		socketPath: path,
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
	}
}

// withTimeout returns a copy of the client using timeout for its requests.
func (c *apiClient) withTimeout(timeout time.Duration) *apiClient {
	clone := *c
	clone.timeout = timeout
	return &clone
}

// doJSON sends payload (if any) as JSON and decodes the response into out
// (if non-nil).
func (c *apiClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://berthd"+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s via %s: %w", method, path, c.socketPath, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func parseAPIError(status int, data []byte) error {
	apiErr := &apiError{Status: status}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	return apiErr
}
