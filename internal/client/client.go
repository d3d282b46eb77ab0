// Package client triggers runs on a scriptbridge listener.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dshills/scriptbridge/internal/logging"
	"github.com/dshills/scriptbridge/internal/request"
)

// DefaultAddress is the listener's default address.
const DefaultAddress = "127.0.0.1:8181"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 64 << 10

// StatusError is a non-200 answer from the listener.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("listener answered %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("listener answered %d: %s", e.Code, body)
}

// Options configures a Client.
type Options struct {
	// Address is the listener host:port. Defaults to DefaultAddress.
	Address string

	// HTTPClient sends the requests. Defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	// Debounce is the quiet period Watch waits for after a change.
	// Defaults to DefaultDebounce.
	Debounce time.Duration

	Logger *logging.Logger
}

// Client posts run requests.
type Client struct {
	url      string
	http     *http.Client
	debounce time.Duration
	log      *logging.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = logging.Null()
	}
	url := opts.Address
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	return &Client{
		url:      url,
		http:     opts.HTTPClient,
		debounce: opts.Debounce,
		log:      opts.Logger.WithComponent("client"),
	}
}

// URL returns the endpoint requests are posted to.
func (c *Client) URL() string {
	return c.url
}

// Trigger asks the listener to run req. A nil error means the run was
// queued; the outcome of the run itself is not reported.
func (c *Client) Trigger(ctx context.Context, req request.RunRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	body, err := req.Encode()
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	c.log.Debug("queued %s", req.ScriptPath())
	return nil
}
