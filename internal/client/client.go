// Package client talks to a running formrelay control plane over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/formrelay/pkg/types"
)

// Actions accepted by Command.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionStop   = "stop"
)

// ErrUnknownAction is returned by Command for anything but pause, resume or stop.
var ErrUnknownAction = errors.New("client: unknown action")

// APIError is a non-2xx answer from the control plane.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.Status, e.Message)
}

// Client is a small control plane client.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for the server at base, e.g. "http://localhost:8080".
func New(base string) *Client {
	base = strings.TrimRight(base, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: 10 * time.Second}}
}

// Base returns the server address.
func (c *Client) Base() string { return c.base }

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (types.StatusSnapshot, error) {
	var st types.StatusSnapshot
	err := c.do(ctx, http.MethodGet, "/status", &st)
	return st, err
}

// Results fetches GET /results.
func (c *Client) Results(ctx context.Context) (types.RunResult, error) {
	var r types.RunResult
	err := c.do(ctx, http.MethodGet, "/results", &r)
	return r, err
}

// Command posts one of the run control actions.
func (c *Client) Command(ctx context.Context, action string) error {
	switch action {
	case ActionPause, ActionResume, ActionStop:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return c.do(ctx, http.MethodPost, "/"+action, nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
