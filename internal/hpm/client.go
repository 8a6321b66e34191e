// Package hpm is a client for the package registry service that checks
// whether a module exists in the public npm registry and installs it into the
// worker's module path.
package hpm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/hookrelay/internal/log"
)

const (
	existsPath  = "/npm/exists"
	installPath = "/npm/install"

	// maxBodyBytes caps how much of a registry response is read.
	maxBodyBytes = 64 * 1024
)

// ErrUnexpectedStatus is returned when the registry answers with a non-2xx
// status and no body to show the client.
var ErrUnexpectedStatus = errors.New("unexpected registry status")

// Client talks to the registry service over HTTP form posts.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	// Concurrent existence checks for the same module share one request.
	checks singleflight.Group
}

// New returns a Client for the registry at baseURL (e.g. http://localhost:8888).
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  log.WithComponent("hpm"),
	}
}

// Exists asks the registry whether module is published. The trimmed response
// body is returned as-is: "true", "false", or a message meant for the client.
func (c *Client) Exists(ctx context.Context, module string) (string, error) {
	ch := c.checks.DoChan(module, func() (any, error) {
		// Detached so one caller going away does not fail the others sharing the call.
		return c.post(context.WithoutCancel(ctx), existsPath, url.Values{"packages": {module}})
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			c.logger.Debug("existence check shared", "module", module)
		}
		return res.Val.(string), nil
	}
}

// Install asks the registry to install module into where. The response body is ignored.
func (c *Client) Install(ctx context.Context, module, where string) error {
	_, err := c.post(ctx, installPath, url.Values{"packages": {module}, "where": {where}})
	return err
}

func (c *Client) post(ctx context.Context, path string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", path, err)
	}
	body := strings.TrimSpace(string(raw))

	c.logger.Debug("registry call",
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if body == "" {
			return "", fmt.Errorf("%w: %s returned %d", ErrUnexpectedStatus, path, resp.StatusCode)
		}
		c.logger.Warn("registry returned non-2xx with body", "path", path, "status", resp.StatusCode)
	}
	return body, nil
}
