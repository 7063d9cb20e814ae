package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/artpar/keel/internal/core/domain"
	"github.com/artpar/keel/internal/shell/api"
	"github.com/artpar/keel/internal/shell/queue"
)

// =============================================================================
// Admin API Client
// =============================================================================

// APIError is an error response of the admin API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
}

// Client talks to the admin API of a running keel server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Deploy queues a deployment.
func (c *Client) Deploy(ctx context.Context, req api.EnqueueRequest) (queue.EnqueueResult, error) {
	var result queue.EnqueueResult
	err := c.do(ctx, http.MethodPost, "/api/v1/deployments", req, &result)
	return result, err
}

// Cancel cancels a queued or running deployment.
func (c *Client) Cancel(ctx context.Context, deploymentUUID string) (*domain.QueueEntry, error) {
	var entry domain.QueueEntry
	if err := c.do(ctx, http.MethodPost, "/api/v1/deployments/"+url.PathEscape(deploymentUUID)+"/cancel", nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ForceStart starts a queued deployment regardless of admission.
func (c *Client) ForceStart(ctx context.Context, deploymentUUID string) (*domain.QueueEntry, error) {
	var entry domain.QueueEntry
	if err := c.do(ctx, http.MethodPost, "/api/v1/deployments/"+url.PathEscape(deploymentUUID)+"/force-start", nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Logs returns the log lines of a deployment after the given order.
func (c *Client) Logs(ctx context.Context, deploymentUUID string, after int) (api.LogsResponse, error) {
	var page api.LogsResponse
	path := "/api/v1/deployments/" + url.PathEscape(deploymentUUID) + "/logs?after=" + strconv.Itoa(after)
	err := c.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

// FollowLogs streams log lines to fn until the deployment ends and returns
// its final status.
func (c *Client) FollowLogs(ctx context.Context, deploymentUUID string, after int, fn func(domain.LogEntry)) (domain.QueueStatus, error) {
	wsURL := c.baseURL + "/api/v1/deployments/" + url.PathEscape(deploymentUUID) + "/logs/ws?after=" + strconv.Itoa(after)
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return "", decodeAPIError(resp)
		}
		return "", fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	// Unblock the read when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var line domain.LogEntry
		if err := conn.ReadJSON(&line); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return domain.QueueStatus(closeErr.Text), nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("websocket read: %w", err)
		}
		fn(line)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: "unknown", Message: resp.Status}
	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Code, apiErr.Message = body.Code, body.Error
	}
	return apiErr
}
