// Package client is the HTTP client for the taskhub API, used by the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/taskhub/taskhub/internal/orchestrator"
	"github.com/taskhub/taskhub/pkg/cerr"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Submit(ctx context.Context, description, requester, priority string) (*orchestrator.SubmitResult, error) {
	var res orchestrator.SubmitResult
	err := c.do(ctx, http.MethodPost, "/api/tasks", map[string]string{
		"description": description,
		"requester":   requester,
		"priority":    priority,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Clarify(ctx context.Context, token string, answers []string) (*orchestrator.Snapshot, error) {
	var snap orchestrator.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(token)+"/clarify",
		map[string]any{"answers": answers}, &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Query(ctx context.Context, token string) (*orchestrator.Snapshot, error) {
	var snap orchestrator.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(token), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) List(ctx context.Context, limit int) ([]*orchestrator.Snapshot, error) {
	var res struct {
		Tasks []*orchestrator.Snapshot `json:"tasks"`
	}
	path := "/api/tasks"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Tasks, nil
}

func (c *Client) Cancel(ctx context.Context, token string) (*orchestrator.Snapshot, error) {
	var snap orchestrator.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(token)+"/cancel", struct{}{}, &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Approve(ctx context.Context, reviewID, actor string) (*orchestrator.Snapshot, error) {
	var snap orchestrator.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/reviews/"+url.PathEscape(reviewID)+"/approve",
		map[string]string{"actor": actor}, &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Reject(ctx context.Context, reviewID, reason, actor string) (*orchestrator.Snapshot, error) {
	var snap orchestrator.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/reviews/"+url.PathEscape(reviewID)+"/reject",
		map[string]string{"actor": actor, "reason": reason}, &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Status(ctx context.Context) (*orchestrator.SystemStatus, error) {
	var status orchestrator.SystemStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return cerr.NewError(cerr.Internal, "failed to encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return cerr.NewError(cerr.Internal, "failed to build request", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return cerr.NewError(cerr.Unavailable, "server unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return cerr.NewError(cerr.Unavailable, "failed to read response", err)
	}

	if resp.StatusCode >= 400 {
		var wireErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &wireErr); err != nil || wireErr.Code == "" {
			return cerr.NewError(cerr.Unknown,
				fmt.Sprintf("server returned status %d", resp.StatusCode), nil)
		}
		return cerr.NewError(cerr.CodeFromString(wireErr.Code), wireErr.Message, nil)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return cerr.NewError(cerr.Internal, "failed to decode response", err)
	}
	return nil
}
