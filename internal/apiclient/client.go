// Package apiclient talks to the ShadowFlow task API.
package apiclient

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

	"github.com/BuzzLyutic/shadowflow/internal/model"
)

// DefaultClientTimeout is the default timeout for CRUD requests. The change
// stream is not subject to it.
const DefaultClientTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the client used for both CRUD and streaming calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
		c.streamClient = hc
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: DefaultClientTimeout},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListTasks fetches the caller's tasks, newest first, limited to f.
func (c *Client) ListTasks(ctx context.Context, token string, f model.Filter) ([]model.Task, error) {
	path := "/tasks"
	if f != "" && f != model.FilterAll {
		path += "?filter=" + url.QueryEscape(string(f))
	}

	var tasks []model.Task
	if err := c.do(ctx, http.MethodGet, path, token, nil, &tasks); err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	return tasks, nil
}

func (c *Client) CreateTask(ctx context.Context, token, title string) (model.Task, error) {
	var t model.Task
	err := c.do(ctx, http.MethodPost, "/tasks", token, model.CreateTaskRequest{Title: title}, &t)
	return t, err
}

func (c *Client) UpdateTask(ctx context.Context, token, id string, patch model.TaskPatch) (model.Task, error) {
	var t model.Task
	err := c.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(id), token, patch, &t)
	return t, err
}

func (c *Client) DeleteTask(ctx context.Context, token, id string) error {
	var resp model.DeleteResponse
	if err := c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), token, nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return newError(http.StatusOK, "delete not acknowledged")
	}
	return nil
}

// OpenChanges opens the server-sent change stream. The caller owns the body.
func (c *Client) OpenChanges(ctx context.Context, token string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/tasks/changes", token, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, transportError("open change stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errorFromResponse(resp)
	}
	return resp.Body, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, body interface{}) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, token, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transportError("decode "+method+" "+path, err)
	}
	return nil
}

func errorFromResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return newError(resp.StatusCode, msg)
}
