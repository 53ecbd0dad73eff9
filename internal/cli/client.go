package cli

import (
	"bufio"
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

	"github.com/atulyaai/tantra/internal/api"
	"github.com/atulyaai/tantra/internal/events"
	"github.com/atulyaai/tantra/internal/model"
)

const requestTimeout = 30 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

// ListTasksOpts filters GET /v1/tasks.
type ListTasksOpts struct {
	Status string
	Limit  int
	Offset int
}

// Client is an HTTP client for the tantra API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout so event streams can stay open.
	streamClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: requestTimeout},
		streamClient: &http.Client{},
	}
}

// SubmitTask queues a task and returns its initial state.
func (c *Client) SubmitTask(ctx context.Context, req api.SubmitTaskRequest) (*model.Task, error) {
	var t model.Task
	err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &t)
	return &t, err
}

// GetTask returns a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &t)
	return &t, err
}

// CancelTask cancels a pending or running task.
func (c *Client) CancelTask(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+url.PathEscape(id), nil, &t)
	return &t, err
}

// ListTasks returns a page of tasks.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOpts) (*api.ListTasksResponse, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/v1/tasks"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp api.ListTasksResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return &resp, err
}

// WatchTask streams the task's events to fn until the task finishes, ctx is
// done or fn returns an error.
func (c *Client) WatchTask(ctx context.Context, id string, fn func(events.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tasks/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkError(resp); err != nil {
		return err
	}

	var name string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			name = v
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if name == "done" {
			return nil
		}

		var ev events.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ctx.Err()
}

// ListWorkers returns the registered workers. A non-empty capability limits
// the list to workers declaring it with a free slot, each with an estimate.
func (c *Client) ListWorkers(ctx context.Context, capability string) ([]api.WorkerView, error) {
	path := "/v1/workers"
	if capability != "" {
		path += "?" + url.Values{"capability": {capability}}.Encode()
	}

	var resp api.ListWorkersResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Workers, err
}

// Stats returns orchestrator and history statistics.
func (c *Client) Stats(ctx context.Context) (*api.StatsResponse, error) {
	var resp api.StatsResponse
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &resp)
	return &resp, err
}

// ListSchedules returns every schedule.
func (c *Client) ListSchedules(ctx context.Context) ([]api.ScheduleResponse, error) {
	var resp api.ListSchedulesResponse
	err := c.do(ctx, http.MethodGet, "/v1/schedules", nil, &resp)
	return resp.Schedules, err
}

// AddSchedule creates a schedule.
func (c *Client) AddSchedule(ctx context.Context, req api.ScheduleRequest) (*api.ScheduleResponse, error) {
	var s api.ScheduleResponse
	err := c.do(ctx, http.MethodPost, "/v1/schedules", req, &s)
	return &s, err
}

// RemoveSchedule deletes a schedule.
func (c *Client) RemoveSchedule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/schedules/"+url.PathEscape(id), nil, nil)
}

// EnableSchedule resumes a schedule.
func (c *Client) EnableSchedule(ctx context.Context, id string) (*api.ScheduleResponse, error) {
	var s api.ScheduleResponse
	err := c.do(ctx, http.MethodPost, "/v1/schedules/"+url.PathEscape(id)+"/enable", nil, &s)
	return &s, err
}

// DisableSchedule pauses a schedule.
func (c *Client) DisableSchedule(ctx context.Context, id string) (*api.ScheduleResponse, error) {
	var s api.ScheduleResponse
	err := c.do(ctx, http.MethodPost, "/v1/schedules/"+url.PathEscape(id)+"/disable", nil, &s)
	return &s, err
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkError(resp); err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var er struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
