package flowdesksdk

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
)

// Client is a minimal FlowDesk HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	OwnerID  string `json:"ownerId"`
	Priority string `json:"priority"`
	Progress int    `json:"progress"`
	Deadline string `json:"deadline"`
}

// Problem represents a reported problem on a task.
type Problem struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"taskId"`
	ReporterID  string  `json:"reporterId"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"createdAt"`
	ResolvedAt  *string `json:"resolvedAt,omitempty"`
	Resolution  *string `json:"resolution,omitempty"`
}

// Notification is a derived alert.
type Notification struct {
	ID       string `json:"id"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Link     string `json:"link"`
}

// FlowInstance represents an instantiated flow (partial).
type FlowInstance struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Progress int    `json:"progress"`
	Health   string `json:"health"`
	DueDate  string `json:"dueDate"`
}

// LoginResult carries the bearer token returned by /auth/login.
type LoginResult struct {
	Token string `json:"token"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login authenticates and stores the bearer token on the client.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var resp LoginResult
	err := c.do(ctx, http.MethodPost, "v0/auth/login", map[string]any{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title, description, ownerID, deadline string) (Task, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"ownerId":     ownerID,
		"deadline":    deadline,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks returns tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := "v0/tasks"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ChangeStatus moves a task to a new status.
func (c *Client) ChangeStatus(ctx context.Context, id, status string) (Task, error) {
	var resp Task
	endpoint := "v0/tasks/" + url.PathEscape(id) + "/status"
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// UpdateProgress sets a task's progress percentage.
func (c *Client) UpdateProgress(ctx context.Context, id string, progress int) (Task, error) {
	var resp Task
	endpoint := "v0/tasks/" + url.PathEscape(id) + "/progress"
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"progress": progress}, &resp)
	return resp, err
}

// ReportProblem files a problem against a task.
func (c *Client) ReportProblem(ctx context.Context, taskID, description string) (Problem, Notification, error) {
	var resp struct {
		Problem      Problem      `json:"problem"`
		Notification Notification `json:"notification"`
	}
	endpoint := "v0/tasks/" + url.PathEscape(taskID) + "/problems"
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"description": description}, &resp)
	return resp.Problem, resp.Notification, err
}

// Alerts returns derived notifications for blocked and overdue tasks.
func (c *Client) Alerts(ctx context.Context) ([]Notification, error) {
	var resp []Notification
	err := c.do(ctx, http.MethodGet, "v0/tasks/alerts", nil, &resp)
	return resp, err
}

// ListInstances returns flow instances.
func (c *Client) ListInstances(ctx context.Context) ([]FlowInstance, error) {
	var resp []FlowInstance
	err := c.do(ctx, http.MethodGet, "v0/flows/instances", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
