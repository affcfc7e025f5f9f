package tempolinesdk

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

// Client is a minimal Tempoline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
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
	ID            string     `json:"id"`
	ValueChainID  string     `json:"value_chain_id"`
	Name          string     `json:"name"`
	AvailableDate *time.Time `json:"available_date,omitempty"`
	StartDate     *time.Time `json:"start_date,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	Predecessors  []string   `json:"predecessors"`
	Successors    []string   `json:"successors"`
}

// Assignment ties a collaborator to a task.
type Assignment struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"task_id"`
	CollaboratorID string     `json:"collaborator_id"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	Closed         bool       `json:"closed"`
}

// Tracker is a recorded work interval.
type Tracker struct {
	ID             string     `json:"id"`
	CollaboratorID string     `json:"collaborator_id"`
	AssignmentID   *string    `json:"assignment_id,omitempty"`
	Reason         *string    `json:"reason,omitempty"`
	Start          time.Time  `json:"start"`
	End            *time.Time `json:"end,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// RecalcStats summarizes a bulk recalculation.
type RecalcStats struct {
	Tasks              int `json:"tasks"`
	TasksUpdated       int `json:"tasks_updated"`
	ValueChains        int `json:"value_chains"`
	ValueChainsUpdated int `json:"value_chains_updated"`
	Products           int `json:"products"`
	ProductsUpdated    int `json:"products_updated"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTask creates a task inside a value chain.
func (c *Client) CreateTask(ctx context.Context, chainID, name string, predecessorIDs []string) (Task, error) {
	body := map[string]any{
		"name":            name,
		"predecessor_ids": predecessorIDs,
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/chains/%s/tasks", url.PathEscape(chainID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateAssignment assigns a collaborator to a task.
func (c *Client) CreateAssignment(ctx context.Context, taskID, collaboratorID string) (Assignment, error) {
	body := map[string]any{"collaborator_id": collaboratorID}
	var resp Assignment
	endpoint := fmt.Sprintf("v0/tasks/%s/assignments", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CloseAssignment closes an assignment, deriving the task dates.
func (c *Client) CloseAssignment(ctx context.Context, id string, end *time.Time) (Assignment, error) {
	body := map[string]any{}
	if end != nil {
		body["end"] = end
	}
	var resp Assignment
	endpoint := fmt.Sprintf("v0/assignments/%s/close", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// StartTracker records or starts a work interval.
func (c *Client) StartTracker(ctx context.Context, assignmentID, collaboratorID string, start, end *time.Time) (Tracker, error) {
	body := map[string]any{
		"assignment_id":   assignmentID,
		"collaborator_id": collaboratorID,
	}
	if start != nil {
		body["start"] = start
	}
	if end != nil {
		body["end"] = end
	}
	var resp Tracker
	err := c.do(ctx, http.MethodPost, "v0/trackers", body, &resp)
	return resp, err
}

// StopTracker stops a running tracker.
func (c *Client) StopTracker(ctx context.Context, id string, end *time.Time) (Tracker, error) {
	body := map[string]any{}
	if end != nil {
		body["end"] = end
	}
	var resp Tracker
	endpoint := fmt.Sprintf("v0/trackers/%s/stop", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Recalculate rebuilds all derived dates, optionally scoped to one product.
func (c *Client) Recalculate(ctx context.Context, productID string) (RecalcStats, error) {
	body := map[string]any{}
	if productID != "" {
		body["product_id"] = productID
	}
	var resp RecalcStats
	err := c.do(ctx, http.MethodPost, "v0/recalc", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
