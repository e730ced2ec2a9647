package saleslinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Salesline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// UserID and UserKind are sent as legacy identity headers when no
	// bearer token is set. Servers accept them only in development mode.
	UserID     string
	UserKind   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Sale struct {
	ID       string `json:"id"`
	Product  string `json:"product"`
	Status   string `json:"status,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

type User struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type Checklist struct {
	ID              string `json:"id"`
	SaleID          string `json:"sale_id"`
	TemplateID      string `json:"template_id"`
	TemplateVersion int    `json:"template_version"`
	Status          string `json:"status"`
	ProgressCached  int    `json:"progress_cached"`
}

type Link struct {
	ID          string  `json:"id"`
	ItemID      string  `json:"item_id"`
	DocumentID  string  `json:"document_id"`
	ReviewState string  `json:"review_state"`
	ReviewNote  *string `json:"review_note,omitempty"`
	Version     int     `json:"version"`
}

type Item struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	ParentItemID *string `json:"parent_item_id,omitempty"`
	State        string  `json:"state"`
	Version      int     `json:"version"`
}

// ItemView is one row of a checklist summary.
type ItemView struct {
	ID                   string     `json:"id"`
	TaskKey              string     `json:"task_key"`
	Label                string     `json:"label"`
	ActionType           string     `json:"action_type"`
	State                string     `json:"state"`
	UIState              string     `json:"ui_state"`
	Container            bool       `json:"container"`
	DueAt                *string    `json:"due_at,omitempty"`
	ClientActionRequired bool       `json:"client_action_required"`
	Links                []Link     `json:"links"`
	Children             []ItemView `json:"children,omitempty"`
}

type StageView struct {
	ID       string     `json:"id"`
	Key      string     `json:"key"`
	Label    string     `json:"label"`
	Weight   int        `json:"weight"`
	Done     int        `json:"done"`
	Total    int        `json:"total"`
	Complete bool       `json:"complete"`
	Items    []ItemView `json:"items"`
}

type Summary struct {
	Exists    bool        `json:"exists"`
	SaleID    string      `json:"sale_id"`
	Role      string      `json:"role"`
	Checklist *Checklist  `json:"checklist,omitempty"`
	Progress  int         `json:"progress"`
	Stages    []StageView `json:"stages"`
}

type EnsureResult struct {
	Checklist Checklist `json:"checklist"`
	Created   bool      `json:"created"`
	Items     int       `json:"items"`
	Signals   []string  `json:"signals"`
}

type MutationResult struct {
	Checklist Checklist `json:"checklist"`
	Item      *Item     `json:"item,omitempty"`
	Items     []Item    `json:"items,omitempty"`
	Links     []Link    `json:"links,omitempty"`
	Signals   []string  `json:"signals"`
}

type RecalcResult struct {
	Checklist Checklist `json:"checklist"`
	Before    int       `json:"before"`
	After     int       `json:"after"`
	Signals   []string  `json:"signals"`
}

// UploadFile is one file of an upload. Data is base64 encoded on the wire.
type UploadFile struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SaleID     string         `json:"sale_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StatusCode extracts the HTTP status of an APIError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// UpsertSale mirrors a CRM sale. Admin only.
func (c *Client) UpsertSale(ctx context.Context, s Sale) (Sale, error) {
	body := map[string]any{
		"product":   s.Product,
		"status":    s.Status,
		"agent_id":  s.AgentID,
		"client_id": s.ClientID,
	}
	var resp Sale
	err := c.do(ctx, http.MethodPut, "v0/sales/"+url.PathEscape(s.ID), body, &resp)
	return resp, err
}

// UpsertUser mirrors a user. Admin only.
func (c *Client) UpsertUser(ctx context.Context, u User) (User, error) {
	body := map[string]any{"kind": u.Kind, "name": u.Name, "email": u.Email}
	var resp User
	err := c.do(ctx, http.MethodPut, "v0/users/"+url.PathEscape(u.ID), body, &resp)
	return resp, err
}

// EnsureChecklist creates the sale's checklist when missing.
func (c *Client) EnsureChecklist(ctx context.Context, saleID string) (EnsureResult, error) {
	var resp EnsureResult
	err := c.do(ctx, http.MethodPost, c.checklistPath(saleID, ""), nil, &resp)
	return resp, err
}

// Checklist returns the role-filtered summary.
func (c *Client) Checklist(ctx context.Context, saleID string) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, c.checklistPath(saleID, ""), nil, &resp)
	return resp, err
}

// UpdateState sets an item's state.
func (c *Client) UpdateState(ctx context.Context, saleID, itemID, state string, note *string) (MutationResult, error) {
	body := map[string]any{"state": state}
	if note != nil {
		body["note"] = *note
	}
	var resp MutationResult
	err := c.do(ctx, http.MethodPatch, c.checklistPath(saleID, "items/"+url.PathEscape(itemID)+"/state"), body, &resp)
	return resp, err
}

// Upload attaches files to an item.
func (c *Client) Upload(ctx context.Context, saleID, itemID string, files []UploadFile) (MutationResult, error) {
	var resp MutationResult
	err := c.do(ctx, http.MethodPost, c.checklistPath(saleID, "items/"+url.PathEscape(itemID)+"/uploads"), map[string]any{"files": files}, &resp)
	return resp, err
}

// Review approves or rejects a link. expectedVersion 0 skips the version check.
func (c *Client) Review(ctx context.Context, saleID, itemID, linkID, decision string, note *string, expectedVersion int) (MutationResult, error) {
	body := map[string]any{"decision": decision}
	if note != nil {
		body["note"] = *note
	}
	if expectedVersion > 0 {
		body["expected_version"] = expectedVersion
	}
	var resp MutationResult
	endpoint := c.checklistPath(saleID, fmt.Sprintf("items/%s/links/%s/review", url.PathEscape(itemID), url.PathEscape(linkID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddRepeatable adds a repeat group bundle to a stage.
func (c *Client) AddRepeatable(ctx context.Context, saleID, stageID, group, label string) (MutationResult, error) {
	body := map[string]any{"group": group}
	if label != "" {
		body["label"] = label
	}
	var resp MutationResult
	err := c.do(ctx, http.MethodPost, c.checklistPath(saleID, "stages/"+url.PathEscape(stageID)+"/repeatables"), body, &resp)
	return resp, err
}

func (c *Client) Recalc(ctx context.Context, saleID string) (RecalcResult, error) {
	var resp RecalcResult
	err := c.do(ctx, http.MethodPost, c.checklistPath(saleID, "recalc"), nil, &resp)
	return resp, err
}

func (c *Client) Archive(ctx context.Context, saleID string) (Checklist, error) {
	var resp Checklist
	err := c.do(ctx, http.MethodPost, c.checklistPath(saleID, "archive"), nil, &resp)
	return resp, err
}

// EventsPage returns a page of the sale's audit log, newest first.
func (c *Client) EventsPage(ctx context.Context, saleID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.checklistPath(saleID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
		req.Header.Set("X-User-Kind", c.UserKind)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) checklistPath(saleID, p string) string {
	base := fmt.Sprintf("v0/sales/%s/checklist", url.PathEscape(saleID))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
