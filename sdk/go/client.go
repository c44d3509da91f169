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

// Client is a minimal Flowdesk HTTP API client.
type Client struct {
	BaseURL     string
	ActorID     string
	BearerToken string
	ScanSecret  string
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

// Pipeline represents the API pipeline model.
type Pipeline struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Active    bool    `json:"active"`
	CreatedAt string  `json:"created_at"`
	Stages    []Stage `json:"stages,omitempty"`
}

// Stage is one column of a pipeline board.
type Stage struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Active   bool   `json:"active"`
}

// Placement is the current stage of an item in a pipeline.
type Placement struct {
	PipelineID string `json:"pipeline_id"`
	ItemKind   string `json:"item_kind"`
	ItemID     string `json:"item_id"`
	StageID    string `json:"stage_id"`
	UpdatedAt  string `json:"updated_at"`
}

// BoardRow is one item on a board view.
type BoardRow struct {
	Item struct {
		Kind string `json:"kind"`
		ID   string `json:"id"`
	} `json:"item"`
	StageID   string `json:"stage_id"`
	StageName string `json:"stage_name"`
	Title     string `json:"title"`
	EnteredAt string `json:"entered_at"`
}

// Board is a pipeline board view.
type Board struct {
	PipelineID string       `json:"pipeline_id"`
	Rows       []BoardRow   `json:"rows"`
	CachedAt   string       `json:"cached_at"`
	Check      *ScanSummary `json:"check,omitempty"`
}

// ScanSummary reports what a rule pass did.
type ScanSummary struct {
	OK                  bool   `json:"ok"`
	MovedCount          int    `json:"movedCount"`
	AddedCount          int    `json:"addedCount"`
	RemindedCount       int    `json:"remindedCount"`
	ColetNeridicatMoved int    `json:"coletNeridicatMovedCount"`
	FailedCount         int    `json:"failedCount"`
	Reason              string `json:"reason,omitempty"`
}

// Invoice is the result of invoicing a service file.
type Invoice struct {
	FacturaID     string `json:"facturaId"`
	FacturaNumber string `json:"facturaNumber"`
	TotalBani     int64  `json:"total"`
	ArhivaFisaID  string `json:"arhivaFisaId"`
}

// BillingData is the customer snapshot captured at invoicing time.
type BillingData struct {
	CustomerName string `json:"customer_name"`
	CustomerCIF  string `json:"customer_cif,omitempty"`
	Address      string `json:"address"`
	PaymentKind  string `json:"payment_kind,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Type     string `json:"type"`
	ItemKind string `json:"item_kind"`
	ItemID   string `json:"item_id"`
	ActorID  string `json:"actor_id"`
	Message  string `json:"message,omitempty"`
	Payload  string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreatePipeline creates a pipeline with ordered stages.
func (c *Client) CreatePipeline(ctx context.Context, name string, stages []string) (Pipeline, error) {
	body := map[string]any{
		"name":   name,
		"stages": stages,
	}
	var resp Pipeline
	err := c.do(ctx, http.MethodPost, "v0/pipelines", body, &resp)
	return resp, err
}

// ListPipelines returns all pipelines.
func (c *Client) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var resp []Pipeline
	err := c.do(ctx, http.MethodGet, "v0/pipelines", nil, &resp)
	return resp, err
}

// Move places an item in a stage.
func (c *Client) Move(ctx context.Context, itemKind, itemID, pipelineID, stageID string) (Placement, error) {
	body := map[string]any{
		"item_kind":   itemKind,
		"item_id":     itemID,
		"pipeline_id": pipelineID,
		"stage_id":    stageID,
	}
	var resp Placement
	err := c.do(ctx, http.MethodPost, "v0/moves", body, &resp)
	return resp, err
}

// Board fetches a pipeline board view. When check is true the server runs
// the on-access rule pass before the read.
func (c *Client) Board(ctx context.Context, pipelineID, filter, variant string, check bool) (Board, error) {
	endpoint := fmt.Sprintf("v0/pipelines/%s/board", url.PathEscape(pipelineID))
	params := url.Values{}
	if filter != "" {
		params.Set("filter", filter)
	}
	if variant != "" {
		params.Set("variant", variant)
	}
	if check {
		params.Set("check", "true")
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp Board
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Scan triggers the scheduled rule sweep. Rule may name a single rule.
func (c *Client) Scan(ctx context.Context, rule string) (ScanSummary, error) {
	endpoint := "v0/scan"
	if rule != "" {
		endpoint += "?rule=" + url.QueryEscape(rule)
	}
	var resp ScanSummary
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// InvoiceServiceFile invoices and locks a service file.
func (c *Client) InvoiceServiceFile(ctx context.Context, serviceFileID string, billing BillingData) (Invoice, error) {
	body := map[string]any{"billing": billing}
	var resp Invoice
	endpoint := fmt.Sprintf("v0/service-files/%s/invoice", url.PathEscape(serviceFileID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CancelInvoice cancels an invoice with a reason.
func (c *Client) CancelInvoice(ctx context.Context, serviceFileID, reason string) error {
	body := map[string]any{"reason": reason}
	endpoint := fmt.Sprintf("v0/service-files/%s/cancel-invoice", url.PathEscape(serviceFileID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// ArchiveServiceFile moves an invoiced file and its items to the archive.
func (c *Client) ArchiveServiceFile(ctx context.Context, serviceFileID string) error {
	endpoint := fmt.Sprintf("v0/service-files/%s/archive", url.PathEscape(serviceFileID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// Events returns recent audit events for an item.
func (c *Client) Events(ctx context.Context, itemKind, itemID string, limit int) ([]Event, error) {
	params := url.Values{}
	if itemKind != "" {
		params.Set("item_kind", itemKind)
	}
	if itemID != "" {
		params.Set("item_id", itemID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v0/events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	if c.ScanSecret != "" {
		req.Header.Set("X-Scan-Secret", c.ScanSecret)
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
