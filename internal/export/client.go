// Package export delivers approved export tasks to destinations with pacing,
// retries, circuit breaking and dead-lettering.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/resilience"
)

// Client delivers tasks to one destination. TaskID is sent as the
// idempotency key so a retried delivery is not duplicated downstream.
type Client interface {
	Send(ctx context.Context, task model.ExportTask) (externalID string, err error)
	Reverse(ctx context.Context, task model.ExportTask) error
}

// HTTPClient is a JSON-over-HTTP destination. Sends POST to URL; reversals
// DELETE URL/<task_id>.
type HTTPClient struct {
	name   string
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPClient creates a destination client. A nil client uses one with a 30s timeout.
func NewHTTPClient(name, endpoint, apiKey string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{name: name, url: strings.TrimRight(endpoint, "/"), apiKey: apiKey, client: client}
}

type sendRequest struct {
	TaskID      string         `json:"task_id"`
	ProviderID  string         `json:"provider_id"`
	EntityID    string         `json:"entity_id"`
	Destination string         `json:"destination"`
	Confidence  int            `json:"confidence"`
	Payload     map[string]any `json:"payload"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send implements Client.
func (c *HTTPClient) Send(ctx context.Context, task model.ExportTask) (string, error) {
	body, err := json.Marshal(sendRequest{
		TaskID:      task.TaskID,
		ProviderID:  task.ProviderID,
		EntityID:    task.EntityID,
		Destination: task.Destination,
		Confidence:  task.Confidence,
		Payload:     task.Payload,
	})
	if err != nil {
		return "", eris.Wrap(err, "export: marshal task")
	}

	raw, err := c.do(ctx, http.MethodPost, c.url, task.TaskID, body)
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}
	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", eris.Wrapf(err, "export: %s decode response", c.name)
	}
	return out.ID, nil
}

// Reverse implements Client.
func (c *HTTPClient) Reverse(ctx context.Context, task model.ExportTask) error {
	_, err := c.do(ctx, http.MethodDelete, c.url+"/"+url.PathEscape(task.TaskID), task.TaskID, nil)
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint, key string, body []byte) ([]byte, error) {
	if c.url == "" {
		return nil, eris.Errorf("export: %s has no url configured", c.name)
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, eris.Wrapf(err, "export: build %s request", c.name)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "export: %s request", c.name)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrapf(err, "export: %s read body", c.name)
	}
	if err := resilience.CheckStatus(c.name, resp.StatusCode, raw); err != nil {
		return nil, err
	}
	return raw, nil
}
