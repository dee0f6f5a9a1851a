package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/resilience"
)

// HTTPConfig configures a JSON-over-HTTP enrichment provider.
type HTTPConfig struct {
	Name    string        `yaml:"name" mapstructure:"name"`
	Source  string        `yaml:"source" mapstructure:"source"`
	URL     string        `yaml:"url" mapstructure:"url"`
	APIKey  string        `yaml:"api_key" mapstructure:"api_key"`
	Fields  []model.Field `yaml:"fields" mapstructure:"fields"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// HTTPProvider posts a Lookup and decodes a flat field map.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
	now    func() time.Time
}

type httpResponse struct {
	Fields     map[model.Field]string `json:"fields"`
	ObservedAt *time.Time             `json:"observed_at"`
}

// NewHTTPProvider creates a provider. A nil client uses one with cfg.Timeout.
func NewHTTPProvider(cfg HTTPConfig, client *http.Client) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPProvider{cfg: cfg, client: client, now: time.Now}
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return p.cfg.Name }

// Source implements Provider.
func (p *HTTPProvider) Source() string { return p.cfg.Source }

// SupportedFields implements Provider.
func (p *HTTPProvider) SupportedFields() []model.Field { return p.cfg.Fields }

// CanProvide implements Provider.
func (p *HTTPProvider) CanProvide(field model.Field) bool {
	return slices.Contains(p.cfg.Fields, field)
}

// Query implements Provider. Fields the provider does not support are dropped.
func (p *HTTPProvider) Query(ctx context.Context, lookup Lookup) (*model.EnrichmentFact, error) {
	body, err := json.Marshal(lookup)
	if err != nil {
		return nil, eris.Wrap(err, "provider: marshal lookup")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "provider: build request for %s", p.cfg.Name)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: %s request", p.cfg.Name)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrapf(err, "provider: %s read body", p.cfg.Name)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		err := eris.Errorf("provider: %s returned %d", p.cfg.Name, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var out httpResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrapf(err, "provider: %s decode response", p.cfg.Name)
	}

	observed := p.now().UTC()
	if out.ObservedAt != nil {
		observed = out.ObservedAt.UTC()
	}
	fact := &model.EnrichmentFact{
		EntityID:   lookup.EntityID,
		Source:     p.cfg.Source,
		ObservedAt: observed,
		Values:     make(map[model.Field]string),
	}
	for f, v := range out.Fields {
		if p.CanProvide(f) && v != "" {
			fact.Values[f] = v
		}
	}
	return fact, nil
}
