// Package waterfall resolves each contact field from enrichment facts by
// consulting sources in a configured, field-specific priority order.
package waterfall

import (
	"os"
	"slices"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/license-recon/internal/model"
)

// Config is the per-field priority table and the enrichment score weights.
type Config struct {
	Fields  map[model.Field][]string `yaml:"fields"`
	Weights map[model.Field]int      `yaml:"weights"`
}

// DefaultConfig returns the built-in priority table.
func DefaultConfig() *Config {
	return &Config{
		Fields: map[model.Field][]string{
			model.FieldEmail:       {model.SourceB2B, model.SourceSocial, model.SourceScraped, model.SourceRegistry},
			model.FieldPhone:       {model.SourceRegistry, model.SourceB2B, model.SourceSocial, model.SourceScraped},
			model.FieldLinkedInURL: {model.SourceSocial, model.SourceB2B},
			model.FieldWebsite:     {model.SourceScraped, model.SourceB2B, model.SourceSocial},
			model.FieldCompanyName: {model.SourceB2B, model.SourceSocial, model.SourceScraped, model.SourceRegistry},
			model.FieldTitle:       {model.SourceB2B, model.SourceSocial},
		},
		Weights: map[model.Field]int{
			model.FieldEmail:       40,
			model.FieldPhone:       20,
			model.FieldLinkedInURL: 15,
			model.FieldWebsite:     15,
			model.FieldCompanyName: 10,
		},
	}
}

// LoadConfig reads a priority table from YAML and layers it over the defaults.
// Fields listed in the file replace the default order for that field only.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "waterfall: read config %s", path)
	}

	// The YAML has a top-level "waterfall" key
	var wrapper struct {
		Waterfall Config `yaml:"waterfall"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "waterfall: parse config")
	}

	cfg := DefaultConfig()
	for field, sources := range wrapper.Waterfall.Fields {
		cfg.Fields[field] = sources
	}
	for field, w := range wrapper.Waterfall.Weights {
		cfg.Weights[field] = w
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects empty or duplicated source lists and negative weights.
func (c *Config) Validate() error {
	for field, sources := range c.Fields {
		if len(sources) == 0 {
			return eris.Errorf("waterfall: field %s has no sources", field)
		}
		for i, s := range sources {
			if s == "" {
				return eris.Errorf("waterfall: field %s has an empty source name", field)
			}
			if slices.Contains(sources[:i], s) {
				return eris.Errorf("waterfall: field %s lists source %s twice", field, s)
			}
		}
	}
	for field, w := range c.Weights {
		if w < 0 {
			return eris.Errorf("waterfall: negative weight for %s", field)
		}
	}
	return nil
}

// Sources returns the priority order for a field, highest first.
func (c *Config) Sources(field model.Field) []string {
	return c.Fields[field]
}

// Allows reports whether source may supply field.
func (c *Config) Allows(field model.Field, source string) bool {
	return slices.Contains(c.Fields[field], source)
}
