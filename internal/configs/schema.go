package configs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
)

// DefaultSchemaVersion is assumed when a payload omits schema_version.
const DefaultSchemaVersion = "1.0"

// Policy thresholds. Exceeding them produces warnings, never errors.
const (
	maxTimeoutSeconds = 60
	maxRetries        = 5
	maxSKUListLen     = 50
)

// Selector extracts one field from a product page.
type Selector struct {
	Name      string `json:"name"`
	Selector  string `json:"selector"`
	Attribute string `json:"attribute,omitempty"`
	Multiple  bool   `json:"multiple,omitempty"`
	Required  bool   `json:"required,omitempty"`
}

// WorkflowStep is one browser action the runner performs before extraction.
type WorkflowStep struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// ExtractionConfig is the decoded payload of a config version.
type ExtractionConfig struct {
	SchemaVersion     string            `json:"schema_version"`
	BaseURL           string            `json:"base_url"`
	SearchURLTemplate string            `json:"search_url_template,omitempty"`
	Selectors         []Selector        `json:"selectors"`
	Workflows         []WorkflowStep    `json:"workflows,omitempty"`
	Timeout           int               `json:"timeout,omitempty"`
	Retries           int               `json:"retries,omitempty"`
	TestSKUs          []string          `json:"test_skus,omitempty"`
	FakeSKUs          []string          `json:"fake_skus,omitempty"`
	EdgeCaseSKUs      []string          `json:"edge_case_skus,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
}

// Schema decodes and structurally checks one schema_version of the payload.
type Schema interface {
	Version() string
	// Decode returns the decoded config and any structural errors.
	Decode(raw json.RawMessage) (ExtractionConfig, []coordinator.Issue)
}

// SchemaRegistry maps schema_version to its Schema.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewSchemaRegistry returns a registry holding the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	r := &SchemaRegistry{schemas: make(map[string]Schema)}
	r.Register(schemaV1{})
	return r
}

// Register adds or replaces a schema.
func (r *SchemaRegistry) Register(s Schema) {
	r.mu.Lock()
	r.schemas[s.Version()] = s
	r.mu.Unlock()
}

// Versions lists registered schema versions.
func (r *SchemaRegistry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for v := range r.schemas {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Check decodes raw through its schema and applies policy checks.
func (r *SchemaRegistry) Check(raw json.RawMessage) (cfg ExtractionConfig, errs, warnings []coordinator.Issue) {
	var head struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ExtractionConfig{}, []coordinator.Issue{{Field: "config", Message: "config must be a JSON object"}}, nil
	}
	version := head.SchemaVersion
	if version == "" {
		version = DefaultSchemaVersion
	}
	r.mu.RLock()
	schema, ok := r.schemas[version]
	r.mu.RUnlock()
	if !ok {
		return ExtractionConfig{}, []coordinator.Issue{{
			Field:   "schema_version",
			Message: fmt.Sprintf("unknown schema version %q (supported: %s)", version, strings.Join(r.Versions(), ", ")),
		}}, nil
	}
	cfg, errs = schema.Decode(raw)
	cfg.SchemaVersion = version
	if len(errs) == 0 {
		warnings = policyWarnings(cfg)
	}
	return cfg, errs, warnings
}

func policyWarnings(cfg ExtractionConfig) []coordinator.Issue {
	var out []coordinator.Issue
	if u, err := url.Parse(cfg.BaseURL); err == nil && u.Scheme != "https" {
		out = append(out, coordinator.Issue{Field: "base_url", Message: "base_url should use HTTPS"})
	}
	if cfg.Timeout > maxTimeoutSeconds {
		out = append(out, coordinator.Issue{
			Field:   "timeout",
			Message: fmt.Sprintf("timeout of %ds exceeds recommended %ds", cfg.Timeout, maxTimeoutSeconds),
		})
	}
	if cfg.Retries > maxRetries {
		out = append(out, coordinator.Issue{
			Field:   "retries",
			Message: fmt.Sprintf("%d retries exceeds recommended %d", cfg.Retries, maxRetries),
		})
	}
	for field, list := range map[string][]string{
		"test_skus":      cfg.TestSKUs,
		"fake_skus":      cfg.FakeSKUs,
		"edge_case_skus": cfg.EdgeCaseSKUs,
	} {
		if len(list) > maxSKUListLen {
			out = append(out, coordinator.Issue{
				Field:   field,
				Message: fmt.Sprintf("%d entries exceeds recommended %d", len(list), maxSKUListLen),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

var knownActions = map[string]struct{}{
	"navigate": {},
	"click":    {},
	"input":    {},
	"wait":     {},
	"scroll":   {},
	"extract":  {},
}

type schemaV1 struct{}

func (schemaV1) Version() string { return "1.0" }

func (schemaV1) Decode(raw json.RawMessage) (ExtractionConfig, []coordinator.Issue) {
	var cfg ExtractionConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return ExtractionConfig{}, []coordinator.Issue{{Field: "config", Message: err.Error()}}
	}

	var errs []coordinator.Issue
	add := func(field, msg string) {
		errs = append(errs, coordinator.Issue{Field: field, Message: msg})
	}

	if cfg.BaseURL == "" {
		add("base_url", "base_url is required")
	} else if u, err := url.Parse(cfg.BaseURL); err != nil || !u.IsAbs() || u.Host == "" {
		add("base_url", "base_url must be an absolute URL")
	}
	if len(cfg.Selectors) == 0 {
		add("selectors", "at least one selector is required")
	}
	seen := make(map[string]struct{}, len(cfg.Selectors))
	for i, sel := range cfg.Selectors {
		field := fmt.Sprintf("selectors[%d]", i)
		if sel.Name == "" {
			add(field+".name", "selector name is required")
		}
		if sel.Selector == "" {
			add(field+".selector", "selector expression is required")
		}
		if _, dup := seen[sel.Name]; dup && sel.Name != "" {
			add(field+".name", fmt.Sprintf("duplicate selector name %q", sel.Name))
		}
		seen[sel.Name] = struct{}{}
	}
	for i, step := range cfg.Workflows {
		if _, ok := knownActions[step.Action]; !ok {
			add(fmt.Sprintf("workflows[%d].action", i), fmt.Sprintf("unknown workflow action %q", step.Action))
		}
	}
	if cfg.Timeout < 0 {
		add("timeout", "timeout must not be negative")
	}
	if cfg.Retries < 0 {
		add("retries", "retries must not be negative")
	}
	return cfg, errs
}
