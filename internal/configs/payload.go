package configs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Payload formats accepted for drafts.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// FormatFromContentType maps a request content type to a payload format.
func FormatFromContentType(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "yaml"):
		return FormatYAML
	case strings.Contains(ct, "toml"):
		return FormatTOML
	default:
		return FormatJSON
	}
}

// NormalizePayload converts a draft body into a canonical JSON object.
func NormalizePayload(body []byte, format string) (json.RawMessage, error) {
	var doc map[string]any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(body), &doc); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	case FormatJSON, "":
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if doc == nil {
		return nil, fmt.Errorf("config must be a non-empty object")
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
