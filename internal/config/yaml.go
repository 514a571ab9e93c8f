package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes turns a YAML file into JSON so both formats go through
// the same strict decoder. Other extensions pass through as JSON.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("yaml: %w", err)
	}
	if len(doc.Content) == 0 {
		return []byte("{}"), "yaml", nil
	}
	var v any
	if err := doc.Content[0].Decode(&v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml: %w", err)
	}

	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json: %w", err)
	}
	return j, "yaml", nil
}

// stringKeys rewrites non-string map keys (e.g. numeric dedup sources) so
// the tree can be JSON-marshaled.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}
