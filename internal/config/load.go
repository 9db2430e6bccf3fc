package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, decodes and validates a configuration file. The format
// is chosen by extension: .yaml/.yml decode as YAML, everything else
// as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Replication defaults that cannot be told apart from an explicit
	// false after decoding.
	cfg := &Config{
		Replication: ReplicationConfig{Resume: true, Blocking: true},
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config %s: %w", path, err)
		}
	}

	cfg.ConfigDir = filepath.Dir(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// columnObject is the wire shape of the object form of a column
// mapping entry.
type columnObject struct {
	Column     string `json:"column" yaml:"column"`
	PrimaryKey bool   `json:"primary_key" yaml:"primary_key"`
	Transform  string `json:"transform" yaml:"transform"`
	Value      any    `json:"value" yaml:"value"`
}

// UnmarshalYAML decodes a column_mapping node preserving key order.
// Each entry is either a string shorthand for the target column name
// or the full object form.
func (c *ColumnMappings) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("column_mapping must be a mapping, got %s", node.Tag)
	}
	out := make(ColumnMappings, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		entry := ColumnEntry{Source: keyNode.Value}
		switch valNode.Kind {
		case yaml.ScalarNode:
			var col string
			if err := valNode.Decode(&col); err != nil {
				return fmt.Errorf("column_mapping %q: %w", entry.Source, err)
			}
			entry.Mapping = ColumnMapping{Column: col}
		case yaml.MappingNode:
			var obj columnObject
			if err := valNode.Decode(&obj); err != nil {
				return fmt.Errorf("column_mapping %q: %w", entry.Source, err)
			}
			entry.Mapping = ColumnMapping{
				Column:     obj.Column,
				PrimaryKey: obj.PrimaryKey,
				Transform:  obj.Transform,
				Value:      obj.Value,
				HasValue:   yamlHasKey(valNode, "value"),
			}
		default:
			return fmt.Errorf("column_mapping %q: must be a string or an object", entry.Source)
		}
		out = append(out, entry)
	}
	*c = out
	return nil
}

func yamlHasKey(node *yaml.Node, key string) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

// UnmarshalJSON decodes a column_mapping object preserving key order,
// which encoding/json maps discard. The decoder walks the token
// stream entry by entry.
func (c *ColumnMappings) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("column_mapping must be an object")
	}
	var out ColumnMappings
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("column_mapping %q: %w", key, err)
		}
		entry := ColumnEntry{Source: key}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '"' {
			var col string
			if err := json.Unmarshal(raw, &col); err != nil {
				return fmt.Errorf("column_mapping %q: %w", key, err)
			}
			entry.Mapping = ColumnMapping{Column: col}
		} else {
			var obj columnObject
			if err := json.Unmarshal(raw, &obj); err != nil {
				return fmt.Errorf("column_mapping %q: %w", key, err)
			}
			var probe map[string]json.RawMessage
			if err := json.Unmarshal(raw, &probe); err != nil {
				return fmt.Errorf("column_mapping %q: %w", key, err)
			}
			_, hasValue := probe["value"]
			entry.Mapping = ColumnMapping{
				Column:     obj.Column,
				PrimaryKey: obj.PrimaryKey,
				Transform:  obj.Transform,
				Value:      obj.Value,
				HasValue:   hasValue,
			}
		}
		out = append(out, entry)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*c = out
	return nil
}
