package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// policyDocument is the on-disk form: either one policy at the top level or
// several under "policies".
type policyDocument struct {
	Policies []json.RawMessage `json:"policies"`
}

// LoadPolicyFile reads policies from a YAML (.yml, .yaml) or JSON file.
// Field names are the same in both formats.
func LoadPolicyFile(path string) ([]SecurityPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: policy file %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yml" || ext == ".yaml" {
		return ParsePolicyYAML(data)
	}
	return ParsePolicyDocument(data)
}

// ParsePolicyYAML converts YAML to the JSON wire form and parses it.
func ParsePolicyYAML(data []byte) ([]SecurityPolicy, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing policy yaml: %v", ErrInvalidConfiguration, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: converting policy yaml: %v", ErrInvalidConfiguration, err)
	}
	return ParsePolicyDocument(raw)
}

// ParsePolicyDocument parses a JSON document holding one policy or a
// "policies" list.
func ParsePolicyDocument(data []byte) ([]SecurityPolicy, error) {
	var doc policyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if doc.Policies == nil {
		p, err := PolicyFromJSON(data)
		if err != nil {
			return nil, err
		}
		return []SecurityPolicy{p}, nil
	}
	out := make([]SecurityPolicy, 0, len(doc.Policies))
	for i, raw := range doc.Policies {
		p, err := PolicyFromJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// MarshalPolicyYAML renders policies in the YAML form accepted by LoadPolicyFile.
func MarshalPolicyYAML(policies ...SecurityPolicy) ([]byte, error) {
	raw, err := json.Marshal(struct {
		Policies []SecurityPolicy `json:"policies"`
	}{policies})
	if err != nil {
		return nil, fmt.Errorf("encoding policies: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("encoding policies: %w", err)
	}
	return yaml.Marshal(plainNumbers(doc))
}

// plainNumbers replaces json.Number leaves with int64 so large millisecond
// values are not written in exponent form.
func plainNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = plainNumbers(val)
		}
	case []any:
		for i, val := range t {
			t[i] = plainNumbers(val)
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
	}
	return v
}
