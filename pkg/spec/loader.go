package spec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load reads and validates a configuration document from path.
//
// The format is chosen by extension: .yaml/.yml, .json or .toml. Unknown
// extensions try YAML first, then JSON.
//
// Returns ConfigErrors when the document is structurally or semantically
// invalid, and a plain error when it cannot be read or parsed.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading configuration: %s", path)
		}
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	return LoadFromBytes(data, path)
}

// LoadFromReader reads and validates a configuration document from r.
// path is used for format detection and messages only.
func LoadFromReader(r io.Reader, path string) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes validates and parses raw document bytes.
//
// Every format is first converted to JSON and checked against the embedded
// schema, which rejects unknown fields. The JSON form is then decoded and
// checked semantically.
func LoadFromBytes(data []byte, path string) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("configuration file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var raw rawDocument
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	return build(&raw)
}

func toJSON(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in configuration: %w", err)
		}
		return data, nil

	case ".yaml", ".yml":
		return yamlToJSON(data)

	case ".toml":
		var raw map[string]any
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid TOML in configuration: %w", err)
		}
		return marshalGeneric(raw)

	default:
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		var raw any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse configuration (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in configuration: %w", err)
	}
	return marshalGeneric(raw)
}

func marshalGeneric(raw any) ([]byte, error) {
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert configuration to JSON: %w", err)
	}
	return jsonData, nil
}
