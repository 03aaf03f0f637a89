package backupconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrNotFound wraps ErrConfig when the configuration file does not exist.
var ErrNotFound = fmt.Errorf("%w: file not found", ErrConfig)

// Load reads, validates and resolves the configuration at path.
//
// Returns an error wrapping ErrConfig if the file cannot be read or parsed,
// or ValidationErrors (wrapping ErrValidationFailed) if it is invalid.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: permission denied reading %s", ErrConfig, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromReader reads a configuration from r. source names it in errors.
func LoadFromReader(r io.Reader, source string) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, source, err)
	}
	return LoadFromBytes(data, source)
}

// LoadFromBytes parses, validates and resolves a YAML document.
//
// The raw document is validated against the schema before decoding so that
// unknown keys are reported instead of silently dropped.
func LoadFromBytes(data []byte, source string) (*Config, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrConfig, source)
	}

	jsonData, err := yamlToJSON(data)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML in %s: %v", ErrConfig, source, err)
	}

	cfg := resolve(&f, source)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// yamlToJSON converts YAML to JSON for schema validation.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML: %v", ErrConfig, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: document is empty", ErrConfig)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		var ute *json.UnsupportedTypeError
		if errors.As(err, &ute) {
			return nil, fmt.Errorf("%w: mappings must use string keys", ErrConfig)
		}
		return nil, fmt.Errorf("%w: convert to JSON: %v", ErrConfig, err)
	}
	return jsonData, nil
}
