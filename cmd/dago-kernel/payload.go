package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aescanero/dago-kernel/pkg/domain"
)

// readDecision loads a decision payload from a JSON or YAML file. "-" reads
// standard input.
func readDecision(path string) (*domain.Decision, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		return decodeYAMLDecision(data)
	}
	return decodeJSONDecision(data)
}

func decodeJSONDecision(data []byte) (*domain.Decision, error) {
	var d domain.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing decision: %w", err)
	}
	return &d, nil
}

// decodeYAMLDecision converts YAML to JSON first so that inputs follow the
// same literal and reference rules in both formats.
func decodeYAMLDecision(data []byte) (*domain.Decision, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing decision: %w", err)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("converting decision: %w", err)
	}
	return decodeJSONDecision(encoded)
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
