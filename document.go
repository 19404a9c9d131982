package workflow

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefinitionSet is a versionable document holding one or more definitions.
type DefinitionSet struct {
	Version     int            `json:"version" yaml:"version"`
	Definitions []Definition   `json:"definitions" yaml:"definitions"`
	Meta        map[string]any `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Validate normalizes every definition and validates its graph.
func (s *DefinitionSet) Validate() error {
	for idx := range s.Definitions {
		def := &s.Definitions[idx]
		def.Normalize()
		if err := def.Validate(); err != nil {
			return fmt.Errorf("definitions[%d]: %w", idx, err)
		}
	}
	return nil
}

// ParseDefinitionSet parses a YAML or JSON definition document.
func ParseDefinitionSet(data []byte) (DefinitionSet, error) {
	var set DefinitionSet
	// yaml also accepts JSON input
	if err := yaml.Unmarshal(data, &set); err != nil {
		return set, NewError(ErrValidation, "malformed definition document", err, nil)
	}
	return set, set.Validate()
}

// LoadDefinitionSet reads and parses a definition document from disk.
func LoadDefinitionSet(path string) (DefinitionSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefinitionSet{}, fmt.Errorf("read definitions %s: %w", path, err)
	}
	set, err := ParseDefinitionSet(data)
	if err != nil {
		return set, fmt.Errorf("definitions %s: %w", path, err)
	}
	return set, nil
}

// MarshalDefinitionSet renders a set as JSON (useful for fixtures and storage).
func MarshalDefinitionSet(set DefinitionSet) ([]byte, error) {
	return json.Marshal(set)
}
