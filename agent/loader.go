package agent

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadMap reads a YAML document mapping agent ids to manifests, validates
// every manifest and resolves sub-agent references.
func LoadMap(r io.Reader) (Map, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var m Map
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("agent: decode manifests: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadMapFile loads manifests from the YAML file at path.
func LoadMapFile(path string) (Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("agent: open manifests: %w", err)
	}
	defer f.Close()
	return LoadMap(f)
}
