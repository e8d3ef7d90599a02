package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelEntry is one model in a batch file. MaxRetries overrides the global
// retry budget when positive.
type ModelEntry struct {
	Name       string `yaml:"name"`
	MaxRetries int    `yaml:"max_retries"`
}

func (e *ModelEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.Name = strings.TrimSpace(node.Value)
		return nil
	}
	type plain ModelEntry
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*e = ModelEntry(p)
	e.Name = strings.TrimSpace(e.Name)
	return nil
}

type batchFile struct {
	Models []ModelEntry `yaml:"models"`
}

// ReadBatch parses a batch file: either a mapping with a models list or a
// bare list. Entries are names or {name, max_retries} mappings.
func ReadBatch(path string) ([]ModelEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading batch file: %w", err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("error parsing batch file: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("%w: batch file %s is empty", ErrInvalid, path)
	}

	var entries []ModelEntry
	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		err = doc.Decode(&entries)
	case yaml.MappingNode:
		var bf batchFile
		err = doc.Decode(&bf)
		entries = bf.Models
	default:
		return nil, fmt.Errorf("%w: batch file must be a list or contain a models list", ErrInvalid)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing batch file: %w", err)
	}

	for i, entry := range entries {
		if entry.Name == "" {
			return nil, fmt.Errorf("%w: missing model name for entry %d", ErrInvalid, i+1)
		}
		if entry.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: negative max_retries for %s", ErrInvalid, entry.Name)
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: batch file %s lists no models", ErrInvalid, path)
	}
	return entries, nil
}
