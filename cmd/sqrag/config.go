package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/liliang-cn/sqrag/pkg/filter"
	"github.com/liliang-cn/sqrag/pkg/rag"
)

// loadConfig reads an optional YAML file over the defaults for dbPath.
// Values set in the file win over the defaults, flags win over the file.
func loadConfig(path, dbPath string) (rag.Config, error) {
	config := rag.DefaultConfig(dbPath)
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return config, nil
}

// parseFilters turns name=value pairs into filters. Values are read as YAML
// scalars so numbers and booleans keep their type: category=3 is an int and
// category='3' a string.
func parseFilters(pairs []string) ([]filter.Named, error) {
	out := make([]filter.Named, 0, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid filter %q, expected name=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid filter value %q: %w", raw, err)
		}
		value, err := filter.FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", name, err)
		}
		out = append(out, filter.Named{Name: name, Value: value})
	}
	return out, nil
}
