// Package config provides configuration loading utilities for RAG template overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TemplateSpec overrides or extends one prompt template. Variables declares
// the placeholder names the bodies are allowed to reference; the registry
// validates them at load time.
type TemplateSpec struct {
	Name      string   `yaml:"name"`
	System    string   `yaml:"system"`
	User      string   `yaml:"user"`
	Variables []string `yaml:"variables"`
}

// LoadTemplateOverrides reads every *.yaml / *.yml file in dir into a map of
// template name to spec. An empty dir means no overrides.
func LoadTemplateOverrides(dir string) (map[string]TemplateSpec, error) {
	overrides := map[string]TemplateSpec{}
	if dir == "" {
		return overrides, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadTemplateOverrides dir=%s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		spec, err := loadTemplateSpec(path)
		if err != nil {
			return nil, err
		}
		overrides[spec.Name] = spec
	}
	return overrides, nil
}

func loadTemplateSpec(path string) (TemplateSpec, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return TemplateSpec{}, fmt.Errorf("op=config.loadTemplateSpec path=%s: %w", path, err)
	}
	var spec TemplateSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return TemplateSpec{}, fmt.Errorf("op=config.loadTemplateSpec path=%s: %w", path, err)
	}
	if spec.Name == "" {
		spec.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if spec.User == "" {
		return TemplateSpec{}, fmt.Errorf("op=config.loadTemplateSpec path=%s: user body empty", path)
	}
	return spec, nil
}
