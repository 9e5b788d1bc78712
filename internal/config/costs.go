package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CostTable maps a provider name to its USD rate per 1000 tokens. The
// embedded defaults are examples; deployments override them via
// COST_TABLE_FILE.
type CostTable map[string]float64

// DefaultCostTable returns the built-in per-provider rates.
func DefaultCostTable() CostTable {
	return CostTable{
		"inlegalbert": 0.0002,
		"deepseek":    0.00014,
		"grok":        0.0005,
	}
}

// LoadCostTable loads rates from a YAML file (provider: rate) merged over the
// defaults. An empty path returns the defaults.
func LoadCostTable(path string) (CostTable, error) {
	table := DefaultCostTable()
	if path == "" {
		return table, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadCostTable path=%s: %w", path, err)
	}
	var overrides map[string]float64
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("op=config.LoadCostTable path=%s: %w", path, err)
	}
	for name, rate := range overrides {
		table[name] = rate
	}
	return table, nil
}

// Cost returns the estimated USD cost for a token count on a provider.
// Unknown providers cost zero.
func (t CostTable) Cost(provider string, tokens int) float64 {
	rate, ok := t[provider]
	if !ok {
		return 0
	}
	return rate * float64(tokens) / 1000.0
}
