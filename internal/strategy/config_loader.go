package strategy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"propfirm-core/internal/regime"
)

// Override adjusts one registry entry from YAML.
type Override struct {
	ID            string          `yaml:"id"`
	Enabled       *bool           `yaml:"enabled"`
	MinConfidence *float64        `yaml:"min_confidence"`
	Regimes       []regime.Regime `yaml:"regimes"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Override `yaml:"strategies"`
}

// LoadConfig reads strategy overrides from a YAML file.
func LoadConfig(path string) ([]Override, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for _, o := range file.Strategies {
		if o.MinConfidence != nil && (*o.MinConfidence < 0 || *o.MinConfidence > 1) {
			return nil, fmt.Errorf("strategy %s: min_confidence %.2f outside [0,1]", o.ID, *o.MinConfidence)
		}
		for _, r := range o.Regimes {
			if !regime.Valid(r) {
				return nil, fmt.Errorf("strategy %s: unknown regime %q", o.ID, r)
			}
		}
	}
	return file.Strategies, nil
}
