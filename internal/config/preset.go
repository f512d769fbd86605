package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// BackendPreset names a backend subset and priority override selectable
// per run.
type BackendPreset struct {
	Name     string         `yaml:"name"`
	Backends []string       `yaml:"backends"`
	Priority map[string]int `yaml:"priority,omitempty"`
}

type presetFile struct {
	Presets []BackendPreset `yaml:"presets"`
}

// LoadPresets reads the backend preset file. A missing path yields an
// empty set, not an error; presets are optional.
func LoadPresets(path string) (map[string]BackendPreset, error) {
	if path == "" {
		return map[string]BackendPreset{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]BackendPreset{}, nil
		}
		return nil, eris.Wrapf(err, "config: read presets %s", path)
	}

	var pf presetFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, eris.Wrapf(err, "config: parse presets %s", path)
	}

	presets := make(map[string]BackendPreset, len(pf.Presets))
	for _, p := range pf.Presets {
		if p.Name == "" {
			return nil, eris.New("config: preset without a name")
		}
		presets[p.Name] = p
	}
	return presets, nil
}
