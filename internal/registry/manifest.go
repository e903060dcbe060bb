package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	. "github.com/roelfdiedericks/goherd/internal/logging"
)

//go:embed models.json
var embeddedManifest []byte

// Manifest is the declarative catalog file: a version string plus an
// ordered model list.
type Manifest struct {
	Version string  `json:"version" yaml:"version" toml:"version"`
	Models  []Model `json:"models" yaml:"models" toml:"models"`
}

// manifestModelKeys are the field names a model entry may carry.
// Anything else is ignored with a warning.
var manifestModelKeys = map[string]bool{
	"id":                 true,
	"provider":           true,
	"api_name":           true,
	"context_window":     true,
	"input_cost_per_1k":  true,
	"output_cost_per_1k": true,
	"scores":             true,
	"capabilities":       true,
	"maturity":           true,
	"available":          true,
}

// LoadManifest reads and validates a manifest file. The format is
// chosen by extension: .json, .yaml/.yml, or .toml.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read manifest: %w", err)
	}
	return parseManifest(path, data)
}

func parseManifest(path string, data []byte) (*Manifest, error) {
	var man Manifest

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &man); err != nil {
			return nil, fmt.Errorf("registry: parse %s: %w", path, err)
		}
		warnUnknownJSON(path, data)
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &man); err != nil {
			return nil, fmt.Errorf("registry: parse %s: %w", path, err)
		}
		warnUnknownYAML(path, data)
	case ".toml":
		md, err := toml.Decode(string(data), &man)
		if err != nil {
			return nil, fmt.Errorf("registry: parse %s: %w", path, err)
		}
		for _, key := range md.Undecoded() {
			L_warn("registry: unknown manifest field ignored", "path", path, "field", key.String())
		}
	default:
		return nil, fmt.Errorf("registry: unsupported manifest format %q", filepath.Ext(path))
	}

	if err := validateManifest(&man); err != nil {
		return nil, err
	}
	return &man, nil
}

func validateManifest(man *Manifest) error {
	if man.Version == "" {
		return fmt.Errorf("registry: manifest missing version")
	}
	if len(man.Models) == 0 {
		return fmt.Errorf("registry: manifest has no models")
	}

	seen := map[string]bool{}
	for i := range man.Models {
		m := &man.Models[i]
		if m.ID == "" {
			return fmt.Errorf("registry: model %d missing id", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("registry: duplicate model id %q", m.ID)
		}
		seen[m.ID] = true

		if !knownProviders[m.Provider] {
			return fmt.Errorf("registry: model %q has unknown provider %q", m.ID, m.Provider)
		}
		if m.APIName == "" {
			m.APIName = m.ID
		}
		if m.ContextWindow <= 0 {
			return fmt.Errorf("registry: model %q context_window must be positive", m.ID)
		}
		if m.InputCostPer1K < 0 || m.OutputCostPer1K < 0 {
			return fmt.Errorf("registry: model %q has negative cost", m.ID)
		}
		if m.Scores.Reasoning < 0 || m.Scores.Coding < 0 || m.Scores.Speed < 0 || m.Scores.Accuracy < 0 {
			return fmt.Errorf("registry: model %q has negative score", m.ID)
		}
		clampScores(m)

		for _, c := range m.Capabilities {
			if !knownCapabilities[c] {
				return fmt.Errorf("registry: model %q has unknown capability %q", m.ID, c)
			}
		}
		switch m.Maturity {
		case MaturityStable, MaturityBeta, MaturityAlpha:
		case "":
			m.Maturity = MaturityStable
		default:
			return fmt.Errorf("registry: model %q has unknown maturity %q", m.ID, m.Maturity)
		}
	}
	return nil
}

func clampScores(m *Model) {
	clamp := func(name string, v int) int {
		if v > 100 {
			L_warn("registry: score above 100 clamped", "model", m.ID, "score", name, "value", v)
			return 100
		}
		return v
	}
	m.Scores.Reasoning = clamp("reasoning", m.Scores.Reasoning)
	m.Scores.Coding = clamp("coding", m.Scores.Coding)
	m.Scores.Speed = clamp("speed", m.Scores.Speed)
	m.Scores.Accuracy = clamp("accuracy", m.Scores.Accuracy)
}

func marshalManifest(man *Manifest) ([]byte, error) {
	return json.MarshalIndent(man, "", "  ")
}

// warnUnknownJSON re-parses the manifest generically and reports
// model-entry keys the schema does not know.
func warnUnknownJSON(path string, data []byte) {
	var raw struct {
		Models []map[string]json.RawMessage `json:"models"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	warnUnknownKeys(path, modelKeySets(raw.Models))
}

func warnUnknownYAML(path string, data []byte) {
	var raw struct {
		Models []map[string]interface{} `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return
	}
	sets := make([]map[string]bool, 0, len(raw.Models))
	for _, entry := range raw.Models {
		set := map[string]bool{}
		for k := range entry {
			set[k] = true
		}
		sets = append(sets, set)
	}
	warnUnknownKeys(path, sets)
}

func modelKeySets(entries []map[string]json.RawMessage) []map[string]bool {
	sets := make([]map[string]bool, 0, len(entries))
	for _, entry := range entries {
		set := map[string]bool{}
		for k := range entry {
			set[k] = true
		}
		sets = append(sets, set)
	}
	return sets
}

func warnUnknownKeys(path string, sets []map[string]bool) {
	for i, set := range sets {
		for k := range set {
			if !manifestModelKeys[k] {
				L_warn("registry: unknown manifest field ignored", "path", path, "model", i, "field", k)
			}
		}
	}
}
