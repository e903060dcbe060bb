// Package registry holds the model catalog: which models exist, what
// they cost, what they can do, and whether they are currently
// available. The catalog is read-mostly; reloads swap an immutable
// snapshot atomically so readers never observe torn state.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	. "github.com/roelfdiedericks/goherd/internal/logging"
)

// Provider tags recognized in manifests.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderXAI       = "xai"
	ProviderAzure     = "azure"
	ProviderBedrock   = "bedrock"
	ProviderLocal     = "local"
	ProviderDial      = "dial"
)

var knownProviders = map[string]bool{
	ProviderOpenAI:    true,
	ProviderAnthropic: true,
	ProviderGoogle:    true,
	ProviderXAI:       true,
	ProviderAzure:     true,
	ProviderBedrock:   true,
	ProviderLocal:     true,
	ProviderDial:      true,
}

// Capability flags recognized in manifests.
const (
	CapVision          = "vision"
	CapTools           = "tools"
	CapJSONMode        = "json_mode"
	CapStreaming       = "streaming"
	CapLongContext     = "long_context"
	CapFunctionCalling = "function_calling"
)

var knownCapabilities = map[string]bool{
	CapVision:          true,
	CapTools:           true,
	CapJSONMode:        true,
	CapStreaming:       true,
	CapLongContext:     true,
	CapFunctionCalling: true,
}

// Maturity levels, most trusted first.
const (
	MaturityStable = "stable"
	MaturityBeta   = "beta"
	MaturityAlpha  = "alpha"
)

// MaturityRank orders maturities for tie-breaking: lower is better.
func MaturityRank(m string) int {
	switch m {
	case MaturityStable:
		return 0
	case MaturityBeta:
		return 1
	case MaturityAlpha:
		return 2
	default:
		return 3
	}
}

// Scores rates a model per dimension, each in 0..100.
type Scores struct {
	Reasoning int `json:"reasoning" yaml:"reasoning" toml:"reasoning"`
	Coding    int `json:"coding" yaml:"coding" toml:"coding"`
	Speed     int `json:"speed" yaml:"speed" toml:"speed"`
	Accuracy  int `json:"accuracy" yaml:"accuracy" toml:"accuracy"`
}

// Model is one immutable catalog entry.
type Model struct {
	ID       string `json:"id" yaml:"id" toml:"id"`
	Provider string `json:"provider" yaml:"provider" toml:"provider"`

	// APIName is the provider-side identifier used on the wire.
	APIName string `json:"api_name" yaml:"api_name" toml:"api_name"`

	ContextWindow int `json:"context_window" yaml:"context_window" toml:"context_window"`

	InputCostPer1K  float64 `json:"input_cost_per_1k" yaml:"input_cost_per_1k" toml:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k" yaml:"output_cost_per_1k" toml:"output_cost_per_1k"`

	Scores       Scores   `json:"scores" yaml:"scores" toml:"scores"`
	Capabilities []string `json:"capabilities" yaml:"capabilities" toml:"capabilities"`
	Maturity     string   `json:"maturity" yaml:"maturity" toml:"maturity"`

	Available bool `json:"available" yaml:"available" toml:"available"`

	// AvailabilityReason explains a false Available, e.g. a failed
	// health probe. Runtime-only, never read from manifests.
	AvailabilityReason string `json:"-" yaml:"-" toml:"-"`
}

// HasCapability reports whether the model declares a capability flag.
func (m *Model) HasCapability(flag string) bool {
	for _, c := range m.Capabilities {
		if c == flag {
			return true
		}
	}
	return false
}

// EffectiveCost weighs output tokens heavier than input, matching how
// generation bills skew in practice.
func (m *Model) EffectiveCost() float64 {
	return (m.InputCostPer1K + 3*m.OutputCostPer1K) / 4
}

// Ref renders the model as "provider/id" for logs.
func (m *Model) Ref() string {
	return m.Provider + "/" + m.ID
}

// snapshot is one immutable view of the catalog.
type snapshot struct {
	version string
	models  []*Model
	byID    map[string]*Model
}

type availability struct {
	available bool
	reason    string
}

// Registry is the concurrent catalog handle. Reads go through an
// atomic snapshot pointer; the runtime availability overlay has its
// own lock so health probes never block reloads.
type Registry struct {
	snap atomic.Pointer[snapshot]
	path string

	mu      sync.RWMutex
	overlay map[string]availability
}

// Load builds a registry from a manifest file, or from the embedded
// catalog when path is empty.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, overlay: map[string]availability{}}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the manifest and swaps the snapshot atomically.
// On any error the previous view stays intact.
func (r *Registry) Reload() error {
	var (
		man *Manifest
		err error
	)
	if r.path == "" {
		man, err = parseManifest("models.json", embeddedManifest)
	} else {
		man, err = LoadManifest(r.path)
	}
	if err != nil {
		return err
	}

	snap, err := buildSnapshot(man)
	if err != nil {
		return err
	}

	r.snap.Store(snap)
	L_info("registry: catalog loaded", "models", len(snap.models), "version", snap.version, "source", r.source())
	return nil
}

func (r *Registry) source() string {
	if r.path == "" {
		return "embedded"
	}
	return r.path
}

func buildSnapshot(man *Manifest) (*snapshot, error) {
	byID := make(map[string]*Model, len(man.Models))
	models := make([]*Model, 0, len(man.Models))
	for i := range man.Models {
		m := man.Models[i]
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate model id %q", m.ID)
		}
		cp := m
		byID[cp.ID] = &cp
		models = append(models, &cp)
	}
	return &snapshot{version: man.Version, models: models, byID: byID}, nil
}

// Version returns the loaded manifest version.
func (r *Registry) Version() string {
	return r.snap.Load().version
}

// Len returns the number of catalog entries.
func (r *Registry) Len() int {
	return len(r.snap.Load().models)
}

// Get returns a copy of the model with the runtime availability
// overlay applied.
func (r *Registry) Get(id string) (*Model, bool) {
	m, ok := r.snap.Load().byID[id]
	if !ok {
		return nil, false
	}
	return r.applyOverlay(m), true
}

// Filter narrows List results. Zero values mean "no restriction".
type Filter struct {
	Provider      string
	Capability    string
	Maturity      string
	AvailableOnly bool
}

// List returns overlay-applied copies of every model passing the
// filter, in manifest order.
func (r *Registry) List(f Filter) []*Model {
	snap := r.snap.Load()
	out := make([]*Model, 0, len(snap.models))
	for _, m := range snap.models {
		if f.Provider != "" && m.Provider != f.Provider {
			continue
		}
		if f.Capability != "" && !m.HasCapability(f.Capability) {
			continue
		}
		if f.Maturity != "" && m.Maturity != f.Maturity {
			continue
		}
		cp := r.applyOverlay(m)
		if f.AvailableOnly && !cp.Available {
			continue
		}
		out = append(out, cp)
	}
	return out
}

func (r *Registry) applyOverlay(m *Model) *Model {
	cp := *m
	r.mu.RLock()
	if av, ok := r.overlay[m.ID]; ok {
		cp.Available = av.available
		cp.AvailabilityReason = av.reason
	}
	r.mu.RUnlock()
	return &cp
}

// SetAvailable records runtime availability for a model without
// touching the snapshot. Health probes and the pool call this.
func (r *Registry) SetAvailable(id string, available bool, reason string) {
	r.mu.Lock()
	r.overlay[id] = availability{available: available, reason: reason}
	r.mu.Unlock()
	if !available {
		L_debug("registry: model marked unavailable", "model", id, "reason", reason)
	}
}

// ClearOverlay drops all runtime availability overrides.
func (r *Registry) ClearOverlay() {
	r.mu.Lock()
	r.overlay = map[string]availability{}
	r.mu.Unlock()
}

// MaxEffectiveCost scans the snapshot for the highest effective cost,
// the default scorer cost ceiling.
func (r *Registry) MaxEffectiveCost() float64 {
	max := 0.0
	for _, m := range r.snap.Load().models {
		if c := m.EffectiveCost(); c > max {
			max = c
		}
	}
	return max
}

// Providers returns the distinct provider tags in the catalog, sorted.
func (r *Registry) Providers() []string {
	seen := map[string]bool{}
	for _, m := range r.snap.Load().models {
		seen[m.Provider] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Serialize renders the current snapshot back into manifest JSON.
func (r *Registry) Serialize() ([]byte, error) {
	snap := r.snap.Load()
	man := Manifest{Version: snap.version, Models: make([]Model, 0, len(snap.models))}
	for _, m := range snap.models {
		man.Models = append(man.Models, *m)
	}
	return marshalManifest(&man)
}
