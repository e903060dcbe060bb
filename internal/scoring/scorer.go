// Package scoring ranks catalog models against task requirements.
// The scorer is pure: the same snapshot and requirements always yield
// the same ordering.
package scoring

import (
	"math"

	"github.com/roelfdiedericks/goherd/internal/config"
	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// Built-in strategy weight rows. Custom strategies from config merge
// over these under their own names.
var builtinWeights = map[string]config.StrategyWeights{
	string(types.PriorityQuality):  {Task: 0.40, Perf: 0.10, Acc: 0.40, Cost: 0.10},
	string(types.PrioritySpeed):    {Task: 0.20, Perf: 0.60, Acc: 0.10, Cost: 0.10},
	string(types.PriorityCost):     {Task: 0.20, Perf: 0.10, Acc: 0.10, Cost: 0.60},
	string(types.PriorityBalanced): {Task: 0.30, Perf: 0.25, Acc: 0.25, Cost: 0.20},
}

const weightTolerance = 1e-6

// Scorer holds the validated weight table and the configured cost
// ceiling (0 means derive it from the snapshot at selection time).
type Scorer struct {
	weights map[string]config.StrategyWeights
	ceiling float64
}

// NewScorer merges custom strategies over the built-ins and validates
// every row: no negatives, weights summing to 1 within tolerance.
func NewScorer(custom map[string]config.StrategyWeights, costCeiling float64) (*Scorer, error) {
	if costCeiling < 0 {
		return nil, types.Errorf(types.KindConfiguration, "scoring: costCeiling must be non-negative, got %f", costCeiling)
	}

	weights := make(map[string]config.StrategyWeights, len(builtinWeights)+len(custom))
	for name, w := range builtinWeights {
		weights[name] = w
	}
	for name, w := range custom {
		weights[name] = w
	}
	for name, w := range weights {
		if w.Task < 0 || w.Perf < 0 || w.Acc < 0 || w.Cost < 0 {
			return nil, types.Errorf(types.KindConfiguration, "scoring: strategy %q has a negative weight", name)
		}
		sum := w.Task + w.Perf + w.Acc + w.Cost
		if math.Abs(sum-1) > weightTolerance {
			return nil, types.Errorf(types.KindConfiguration, "scoring: strategy %q weights sum to %g, want 1", name, sum)
		}
	}

	return &Scorer{weights: weights, ceiling: costCeiling}, nil
}

// Weights resolves a strategy name to its row.
func (s *Scorer) Weights(strategy string) (config.StrategyWeights, bool) {
	w, ok := s.weights[strategy]
	return w, ok
}

// Strategies returns the known strategy names, for validation errors.
func (s *Scorer) Strategies() []string {
	names := make([]string, 0, len(s.weights))
	for name := range s.weights {
		names = append(names, name)
	}
	return names
}

// Score rates one model for the requirements. Zero means the model is
// hard-filtered out. ceiling bounds the cost component and must be
// resolved by the caller (configured value or snapshot maximum).
func (s *Scorer) Score(req types.TaskRequirements, m *registry.Model, w config.StrategyWeights, ceiling float64) float64 {
	if !m.Available {
		return 0
	}
	if req.RequireVision && !m.HasCapability(registry.CapVision) {
		return 0
	}
	if req.RequireTools && !m.HasCapability(registry.CapTools) {
		return 0
	}
	if req.RequireJSON && !m.HasCapability(registry.CapJSONMode) {
		return 0
	}
	if req.MinContext > m.ContextWindow {
		return 0
	}

	task := taskAffinity(req.TaskType, m)
	perf := float64(m.Scores.Speed) / 100
	acc := float64(m.Scores.Accuracy) / 100
	cost := 1 - clamp(m.EffectiveCost()/ceiling, 0, 1)

	return w.Task*task + w.Perf*perf + w.Acc*acc + w.Cost*cost
}

// Ceiling resolves the cost ceiling for a candidate set: the
// configured scalar when present, otherwise the snapshot maximum.
func (s *Scorer) Ceiling(snapshotMax float64) float64 {
	if s.ceiling > 0 {
		return s.ceiling
	}
	if snapshotMax > 0 {
		return snapshotMax
	}
	// All-free catalogs (local-only) make every cost component 1.
	return 1
}

// taskAffinity maps a task type onto the model score column that
// predicts it. Types with no column score neutral.
func taskAffinity(t types.TaskType, m *registry.Model) float64 {
	switch t {
	case types.TaskCodeGeneration, types.TaskDebugging, types.TaskRefactor:
		return float64(m.Scores.Coding) / 100
	case types.TaskReasoning, types.TaskAnalysis:
		return float64(m.Scores.Reasoning) / 100
	}
	return 0.5
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Less orders two scored models: higher score first, then higher
// accuracy, lower effective cost, maturer release, lexicographic id.
// The id leg makes the order total, so sorting is deterministic.
func Less(scoreA, scoreB float64, a, b *registry.Model) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	if a.Scores.Accuracy != b.Scores.Accuracy {
		return a.Scores.Accuracy > b.Scores.Accuracy
	}
	ac, bc := a.EffectiveCost(), b.EffectiveCost()
	if ac != bc {
		return ac < bc
	}
	am, bm := registry.MaturityRank(a.Maturity), registry.MaturityRank(b.Maturity)
	if am != bm {
		return am < bm
	}
	return a.ID < b.ID
}
