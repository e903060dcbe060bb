package scoring

import (
	"sort"
	"strings"

	. "github.com/roelfdiedericks/goherd/internal/logging"
	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// Ranked pairs a model with its score for one selection pass.
type Ranked struct {
	Model *registry.Model
	Score float64
}

// Selector runs the scorer over the live registry. Each call ranks
// against one snapshot; a concurrent reload does not tear a pass.
type Selector struct {
	scorer *Scorer
	reg    *registry.Registry
}

func NewSelector(scorer *Scorer, reg *registry.Registry) *Selector {
	return &Selector{scorer: scorer, reg: reg}
}

// rank scores every candidate, drops zero scores and excluded ids,
// and orders the rest by the tie-break chain.
func (s *Selector) rank(req types.TaskRequirements, strategy string, excluding map[string]bool) ([]Ranked, error) {
	w, ok := s.scorer.Weights(strategy)
	if !ok {
		known := s.scorer.Strategies()
		sort.Strings(known)
		return nil, types.Errorf(types.KindValidation, "unknown strategy %q", strategy).
			WithHint("known strategies: " + strings.Join(known, ", "))
	}

	candidates := s.reg.List(registry.Filter{})
	ceiling := s.scorer.Ceiling(s.reg.MaxEffectiveCost())

	ranked := make([]Ranked, 0, len(candidates))
	for _, m := range candidates {
		if excluding[m.ID] {
			continue
		}
		score := s.scorer.Score(req, m, w, ceiling)
		if score <= 0 {
			continue
		}
		ranked = append(ranked, Ranked{Model: m, Score: score})
	}

	sort.Slice(ranked, func(i, j int) bool {
		return Less(ranked[i].Score, ranked[j].Score, ranked[i].Model, ranked[j].Model)
	})
	return ranked, nil
}

// Select returns up to k models, best first. Zero-scored models never
// appear; an empty result means nothing can serve the requirements.
func (s *Selector) Select(req types.TaskRequirements, strategy string, k int) ([]Ranked, error) {
	ranked, err := s.rank(req, strategy, nil)
	if err != nil {
		return nil, err
	}
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}

	if len(ranked) > 0 {
		L_debug("selector: ranked", "strategy", strategy, "task", req.TaskType,
			"top", ranked[0].Model.ID, "score", ranked[0].Score, "candidates", len(ranked))
	}
	return ranked, nil
}

// FallbackChain ranks the remaining candidates once some ids have
// been tried, capped at depth. The ordering matches Select minus the
// excluded set, so the chain extends the original ranking.
func (s *Selector) FallbackChain(req types.TaskRequirements, strategy string, excluding map[string]bool, depth int) ([]Ranked, error) {
	ranked, err := s.rank(req, strategy, excluding)
	if err != nil {
		return nil, err
	}
	if depth > 0 && len(ranked) > depth {
		ranked = ranked[:depth]
	}
	return ranked, nil
}
