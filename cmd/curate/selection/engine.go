// Package selection implements the greedy maximum-coverage pass that picks
// a small curated subset out of the generated candidate pool. It runs two
// phases over the same shrinking pool: first constraint coverage, then
// profile coverage on top of whatever the first phase already selected.
package selection

import (
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/fhirtestdata/curator/cmd/curate/constraints"
	"github.com/fhirtestdata/curator/models/fhir"
)

// Engine scores and selects candidate bundles.
type Engine struct {
	log       zerolog.Logger
	evaluator *constraints.Evaluator
	required  []string
}

// NewEngine builds an engine over a constraint table and a required-profile
// target list.
func NewEngine(log zerolog.Logger, evaluator *constraints.Evaluator, requiredProfiles []string) *Engine {
	return &Engine{
		log:       log.With().Str("service", "selection").Logger(),
		evaluator: evaluator,
		required:  requiredProfiles,
	}
}

// Result is the outcome of a selection run.
type Result struct {
	// Selected holds the curated bundles in selection order.
	Selected []*fhir.Bundle
	// Remaining holds the pool bundles not selected, still usable for the
	// bulk export of the full population.
	Remaining []*fhir.Bundle
	// UnmetConstraints are constraints no candidate could satisfy.
	UnmetConstraints []string
	// MissingProfiles are required profiles no candidate exhibits.
	MissingProfiles []string
}

type scored struct {
	bundle *fhir.Bundle
	total  int
}

// popBest sorts candidates ascending by score, keeping input order among
// ties, and removes the last (highest scoring) one.
func popBest(candidates []scored) (scored, []scored) {
	slices.SortStableFunc(candidates, func(a, b scored) int {
		return a.total - b.total
	})
	last := len(candidates) - 1
	return candidates[last], candidates[:last]
}

// Select runs both phases over the pool. The pool slice is not modified.
func (e *Engine) Select(pool []*fhir.Bundle) Result {
	candidates := make([]scored, len(pool))
	for i, b := range pool {
		candidates[i] = scored{bundle: b}
	}

	var result Result
	candidates = e.selectByConstraints(candidates, &result)
	candidates = e.selectByProfiles(candidates, &result)

	for _, c := range candidates {
		result.Remaining = append(result.Remaining, c.bundle)
	}
	e.log.Info().
		Int("selected", len(result.Selected)).
		Int("remaining", len(result.Remaining)).
		Strs("unmet_constraints", result.UnmetConstraints).
		Strs("missing_profiles", result.MissingProfiles).
		Msg("selection complete")
	return result
}

func (e *Engine) selectByConstraints(candidates []scored, result *Result) []scored {
	all := e.evaluator.Names()
	unsatisfied := slices.Clone(all)
	satisfied := map[string]bool{}

	for len(unsatisfied) > 0 && len(candidates) > 0 {
		for i := range candidates {
			violations := e.evaluator.Violations([]*fhir.Bundle{candidates[i].bundle}, unsatisfied)
			candidates[i].total = len(unsatisfied) - len(violations)
		}
		var best scored
		best, candidates = popBest(candidates)
		if best.total == 0 {
			// no candidate helps anymore; keep it in the pool
			candidates = append(candidates, best)
			break
		}

		violations := e.evaluator.Violations([]*fhir.Bundle{best.bundle}, nil)
		violated := map[string]bool{}
		for _, name := range violations {
			violated[name] = true
		}
		var gained []string
		for _, name := range all {
			if !violated[name] && !satisfied[name] {
				gained = append(gained, name)
			}
			if !violated[name] {
				satisfied[name] = true
			}
		}
		unsatisfied = unsatisfied[:0]
		for _, name := range all {
			if !satisfied[name] {
				unsatisfied = append(unsatisfied, name)
			}
		}
		result.Selected = append(result.Selected, best.bundle)
		e.log.Debug().Strs("satisfies", gained).Msg("selected candidate by constraints")
	}
	result.UnmetConstraints = slices.Clone(unsatisfied)
	return candidates
}

func (e *Engine) selectByProfiles(candidates []scored, result *Result) []scored {
	present := map[string]bool{}
	for _, p := range constraints.ProfilesPresent(result.Selected) {
		present[p] = true
	}
	missing := e.missingProfiles(present)

	for len(missing) > 0 && len(candidates) > 0 {
		for i := range candidates {
			candidates[i].total = 0
			for _, p := range constraints.ProfilesPresent([]*fhir.Bundle{candidates[i].bundle}) {
				if !present[p] {
					candidates[i].total++
				}
			}
		}
		var best scored
		best, candidates = popBest(candidates)
		if best.total == 0 {
			candidates = append(candidates, best)
			break
		}

		var gained []string
		for _, p := range constraints.ProfilesPresent([]*fhir.Bundle{best.bundle}) {
			if !present[p] {
				gained = append(gained, p)
			}
			present[p] = true
		}
		missing = e.missingProfiles(present)
		result.Selected = append(result.Selected, best.bundle)
		e.log.Debug().Strs("adds_profiles", gained).Msg("selected candidate by profiles")
	}
	result.MissingProfiles = missing
	return candidates
}

func (e *Engine) missingProfiles(present map[string]bool) []string {
	var missing []string
	for _, p := range e.required {
		if !present[p] {
			missing = append(missing, p)
		}
	}
	return missing
}
