package selection

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirtestdata/curator/cmd/curate/constraints"
	"github.com/fhirtestdata/curator/cmd/curate/profiles"
	"github.com/fhirtestdata/curator/models/fhir"
)

func makeBundle(id, gender string, ageYears int, profileTags ...string) *fhir.Bundle {
	patient := fhir.Resource{
		"resourceType": "Patient",
		"id":           id,
		"gender":       gender,
		"birthDate":    time.Now().AddDate(-ageYears, 0, -30).Format("2006-01-02"),
	}
	patient.SetProfiles("http://hl7.org/fhir/us/core/StructureDefinition/us-core-patient")
	b := &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Entry:        []*fhir.Entry{fhir.NewEntry(patient, id)},
	}
	for i, tag := range profileTags {
		obs := fhir.Resource{"resourceType": "Observation", "id": fmt.Sprintf("%s-o%d", id, i)}
		obs.SetProfiles(tag)
		b.Entry = append(b.Entry, fhir.NewEntry(obs, obs.ID()))
	}
	return b
}

func newEngine(required []string) *Engine {
	evaluator := constraints.NewEvaluator(constraints.Table(&profiles.V4, constraints.PresetStandard))
	return NewEngine(zerolog.Nop(), evaluator, required)
}

func TestSelectsChildForAgeCoverage(t *testing.T) {
	adult := makeBundle("adult", "male", 40)
	elder := makeBundle("elder", "female", 70)
	child := makeBundle("child", "female", 10)
	pool := []*fhir.Bundle{adult, elder, child}

	result := newEngine(nil).Select(pool)
	assert.Contains(t, result.Selected, child)
	assert.Contains(t, result.Selected, adult)
	assert.Contains(t, result.Selected, elder)
	assert.Contains(t, result.UnmetConstraints, "one_smoker")
	assert.NotContains(t, result.UnmetConstraints, "one_child")
}

func TestGreedyPicksHighestScorerFirst(t *testing.T) {
	// the elder bundle covers two age constraints at once, the adult one
	adult := makeBundle("adult", "male", 40)
	elder := makeBundle("elder", "male", 70)
	pool := []*fhir.Bundle{adult, elder}

	result := newEngine(nil).Select(pool)
	require.NotEmpty(t, result.Selected)
	assert.Equal(t, "elder", result.Selected[0].Patient().ID())
}

func TestZeroScoreCandidateStaysInPool(t *testing.T) {
	a := makeBundle("a", "male", 40)
	b := makeBundle("b", "male", 40)
	pool := []*fhir.Bundle{a, b}

	result := newEngine(nil).Select(pool)
	assert.Len(t, result.Selected, 1)
	assert.Len(t, result.Remaining, 1)
}

func TestProfilePhaseAddsCoverage(t *testing.T) {
	lab := "http://hl7.org/fhir/us/core/StructureDefinition/us-core-observation-lab"
	smoking := "http://hl7.org/fhir/us/core/StructureDefinition/us-core-smokingstatus"
	plain := makeBundle("plain", "male", 40)
	withLab := makeBundle("lab", "male", 41, lab)
	withBoth := makeBundle("both", "male", 42, lab, smoking)

	result := newEngine([]string{lab, smoking}).Select([]*fhir.Bundle{plain, withLab, withBoth})
	assert.Contains(t, result.Selected, withBoth)
	assert.Empty(t, result.MissingProfiles)
}

func TestMissingProfilesReported(t *testing.T) {
	result := newEngine([]string{"http://example.org/never-generated"}).
		Select([]*fhir.Bundle{makeBundle("a", "male", 40)})
	assert.Equal(t, []string{"http://example.org/never-generated"}, result.MissingProfiles)
}

func TestCoverageMonotonicity(t *testing.T) {
	evaluator := constraints.NewEvaluator(constraints.Table(&profiles.V4, constraints.PresetStandard))
	pool := []*fhir.Bundle{
		makeBundle("a", "male", 40),
		makeBundle("b", "female", 10),
		makeBundle("c", "female", 70),
		makeBundle("d", "male", 80),
	}
	result := newEngine(nil).Select(pool)

	// every selected bundle strictly grows the satisfied constraint set
	covered := map[string]bool{}
	for _, b := range result.Selected {
		violations := evaluator.Violations([]*fhir.Bundle{b}, nil)
		violated := map[string]bool{}
		for _, v := range violations {
			violated[v] = true
		}
		grew := false
		for _, name := range evaluator.Names() {
			if !violated[name] && !covered[name] {
				covered[name] = true
				grew = true
			}
		}
		assert.True(t, grew, "bundle %s added no coverage", b.Patient().ID())
	}

	// pool is conserved across selection
	assert.Len(t, result.Selected, len(pool)-len(result.Remaining))
}
