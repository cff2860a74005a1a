package constraints

import (
	"github.com/fhirtestdata/curator/cmd/curate/profiles"
	"github.com/fhirtestdata/curator/models/fhir"
)

// Constraint is a named predicate over the whole candidate set. It is
// satisfied when at least one bundle exhibits the property.
type Constraint struct {
	Name string
	Test func(bundles []*fhir.Bundle) bool
}

func anyBundle(test func(*fhir.Bundle) bool) func([]*fhir.Bundle) bool {
	return func(bundles []*fhir.Bundle) bool {
		for _, b := range bundles {
			if test(b) {
				return true
			}
		}
		return false
	}
}

func baseTable(loose bool) []Constraint {
	return []Constraint{
		{"one_male", anyBundle(func(b *fhir.Bundle) bool { return Gender(b) == "male" })},
		{"one_female", anyBundle(func(b *fhir.Bundle) bool { return Gender(b) == "female" })},
		{"one_child", anyBundle(func(b *fhir.Bundle) bool {
			age, ok := Age(b)
			return ok && age >= 0 && age < 18
		})},
		{"child_has_immunizations", anyBundle(func(b *fhir.Bundle) bool {
			age, ok := Age(b)
			return ok && age >= 0 && age < 18 && Has(b, "Immunization")
		})},
		{"child_does_not_smoke", anyBundle(func(b *fhir.Bundle) bool {
			age, ok := Age(b)
			return ok && age >= 0 && age < 18 && !Smoker(b, loose)
		})},
		{"one_adult", anyBundle(func(b *fhir.Bundle) bool {
			age, ok := Age(b)
			return ok && age >= 18 && age <= 65
		})},
		{"one_elder", anyBundle(func(b *fhir.Bundle) bool {
			age, ok := Age(b)
			return ok && age > 65
		})},
		{"elder_has_device", anyBundle(func(b *fhir.Bundle) bool {
			age, ok := Age(b)
			return ok && age > 65 && Has(b, "Device")
		})},
		{"elder_is_alive", anyBundle(func(b *fhir.Bundle) bool {
			age, ok := Age(b)
			return ok && age > 65 && Alive(b)
		})},
		{"one_white", anyBundle(func(b *fhir.Bundle) bool { return Race(b) == "White" })},
		{"one_black", anyBundle(func(b *fhir.Bundle) bool { return Race(b) == "Black or African American" })},
		{"one_hispanic", anyBundle(func(b *fhir.Bundle) bool { return Ethnicity(b) == "Hispanic or Latino" })},
		{"one_smoker", anyBundle(func(b *fhir.Bundle) bool { return Smoker(b, loose) })},
		{"one_hypertensive", anyBundle(HasHighSystolic)},
	}
}

func v5Extras(table []Constraint) []Constraint {
	return append(table, []Constraint{
		{"one_organization", anyBundle(func(b *fhir.Bundle) bool { return Has(b, "Organization") })},
		{"one_practitioner", anyBundle(func(b *fhir.Bundle) bool { return Has(b, "Practitioner") })},
		{"observation_code", anyBundle(func(b *fhir.Bundle) bool { return hasObservationValue(b, "valueCodeableConcept") })},
		{"observation_quantity", anyBundle(func(b *fhir.Bundle) bool { return hasObservationValue(b, "valueQuantity") })},
		{"observation_string", anyBundle(func(b *fhir.Bundle) bool { return hasObservationValue(b, "valueString") })},
	}...)
}

// Preset tunes the constraint table and required profiles for a run mode.
// Standard curates the full corpus; Reduced curates the minimal single
// patient corpus and drops the population constraints it cannot meet.
type Preset string

const (
	PresetStandard Preset = "standard"
	PresetReduced  Preset = "reduced"
)

var reducedDrops = map[string]bool{
	"one_female":              true,
	"one_child":               true,
	"child_has_immunizations": true,
	"child_does_not_smoke":    true,
	"one_adult":               true,
	"elder_is_alive":          true,
	"one_white":               true,
	"one_black":               true,
	"one_hispanic":            true,
	"one_smoker":              true,
	"one_hypertensive":        true,
}

// Table builds the constraint table for a version and preset.
func Table(version *profiles.Version, preset Preset) []Constraint {
	loose := version.Relabel
	table := baseTable(loose)
	if version.Relabel {
		table = v5Extras(table)
	}
	if preset == PresetReduced {
		kept := table[:0:0]
		for _, c := range table {
			if !reducedDrops[c.Name] {
				kept = append(kept, c)
			}
		}
		kept = append(kept,
			Constraint{"has_allergy", anyBundle(func(b *fhir.Bundle) bool { return Has(b, "AllergyIntolerance") })},
			Constraint{"has_pulse_ox", anyBundle(HasPulseOx)},
		)
		table = kept
	}
	return table
}

// RequiredProfiles returns the profile coverage targets for a version and
// preset. The reduced corpus cannot exhibit a Medication resource, so that
// profile is waived.
func RequiredProfiles(version *profiles.Version, preset Preset) []string {
	if preset != PresetReduced {
		return version.RequiredProfiles
	}
	kept := make([]string, 0, len(version.RequiredProfiles))
	for _, p := range version.RequiredProfiles {
		if p != profiles.Medication {
			kept = append(kept, p)
		}
	}
	return kept
}

// Evaluator runs a constraint table and remembers the last violations, in
// the shape the selection loop consumes.
type Evaluator struct {
	table []Constraint
	byKey map[string]Constraint
}

// NewEvaluator builds an evaluator over the given table.
func NewEvaluator(table []Constraint) *Evaluator {
	byKey := make(map[string]Constraint, len(table))
	for _, c := range table {
		byKey[c.Name] = c
	}
	return &Evaluator{table: table, byKey: byKey}
}

// Names returns every constraint name in table order.
func (e *Evaluator) Names() []string {
	names := make([]string, 0, len(e.table))
	for _, c := range e.table {
		names = append(names, c.Name)
	}
	return names
}

// Violations evaluates the named constraints against the bundle set and
// returns the names of those not satisfied. A nil names slice means the
// whole table.
func (e *Evaluator) Violations(bundles []*fhir.Bundle, names []string) []string {
	if names == nil {
		names = e.Names()
	}
	var violated []string
	for _, name := range names {
		constraint, ok := e.byKey[name]
		if !ok {
			continue
		}
		if !constraint.Test(bundles) {
			violated = append(violated, name)
		}
	}
	return violated
}

// ProfilesPresent returns the distinct profile tags declared across the
// bundle set, in first-seen order.
func ProfilesPresent(bundles []*fhir.Bundle) []string {
	seen := map[string]bool{}
	var present []string
	for _, b := range bundles {
		for _, entry := range b.Entry {
			for _, profile := range entry.Resource.Profiles() {
				if !seen[profile] {
					seen[profile] = true
					present = append(present, profile)
				}
			}
		}
	}
	return present
}
