package pipeline

import (
	"fmt"

	"github.com/fhirtestdata/curator/models/fhir"
)

// Several profiles mark a reference element as must-support for more than
// one target type. referenceRules describes, per (resource type, element),
// which target types the corpus must exhibit and how to attach the missing
// variants.
type referenceRule struct {
	resourceType string
	// requiredTypes are the reference target types the element must cover.
	requiredTypes []string
	// collect returns the locators the element currently holds.
	collect func(fhir.Resource) []string
	// attach adds one more reference. When nil the rule clones the whole
	// resource instead, pointing the element at the missing target.
	attach func(fhir.Resource, map[string]any)
	// cloneField names the element set on the clone when attach is nil.
	cloneField string
}

var referenceRules = []referenceRule{
	{
		resourceType:  "CareTeam",
		requiredTypes: []string{"Patient", "Practitioner", "Organization"},
		collect: func(r fhir.Resource) []string {
			var refs []string
			for _, raw := range r.Slice("participant") {
				participant, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if ref := fhir.Str(fhir.SubMap(participant, "member"), "reference"); ref != "" {
					refs = append(refs, ref)
				}
			}
			return refs
		},
		attach: func(r fhir.Resource, reference map[string]any) {
			participants := r.Slice("participant")
			r["participant"] = append(participants, map[string]any{
				"role": []any{
					fhir.NewCodeableConcept(fhir.SystemSNOMED, "223366009", "Healthcare provider"),
				},
				"member": reference,
			})
		},
	},
	{
		resourceType:  "DocumentReference",
		requiredTypes: []string{"Patient", "Practitioner", "Organization"},
		collect: func(r fhir.Resource) []string {
			var refs []string
			for _, raw := range r.Slice("author") {
				if author, ok := raw.(map[string]any); ok {
					if ref := fhir.Str(author, "reference"); ref != "" {
						refs = append(refs, ref)
					}
				}
			}
			return refs
		},
		attach: func(r fhir.Resource, reference map[string]any) {
			r["author"] = append(r.Slice("author"), reference)
		},
	},
	{
		resourceType:  "MedicationRequest",
		requiredTypes: []string{"Patient", "Practitioner", "Organization"},
		collect: func(r fhir.Resource) []string {
			if ref := r.Reference("reportedReference"); ref != "" {
				return []string{ref}
			}
			return nil
		},
		cloneField: "reportedReference",
	},
	{
		resourceType:  "MedicationRequest",
		requiredTypes: []string{"Patient", "Practitioner", "Organization", "Device"},
		collect: func(r fhir.Resource) []string {
			if ref := r.Reference("requester"); ref != "" {
				return []string{ref}
			}
			return nil
		},
		cloneField: "requester",
	},
	{
		resourceType:  "Provenance",
		requiredTypes: []string{"Patient", "Practitioner", "Organization"},
		collect: func(r fhir.Resource) []string {
			var refs []string
			for _, raw := range r.Slice("agent") {
				agent, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if ref := fhir.Str(fhir.SubMap(agent, "who"), "reference"); ref != "" {
					refs = append(refs, ref)
				}
			}
			return refs
		},
		attach: func(r fhir.Resource, reference map[string]any) {
			agents := r.Slice("agent")
			r["agent"] = append(agents, map[string]any{
				"type": fhir.NewCodeableConcept(
					"http://terminology.hl7.org/CodeSystem/provenance-participant-type",
					"author", "Author"),
				"who": reference,
			})
		},
	},
}

// addMultiReferenceVariants attaches the missing reference-target variants
// on one bundle that carries every needed target type.
func (s *Service) addMultiReferenceVariants(bundles []*fhir.Bundle) error {
	target := findBundleWithAll(bundles,
		"Patient", "Practitioner", "Organization", "Device",
		"CareTeam", "DiagnosticReport", "DocumentReference", "Provenance")
	if target == nil {
		return fmt.Errorf("no bundle carries every reference target type")
	}

	references := map[string]map[string]any{}
	for _, resourceType := range []string{"Patient", "Practitioner", "Organization", "Device"} {
		entry := target.FindFirst(resourceType)
		references[resourceType] = fhir.NewReference("urn:uuid:" + entry.Resource.ID())
	}

	added := 0
	for _, rule := range referenceRules {
		entries := target.FindAll(rule.resourceType)
		if len(entries) == 0 {
			continue
		}
		// one variant per missing target type for the whole corpus, not
		// one per resource
		extant := map[string]bool{}
		for _, entry := range entries {
			for _, ref := range rule.collect(entry.Resource) {
				if t := typeOfLocator(target, ref); t != "" {
					extant[t] = true
				}
			}
		}
		exemplar := entries[0].Resource
		for _, requiredType := range rule.requiredTypes {
			if extant[requiredType] {
				continue
			}
			reference := references[requiredType]
			if rule.attach != nil {
				rule.attach(exemplar, reference)
			} else {
				clone := exemplar.Clone()
				clone.SetID(s.newID())
				clone[rule.cloneField] = reference
				appendEntry(target, clone)
			}
			added++
		}
	}
	s.log.Info().Int("added", added).Str("patient", target.Patient().ID()).
		Msg("added multi-reference variants")
	return nil
}

func findBundleWithAll(bundles []*fhir.Bundle, resourceTypes ...string) *fhir.Bundle {
	for _, b := range bundles {
		hasAll := true
		for _, t := range resourceTypes {
			if b.FindFirst(t) == nil {
				hasAll = false
				break
			}
		}
		if hasAll {
			return b
		}
	}
	return nil
}

// typeOfLocator resolves a urn:uuid locator to the type of the resource it
// names inside the bundle.
func typeOfLocator(b *fhir.Bundle, ref string) string {
	id := idFromLocator(ref)
	for _, entry := range b.Entry {
		if entry.Resource.ID() == id {
			return entry.Resource.Type()
		}
	}
	return ""
}
