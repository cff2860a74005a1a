package fhir

// Resource references are read through an explicit dispatch table keyed by
// (resourceType, logical field). Resources of different types store the same
// logical link under different element paths; the table makes every supported
// pair visible in one place, and lookups for unsupported pairs return nothing
// instead of guessing.

type refKey struct {
	resourceType string
	field        string
}

// Logical reference fields resolved through the dispatch table.
const (
	RefEncounter  = "encounter"
	RefMedication = "medication"
	RefReasons    = "reasons"
)

var refGetters = map[refKey]func(Resource) []string{
	{"AllergyIntolerance", RefEncounter}: directEncounter,
	{"CarePlan", RefEncounter}:           directEncounter,
	{"CareTeam", RefEncounter}:           directEncounter,
	{"Condition", RefEncounter}:          directEncounter,
	{"DiagnosticReport", RefEncounter}:   directEncounter,
	{"DocumentReference", RefEncounter}:  contextEncounter,
	{"Immunization", RefEncounter}:       directEncounter,
	{"MedicationRequest", RefEncounter}:  directEncounter,
	{"Observation", RefEncounter}:        directEncounter,
	{"Procedure", RefEncounter}:          directEncounter,
	{"ServiceRequest", RefEncounter}:     directEncounter,

	{"MedicationRequest", RefMedication}: medicationReference,

	{"Encounter", RefReasons}:         reasonReferences,
	{"MedicationRequest", RefReasons}: reasonReferences,
}

// ReferencesOf resolves a logical reference field on a resource. The result
// is empty when the resource type does not support the field or the element
// is absent.
func ReferencesOf(r Resource, field string) []string {
	getter, ok := refGetters[refKey{r.Type(), field}]
	if !ok {
		return nil
	}
	return getter(r)
}

// EncounterRef returns the single encounter locator a resource points at,
// or "" when it has none.
func EncounterRef(r Resource) string {
	refs := ReferencesOf(r, RefEncounter)
	if len(refs) == 0 {
		return ""
	}
	return refs[0]
}

func directEncounter(r Resource) []string {
	if ref := r.Reference("encounter"); ref != "" {
		return []string{ref}
	}
	return nil
}

func contextEncounter(r Resource) []string {
	context := r.Map("context")
	if ref := Str(FirstMap(context, "encounter"), "reference"); ref != "" {
		return []string{ref}
	}
	return nil
}

func medicationReference(r Resource) []string {
	if ref := r.Reference("medicationReference"); ref != "" {
		return []string{ref}
	}
	return nil
}

func reasonReferences(r Resource) []string {
	var refs []string
	for _, raw := range r.Slice("reasonReference") {
		reason, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if ref := Str(reason, "reference"); ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

// CollectReferences walks the whole resource tree and returns every
// {"reference": "..."} value found, in document order. Used by the bundle
// filters where any link keeps a resource reachable.
func CollectReferences(r Resource) []string {
	var refs []string
	collectReferences(map[string]any(r), &refs)
	return refs
}

func collectReferences(node any, refs *[]string) {
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["reference"].(string); ok && ref != "" {
			*refs = append(*refs, ref)
		}
		for _, child := range v {
			collectReferences(child, refs)
		}
	case []any:
		for _, child := range v {
			collectReferences(child, refs)
		}
	}
}
