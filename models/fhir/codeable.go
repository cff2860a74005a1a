package fhir

// DataAbsentExtensionURL tags an element whose value is intentionally missing.
const DataAbsentExtensionURL = "http://hl7.org/fhir/StructureDefinition/data-absent-reason"

// Well-known coding systems used by the curated corpus.
const (
	SystemLOINC  = "http://loinc.org"
	SystemSNOMED = "http://snomed.info/sct"
	SystemUCUM   = "http://unitsofmeasure.org"
)

// NewCoding builds a Coding element.
func NewCoding(system, code, display string) map[string]any {
	coding := map[string]any{
		"system": system,
		"code":   code,
	}
	if display != "" {
		coding["display"] = display
	}
	return coding
}

// NewCodeableConcept builds a CodeableConcept with a single coding and the
// display as text.
func NewCodeableConcept(system, code, display string) map[string]any {
	concept := map[string]any{
		"coding": []any{NewCoding(system, code, display)},
	}
	if display != "" {
		concept["text"] = display
	}
	return concept
}

// NewReference builds a Reference element pointing at a bundle locator.
func NewReference(ref string) map[string]any {
	return map[string]any{"reference": ref}
}

// DataAbsentExtension builds the extension list carrying a data-absent-reason
// with the given code ("unknown", "masked", ...).
func DataAbsentExtension(reason string) []any {
	return []any{
		map[string]any{
			"url":       DataAbsentExtensionURL,
			"valueCode": reason,
		},
	}
}

// DataAbsentElement builds a primitive-element stand-in ({"extension": [...]})
// used where a required primitive value is replaced by a data-absent-reason.
func DataAbsentElement(reason string) map[string]any {
	return map[string]any{"extension": DataAbsentExtension(reason)}
}

// ConceptText returns the text of a CodeableConcept, falling back to the
// display of its first coding.
func ConceptText(concept map[string]any) string {
	if concept == nil {
		return ""
	}
	if text := Str(concept, "text"); text != "" {
		return text
	}
	return Str(FirstMap(concept, "coding"), "display")
}

// ConceptHasCoding reports whether a CodeableConcept carries a coding with
// the given system and code.
func ConceptHasCoding(concept map[string]any, system, code string) bool {
	for _, raw := range SubSlice(concept, "coding") {
		coding, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if Str(coding, "system") == system && Str(coding, "code") == code {
			return true
		}
	}
	return false
}

// FindExtension returns the extension with the given url from an extension
// list, or nil.
func FindExtension(extensions []any, url string) map[string]any {
	for _, raw := range extensions {
		ext, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if Str(ext, "url") == url {
			return ext
		}
	}
	return nil
}
