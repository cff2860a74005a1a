// Package constraints evaluates demographic and content predicates over
// candidate patient bundles. The selection engine scores bundles by how many
// named constraints they satisfy.
package constraints

import (
	"strings"
	"time"

	"github.com/fhirtestdata/curator/cmd/curate/profiles"
	"github.com/fhirtestdata/curator/models/fhir"
)

const (
	raceExtensionURL      = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-race"
	ethnicityExtensionURL = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-ethnicity"
)

// Gender returns the patient's administrative gender, or "".
func Gender(b *fhir.Bundle) string {
	patient := b.Patient()
	if patient == nil {
		return ""
	}
	return patient.Str("gender")
}

// Age returns the patient's age in whole years as of now. ok is false when
// the bundle has no patient or the birthDate is missing or unparseable; age
// predicates treat that as unsatisfiable rather than guessing.
func Age(b *fhir.Bundle) (int, bool) {
	return ageAt(b, time.Now())
}

func ageAt(b *fhir.Bundle, today time.Time) (int, bool) {
	patient := b.Patient()
	if patient == nil {
		return 0, false
	}
	birth, err := fhir.ParseDate(patient.Str("birthDate"))
	if err != nil {
		return 0, false
	}
	age := today.Year() - birth.Year()
	if today.Before(birth.AddDate(age, 0, 0)) {
		age--
	}
	return age, true
}

// Alive reports whether the patient carries no deceased marker.
func Alive(b *fhir.Bundle) bool {
	patient := b.Patient()
	if patient == nil {
		return false
	}
	if deceased, ok := patient["deceasedBoolean"].(bool); ok && deceased {
		return false
	}
	return patient.Str("deceasedDateTime") == ""
}

// Race returns the display of the patient's OMB race category, or "".
func Race(b *fhir.Bundle) string {
	return ombCategory(b, raceExtensionURL)
}

// Ethnicity returns the display of the patient's OMB ethnicity category, or "".
func Ethnicity(b *fhir.Bundle) string {
	return ombCategory(b, ethnicityExtensionURL)
}

func ombCategory(b *fhir.Bundle, url string) string {
	patient := b.Patient()
	if patient == nil {
		return ""
	}
	ext := fhir.FindExtension(patient.Slice("extension"), url)
	if ext == nil {
		return ""
	}
	category := fhir.FindExtension(fhir.SubSlice(ext, "extension"), "ombCategory")
	return fhir.Str(fhir.SubMap(category, "valueCoding"), "display")
}

// Smoker reports whether any smoking-status observation records daily
// tobacco use. Strict matching requires the exact NHIS code text; loose
// matching accepts the prefixed code text and the SNOMED display variant
// newer generator releases emit.
func Smoker(b *fhir.Bundle, loose bool) bool {
	for _, entry := range b.FindAll("Observation") {
		codeText := fhir.Str(entry.Resource.Map("code"), "text")
		if loose {
			if !strings.HasPrefix(codeText, "Tobacco smoking status") {
				continue
			}
		} else if codeText != "Tobacco smoking status NHIS" {
			continue
		}
		valueText := fhir.ConceptText(entry.Resource.Map("valueCodeableConcept"))
		if strings.Contains(valueText, "Current every day smoker") ||
			strings.Contains(valueText, "Smokes tobacco daily (finding)") {
			return true
		}
	}
	return false
}

// Has reports whether the bundle holds any resource of the given type.
func Has(b *fhir.Bundle, resourceType string) bool {
	return b.FindFirst(resourceType) != nil
}

// HasPulseOx reports whether any resource declares the pulse oximetry profile.
func HasPulseOx(b *fhir.Bundle) bool {
	for _, entry := range b.Entry {
		if entry.Resource.HasProfile(profiles.PulseOximetry) {
			return true
		}
	}
	return false
}

// HasHighSystolic reports whether any observation carries a systolic blood
// pressure component at or above 140 mmHg.
func HasHighSystolic(b *fhir.Bundle) bool {
	for _, entry := range b.FindAll("Observation") {
		for _, raw := range entry.Resource.Slice("component") {
			component, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if !fhir.ConceptHasCoding(fhir.SubMap(component, "code"), fhir.SystemLOINC, "8480-6") {
				continue
			}
			value, ok := fhir.SubMap(component, "valueQuantity")["value"].(float64)
			if ok && value >= 140 {
				return true
			}
		}
	}
	return false
}

// hasObservationValue reports whether any observation in any bundle carries
// a value of the given element name ("valueCodeableConcept", ...).
func hasObservationValue(b *fhir.Bundle, element string) bool {
	for _, entry := range b.FindAll("Observation") {
		if _, ok := entry.Resource[element]; ok {
			return true
		}
	}
	return false
}
