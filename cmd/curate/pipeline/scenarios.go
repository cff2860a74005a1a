package pipeline

import (
	"strings"

	"github.com/fhirtestdata/curator/cmd/curate/constraints"
	"github.com/fhirtestdata/curator/cmd/curate/profiles"
	"github.com/fhirtestdata/curator/models/fhir"
)

// barcodePNG is a 1x1 placeholder barcode image, base64 encoded, used for
// the carrierAIDC variant of the cloned device.
const barcodePNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNk+M9QDwADhgGAWjR9awAAAABJRU5ErkJggg=="

// ensureAllergyReaction guarantees at least one AllergyIntolerance carries a
// reaction manifestation.
func (s *Service) ensureAllergyReaction(bundles []*fhir.Bundle) {
	for _, b := range bundles {
		for _, entry := range b.FindAll("AllergyIntolerance") {
			for _, raw := range entry.Resource.Slice("reaction") {
				reaction, ok := raw.(map[string]any)
				if ok && len(fhir.SubSlice(reaction, "manifestation")) > 0 {
					return
				}
			}
		}
	}
	entry := findInAny(bundles, "AllergyIntolerance")
	if entry == nil {
		s.log.Warn().Msg("no AllergyIntolerance to add a reaction manifestation onto")
		return
	}
	reactions := entry.Resource.Slice("reaction")
	entry.Resource["reaction"] = append(reactions, map[string]any{
		"manifestation": []any{
			fhir.NewCodeableConcept(fhir.SystemSNOMED, "271807003", "skin rash"),
		},
	})
	s.log.Info().Str("allergyIntolerance", entry.Resource.ID()).Msg("added reaction manifestation")
}

// ensureSmoker backfills a daily-smoker status onto the oldest patient when
// no selected bundle has one.
func (s *Service) ensureSmoker(bundles []*fhir.Bundle) {
	loose := s.version.Relabel
	for _, b := range bundles {
		if constraints.Smoker(b, loose) {
			return
		}
	}
	var oldest *fhir.Bundle
	for _, b := range bundles {
		if b.Patient() == nil {
			continue
		}
		if oldest == nil || b.Patient().Str("birthDate") < oldest.Patient().Str("birthDate") {
			oldest = b
		}
	}
	if oldest == nil {
		return
	}
	var last *fhir.Entry
	for _, entry := range oldest.FindAll("Observation") {
		if strings.HasPrefix(fhir.Str(entry.Resource.Map("code"), "text"), "Tobacco smoking status") {
			last = entry
		}
	}
	if last == nil {
		s.log.Warn().Msg("oldest patient has no smoking status observation to alter")
		return
	}
	last.Resource["valueCodeableConcept"] = fhir.NewCodeableConcept(
		fhir.SystemSNOMED, "449868002", "Current every day smoker")
	s.log.Info().Str("patient", oldest.Patient().ID()).Msg("altered smoking status")
}

// alterConditionCategory replaces the category of one condition on the
// bundle with the most conditions with a data-absent-reason.
func (s *Service) alterConditionCategory(bundles []*fhir.Bundle) {
	ordered := sortByConditionCount(bundles)
	target := ordered[len(ordered)-1]
	conditions := target.FindAll("Condition")
	if len(conditions) == 0 {
		s.log.Warn().Msg("no conditions available to alter")
		return
	}
	condition := conditions[s.rng.Intn(len(conditions))].Resource
	condition["category"] = []any{
		map[string]any{"extension": fhir.DataAbsentExtension("unknown")},
	}
	s.log.Info().Str("patient", target.Patient().ID()).Msg("altered condition category")
}

// removeName blanks the patient name on one bundle of the majority gender
// and returns that bundle for primitive-extension patching at write time.
func (s *Service) removeName(bundles []*fhir.Bundle) *fhir.Bundle {
	target := pickByGender(bundles)
	if target == nil {
		return nil
	}
	target.Patient()["name"] = []any{map[string]any{}}
	s.log.Info().Str("patient", target.Patient().ID()).Msg("removed patient name")
	return target
}

// pickByGender returns the first bundle of the better represented gender.
func pickByGender(bundles []*fhir.Bundle) *fhir.Bundle {
	females := 0
	for _, b := range bundles {
		if constraints.Gender(b) == "female" {
			females++
		}
	}
	wanted := "female"
	if len(bundles)-females > females {
		wanted = "male"
	}
	for _, b := range bundles {
		if constraints.Gender(b) == wanted {
			return b
		}
	}
	return nil
}

// ensureMedication synthesizes a standalone Medication resource from a
// MedicationRequest when the selection carries none, rewiring the request to
// reference it.
func (s *Service) ensureMedication(bundles []*fhir.Bundle) error {
	if findInAny(bundles, "Medication") != nil {
		return nil
	}
	b := bundleWith(bundles, "MedicationRequest")
	if b == nil {
		s.log.Warn().Msg("no MedicationRequest available to derive a Medication from")
		return nil
	}
	request := b.FindFirst("MedicationRequest").Resource
	medication := fhir.Resource{
		"resourceType": "Medication",
		"id":           s.newID(),
		"status":       "active",
		"code":         request.Map("medicationCodeableConcept"),
	}
	medication.SetProfiles(profiles.Medication)

	request["reportedBoolean"] = true
	delete(request, "medicationCodeableConcept")
	request.SetReference("medicationReference", "urn:uuid:"+medication.ID())
	request["status"] = "active"
	appendEntry(b, medication)
	s.log.Info().Str("patient", b.Patient().ID()).Msg("synthesized Medication resource")
	return nil
}

// ensureMedicationIntentVariant rewrites one MedicationRequest to a plan
// intent so intent searches can exercise a multi-or query.
func (s *Service) ensureMedicationIntentVariant(bundles []*fhir.Bundle) {
	var requests []*fhir.Entry
	for _, b := range bundles {
		for _, entry := range b.FindAll("MedicationRequest") {
			if entry.Resource.Str("intent") != "order" {
				return
			}
			requests = append(requests, entry)
		}
	}
	if len(requests) == 0 {
		return
	}
	changed := requests[len(requests)-1].Resource
	changed["intent"] = "plan"
	changed["reportedBoolean"] = true
	s.log.Info().Str("medicationRequest", changed.ID()).Msg("altered request intent to plan")
}

// cloneDeviceWithBarcode clones one implanted device, replacing its
// human-readable UDI carrier with a barcode image.
func (s *Service) cloneDeviceWithBarcode(bundles []*fhir.Bundle) {
	b := bundleWith(bundles, "Device")
	if b == nil {
		s.log.Warn().Msg("no Device available to clone")
		return
	}
	device := b.FindFirst("Device").Resource
	clone := device.Clone()
	clone.SetID(s.newID())
	if carrier, ok := firstElement(clone, "udiCarrier"); ok {
		delete(carrier, "carrierHRF")
		carrier["carrierAIDC"] = barcodePNG
	}
	appendEntry(b, clone)
	s.log.Info().Str("patient", b.Patient().ID()).Msg("cloned device with carrierAIDC")
}

// alterImmunization rewrites one immunization into a not-done event with an
// out-of-stock status reason and an unknown vaccine code.
func (s *Service) alterImmunization(bundles []*fhir.Bundle) {
	entry := findInAny(bundles, "Immunization")
	if entry == nil {
		s.log.Warn().Msg("no Immunization available to alter")
		return
	}
	immunization := entry.Resource
	immunization["vaccineCode"] = fhir.NewCodeableConcept(darSystem, "unknown", "Unknown")
	immunization["statusReason"] = fhir.NewCodeableConcept(actReasonSystem, "OSTOCK", "product out of stock")
	immunization["status"] = "not-done"
	s.log.Info().Str("immunization", immunization.ID()).Msg("altered immunization to not-done")
}

// clonePulseOximetry clones one pulse oximetry observation twice, adding the
// oxygen flow-rate and concentration components. The second clone carries
// data-absent-reasons on the components instead of values.
func (s *Service) clonePulseOximetry(bundles []*fhir.Bundle) {
	var b *fhir.Bundle
	for _, candidate := range bundles {
		if constraints.HasPulseOx(candidate) {
			b = candidate
			break
		}
	}
	if b == nil {
		s.log.Warn().Msg("no pulse oximetry observation available to clone")
		return
	}
	var source *fhir.Entry
	for _, entry := range b.Entry {
		if entry.Resource.HasProfile(profiles.PulseOximetry) {
			source = entry
			break
		}
	}
	var clone fhir.Resource
	for i := 0; i < 2; i++ {
		clone = source.Resource.Clone()
		clone.SetID(s.newID())
		clone["component"] = []any{
			map[string]any{
				"code": fhir.NewCodeableConcept(fhir.SystemLOINC, "3151-8", "Inhaled oxygen flow rate"),
				"valueQuantity": map[string]any{
					"value": float64(6), "unit": "L/min",
					"system": fhir.SystemUCUM, "code": "L/min",
				},
			},
			map[string]any{
				"code": fhir.NewCodeableConcept(fhir.SystemLOINC, "3150-0", "Inhaled oxygen concentration"),
				"valueQuantity": map[string]any{
					"value": float64(40), "unit": "%",
					"system": fhir.SystemUCUM, "code": "%",
				},
			},
		}
		appendEntry(b, clone)
	}
	for _, raw := range clone.Slice("component") {
		component := raw.(map[string]any)
		delete(component, "valueQuantity")
		component["dataAbsentReason"] = fhir.NewCodeableConcept(darSystem, "unknown", "Unknown")
	}
	s.log.Info().Str("patient", b.Patient().ID()).Msg("cloned pulse oximetry with components")
}

// ensureGoal synthesizes a Goal with a due date when the selection has none.
func (s *Service) ensureGoal(bundles []*fhir.Bundle) {
	if findInAny(bundles, "Goal") != nil {
		return
	}
	b := bundleWith(bundles, "Patient")
	if b == nil {
		return
	}
	goal := fhir.Resource{
		"resourceType":    "Goal",
		"id":              s.newID(),
		"lifecycleStatus": "active",
		"description": fhir.NewCodeableConcept(fhir.SystemSNOMED, "281004",
			"Dementia associated with alcoholism (disorder)"),
		"subject": fhir.NewReference("urn:uuid:" + b.Patient().ID()),
		"target": []any{
			map[string]any{"dueDate": fhir.FormatDate(s.now())},
		},
	}
	goal.SetProfiles(profiles.USCoreBase + "us-core-goal")
	appendEntry(b, goal)
	s.log.Info().Str("patient", b.Patient().ID()).Msg("synthesized Goal resource")
}
