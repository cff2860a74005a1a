package pipeline

import "github.com/fhirtestdata/curator/models/fhir"

// createVitalsPanels groups each encounter's vital-sign observations under a
// synthesized panel observation with hasMember links, one panel per
// encounter that has any members.
func (s *Service) createVitalsPanels(bundles []*fhir.Bundle) {
	members := map[string]bool{}
	for _, p := range s.version.PanelMembers {
		members[p] = true
	}
	created := 0
	for _, b := range bundles {
		observations := b.FindAll("Observation")
		for _, encounter := range b.FindAll("Encounter") {
			var vitals []*fhir.Entry
			for _, obs := range observations {
				if fhir.EncounterRef(obs.Resource) != encounter.FullURL {
					continue
				}
				for _, profile := range obs.Resource.Profiles() {
					if members[profile] {
						vitals = append(vitals, obs)
						break
					}
				}
			}
			if len(vitals) == 0 {
				continue
			}
			first := vitals[0].Resource
			panel := fhir.Resource{
				"resourceType": "Observation",
				"id":           s.newID(),
				"status":       "final",
				"category":     first.Slice("category"),
				"code": fhir.NewCodeableConcept(fhir.SystemLOINC, "85353-1",
					"Vital signs, weight, height, head circumference, oxygen saturation and BMI panel"),
				"effectiveDateTime": first.Str("effectiveDateTime"),
				"issued":            first.Str("issued"),
				"subject":           first.Map("subject"),
				"encounter":         first.Map("encounter"),
			}
			panel.SetProfiles(
				"http://hl7.org/fhir/StructureDefinition/vitalspanel",
				"http://hl7.org/fhir/StructureDefinition/vitalsigns",
			)
			var memberRefs []any
			for _, member := range vitals {
				memberRefs = append(memberRefs, map[string]any{
					"reference": member.FullURL,
					"display":   fhir.Str(member.Resource.Map("code"), "text"),
				})
			}
			panel["hasMember"] = memberRefs
			appendEntry(b, panel)
			created++
		}
	}
	s.log.Info().Int("created", created).Msg("created vitals panels")
}
