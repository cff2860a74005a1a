package pipeline

import "github.com/fhirtestdata/curator/models/fhir"

// addObservationDataAbsentReasons rewrites one observation per listed
// profile to carry a data-absent-reason in place of its value. Profiles
// whose value element is mandatory route the reason through the value
// concept; blood pressures route it through their components.
func (s *Service) addObservationDataAbsentReasons(bundles []*fhir.Bundle) {
	viaValue := map[string]bool{}
	for _, p := range s.version.DataAbsentViaValue {
		viaValue[p] = true
	}
	viaComponents := map[string]bool{}
	for _, p := range s.version.DataAbsentViaComponents {
		viaComponents[p] = true
	}

	pending := map[string]bool{}
	for _, p := range s.version.DataAbsentProfiles {
		pending[p] = true
	}
	unknown := fhir.NewCodeableConcept(darSystem, "unknown", "Unknown")

	for _, b := range bundles {
		if len(pending) == 0 {
			break
		}
		for _, entry := range b.FindAll("Observation") {
			observation := entry.Resource
			for _, profile := range observation.Profiles() {
				if !pending[profile] {
					continue
				}
				delete(pending, profile)
				switch {
				case viaValue[profile]:
					observation["valueCodeableConcept"] = unknown
				case viaComponents[profile]:
					for _, raw := range observation.Slice("component") {
						if component, ok := raw.(map[string]any); ok {
							delete(component, "valueQuantity")
							component["dataAbsentReason"] = unknown
						}
					}
				default:
					delete(observation, "valueQuantity")
					observation["dataAbsentReason"] = unknown
				}
				s.log.Debug().Str("profile", profile).Str("observation", observation.ID()).
					Msg("applied data absent reason")
				break
			}
		}
	}
	for profile := range pending {
		s.log.Warn().Str("profile", profile).Msg("no observation found for data absent reason")
	}
}
