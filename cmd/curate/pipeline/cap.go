package pipeline

import (
	"sort"
	"strings"

	"github.com/fhirtestdata/curator/models/fhir"
)

// capResources trims each bundle down to at most maxPerType resources per
// type. Resources another resource depends on are never removed: report
// results, note attachments, referenced encounters and reasons, care-plan
// addresses and medication links all stay, as does the last exemplar of any
// profile the corpus still needs and every smoking-status observation.
func (s *Service) capResources(bundles []*fhir.Bundle) {
	needed := map[string]bool{}
	for _, p := range s.version.RequiredProfiles {
		needed[p] = true
	}
	removed := 0
	for _, b := range bundles {
		removed += s.capBundle(b, needed)
	}
	s.log.Info().Int("removed", removed).Int("max_per_type", s.maxPerType).
		Msg("capped per-type resource counts")
}

func (s *Service) capBundle(b *fhir.Bundle, neededProfiles map[string]bool) int {
	protected := protectedIDs(b)
	removed := 0
	for _, resourceType := range cappedTypeOrder(b) {
		entries := b.FindAll(resourceType)
		excess := len(entries) - s.maxPerType
		if excess <= 0 {
			continue
		}
		shuffled := make([]*fhir.Entry, len(entries))
		copy(shuffled, entries)
		s.rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		var doomed []*fhir.Entry
		for _, entry := range shuffled {
			if len(doomed) >= excess {
				break
			}
			resource := entry.Resource
			if protected[resource.ID()] {
				continue
			}
			if resource.Type() == "Observation" &&
				strings.HasPrefix(fhir.Str(resource.Map("code"), "text"), "Tobacco smoking status") {
				continue
			}
			keep := false
			for _, profile := range resource.Profiles() {
				if neededProfiles[profile] {
					// keep the exemplar; later duplicates become fair game
					delete(neededProfiles, profile)
					keep = true
				}
			}
			if keep {
				continue
			}
			doomed = append(doomed, entry)
		}
		b.RemoveEntries(doomed)
		removed += len(doomed)
	}
	b.ReconcileProvenance()
	return removed
}

// cappedTypeOrder lists the bundle's resource types alphabetically, with
// DocumentReference first so its attachment references resolve before report
// trimming, and Encounter last so every dependent is trimmed first.
func cappedTypeOrder(b *fhir.Bundle) []string {
	var types []string
	for resourceType := range b.CountByType() {
		if resourceType != "DocumentReference" && resourceType != "Encounter" {
			types = append(types, resourceType)
		}
	}
	sort.Strings(types)
	ordered := append([]string{"DocumentReference"}, types...)
	return append(ordered, "Encounter")
}

// protectedIDs collects the ids of resources something else in the bundle
// depends on.
func protectedIDs(b *fhir.Bundle) map[string]bool {
	protected := map[string]bool{}
	protect := func(ref string) {
		if id := idFromLocator(ref); id != "" {
			protected[id] = true
		}
	}

	reportData := map[string]string{}
	for _, entry := range b.FindAll("DiagnosticReport") {
		for _, raw := range entry.Resource.Slice("result") {
			result, ok := raw.(map[string]any)
			if ok {
				protect(fhir.Str(result, "reference"))
			}
		}
		if form := fhir.FirstMap(map[string]any(entry.Resource), "presentedForm"); form != nil {
			if data := fhir.Str(form, "data"); data != "" {
				reportData[data] = entry.Resource.ID()
			}
		}
	}
	for _, entry := range b.FindAll("DocumentReference") {
		content := fhir.FirstMap(map[string]any(entry.Resource), "content")
		attachment := fhir.SubMap(content, "attachment")
		if id, ok := reportData[fhir.Str(attachment, "data")]; ok {
			protected[id] = true
		}
	}
	for _, entry := range b.Entry {
		protect(fhir.EncounterRef(entry.Resource))
		for _, ref := range fhir.ReferencesOf(entry.Resource, fhir.RefReasons) {
			protect(ref)
		}
		for _, raw := range entry.Resource.Slice("addresses") {
			if address, ok := raw.(map[string]any); ok {
				protect(fhir.Str(address, "reference"))
			}
		}
	}
	for _, entry := range b.FindAll("MedicationRequest") {
		if ref := entry.Resource.Reference("medicationReference"); ref != "" {
			protected[entry.Resource.ID()] = true
			protect(ref)
		}
	}
	return protected
}

// idFromLocator extracts the uuid out of a urn:uuid locator.
func idFromLocator(ref string) string {
	if ref == "" {
		return ""
	}
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
