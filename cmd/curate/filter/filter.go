// Package filter shrinks curated bundles to the smallest encounter-scoped
// subset that still covers every profile the corpus exhibits, then trims the
// shared provider bundles down to the providers the kept resources reach.
package filter

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/fhirtestdata/curator/models/fhir"
)

const uscoreProfileBase = "http://hl7.org/fhir/us/core/StructureDefinition/"

// standaloneTypes have a profile of their own but no encounter linkage, so
// they are kept on profile alone.
var standaloneTypes = map[string]string{
	"AllergyIntolerance": uscoreProfileBase + "us-core-allergyintolerance",
	"Device":             uscoreProfileBase + "us-core-implantable-device",
	"Goal":               uscoreProfileBase + "us-core-goal",
	"RelatedPerson":      uscoreProfileBase + "us-core-relatedperson",
}

// Service trims bundles in place.
type Service struct {
	log zerolog.Logger
}

func NewService(log zerolog.Logger) *Service {
	return &Service{log: log.With().Str("service", "filter").Logger()}
}

// providerKeep accumulates the providers the kept patient resources point
// at, across every patient bundle.
type providerKeep struct {
	organizations map[string]bool
	locations     map[string]bool
	practitioners map[string]bool
}

func newProviderKeep() *providerKeep {
	return &providerKeep{
		organizations: map[string]bool{},
		locations:     map[string]bool{},
		practitioners: map[string]bool{},
	}
}

// Run filters every patient bundle down to one exemplar encounter per
// profile, then restricts the shared Organization and Practitioner bundles
// to the providers still referenced.
func (s *Service) Run(bundles []*fhir.Bundle) {
	keep := newProviderKeep()
	var organizationBundle, practitionerBundle *fhir.Bundle
	var patients []*fhir.Bundle
	for _, b := range bundles {
		if len(b.Entry) == 0 {
			continue
		}
		switch b.Entry[0].Resource.Type() {
		case "Organization":
			organizationBundle = b
		case "Practitioner":
			practitionerBundle = b
		case "Patient":
			patients = append(patients, b)
		}
	}

	for _, b := range patients {
		s.filterBundle(b, keep)
	}
	collectReportPerformers(patients, keep)

	if organizationBundle != nil {
		before := len(organizationBundle.Entry)
		organizationBundle.RemoveIf(func(entry *fhir.Entry) bool {
			id := entry.Resource.ID()
			return !keep.organizations[id] && !keep.locations[id]
		})
		s.log.Info().Int("before", before).Int("after", len(organizationBundle.Entry)).
			Msg("filtered organization bundle")
	}
	if practitionerBundle != nil {
		before := len(practitionerBundle.Entry)
		practitionerBundle.RemoveIf(func(entry *fhir.Entry) bool {
			return !keepsPractitioner(entry.Resource, keep.practitioners)
		})
		s.log.Info().Int("before", before).Int("after", len(practitionerBundle.Entry)).
			Msg("filtered practitioner bundle")
	}
}

// filterBundle walks the bundle's entries newest first, keeping each
// encounter only when its associated resources add profile coverage the
// bundle does not yet retain.
func (s *Service) filterBundle(b *fhir.Bundle, keep *providerKeep) {
	before := len(b.Entry)
	coverage := map[string]bool{}
	keptEncounters := map[string]bool{}
	keptResources := map[string]bool{}

	for i := len(b.Entry) - 1; i >= 0; i-- {
		entry := b.Entry[i]
		resource := entry.Resource
		resourceType := resource.Type()
		if profile, ok := standaloneTypes[resourceType]; ok {
			if len(resource.Profiles()) > 0 && resource.Profiles()[0] == profile {
				keptResources[resource.ID()] = true
				coverage[profile] = true
			}
			continue
		}
		if resourceType != "Encounter" {
			continue
		}

		associated := associatedWithEncounter(b, entry.FullURL)
		novel := false
		for _, a := range associated {
			profiles := a.Profiles()
			if len(profiles) > 0 && !coverage[profiles[0]] {
				novel = true
				break
			}
		}
		if !novel {
			continue
		}
		keptEncounters[resource.ID()] = true
		for _, a := range associated {
			keptResources[a.ID()] = true
			if profiles := a.Profiles(); len(profiles) > 0 {
				coverage[profiles[0]] = true
			}
		}
		keep.addOrganization(resource.Reference("serviceProvider"))
		if location, ok := firstMapOf(resource, "location"); ok {
			keep.addLocation(fhir.Str(fhir.SubMap(location, "location"), "reference"))
		}
		if participant, ok := firstMapOf(resource, "participant"); ok {
			keep.addPractitioner(fhir.Str(fhir.SubMap(participant, "individual"), "reference"))
		}
	}

	// close the keep set over local references: a kept resource may point
	// at an encounter that added no coverage (a medication prescribed in
	// one encounter for a condition diagnosed in another), or at a
	// practitioner or organization entry no encounter reaches. Provenance
	// contributes only its agents; its target list covers every entry and
	// is reconciled after the removal instead.
	for changed := true; changed; {
		changed = false
		for _, entry := range b.Entry {
			resource := entry.Resource
			id := resource.ID()
			var refs []string
			switch {
			case resource.Type() == "Provenance":
				refs = agentRefs(resource)
			case resource.Type() == "Patient" || keptEncounters[id] || keptResources[id]:
				refs = fhir.CollectReferences(resource)
			default:
				continue
			}
			for _, ref := range refs {
				target := b.FindByFullURL(ref)
				if target == nil {
					continue
				}
				targetID := target.Resource.ID()
				if target.Resource.Type() == "Encounter" {
					if !keptEncounters[targetID] {
						keptEncounters[targetID] = true
						changed = true
					}
				} else if !keptResources[targetID] {
					keptResources[targetID] = true
					changed = true
				}
			}
		}
	}

	b.RemoveIf(func(entry *fhir.Entry) bool {
		resourceType := entry.Resource.Type()
		if resourceType == "Patient" || resourceType == "Provenance" {
			return false
		}
		id := entry.Resource.ID()
		return !keptEncounters[id] && !keptResources[id]
	})
	b.ReconcileProvenance()
	s.log.Info().Int("before", before).Int("after", len(b.Entry)).
		Msg("filtered patient bundle")
}

// associatedWithEncounter gathers the resources tied to one encounter: the
// direct referrers plus the medications, first reasons and caregiver members
// those referrers point at. Reason lists are truncated to their first entry.
func associatedWithEncounter(b *fhir.Bundle, encounterURL string) []fhir.Resource {
	var resources []fhir.Resource
	var followups []string
	seen := map[string]bool{}

	for _, entry := range b.Entry {
		if fhir.EncounterRef(entry.Resource) != encounterURL {
			continue
		}
		resources = append(resources, entry.Resource)
		seen[entry.Resource.ID()] = true
		if ref := entry.Resource.Reference("medicationReference"); ref != "" {
			followups = append(followups, ref)
		}
		if reasons := entry.Resource.Slice("reasonReference"); len(reasons) > 0 {
			entry.Resource["reasonReference"] = reasons[:1]
			if reason, ok := reasons[0].(map[string]any); ok {
				followups = append(followups, fhir.Str(reason, "reference"))
			}
		}
		if entry.Resource.Type() == "CareTeam" {
			if ref := caregiverMember(entry.Resource); ref != "" {
				followups = append(followups, ref)
			}
		}
	}

	for _, ref := range followups {
		target := b.FindByFullURL(ref)
		if target == nil || seen[target.Resource.ID()] {
			continue
		}
		seen[target.Resource.ID()] = true
		resources = append(resources, target.Resource)
	}
	return resources
}

// agentRefs returns the who references of a Provenance's agents.
func agentRefs(provenance fhir.Resource) []string {
	var refs []string
	for _, raw := range provenance.Slice("agent") {
		agent, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if ref := fhir.Str(fhir.SubMap(agent, "who"), "reference"); ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

// caregiverMember returns the member reference of a CareTeam's caregiver
// participant, or "".
func caregiverMember(careTeam fhir.Resource) string {
	for _, raw := range careTeam.Slice("participant") {
		participant, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role := fhir.FirstMap(participant, "role")
		if fhir.ConceptText(role) == "Caregiver (person)" {
			return fhir.Str(fhir.SubMap(participant, "member"), "reference")
		}
	}
	return ""
}

// collectReportPerformers records report performers so the provider trim
// does not orphan them.
func collectReportPerformers(patients []*fhir.Bundle, keep *providerKeep) {
	for _, b := range patients {
		for _, entry := range b.FindAll("DiagnosticReport") {
			for _, raw := range entry.Resource.Slice("performer") {
				performer, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				ref := fhir.Str(performer, "reference")
				switch {
				case strings.HasPrefix(ref, "Practitioner"):
					keep.addPractitioner(ref)
				case strings.HasPrefix(ref, "Organization"):
					keep.addOrganization(ref)
				}
			}
		}
	}
}

// keepsPractitioner reports whether a practitioner-bundle entry survives the
// trim. Practitioners match on their NPI identifier, roles on the NPI of the
// practitioner they belong to.
func keepsPractitioner(resource fhir.Resource, npis map[string]bool) bool {
	if identifier, ok := firstMapOf(resource, "identifier"); ok {
		if npis[fhir.Str(identifier, "value")] {
			return true
		}
	}
	practitioner := resource.Map("practitioner")
	return npis[fhir.Str(fhir.SubMap(practitioner, "identifier"), "value")]
}

func (k *providerKeep) addOrganization(ref string) {
	if id := lastToken(ref); id != "" {
		k.organizations[id] = true
	}
}

func (k *providerKeep) addLocation(ref string) {
	if id := lastToken(ref); id != "" {
		k.locations[id] = true
	}
}

func (k *providerKeep) addPractitioner(ref string) {
	if id := lastToken(ref); id != "" {
		k.practitioners[id] = true
	}
}

// lastToken extracts the trailing id out of a search-style reference such as
// "Organization?identifier=https://github.com/synthetichealth/synthea|<id>".
func lastToken(ref string) string {
	if ref == "" {
		return ""
	}
	if i := strings.LastIndex(ref, "|"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

func firstMapOf(r fhir.Resource, key string) (map[string]any, bool) {
	list := r.Slice(key)
	if len(list) == 0 {
		return nil, false
	}
	m, ok := list[0].(map[string]any)
	return m, ok
}
