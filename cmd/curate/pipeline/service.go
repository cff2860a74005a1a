// Package pipeline rewrites the selected bundles so the curated corpus
// exhibits every must-support shape the conformance profiles call for:
// synthesized resources, data-absent-reason variants, choice-type variants
// and reference variants the generator does not emit on its own.
package pipeline

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirtestdata/curator/cmd/curate/constraints"
	"github.com/fhirtestdata/curator/cmd/curate/profiles"
	"github.com/fhirtestdata/curator/models/fhir"
)

const (
	dischargeSystem    = "http://www.nubc.org/patient-discharge"
	npiSystem          = "http://hl7.org/fhir/sid/us-npi"
	cliaSystem         = "urn:oid:2.16.840.1.113883.4.7"
	darSystem          = "http://terminology.hl7.org/CodeSystem/data-absent-reason"
	actReasonSystem    = "http://terminology.hl7.org/CodeSystem/v3-ActReason"
	obsCategorySystem  = "http://terminology.hl7.org/CodeSystem/observation-category"
	uscoreTagSystem    = "http://hl7.org/fhir/us/core/CodeSystem/us-core-tags"
	defaultPostalCode  = "01999"
	placeholderNPI     = "9999999999"
	dummyAttachmentURL = "https://www.w3.org/WAI/ER/tests/xhtml/testfiles/resources/pdf/dummy.pdf"
)

// Service runs the ordered mutation passes over the selected bundles.
type Service struct {
	log        zerolog.Logger
	version    *profiles.Version
	preset     constraints.Preset
	rng        *rand.Rand
	maxPerType int
	now        func() time.Time
	newID      func() string
}

// NewService builds a pipeline for a version and preset. The seed fixes the
// randomized choices so runs are reproducible.
func NewService(log zerolog.Logger, version *profiles.Version, preset constraints.Preset, seed int64) *Service {
	return &Service{
		log:        log.With().Str("service", "pipeline").Logger(),
		version:    version,
		preset:     preset,
		rng:        rand.New(rand.NewSource(seed)),
		maxPerType: 20,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Output is what a pipeline run produces beside the mutated bundles.
type Output struct {
	// BlankedName is the bundle whose patient name was removed. Its JSON
	// needs a primitive-extension patch at write time, so it is surfaced
	// for separate handling. Nil in reduced mode.
	BlankedName *fhir.Bundle
	// Group is the corpus membership Group resource.
	Group fhir.Resource
}

// Run mutates the bundles in place and returns the run output. Bundles are
// expected to be patient bundles whose first entry is the Patient.
func (s *Service) Run(bundles []*fhir.Bundle) (*Output, error) {
	if len(bundles) == 0 {
		return nil, fmt.Errorf("no bundles to modify")
	}
	out := &Output{}

	s.normalizeDemographics(bundles)
	s.capResources(bundles)
	s.ensureAllergyReaction(bundles)
	s.addDischargeDispositions(bundles)
	s.createVitalsPanels(bundles)
	if err := s.addOrganizationIdentifiers(bundles); err != nil {
		return nil, err
	}
	if err := s.addPractitionerEndpoint(bundles); err != nil {
		return nil, err
	}
	if s.version.Relabel {
		s.addServiceRequests(bundles)
		s.addRelatedPersons(bundles)
	}
	s.ensureSmoker(bundles)
	s.alterConditionCategory(bundles)
	if s.version.Relabel {
		s.relabelConditions(bundles)
	}
	if s.preset != constraints.PresetReduced {
		out.BlankedName = s.removeName(bundles)
	}
	s.alterClinicalNoteURLs(bundles)
	s.cycleNoteCodes(bundles)
	s.fixNoteIdentifiers(bundles)
	if err := s.ensureMedication(bundles); err != nil {
		return nil, err
	}
	if s.version.Relabel {
		s.ensureMedicationIntentVariant(bundles)
	}
	s.cloneDeviceWithBarcode(bundles)
	s.alterImmunization(bundles)
	s.clonePulseOximetry(bundles)
	s.ensureGoal(bundles)
	if s.version.Relabel {
		s.ensureHeadCircumference(bundles)
		s.addImagingResults(bundles)
		s.relabelClinicalTests(bundles)
		s.addWalkTests(bundles)
		s.relabelObservations(bundles)
	}
	s.addObservationDataAbsentReasons(bundles)
	if err := s.checkChoiceTypes(bundles); err != nil {
		return nil, err
	}
	s.removeOutOfScope(bundles)
	for _, b := range bundles {
		b.ReconcileProvenance()
	}
	if err := s.addMultiReferenceVariants(bundles); err != nil {
		return nil, err
	}
	if err := s.addReportPerformers(bundles); err != nil {
		return nil, err
	}
	out.Group = s.createGroup(bundles)
	return out, nil
}

// normalizeDemographics strips generator-internal extensions and identifiers
// from each patient and fills the address gaps some towns leave behind.
func (s *Service) normalizeDemographics(bundles []*fhir.Bundle) {
	for _, b := range bundles {
		patient := b.Patient()
		if patient == nil {
			continue
		}
		var extensions []any
		for _, raw := range patient.Slice("extension") {
			ext, ok := raw.(map[string]any)
			if ok && strings.HasPrefix(fhir.Str(ext, "url"), "http://synthetichealth.github.io") {
				continue
			}
			extensions = append(extensions, raw)
		}
		patient["extension"] = extensions

		var identifiers []any
		for _, raw := range patient.Slice("identifier") {
			id, ok := raw.(map[string]any)
			if ok && strings.HasPrefix(fhir.Str(id, "system"), "http://standardhealthrecord.org") {
				continue
			}
			identifiers = append(identifiers, raw)
		}
		patient["identifier"] = identifiers

		address, _ := firstElement(patient, "address")
		if address == nil {
			continue
		}
		if fhir.Str(address, "postalCode") == "" {
			address["postalCode"] = defaultPostalCode
		}
		address["period"] = map[string]any{"start": patient.Str("birthDate")}
	}
	s.log.Info().Int("bundles", len(bundles)).Msg("normalized patient demographics")
}

// addDischargeDispositions sets a discharge disposition on every encounter a
// MedicationRequest points at, so encounter searches by medication context
// always surface one.
func (s *Service) addDischargeDispositions(bundles []*fhir.Bundle) {
	disposition := fhir.NewCodeableConcept(dischargeSystem, "01",
		"Discharged to home care or self care (routine discharge)")
	for _, b := range bundles {
		seen := map[string]bool{}
		for _, entry := range b.FindAll("MedicationRequest") {
			ref := fhir.EncounterRef(entry.Resource)
			if ref == "" || seen[ref] {
				continue
			}
			seen[ref] = true
			target := b.FindByFullURL(ref)
			if target == nil {
				continue
			}
			target.Resource["hospitalization"] = map[string]any{
				"dischargeDisposition": disposition,
			}
		}
		// fall back to the first encounter when no medication points anywhere
		if len(seen) == 0 {
			if entry := b.FindFirst("Encounter"); entry != nil {
				entry.Resource["hospitalization"] = map[string]any{
					"dischargeDisposition": disposition,
				}
			}
		}
	}
}

// addOrganizationIdentifiers gives one organization a placeholder NPI and
// CLIA number.
func (s *Service) addOrganizationIdentifiers(bundles []*fhir.Bundle) error {
	entry := findInAny(bundles, "Organization")
	if entry == nil {
		return fmt.Errorf("no Organization resource in any selected bundle")
	}
	org := entry.Resource
	identifiers := org.Slice("identifier")
	identifiers = append(identifiers,
		map[string]any{"system": npiSystem, "value": placeholderNPI},
		map[string]any{"system": cliaSystem, "value": placeholderNPI},
	)
	org["identifier"] = identifiers
	s.log.Info().Str("organization", org.ID()).Msg("added NPI and CLIA identifiers")
	return nil
}

// addPractitionerEndpoint attaches a contained Direct messaging Endpoint to
// one PractitionerRole.
func (s *Service) addPractitionerEndpoint(bundles []*fhir.Bundle) error {
	entry := findInAny(bundles, "PractitionerRole")
	if entry == nil {
		return fmt.Errorf("no PractitionerRole resource in any selected bundle")
	}
	role := entry.Resource
	telecoms := role.Slice("telecom")
	address := ""
	if len(telecoms) > 0 {
		last, _ := telecoms[len(telecoms)-1].(map[string]any)
		address = "mailto:" + fhir.Str(last, "value")
	}
	endpoint := map[string]any{
		"resourceType": "Endpoint",
		"id":           "endpoint",
		"status":       "active",
		"connectionType": fhir.NewCoding(
			"http://terminology.hl7.org/CodeSystem/endpoint-connection-type",
			"direct-project", "Direct Project"),
		"payloadType": []any{
			fhir.NewCodeableConcept(
				"http://terminology.hl7.org/CodeSystem/endpoint-payload-type",
				"any", "Any"),
		},
		"address": address,
	}
	role["contained"] = []any{endpoint}
	role["endpoint"] = []any{
		map[string]any{"reference": "#endpoint", "type": "Endpoint"},
	}
	s.log.Info().Str("practitionerRole", role.ID()).Msg("added contained endpoint")
	return nil
}

// removeOutOfScope drops resource types the target release has no profile
// for.
func (s *Service) removeOutOfScope(bundles []*fhir.Bundle) {
	drop := map[string]bool{}
	for _, t := range s.version.OutOfScopeTypes {
		drop[t] = true
	}
	removed := 0
	for _, b := range bundles {
		removed += b.RemoveIf(func(entry *fhir.Entry) bool {
			return drop[entry.Resource.Type()]
		})
	}
	s.log.Info().Int("removed", removed).Msg("removed out of scope resources")
}

// createGroup builds the membership Group listing every curated patient.
func (s *Service) createGroup(bundles []*fhir.Bundle) fhir.Resource {
	id := s.newID()
	var members []any
	for _, b := range bundles {
		if b.Patient() == nil || len(b.Entry) == 0 {
			continue
		}
		members = append(members, map[string]any{
			"entity": fhir.NewReference(b.Entry[0].FullURL),
		})
	}
	return fhir.Resource{
		"resourceType": "Group",
		"id":           id,
		"identifier": []any{
			map[string]any{"system": "urn:ietf:rfc:3986", "value": "urn:uuid:" + id},
		},
		"active":   true,
		"type":     "person",
		"actual":   true,
		"name":     "Synthea US Core Patients",
		"quantity": float64(len(members)),
		"member":   members,
	}
}

// appendEntry adds a resource to a bundle and registers it with the
// bundle's Provenance.
func appendEntry(b *fhir.Bundle, resource fhir.Resource) *fhir.Entry {
	entry := fhir.NewEntry(resource, resource.ID())
	b.Entry = append(b.Entry, entry)
	if prov := b.FindFirst("Provenance"); prov != nil {
		targets := prov.Resource.Slice("target")
		prov.Resource["target"] = append(targets, fhir.NewReference(entry.FullURL))
	}
	return entry
}

func findInAny(bundles []*fhir.Bundle, resourceType string) *fhir.Entry {
	for _, b := range bundles {
		if entry := b.FindFirst(resourceType); entry != nil {
			return entry
		}
	}
	return nil
}

func bundleWith(bundles []*fhir.Bundle, resourceType string) *fhir.Bundle {
	for _, b := range bundles {
		if b.FindFirst(resourceType) != nil {
			return b
		}
	}
	return nil
}

func firstElement(r fhir.Resource, key string) (map[string]any, bool) {
	list := r.Slice(key)
	if len(list) == 0 {
		return nil, false
	}
	m, ok := list[0].(map[string]any)
	return m, ok
}

// sortByConditionCount orders bundles ascending by their Condition count and
// returns the ordering without mutating the input.
func sortByConditionCount(bundles []*fhir.Bundle) []*fhir.Bundle {
	ordered := make([]*fhir.Bundle, len(bundles))
	copy(ordered, bundles)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].FindAll("Condition")) < len(ordered[j].FindAll("Condition"))
	})
	return ordered
}
