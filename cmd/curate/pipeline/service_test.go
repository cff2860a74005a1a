package pipeline

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirtestdata/curator/cmd/curate/constraints"
	"github.com/fhirtestdata/curator/cmd/curate/profiles"
	"github.com/fhirtestdata/curator/models/fhir"
)

func newTestService(t *testing.T, versionName string, preset constraints.Preset) *Service {
	t.Helper()
	version, err := profiles.FromName(versionName)
	require.NoError(t, err)
	s := NewService(zerolog.Nop(), version, preset, 1)
	counter := 0
	s.newID = func() string {
		counter++
		return fmt.Sprintf("generated-%d", counter)
	}
	return s
}

func newPatientBundle(patientID string, fields map[string]any) *fhir.Bundle {
	patient := fhir.Resource{"resourceType": "Patient", "id": patientID}
	for k, v := range fields {
		patient[k] = v
	}
	return &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Entry:        []*fhir.Entry{fhir.NewEntry(patient, patientID)},
	}
}

func addResource(b *fhir.Bundle, resource fhir.Resource) *fhir.Entry {
	entry := fhir.NewEntry(resource, resource.ID())
	b.Entry = append(b.Entry, entry)
	return entry
}

func smokingObservation(id, value string) fhir.Resource {
	return fhir.Resource{
		"resourceType": "Observation",
		"id":           id,
		"code": map[string]any{
			"text": "Tobacco smoking status NHIS",
		},
		"valueCodeableConcept": fhir.NewCodeableConcept(fhir.SystemSNOMED, "8517006", value),
	}
}

func TestEnsureSmokerAltersOldestPatient(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)

	young := newPatientBundle("young", map[string]any{"birthDate": "1990-05-01"})
	addResource(young, smokingObservation("obs-young", "Ex-smoker (finding)"))
	old := newPatientBundle("old", map[string]any{"birthDate": "1950-05-01"})
	addResource(old, smokingObservation("obs-old-1", "Ex-smoker (finding)"))
	addResource(old, smokingObservation("obs-old-2", "Ex-smoker (finding)"))

	s.ensureSmoker([]*fhir.Bundle{young, old})

	// the last smoking observation of the oldest patient now reads daily smoker
	altered := old.Entry[2].Resource
	assert.Equal(t, "Current every day smoker",
		fhir.ConceptText(altered.Map("valueCodeableConcept")))
	untouched := young.Entry[1].Resource
	assert.Equal(t, "Ex-smoker (finding)",
		fhir.ConceptText(untouched.Map("valueCodeableConcept")))
}

func TestEnsureSmokerLeavesExistingSmokerAlone(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)

	b := newPatientBundle("p", map[string]any{"birthDate": "1950-05-01"})
	addResource(b, smokingObservation("obs", "Current every day smoker"))
	other := newPatientBundle("q", map[string]any{"birthDate": "1940-05-01"})
	addResource(other, smokingObservation("obs-other", "Ex-smoker (finding)"))

	s.ensureSmoker([]*fhir.Bundle{b, other})

	assert.Equal(t, "Ex-smoker (finding)",
		fhir.ConceptText(other.Entry[1].Resource.Map("valueCodeableConcept")))
}

func TestEnsureMedicationSynthesizesFromRequest(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)

	b := newPatientBundle("p", nil)
	code := fhir.NewCodeableConcept("http://www.nlm.nih.gov/research/umls/rxnorm", "308136", "amLODIPine 2.5 MG Oral Tablet")
	addResource(b, fhir.Resource{
		"resourceType":              "MedicationRequest",
		"id":                        "req",
		"status":                    "stopped",
		"intent":                    "order",
		"medicationCodeableConcept": code,
	})

	require.NoError(t, s.ensureMedication([]*fhir.Bundle{b}))

	medication := b.FindFirst("Medication")
	require.NotNil(t, medication)
	assert.Equal(t, code, medication.Resource.Map("code"))
	assert.True(t, medication.Resource.HasProfile(profiles.Medication))

	request := b.FindFirst("MedicationRequest").Resource
	assert.Equal(t, "active", request.Str("status"))
	assert.Equal(t, true, request["reportedBoolean"])
	assert.NotContains(t, request, "medicationCodeableConcept")
	assert.Equal(t, "urn:uuid:"+medication.Resource.ID(), request.Reference("medicationReference"))
}

func TestEnsureMedicationKeepsExisting(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)

	b := newPatientBundle("p", nil)
	addResource(b, fhir.Resource{"resourceType": "Medication", "id": "med"})
	addResource(b, fhir.Resource{
		"resourceType":              "MedicationRequest",
		"id":                        "req",
		"status":                    "stopped",
		"medicationCodeableConcept": map[string]any{"text": "x"},
	})

	require.NoError(t, s.ensureMedication([]*fhir.Bundle{b}))

	request := b.FindFirst("MedicationRequest").Resource
	assert.Equal(t, "stopped", request.Str("status"))
	assert.Contains(t, request, "medicationCodeableConcept")
}

func TestApplyChoiceRuleClonesMissingVariant(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)

	procedureProfile := profiles.USCoreBase + "us-core-procedure"
	b := newPatientBundle("p", nil)
	procedure := fhir.Resource{
		"resourceType":      "Procedure",
		"id":                "proc",
		"subject":           fhir.NewReference("urn:uuid:p"),
		"performedDateTime": "2020-03-01T10:00:00+00:00",
	}
	procedure.SetProfiles(procedureProfile)
	addResource(b, procedure)

	rule := profiles.ChoiceTypeRule{
		ResourceType: "Procedure",
		Prefix:       "performed",
		Suffixes:     []string{"DateTime", "Period"},
		Profiles:     []string{procedureProfile},
	}
	require.NoError(t, s.applyChoiceRule([]*fhir.Bundle{b}, rule, procedureProfile))

	entries := b.FindAll("Procedure")
	require.Len(t, entries, 2)
	// the original keeps its dateTime, the clone carries the period
	assert.Contains(t, entries[0].Resource, "performedDateTime")
	clone := entries[1].Resource
	assert.NotContains(t, clone, "performedDateTime")
	period := clone.Map("performedPeriod")
	require.NotNil(t, period)
	assert.Equal(t, "2020-03-01T10:00:00+00:00", fhir.Str(period, "start"))
	assert.Equal(t, "2020-03-01T11:00:00.000Z", fhir.Str(period, "end"))
}

func TestApplyChoiceRuleSwapsInPlaceWithSpareResources(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)

	procedureProfile := profiles.USCoreBase + "us-core-procedure"
	b := newPatientBundle("p", nil)
	for i := 0; i < 3; i++ {
		procedure := fhir.Resource{
			"resourceType":      "Procedure",
			"id":                fmt.Sprintf("proc-%d", i),
			"subject":           fhir.NewReference("urn:uuid:p"),
			"performedDateTime": "2020-03-01T10:00:00+00:00",
		}
		procedure.SetProfiles(procedureProfile)
		addResource(b, procedure)
	}

	rule := profiles.ChoiceTypeRule{
		ResourceType: "Procedure",
		Prefix:       "performed",
		Suffixes:     []string{"DateTime", "Period"},
		Profiles:     []string{procedureProfile},
	}
	require.NoError(t, s.applyChoiceRule([]*fhir.Bundle{b}, rule, procedureProfile))

	entries := b.FindAll("Procedure")
	require.Len(t, entries, 3)
	swapped := entries[0].Resource
	assert.NotContains(t, swapped, "performedDateTime")
	assert.Contains(t, swapped, "performedPeriod")
}

func TestConvertChoiceValue(t *testing.T) {
	period, err := convertChoiceValue("2020-03-01T10:00:00+00:00", "effectiveDateTime", "effectivePeriod")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"start": "2020-03-01T10:00:00+00:00",
		"end":   "2020-03-01T11:00:00.000Z",
	}, period)

	dateTime, err := convertChoiceValue(map[string]any{"start": "2020-03-01T10:00:00+00:00"}, "effectivePeriod", "effectiveDateTime")
	require.NoError(t, err)
	assert.Equal(t, "2020-03-01T10:00:00+00:00", dateTime)

	str, err := convertChoiceValue("2020-03-01T10:00:00+00:00", "valueDateTime", "valueString")
	require.NoError(t, err)
	assert.Equal(t, "2020-03-01T10:00:00+00:00", str)

	_, err = convertChoiceValue("x", "valueDateTime", "valueInteger")
	assert.ErrorContains(t, err, "unknown choice variant")
}

func TestClonePulseOximetryAddsComponents(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)

	b := newPatientBundle("p", nil)
	pulseOx := fhir.Resource{
		"resourceType": "Observation",
		"id":           "pulse",
		"code":         fhir.NewCodeableConcept(fhir.SystemLOINC, "2708-6", "Oxygen saturation in Arterial blood"),
		"valueQuantity": map[string]any{
			"value": float64(98), "unit": "%",
		},
	}
	pulseOx.SetProfiles(profiles.PulseOximetry)
	addResource(b, pulseOx)

	s.clonePulseOximetry([]*fhir.Bundle{b})

	var clones []fhir.Resource
	for _, entry := range b.FindAll("Observation") {
		if entry.Resource.ID() != "pulse" {
			clones = append(clones, entry.Resource)
		}
	}
	require.Len(t, clones, 2)

	first := clones[0].Slice("component")
	require.Len(t, first, 2)
	assert.Contains(t, first[0].(map[string]any), "valueQuantity")

	second := clones[1].Slice("component")
	require.Len(t, second, 2)
	for _, raw := range second {
		component := raw.(map[string]any)
		assert.NotContains(t, component, "valueQuantity")
		assert.NotNil(t, component["dataAbsentReason"])
	}
}

func TestAddObservationDataAbsentReasons(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)
	s.version = &profiles.Version{
		DataAbsentProfiles: []string{
			profiles.SmokingStatus,
			profiles.USCoreBase + "us-core-blood-pressure",
			profiles.ObservationLab,
		},
		DataAbsentViaValue:      []string{profiles.SmokingStatus},
		DataAbsentViaComponents: []string{profiles.USCoreBase + "us-core-blood-pressure"},
	}

	b := newPatientBundle("p", nil)
	smoking := smokingObservation("smoking", "Ex-smoker (finding)")
	smoking.SetProfiles(profiles.SmokingStatus)
	addResource(b, smoking)

	bp := fhir.Resource{
		"resourceType": "Observation",
		"id":           "bp",
		"component": []any{
			map[string]any{
				"code":          fhir.NewCodeableConcept(fhir.SystemLOINC, "8480-6", "Systolic"),
				"valueQuantity": map[string]any{"value": float64(120)},
			},
		},
	}
	bp.SetProfiles(profiles.USCoreBase + "us-core-blood-pressure")
	addResource(b, bp)

	lab := fhir.Resource{
		"resourceType":  "Observation",
		"id":            "lab",
		"valueQuantity": map[string]any{"value": float64(4.5)},
	}
	lab.SetProfiles(profiles.ObservationLab)
	addResource(b, lab)

	s.addObservationDataAbsentReasons([]*fhir.Bundle{b})

	assert.Equal(t, "Unknown", fhir.ConceptText(smoking.Map("valueCodeableConcept")))

	component := bp.Slice("component")[0].(map[string]any)
	assert.NotContains(t, component, "valueQuantity")
	assert.NotNil(t, component["dataAbsentReason"])

	assert.NotContains(t, lab, "valueQuantity")
	assert.NotNil(t, lab["dataAbsentReason"])
}

func TestCapBundleProtectsDependencies(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)
	s.maxPerType = 1

	b := newPatientBundle("p", nil)
	addResource(b, fhir.Resource{"resourceType": "Observation", "id": "result-obs"})
	smoking := smokingObservation("smoking", "Ex-smoker (finding)")
	addResource(b, smoking)
	addResource(b, fhir.Resource{"resourceType": "Observation", "id": "spare-1"})
	addResource(b, fhir.Resource{"resourceType": "Observation", "id": "spare-2"})
	addResource(b, fhir.Resource{
		"resourceType": "DiagnosticReport",
		"id":           "report",
		"result":       []any{fhir.NewReference("urn:uuid:result-obs")},
	})

	s.capBundle(b, map[string]bool{})

	remaining := map[string]bool{}
	for _, entry := range b.FindAll("Observation") {
		remaining[entry.Resource.ID()] = true
	}
	assert.True(t, remaining["result-obs"], "report result must survive the cap")
	assert.True(t, remaining["smoking"], "smoking status must survive the cap")
	assert.Len(t, remaining, 2, "both spare observations fall to the cap")
}

func TestAddDischargeDispositionFallsBackToFirstEncounter(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)

	b := newPatientBundle("p", nil)
	addResource(b, fhir.Resource{"resourceType": "Encounter", "id": "enc"})

	s.addDischargeDispositions([]*fhir.Bundle{b})

	encounter := b.FindFirst("Encounter").Resource
	hospitalization := encounter.Map("hospitalization")
	require.NotNil(t, hospitalization)
	disposition := fhir.SubMap(hospitalization, "dischargeDisposition")
	assert.Equal(t, "01", fhir.Str(fhir.FirstMap(disposition, "coding"), "code"))
}

func TestAddMultiReferenceVariants(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)

	b := newPatientBundle("p", nil)
	addResource(b, fhir.Resource{"resourceType": "Practitioner", "id": "prac"})
	addResource(b, fhir.Resource{"resourceType": "Organization", "id": "org"})
	addResource(b, fhir.Resource{"resourceType": "Device", "id": "dev"})
	addResource(b, fhir.Resource{"resourceType": "DiagnosticReport", "id": "report"})
	addResource(b, fhir.Resource{"resourceType": "DocumentReference", "id": "doc",
		"author": []any{fhir.NewReference("urn:uuid:prac")}})
	addResource(b, fhir.Resource{"resourceType": "Provenance", "id": "prov",
		"agent": []any{map[string]any{"who": fhir.NewReference("urn:uuid:org")}}})
	addResource(b, fhir.Resource{"resourceType": "CareTeam", "id": "team",
		"participant": []any{map[string]any{"member": fhir.NewReference("urn:uuid:prac")}}})
	addResource(b, fhir.Resource{"resourceType": "MedicationRequest", "id": "req",
		"subject":   fhir.NewReference("urn:uuid:p"),
		"requester": fhir.NewReference("urn:uuid:prac")})

	require.NoError(t, s.addMultiReferenceVariants([]*fhir.Bundle{b}))

	team := b.FindFirst("CareTeam").Resource
	memberTypes := map[string]bool{}
	for _, raw := range team.Slice("participant") {
		participant := raw.(map[string]any)
		ref := fhir.Str(fhir.SubMap(participant, "member"), "reference")
		memberTypes[typeOfLocator(b, ref)] = true
	}
	assert.True(t, memberTypes["Patient"])
	assert.True(t, memberTypes["Practitioner"])
	assert.True(t, memberTypes["Organization"])

	// reportedReference needs three clones, requester three more
	assert.Len(t, b.FindAll("MedicationRequest"), 7)
}

func TestAddMultiReferenceVariantsNeedsCompleteBundle(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)
	b := newPatientBundle("p", nil)
	assert.Error(t, s.addMultiReferenceVariants([]*fhir.Bundle{b}))
}

func TestCreateGroupListsEveryPatient(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)

	first := newPatientBundle("a", nil)
	second := newPatientBundle("b", nil)
	group := s.createGroup([]*fhir.Bundle{first, second})

	assert.Equal(t, "Group", group.Type())
	assert.Equal(t, float64(2), group["quantity"])
	members := group.Slice("member")
	require.Len(t, members, 2)
	entity := fhir.SubMap(members[0].(map[string]any), "entity")
	assert.Equal(t, "urn:uuid:a", fhir.Str(entity, "reference"))
}

func TestRemoveNamePicksMajorityGender(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)

	bundles := []*fhir.Bundle{
		newPatientBundle("m1", map[string]any{"gender": "male", "name": []any{map[string]any{"family": "A"}}}),
		newPatientBundle("f1", map[string]any{"gender": "female", "name": []any{map[string]any{"family": "B"}}}),
		newPatientBundle("f2", map[string]any{"gender": "female", "name": []any{map[string]any{"family": "C"}}}),
	}

	blanked := s.removeName(bundles)
	require.NotNil(t, blanked)
	assert.Equal(t, "f1", blanked.Patient().ID())
	assert.Equal(t, []any{map[string]any{}}, blanked.Patient().Slice("name"))
}

func TestRelabelConditions(t *testing.T) {
	s := newTestService(t, "v5", constraints.PresetStandard)

	b := newPatientBundle("p", nil)
	sdoh := fhir.Resource{
		"resourceType":  "Condition",
		"id":            "stress",
		"code":          fhir.NewCodeableConcept(fhir.SystemSNOMED, "73595000", "Stress (finding)"),
		"subject":       fhir.NewReference("urn:uuid:p"),
		"onsetDateTime": "2019-01-01T00:00:00+00:00",
		"recordedDate":  "2019-01-02T00:00:00+00:00",
	}
	addResource(b, sdoh)
	diagnosis := fhir.Resource{
		"resourceType": "Condition",
		"id":           "dx",
		"code":         fhir.NewCodeableConcept(fhir.SystemSNOMED, "44054006", "Diabetes"),
		"category": []any{
			fhir.NewCodeableConcept("http://terminology.hl7.org/CodeSystem/condition-category",
				"encounter-diagnosis", "Encounter Diagnosis"),
		},
	}
	addResource(b, diagnosis)

	s.relabelConditions([]*fhir.Bundle{b})

	assert.True(t, sdoh.HasProfile(profiles.USCoreBase+"us-core-condition-problems-health-concerns"))
	categories := sdoh.Slice("category")
	require.Len(t, categories, 2)
	assert.True(t, diagnosis.HasProfile(profiles.USCoreBase+"us-core-condition-encounter-diagnosis"))

	derived := b.FindFirst("Observation")
	require.NotNil(t, derived, "SDOH condition derives a social history observation")
	assert.True(t, derived.Resource.HasProfile(profiles.SocialHistory))
	assert.Equal(t, sdoh.Map("code"), derived.Resource.Map("code"))
	assert.Equal(t, true, derived.Resource["valueBoolean"])

	extension := fhir.FindExtension(sdoh.Slice("extension"), assertedDateURL)
	require.NotNil(t, extension)
	assert.Equal(t, "2019-01-02T00:00:00+00:00", fhir.Str(extension, "valueDateTime"))
}

func TestAddRelatedPersonsAttachesCaregiver(t *testing.T) {
	s := newTestService(t, "v5", constraints.PresetStandard)

	b := newPatientBundle("p", map[string]any{
		"telecom": []any{map[string]any{"system": "phone", "value": "555-1234"}},
	})
	careTeam := fhir.Resource{
		"resourceType": "CareTeam",
		"id":           "team",
		"status":       "active",
		"subject":      fhir.NewReference("urn:uuid:p"),
	}
	addResource(b, careTeam)

	s.addRelatedPersons([]*fhir.Bundle{b})

	person := b.FindFirst("RelatedPerson")
	require.NotNil(t, person)
	assert.Equal(t, true, person.Resource["active"])
	assert.Equal(t, "urn:uuid:p", person.Resource.Reference("patient"))

	participants := careTeam.Slice("participant")
	require.Len(t, participants, 1)
	member := fhir.SubMap(participants[0].(map[string]any), "member")
	assert.Equal(t, person.FullURL, fhir.Str(member, "reference"))
}

func TestRelabelObservations(t *testing.T) {
	s := newTestService(t, "v5", constraints.PresetStandard)

	b := newPatientBundle("p", nil)
	survey := fhir.Resource{
		"resourceType": "Observation",
		"id":           "phq",
		"code":         fhir.NewCodeableConcept(fhir.SystemLOINC, "55758-7", "PHQ-2"),
		"subject":      fhir.NewReference("urn:uuid:p"),
	}
	addResource(b, survey)
	prapare := fhir.Resource{
		"resourceType": "Observation",
		"id":           "prapare",
		"code":         fhir.NewCodeableConcept(fhir.SystemLOINC, "93025-5", "PRAPARE"),
		"subject":      fhir.NewReference("urn:uuid:p"),
		"issued":       "2020-06-01T00:00:00.000+00:00",
		"component": []any{
			map[string]any{
				"code":        fhir.NewCodeableConcept(fhir.SystemLOINC, "63512-8", "How many people are living or staying at this address"),
				"valueString": "4",
			},
		},
	}
	addResource(b, prapare)

	s.relabelObservations([]*fhir.Bundle{b})

	assert.True(t, survey.HasProfile(profiles.Survey))
	assert.True(t, prapare.HasProfile(profiles.SDOHAssessment))

	response := b.FindFirst("QuestionnaireResponse")
	require.NotNil(t, response)
	assert.Equal(t, "completed", response.Resource.Str("status"))
	assert.Equal(t, "2020-06-01T00:00:00.000+00:00", response.Resource.Str("authored"))
	items := response.Resource.Slice("item")
	require.Len(t, items, 1)
	assert.Equal(t, "63512-8", fhir.Str(items[0].(map[string]any), "linkId"))

	members := prapare.Slice("hasMember")
	require.Len(t, members, 1, "each component becomes a member observation")

	var sexualOrientation *fhir.Entry
	for _, entry := range b.FindAll("Observation") {
		if entry.Resource.HasProfile(profiles.SexualOrientation) {
			sexualOrientation = entry
		}
	}
	require.NotNil(t, sexualOrientation)
	assert.NotNil(t, sexualOrientation.Resource.Map("valueCodeableConcept"))
}

func TestRemoveOutOfScopeTypesPerVersion(t *testing.T) {
	outOfScope := []string{
		"Claim", "ExplanationOfBenefit", "ImagingStudy",
		"MedicationAdministration", "SupplyDelivery",
	}
	build := func() *fhir.Bundle {
		b := newPatientBundle("p", nil)
		for i, resourceType := range outOfScope {
			addResource(b, fhir.Resource{
				"resourceType": resourceType,
				"id":           fmt.Sprintf("drop-%d", i),
			})
		}
		addResource(b, fhir.Resource{"resourceType": "Condition", "id": "dx"})
		return b
	}

	v5 := newTestService(t, "v5", constraints.PresetStandard)
	b := build()
	v5.removeOutOfScope([]*fhir.Bundle{b})
	require.Len(t, b.Entry, 2)
	for _, resourceType := range outOfScope {
		assert.Nil(t, b.FindFirst(resourceType), resourceType)
	}

	// 4.0.0 still profiles medication administrations and supply deliveries
	v4 := newTestService(t, "v4", constraints.PresetStandard)
	b = build()
	v4.removeOutOfScope([]*fhir.Bundle{b})
	assert.NotNil(t, b.FindFirst("MedicationAdministration"))
	assert.NotNil(t, b.FindFirst("SupplyDelivery"))
	assert.Nil(t, b.FindFirst("ImagingStudy"))
}

func TestAddImagingResultsDerivesObservationAndOrder(t *testing.T) {
	s := newTestService(t, "v5", constraints.PresetStandard)

	b := newPatientBundle("p", nil)
	individual := fhir.NewReference("urn:uuid:prac")
	addResource(b, fhir.Resource{
		"resourceType": "Encounter",
		"id":           "enc",
		"participant":  []any{map[string]any{"individual": individual}},
	})
	procedure := fhir.NewCodeableConcept(fhir.SystemSNOMED, "399208008", "Chest X-ray")
	addResource(b, fhir.Resource{
		"resourceType":  "ImagingStudy",
		"id":            "study",
		"subject":       fhir.NewReference("urn:uuid:p"),
		"encounter":     fhir.NewReference("urn:uuid:enc"),
		"started":       "2020-04-01T09:00:00+00:00",
		"procedureCode": []any{procedure},
	})

	s.addImagingResults([]*fhir.Bundle{b})

	observation := b.FindFirst("Observation")
	require.NotNil(t, observation)
	assert.True(t, observation.Resource.HasProfile(profiles.ObservationImaging))
	assert.Equal(t, "final", observation.Resource.Str("status"))
	assert.Equal(t, "Chest X-ray results: abnormal", observation.Resource.Str("valueString"))
	assert.Equal(t, "2020-04-01T09:00:00+00:00", observation.Resource.Str("effectiveDateTime"))
	assert.Equal(t, "urn:uuid:enc", observation.Resource.Reference("encounter"))
	coding := fhir.FirstMap(observation.Resource.Map("code"), "coding")
	assert.Equal(t, fhir.SystemLOINC, fhir.Str(coding, "system"))

	request := b.FindFirst("ServiceRequest")
	require.NotNil(t, request)
	assert.True(t, request.Resource.HasProfile(profiles.ServiceRequest))
	assert.Equal(t, procedure, request.Resource["code"])
	assert.Equal(t, individual, request.Resource.Map("requester"))
	assert.Equal(t, "completed", request.Resource.Str("status"))
	assert.Equal(t, "order", request.Resource.Str("intent"))
	assert.Equal(t, "2020-04-01T09:00:00+00:00", request.Resource.Str("authoredOn"))
}

func TestRelabelClinicalTests(t *testing.T) {
	s := newTestService(t, "v5", constraints.PresetStandard)

	b := newPatientBundle("p", nil)
	fallRisk := fhir.Resource{
		"resourceType": "Observation",
		"id":           "fall",
		"code":         fhir.NewCodeableConcept(fhir.SystemLOINC, "44963-7", "Fall risk total [Morse Fall Scale]"),
		"subject":      fhir.NewReference("urn:uuid:p"),
	}
	addResource(b, fallRisk)
	lab := fhir.Resource{
		"resourceType": "Observation",
		"id":           "lab",
		"code":         fhir.NewCodeableConcept(fhir.SystemLOINC, "718-7", "Hemoglobin"),
	}
	addResource(b, lab)

	s.relabelClinicalTests([]*fhir.Bundle{b})

	assert.True(t, fallRisk.HasProfile(profiles.ClinicalTest))
	categories := fallRisk.Slice("category")
	require.Len(t, categories, 1)
	assert.Equal(t, "clinical-test",
		fhir.Str(fhir.FirstMap(categories[0].(map[string]any), "coding"), "code"))
	assert.False(t, lab.HasProfile(profiles.ClinicalTest))
}

func TestAddWalkTestsUsesLastEncounter(t *testing.T) {
	s := newTestService(t, "v5", constraints.PresetStandard)

	b := newPatientBundle("p", nil)
	addResource(b, fhir.Resource{
		"resourceType": "Encounter", "id": "first",
		"subject": fhir.NewReference("urn:uuid:p"),
		"period":  map[string]any{"start": "2018-01-01T09:00:00+00:00"},
	})
	period := map[string]any{
		"start": "2020-04-01T09:00:00+00:00",
		"end":   "2020-04-01T10:00:00+00:00",
	}
	addResource(b, fhir.Resource{
		"resourceType": "Encounter", "id": "last",
		"subject": fhir.NewReference("urn:uuid:p"),
		"period":  period,
	})

	s.addWalkTests([]*fhir.Bundle{b})

	observation := b.FindFirst("Observation")
	require.NotNil(t, observation)
	walk := observation.Resource
	assert.True(t, walk.HasProfile(profiles.ClinicalTest))
	assert.Equal(t, "64098-7", fhir.Str(fhir.FirstMap(walk.Map("code"), "coding"), "code"))
	assert.Equal(t, "urn:uuid:last", walk.Reference("encounter"))
	assert.Equal(t, period, walk.Map("effectivePeriod"))
	quantity := walk.Map("valueQuantity")
	require.NotNil(t, quantity)
	assert.Equal(t, "m/(6.min)", fhir.Str(quantity, "unit"))
	meters := quantity["value"].(float64)
	assert.GreaterOrEqual(t, meters, float64(400))
	assert.Less(t, meters, float64(700))
}

func TestApplyChoiceRuleSpreadsSwapsAcrossDonors(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)

	b := newPatientBundle("p", nil)
	for i := 0; i < 4; i++ {
		observation := fhir.Resource{
			"resourceType":      "Observation",
			"id":                fmt.Sprintf("obs-%d", i),
			"subject":           fhir.NewReference("urn:uuid:p"),
			"effectiveDateTime": "2020-03-01T10:00:00+00:00",
		}
		observation.SetProfiles(profiles.ObservationLab)
		addResource(b, observation)
	}

	rule := profiles.ChoiceTypeRule{
		ResourceType: "Observation",
		Prefix:       "effective",
		Suffixes:     []string{"DateTime", "Period", "String"},
		Profiles:     []string{profiles.ObservationLab},
	}
	require.NoError(t, s.applyChoiceRule([]*fhir.Bundle{b}, rule, profiles.ObservationLab))

	// each freshly swapped variant must survive; a resource that already
	// received one is no donor for the next
	counts := map[string]int{}
	entries := b.FindAll("Observation")
	require.Len(t, entries, 4)
	for _, entry := range entries {
		for _, attr := range []string{"effectiveDateTime", "effectivePeriod", "effectiveString"} {
			if _, ok := entry.Resource[attr]; ok {
				counts[attr]++
			}
		}
	}
	assert.Equal(t, 2, counts["effectiveDateTime"])
	assert.Equal(t, 1, counts["effectivePeriod"])
	assert.Equal(t, 1, counts["effectiveString"])
}

func TestRunRequiresBundles(t *testing.T) {
	s := newTestService(t, "v4", constraints.PresetStandard)
	_, err := s.Run(nil)
	assert.Error(t, err)
}
