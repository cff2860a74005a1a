package pipeline

import (
	"github.com/fhirtestdata/curator/cmd/curate/profiles"
	"github.com/fhirtestdata/curator/models/fhir"
)

// SNOMED condition codes that describe social determinants of health. The
// 5.0.1 profiles file these under problems-health-concerns instead of the
// generic condition profile.
var sdohConditionCodes = newSet(
	"105531004", "10939881000119100", "160701002", "160903007", "160904001",
	"160968000", "224295006", "224299000", "224355006", "266934004",
	"266948004", "32911000", "361055000", "422650009", "423315002",
	"424393004", "446654005", "5251000175109", "706893006", "713458007",
	"73438004", "73595000", "741062008",
)

// LOINC codes for screenings that are surveys but not SDOH related.
var surveyObservationCodes = newSet(
	"44249-1", "44261-6", "55757-9", "55758-7", "59453-1", "59460-6",
	"59461-4", "61576-5", "62337-1", "69737-5", "70274-6", "71933-6",
	"71934-4", "71956-7", "71958-3", "71960-9", "71962-5", "71964-1",
	"71966-6", "71968-2", "71970-8", "71972-4", "71973-2", "71974-0",
	"71975-7", "71976-5", "71977-3", "71978-1", "71979-9", "71980-7",
	"72009-4", "72010-2", "72011-0", "72012-8", "72013-6", "72014-4",
	"72015-1", "72016-9", "72091-2", "72092-0", "72093-8", "72094-6",
	"72095-3", "72096-1", "72097-9", "72098-7", "72099-5", "72100-1",
	"72101-9", "72102-7", "72109-2", "75626-2", "76499-3", "76504-0",
	"82666-9", "82667-7", "89204-2", "89206-7",
)

// LOINC codes in the SDOH assessment ValueSet expansion.
var sdohAssessmentCodes = newSet(
	"93028-9", "93025-5", "69861-3", "93027-1", "81375-8", "93034-7",
	"68516-4", "96782-8", "93029-7", "68517-2", "96842-0", "88123-5",
	"76501-6", "95618-5", "93038-8", "69858-9", "93159-2", "96780-2",
	"44250-9", "68524-8", "88121-9", "93026-3", "82589-3", "89555-7",
	"96781-0", "95530-2", "56799-0", "63586-2", "96779-4", "93677-3",
	"63512-8", "76437-3", "88124-3", "32624-9", "97023-6", "93035-4",
	"54899-0", "93033-9", "93031-3", "56051-6", "88122-7", "93030-5",
	"97027-7", "71802-3", "44255-8", "67875-5", "76513-1",
)

// LOINC codes for observations that the 5.0.1 clinical test profile covers.
var clinicalTestCodes = newSet("44963-7")

// Narrative radiology result codes, one sampled per synthesized imaging
// observation.
var imagingResultCodes = [][2]string{
	{"18782-3", "Radiology Study observation (narrative)"},
	{"19005-8", "Radiology Imaging study [Impression] (narrative)"},
	{"18834-2", "Radiology Comparison study (narrative)"},
}

const (
	prapareCode             = "93025-5"
	prapareQuestionnaireURL = "http://hl7.org/fhir/us/sdoh-clinicalcare/Questionnaire/SDOHCC-QuestionnairePRAPARE"
	assertedDateURL         = "http://hl7.org/fhir/StructureDefinition/condition-assertedDate"
	uscoreObsCategory       = "http://hl7.org/fhir/us/core/CodeSystem/us-core-observation-category"
)

func newSet(values ...string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func surveyCategory() map[string]any {
	return fhir.NewCodeableConcept(obsCategorySystem, "survey", "Survey")
}

func sdohTag() map[string]any {
	return fhir.NewCodeableConcept(uscoreTagSystem, "sdoh", "SDOH")
}

func clinicalTestCategory() map[string]any {
	return fhir.NewCodeableConcept(uscoreObsCategory, "clinical-test", "Clinical Test")
}

// addImagingResults derives a narrative imaging observation and an ordering
// ServiceRequest from each ImagingStudy, before the study itself is removed
// as out of scope.
func (s *Service) addImagingResults(bundles []*fhir.Bundle) {
	created := 0
	for _, b := range bundles {
		if b.Patient() == nil {
			continue
		}
		for _, entry := range b.FindAll("ImagingStudy") {
			study := entry.Resource
			procedureCode, _ := firstElement(study, "procedureCode")
			code := imagingResultCodes[s.rng.Intn(len(imagingResultCodes))]

			observation := fhir.Resource{
				"resourceType": "Observation",
				"id":           s.newID(),
				"category": []any{
					fhir.NewCodeableConcept(obsCategorySystem, "imaging", "Imaging"),
				},
				"code":              fhir.NewCodeableConcept(fhir.SystemLOINC, code[0], code[1]),
				"subject":           study.Map("subject"),
				"encounter":         study.Map("encounter"),
				"status":            "final",
				"effectiveDateTime": study.Str("started"),
				"valueString":       fhir.Str(procedureCode, "text") + " results: abnormal",
			}
			observation.SetProfiles(profiles.ObservationImaging)
			appendEntry(b, observation)

			var requester map[string]any
			if encounter := b.FindByFullURL(study.Reference("encounter")); encounter != nil {
				participant := fhir.FirstMap(encounter.Resource, "participant")
				requester = fhir.SubMap(participant, "individual")
			}
			request := fhir.Resource{
				"resourceType": "ServiceRequest",
				"id":           s.newID(),
				"category": []any{
					fhir.NewCodeableConcept(fhir.SystemSNOMED, "363679005", "Imaging"),
				},
				"code":               procedureCode,
				"subject":            study.Map("subject"),
				"encounter":          study.Map("encounter"),
				"requester":          requester,
				"status":             "completed",
				"intent":             "order",
				"occurrenceDateTime": study.Str("started"),
				"authoredOn":         study.Str("started"),
			}
			request.SetProfiles(profiles.ServiceRequest)
			appendEntry(b, request)
			created++
		}
	}
	s.log.Info().Int("created", created).Msg("derived imaging results and service requests")
}

// relabelClinicalTests moves known clinical test observations onto the
// clinical test profile.
func (s *Service) relabelClinicalTests(bundles []*fhir.Bundle) {
	relabeled := 0
	for _, b := range bundles {
		if b.Patient() == nil {
			continue
		}
		for _, entry := range b.FindAll("Observation") {
			observation := entry.Resource
			code := fhir.Str(fhir.FirstMap(observation.Map("code"), "coding"), "code")
			if !clinicalTestCodes[code] {
				continue
			}
			observation.SetProfiles(profiles.ClinicalTest)
			observation["category"] = []any{clinicalTestCategory()}
			relabeled++
		}
	}
	s.log.Info().Int("relabeled", relabeled).Msg("relabeled clinical test observations")
}

// addWalkTests appends a six minute walk test to each patient's last
// encounter so every corpus carries a generated clinical test observation.
func (s *Service) addWalkTests(bundles []*fhir.Bundle) {
	created := 0
	for _, b := range bundles {
		if b.Patient() == nil {
			continue
		}
		var encounter *fhir.Entry
		for i := len(b.Entry) - 1; i >= 0; i-- {
			if b.Entry[i].Resource.Type() == "Encounter" {
				encounter = b.Entry[i]
				break
			}
		}
		if encounter == nil {
			continue
		}
		observation := fhir.Resource{
			"resourceType": "Observation",
			"id":           s.newID(),
			"category":     []any{clinicalTestCategory()},
			"code": fhir.NewCodeableConcept(fhir.SystemLOINC, "64098-7",
				"Six minute walk test"),
			"subject":         encounter.Resource.Map("subject"),
			"encounter":       fhir.NewReference(encounter.FullURL),
			"status":          "final",
			"effectivePeriod": encounter.Resource.Map("period"),
			"valueQuantity": map[string]any{
				"value": float64(s.rng.Intn(300) + 400), "unit": "m/(6.min)",
				"system": fhir.SystemUCUM, "code": "m/(6.min)",
			},
		}
		observation.SetProfiles(profiles.ClinicalTest)
		appendEntry(b, observation)
		created++
	}
	s.log.Info().Int("created", created).Msg("generated walk test observations")
}

// addServiceRequests derives one ServiceRequest per CarePlan, requested by
// the plan's encounter participant.
func (s *Service) addServiceRequests(bundles []*fhir.Bundle) {
	created := 0
	for _, b := range bundles {
		if b.Patient() == nil {
			continue
		}
		for _, entry := range b.FindAll("CarePlan") {
			plan := entry.Resource
			var requester map[string]any
			if encounter := b.FindByFullURL(fhir.EncounterRef(plan)); encounter != nil {
				participant := fhir.FirstMap(encounter.Resource, "participant")
				requester = fhir.SubMap(participant, "individual")
			}
			categories := plan.Slice("category")
			var code any
			if len(categories) > 0 {
				code = categories[len(categories)-1]
			}
			request := fhir.Resource{
				"resourceType": "ServiceRequest",
				"id":           s.newID(),
				"category": []any{
					fhir.NewCodeableConcept(fhir.SystemSNOMED, "409073007", "Education"),
				},
				"code":             code,
				"subject":          plan.Map("subject"),
				"encounter":        plan.Map("encounter"),
				"requester":        requester,
				"status":           plan.Str("status"),
				"intent":           "order",
				"occurrencePeriod": plan.Map("period"),
				"authoredOn":       fhir.Str(plan.Map("period"), "start"),
			}
			request.SetProfiles(profiles.ServiceRequest)
			appendEntry(b, request)
			created++
		}
	}
	s.log.Info().Int("created", created).Msg("derived service requests from care plans")
}

// addRelatedPersons adds a RelatedPerson caregiver to the first CareTeam of
// each bundle.
func (s *Service) addRelatedPersons(bundles []*fhir.Bundle) {
	created := 0
	for _, b := range bundles {
		patient := b.Patient()
		if patient == nil {
			continue
		}
		careTeamEntry := b.FindFirst("CareTeam")
		if careTeamEntry == nil {
			continue
		}
		careTeam := careTeamEntry.Resource
		person := fhir.Resource{
			"resourceType": "RelatedPerson",
			"id":           s.newID(),
			"active":       careTeam.Str("status") == "active",
			"patient":      careTeam.Map("subject"),
			"relationship": []any{
				fhir.NewCodeableConcept("http://terminology.hl7.org/CodeSystem/v3-RoleCode", "ROOM", "Roommate"),
			},
			"name": []any{
				map[string]any{
					"use":    "official",
					"family": "Jefferson174",
					"given":  []any{"Ronald408", "MacGyver246"},
					"prefix": []any{"Mr."},
				},
			},
			"telecom": patient.Slice("telecom"),
			"address": patient.Slice("address"),
		}
		person.SetProfiles(profiles.RelatedPerson)
		entry := appendEntry(b, person)
		careTeam["participant"] = append(careTeam.Slice("participant"), map[string]any{
			"role": []any{
				fhir.NewCodeableConcept(fhir.SystemSNOMED, "133932002", "Caregiver (person)"),
			},
			"member": fhir.NewReference(entry.FullURL),
		})
		created++
	}
	s.log.Info().Int("created", created).Msg("added caregiver related persons")
}

// relabelConditions splits the generic condition profile into the encounter
// diagnosis and problems-health-concerns variants, deriving a social-history
// observation for each SDOH condition.
func (s *Service) relabelConditions(bundles []*fhir.Bundle) {
	problemListItem := true
	derived := 0
	for _, b := range bundles {
		if b.Patient() == nil {
			continue
		}
		for _, entry := range b.FindAll("Condition") {
			condition := entry.Resource
			code := fhir.Str(fhir.FirstMap(condition.Map("code"), "coding"), "code")
			category := fhir.Str(fhir.FirstMap(fhir.FirstMap(condition, "category"), "coding"), "code")
			switch {
			case sdohConditionCodes[code]:
				condition.SetProfiles(profiles.USCoreBase + "us-core-condition-problems-health-concerns")
				var primary map[string]any
				if problemListItem {
					primary = fhir.NewCodeableConcept(
						"http://terminology.hl7.org/CodeSystem/condition-category",
						"problem-list-item", "Problem List Item")
				} else {
					primary = fhir.NewCodeableConcept(
						"http://hl7.org/fhir/us/core/CodeSystem/condition-category",
						"health-concern", "Health Concern")
				}
				problemListItem = !problemListItem
				condition["category"] = []any{primary, sdohTag()}

				observation := fhir.Resource{
					"resourceType": "Observation",
					"id":           s.newID(),
					"category": []any{
						fhir.NewCodeableConcept(obsCategorySystem, "social-history", "Social History"),
						sdohTag(),
					},
					"code":              condition.Map("code"),
					"subject":           condition.Map("subject"),
					"encounter":         condition.Map("encounter"),
					"status":            "final",
					"effectiveDateTime": condition.Str("onsetDateTime"),
					"valueBoolean":      true,
				}
				observation.SetProfiles(profiles.SocialHistory)
				appendEntry(b, observation)
				derived++
			case category == "encounter-diagnosis":
				condition.SetProfiles(profiles.USCoreBase + "us-core-condition-encounter-diagnosis")
			}
			if recorded := condition.Str("recordedDate"); recorded != "" {
				condition["extension"] = append(condition.Slice("extension"), map[string]any{
					"url":           assertedDateURL,
					"valueDateTime": recorded,
				})
			}
		}
	}
	s.log.Info().Int("derived", derived).Msg("relabeled conditions and derived social history")
}

// ensureHeadCircumference synthesizes a head circumference percentile
// observation on the first patient when the corpus has none.
func (s *Service) ensureHeadCircumference(bundles []*fhir.Bundle) {
	for _, b := range bundles {
		for _, entry := range b.Entry {
			if entry.Resource.HasProfile(profiles.HeadCircumference) {
				return
			}
		}
	}
	b := bundleWith(bundles, "Patient")
	if b == nil {
		return
	}
	patient := b.Patient()
	effective := patient.Str("birthDate")
	if birth, err := fhir.ParseDate(effective); err == nil {
		effective = fhir.FormatDateTime(birth.AddDate(0, 0, 30).UTC())
	}
	observation := fhir.Resource{
		"resourceType": "Observation",
		"id":           s.newID(),
		"category": []any{
			fhir.NewCodeableConcept(obsCategorySystem, "vital-signs", "Vital Signs"),
		},
		"code": fhir.NewCodeableConcept(fhir.SystemLOINC, "8289-1",
			"Head Occipital-frontal circumference Percentile"),
		"subject":           fhir.NewReference("urn:uuid:" + patient.ID()),
		"status":            "final",
		"effectiveDateTime": effective,
		"valueQuantity": map[string]any{
			"value": float64(23), "unit": "%",
			"system": fhir.SystemUCUM, "code": "%",
		},
	}
	observation.SetProfiles(profiles.HeadCircumference, profiles.VitalSigns)
	appendEntry(b, observation)
	s.log.Info().Str("patient", patient.ID()).Msg("synthesized head circumference observation")
}

// relabelObservations rewrites survey and SDOH observations onto the 5.0.1
// observation profiles. PRAPARE multi-observations additionally gain a
// QuestionnaireResponse, per-component member observations and a sexual
// orientation observation in the same encounter.
func (s *Service) relabelObservations(bundles []*fhir.Bundle) {
	sexualOrientations := []map[string]any{
		fhir.NewCodeableConcept(fhir.SystemSNOMED, "38628009", "Homosexuality"),
		fhir.NewCodeableConcept(fhir.SystemSNOMED, "20430005", "Heterosexual state"),
		fhir.NewCodeableConcept(fhir.SystemSNOMED, "42035005", "Bisexual state"),
		fhir.NewCodeableConcept("http://terminology.hl7.org/CodeSystem/v3-NullFlavor", "OTH", "Other"),
		fhir.NewCodeableConcept("http://terminology.hl7.org/CodeSystem/v3-NullFlavor", "UNK", "Unknown"),
		fhir.NewCodeableConcept("http://terminology.hl7.org/CodeSystem/v3-NullFlavor", "ASKU", "Asked but no answer"),
	}
	relabeled := 0
	for _, b := range bundles {
		if b.Patient() == nil {
			continue
		}
		orientation := sexualOrientations[s.rng.Intn(len(sexualOrientations))]
		for _, entry := range b.FindAll("Observation") {
			observation := entry.Resource
			if observation.HasProfile(profiles.SDOHAssessment) {
				continue
			}
			code := fhir.Str(fhir.FirstMap(observation.Map("code"), "coding"), "code")
			category := fhir.Str(fhir.FirstMap(fhir.FirstMap(observation, "category"), "coding"), "code")
			switch {
			case code == prapareCode:
				s.rewritePrapare(b, entry, orientation)
				relabeled++
			case surveyObservationCodes[code]:
				observation.SetProfiles(profiles.Survey)
				observation["category"] = []any{surveyCategory()}
				relabeled++
			case sdohAssessmentCodes[code]:
				observation.SetProfiles(profiles.SDOHAssessment)
				observation["category"] = []any{surveyCategory(), sdohTag()}
				relabeled++
			case category == "survey":
				observation.SetProfiles(profiles.Survey)
				observation["category"] = []any{surveyCategory()}
				relabeled++
			}
		}
	}
	s.log.Info().Int("relabeled", relabeled).Msg("relabeled survey and SDOH observations")
}

// rewritePrapare turns a PRAPARE multi-observation into an SDOH assessment
// derived from a synthesized QuestionnaireResponse.
func (s *Service) rewritePrapare(b *fhir.Bundle, entry *fhir.Entry, orientation map[string]any) {
	observation := entry.Resource

	response := fhir.Resource{
		"resourceType":  "QuestionnaireResponse",
		"id":            s.newID(),
		"questionnaire": prapareQuestionnaireURL,
		"status":        "completed",
		"subject":       observation.Map("subject"),
		"encounter":     observation.Map("encounter"),
		"authored":      observation.Str("issued"),
		"item":          prapareItems(observation),
	}
	response.SetProfiles(profiles.USCoreBase + "us-core-questionnaireresponse")
	meta := response.Map("meta")
	meta["tag"] = []any{fhir.NewCoding(uscoreTagSystem, "sdoh", "SDOH")}
	responseEntry := appendEntry(b, response)

	observation.SetProfiles(profiles.SDOHAssessment)
	observation["category"] = []any{surveyCategory(), sdohTag()}
	observation["derivedFrom"] = []any{fhir.NewReference(responseEntry.FullURL)}

	var members []any
	for _, raw := range observation.Slice("component") {
		component, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		member := fhir.Resource{
			"resourceType": "Observation",
			"id":           s.newID(),
			"category":     []any{surveyCategory(), sdohTag()},
			"code":         fhir.SubMap(component, "code"),
			"subject":      observation.Map("subject"),
			"encounter":    observation.Map("encounter"),
			"status":       "final",
			"derivedFrom":  []any{fhir.NewReference(entry.FullURL)},
		}
		member.SetProfiles(profiles.SDOHAssessment)
		for _, valueKey := range []string{"valueQuantity", "valueString", "valueCodeableConcept"} {
			if value, ok := component[valueKey]; ok {
				member[valueKey] = value
				break
			}
		}
		memberEntry := appendEntry(b, member)
		members = append(members, fhir.NewReference(memberEntry.FullURL))
	}
	observation["hasMember"] = members

	sexualOrientation := fhir.Resource{
		"resourceType": "Observation",
		"id":           s.newID(),
		"category": []any{
			fhir.NewCodeableConcept(obsCategorySystem, "social-history", "Social History"),
		},
		"code":                 fhir.NewCodeableConcept(fhir.SystemLOINC, "76690-7", "Sexual orientation"),
		"subject":              observation.Map("subject"),
		"encounter":            observation.Map("encounter"),
		"status":               "final",
		"effectiveDateTime":    observation.Str("effectiveDateTime"),
		"valueCodeableConcept": orientation,
	}
	sexualOrientation.SetProfiles(profiles.SexualOrientation)
	appendEntry(b, sexualOrientation)
}

// prapareItems flattens the multi-observation components into response
// items, one answer per component.
func prapareItems(observation fhir.Resource) []any {
	var items []any
	for _, raw := range observation.Slice("component") {
		component, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		code := fhir.SubMap(component, "code")
		item := map[string]any{
			"linkId": fhir.Str(fhir.FirstMap(code, "coding"), "code"),
			"text":   fhir.Str(code, "text"),
		}
		switch {
		case fhir.SubMap(component, "valueQuantity") != nil:
			item["answer"] = []any{
				map[string]any{"valueQuantity": component["valueQuantity"]},
			}
		case fhir.Str(component, "valueString") != "":
			item["answer"] = []any{
				map[string]any{"valueString": component["valueString"]},
			}
		case fhir.SubMap(component, "valueCodeableConcept") != nil:
			concept := fhir.SubMap(component, "valueCodeableConcept")
			item["answer"] = []any{
				map[string]any{"valueCoding": fhir.FirstMap(concept, "coding")},
			}
		}
		items = append(items, item)
	}
	return items
}
