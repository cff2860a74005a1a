// Package profiles holds the per-release conformance tables that drive
// selection and mutation. Each supported US Core release is described by one
// Version value; everything release specific lives in these tables so the
// rest of the pipeline stays version agnostic.
package profiles

import "fmt"

// Profile URLs referenced by name elsewhere in the pipeline.
const (
	USCoreBase = "http://hl7.org/fhir/us/core/StructureDefinition/"

	Medication        = USCoreBase + "us-core-medication"
	MedicationRequest = USCoreBase + "us-core-medicationrequest"
	SmokingStatus     = USCoreBase + "us-core-smokingstatus"
	PulseOximetry     = USCoreBase + "us-core-pulse-oximetry"
	ObservationLab    = USCoreBase + "us-core-observation-lab"
	DiagnosticLab     = USCoreBase + "us-core-diagnosticreport-lab"
	DiagnosticNote    = USCoreBase + "us-core-diagnosticreport-note"
	RelatedPerson     = USCoreBase + "us-core-relatedperson"
	ServiceRequest    = USCoreBase + "us-core-servicerequest"
	HeadCircumference = USCoreBase + "head-occipital-frontal-circumference-percentile"

	SexualOrientation  = USCoreBase + "us-core-observation-sexual-orientation"
	SocialHistory      = USCoreBase + "us-core-observation-social-history"
	Survey             = USCoreBase + "us-core-observation-survey"
	SDOHAssessment     = USCoreBase + "us-core-observation-sdoh-assessment"
	ObservationImaging = USCoreBase + "us-core-observation-imaging"
	ClinicalTest       = USCoreBase + "us-core-observation-clinical-test"

	VitalsPanel = "http://hl7.org/fhir/StructureDefinition/vitalspanel"
	VitalSigns  = "http://hl7.org/fhir/StructureDefinition/vitalsigns"
)

// ChoiceTypeRule names a must-support choice element and the value variants
// the curated corpus has to exhibit for it.
type ChoiceTypeRule struct {
	ResourceType string
	Prefix       string
	Suffixes     []string
	Profiles     []string
}

// SwapCount is the number of resources per choice variant the corpus must
// carry after the choice-type pass.
const SwapCount = 1

// Version is the conformance table for one US Core release.
type Version struct {
	Name             string
	RequiredProfiles []string
	ChoiceTypes      []ChoiceTypeRule
	// PanelMembers are the vital-sign profiles whose observations get
	// grouped under a synthesized vitals panel.
	PanelMembers []string
	// OutOfScopeTypes are generated resource types with no profile in the
	// release, removed before output.
	OutOfScopeTypes []string
	// DataAbsentProfiles are observation profiles that must each have one
	// exemplar carrying a data-absent-reason instead of a value.
	DataAbsentProfiles []string
	// DataAbsentViaValue lists the profiles among DataAbsentProfiles whose
	// value element is required, so the reason rides in the value concept.
	DataAbsentViaValue []string
	// DataAbsentViaComponents lists the profiles whose reasons ride on the
	// components instead of the observation value.
	DataAbsentViaComponents []string
	// Relabel enables the observation category relabeling the 5.0.1
	// profiles require (sexual orientation, social history, surveys).
	Relabel bool
}

// FromName resolves a release by its short name.
func FromName(name string) (*Version, error) {
	switch name {
	case "v3":
		return &V3, nil
	case "v4":
		return &V4, nil
	case "v5":
		return &V5, nil
	default:
		return nil, fmt.Errorf("unknown target version %q (expected v3, v4 or v5)", name)
	}
}

var baseVitals = []string{
	"http://hl7.org/fhir/StructureDefinition/resprate",
	"http://hl7.org/fhir/StructureDefinition/heartrate",
	"http://hl7.org/fhir/StructureDefinition/oxygensat",
	"http://hl7.org/fhir/StructureDefinition/bodytemp",
	"http://hl7.org/fhir/StructureDefinition/bodyheight",
	"http://hl7.org/fhir/StructureDefinition/headcircum",
	"http://hl7.org/fhir/StructureDefinition/bodyweight",
	"http://hl7.org/fhir/StructureDefinition/bmi",
	"http://hl7.org/fhir/StructureDefinition/bp",
}

var outOfScope = []string{"Claim", "ExplanationOfBenefit", "ImagingStudy"}

// The 5.0.1 release also has no profiles for medication administrations or
// supply deliveries.
var v5OutOfScope = []string{
	"Claim", "ExplanationOfBenefit", "ImagingStudy",
	"MedicationAdministration", "SupplyDelivery",
}

var sharedDataAbsent = []string{
	ObservationLab,
	SmokingStatus,
	PulseOximetry,
	"http://hl7.org/fhir/StructureDefinition/resprate",
	"http://hl7.org/fhir/StructureDefinition/heartrate",
	"http://hl7.org/fhir/StructureDefinition/bodytemp",
	"http://hl7.org/fhir/StructureDefinition/bodyheight",
	"http://hl7.org/fhir/StructureDefinition/headcircum",
	"http://hl7.org/fhir/StructureDefinition/bodyweight",
	"http://hl7.org/fhir/StructureDefinition/bp",
}

var v5DataAbsent = []string{
	ObservationLab,
	USCoreBase + "us-core-bmi",
	USCoreBase + "us-core-head-circumference",
	USCoreBase + "us-core-body-height",
	USCoreBase + "us-core-body-weight",
	USCoreBase + "us-core-body-temperature",
	USCoreBase + "us-core-heart-rate",
	USCoreBase + "pediatric-bmi-for-age",
	HeadCircumference,
	USCoreBase + "pediatric-weight-for-height",
	PulseOximetry,
	USCoreBase + "us-core-respiratory-rate",
	SmokingStatus,
	USCoreBase + "us-core-blood-pressure",
}

var sharedRequired = []string{
	USCoreBase + "us-core-allergyintolerance",
	USCoreBase + "us-core-careplan",
	USCoreBase + "us-core-careteam",
	USCoreBase + "us-core-condition",
	DiagnosticLab,
	DiagnosticNote,
	USCoreBase + "us-core-documentreference",
	USCoreBase + "us-core-encounter",
	USCoreBase + "us-core-goal",
	USCoreBase + "us-core-immunization",
	USCoreBase + "us-core-implantable-device",
	ObservationLab,
	USCoreBase + "us-core-location",
	Medication,
	MedicationRequest,
	USCoreBase + "us-core-organization",
	USCoreBase + "us-core-patient",
	USCoreBase + "us-core-practitioner",
	USCoreBase + "us-core-practitionerrole",
	USCoreBase + "us-core-procedure",
	USCoreBase + "us-core-provenance",
	USCoreBase + "pediatric-bmi-for-age",
	USCoreBase + "pediatric-weight-for-height",
	SmokingStatus,
	PulseOximetry,
	VitalsPanel,
	"http://hl7.org/fhir/StructureDefinition/resprate",
	"http://hl7.org/fhir/StructureDefinition/heartrate",
	"http://hl7.org/fhir/StructureDefinition/bodytemp",
	"http://hl7.org/fhir/StructureDefinition/bodyheight",
	"http://hl7.org/fhir/StructureDefinition/headcircum",
	"http://hl7.org/fhir/StructureDefinition/bodyweight",
	"http://hl7.org/fhir/StructureDefinition/bmi",
	"http://hl7.org/fhir/StructureDefinition/bp",
}

var sharedChoiceTypes = []ChoiceTypeRule{
	{
		ResourceType: "DiagnosticReport",
		Prefix:       "effective",
		Suffixes:     []string{"DateTime", "Period"},
		Profiles:     []string{DiagnosticNote, DiagnosticLab},
	},
	{
		ResourceType: "Immunization",
		Prefix:       "occurrence",
		Suffixes:     []string{"DateTime", "String"},
		Profiles:     []string{USCoreBase + "us-core-immunization"},
	},
	{
		ResourceType: "Observation",
		Prefix:       "effective",
		Suffixes:     []string{"DateTime", "Period"},
		Profiles: []string{
			"http://hl7.org/fhir/StructureDefinition/resprate",
			"http://hl7.org/fhir/StructureDefinition/heartrate",
			"http://hl7.org/fhir/StructureDefinition/bodyweight",
			"http://hl7.org/fhir/StructureDefinition/bp",
			SmokingStatus,
			USCoreBase + "pediatric-weight-for-height",
			ObservationLab,
			USCoreBase + "pediatric-bmi-for-age",
			PulseOximetry,
			HeadCircumference,
			"http://hl7.org/fhir/StructureDefinition/bodyheight",
			"http://hl7.org/fhir/StructureDefinition/bodytemp",
		},
	},
	{
		ResourceType: "Procedure",
		Prefix:       "performed",
		Suffixes:     []string{"DateTime", "Period"},
		Profiles:     []string{USCoreBase + "us-core-procedure"},
	},
}

// V3 targets US Core 3.1.1.
var V3 = Version{
	Name:                    "v3",
	RequiredProfiles:        sharedRequired,
	ChoiceTypes:             sharedChoiceTypes,
	PanelMembers:            baseVitals,
	OutOfScopeTypes:         outOfScope,
	DataAbsentProfiles:      sharedDataAbsent,
	DataAbsentViaValue:      []string{SmokingStatus},
	DataAbsentViaComponents: []string{"http://hl7.org/fhir/StructureDefinition/bp"},
}

// V4 targets US Core 4.0.0, which shares the 3.1.1 profile set.
var V4 = Version{
	Name:                    "v4",
	RequiredProfiles:        sharedRequired,
	ChoiceTypes:             sharedChoiceTypes,
	PanelMembers:            baseVitals,
	OutOfScopeTypes:         outOfScope,
	DataAbsentProfiles:      sharedDataAbsent,
	DataAbsentViaValue:      []string{SmokingStatus},
	DataAbsentViaComponents: []string{"http://hl7.org/fhir/StructureDefinition/bp"},
}

// V5 targets US Core 5.0.1, which splits Condition, renames the vital-sign
// profiles and adds the social-history observation profiles.
var V5 = Version{
	Name: "v5",
	RequiredProfiles: []string{
		USCoreBase + "us-core-allergyintolerance",
		USCoreBase + "us-core-careplan",
		USCoreBase + "us-core-careteam",
		USCoreBase + "us-core-condition-encounter-diagnosis",
		USCoreBase + "us-core-condition-problems-health-concerns",
		USCoreBase + "us-core-implantable-device",
		DiagnosticLab,
		DiagnosticNote,
		USCoreBase + "us-core-documentreference",
		USCoreBase + "us-core-encounter",
		USCoreBase + "us-core-goal",
		USCoreBase + "us-core-immunization",
		ObservationLab,
		USCoreBase + "us-core-location",
		Medication,
		MedicationRequest,
		USCoreBase + "us-core-organization",
		USCoreBase + "us-core-patient",
		USCoreBase + "us-core-practitioner",
		USCoreBase + "us-core-practitionerrole",
		USCoreBase + "us-core-procedure",
		USCoreBase + "us-core-provenance",
		USCoreBase + "us-core-questionnaireresponse",
		RelatedPerson,
		ServiceRequest,
		ClinicalTest,
		ObservationImaging,
		SexualOrientation,
		SocialHistory,
		Survey,
		SDOHAssessment,
		SmokingStatus,
		USCoreBase + "us-core-vital-signs",
		HeadCircumference,
		USCoreBase + "us-core-blood-pressure",
		USCoreBase + "us-core-bmi",
		USCoreBase + "us-core-body-height",
		USCoreBase + "us-core-body-temperature",
		USCoreBase + "us-core-body-weight",
		USCoreBase + "us-core-head-circumference",
		USCoreBase + "us-core-heart-rate",
		USCoreBase + "pediatric-bmi-for-age",
		USCoreBase + "pediatric-weight-for-height",
		PulseOximetry,
		USCoreBase + "us-core-respiratory-rate",
	},
	ChoiceTypes:             sharedChoiceTypes,
	PanelMembers:            baseVitals,
	OutOfScopeTypes:         v5OutOfScope,
	DataAbsentProfiles:      v5DataAbsent,
	DataAbsentViaValue:      []string{SmokingStatus},
	DataAbsentViaComponents: []string{USCoreBase + "us-core-blood-pressure"},
	Relabel:                 true,
}
