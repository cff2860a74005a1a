package pipeline

import (
	"fmt"
	"strings"

	"github.com/fhirtestdata/curator/cmd/curate/profiles"
	"github.com/fhirtestdata/curator/models/fhir"
)

// noteTypes and categoryTypes are cycled over the clinical notes so the
// corpus has at least one note of every type the profiles enumerate.
var noteTypes = [][2]string{
	{"Consultation note", "11488-4"},
	{"Discharge summary", "18842-5"},
	{"History and physical note", "34117-2"},
	{"Procedure note", "28570-0"},
	{"Progress note", "11506-3"},
	{"Referral note", "57133-1"},
	{"Surgical operation note", "11504-8"},
	{"Nurse Note", "34746-8"},
}

var categoryTypes = [][2]string{
	{"Cardiology", "LP29708-2"},
	{"Pathology", "LP7839-6"},
	{"Radiology", "LP29684-5"},
}

// alterClinicalNoteURLs rewrites one DocumentReference attachment and its
// matching DiagnosticReport presented form from inline base64 data to a URL.
func (s *Service) alterClinicalNoteURLs(bundles []*fhir.Bundle) {
	b := bundleWith(bundles, "DocumentReference")
	if b == nil {
		s.log.Warn().Msg("no DocumentReference available to alter")
		return
	}
	docrefs := b.FindAll("DocumentReference")
	docref := docrefs[len(docrefs)-1].Resource
	attachment := noteAttachment(docref)
	report := matchingReport(b, fhir.Str(attachment, "data"))

	attachment["contentType"] = "application/pdf"
	delete(attachment, "data")
	attachment["url"] = dummyAttachmentURL
	if report != nil {
		form, _ := firstElement(report, "presentedForm")
		form["contentType"] = "application/pdf"
		delete(form, "data")
		form["url"] = dummyAttachmentURL
	}
	s.log.Info().Str("documentReference", docref.ID()).Msg("altered clinical note to URL attachment")
}

// cycleNoteCodes assigns note type and report category codes round-robin
// across every clinical note in the corpus.
func (s *Service) cycleNoteCodes(bundles []*fhir.Bundle) {
	noteIndex, categoryIndex := 0, 0
	altered := 0
	for _, b := range bundles {
		for _, entry := range b.FindAll("DocumentReference") {
			docref := entry.Resource
			report := matchingReport(b, fhir.Str(noteAttachment(docref), "data"))

			note := noteTypes[noteIndex]
			docref["type"] = fhir.NewCodeableConcept(fhir.SystemLOINC, note[1], note[0])
			if report != nil {
				category := categoryTypes[categoryIndex]
				report["category"] = []any{
					fhir.NewCodeableConcept(fhir.SystemLOINC, category[1], category[0]),
				}
				report["code"] = fhir.NewCodeableConcept(fhir.SystemLOINC, note[1], note[0])
				categoryIndex = (categoryIndex + 1) % len(categoryTypes)
			}
			noteIndex = (noteIndex + 1) % len(noteTypes)
			altered++
		}
	}
	s.log.Info().Int("notes", altered).Msg("cycled clinical note codes")
}

// fixNoteIdentifiers prefixes bare RFC 3986 identifier values on clinical
// notes with urn:uuid.
func (s *Service) fixNoteIdentifiers(bundles []*fhir.Bundle) {
	for _, b := range bundles {
		for _, entry := range b.FindAll("DocumentReference") {
			for _, raw := range entry.Resource.Slice("identifier") {
				identifier, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				value := fhir.Str(identifier, "value")
				if fhir.Str(identifier, "system") == "urn:ietf:rfc:3986" &&
					value != "" && !strings.HasPrefix(value, "urn") {
					identifier["value"] = "urn:uuid:" + value
				}
			}
		}
	}
}

// addReportPerformers gives the note and lab reports of one bundle both a
// practitioner and an organization performer.
func (s *Service) addReportPerformers(bundles []*fhir.Bundle) error {
	var target *fhir.Bundle
	for _, b := range bundles {
		if hasReportWithProfile(b, profiles.DiagnosticNote) && hasReportWithProfile(b, profiles.DiagnosticLab) {
			target = b
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no bundle carries both note and lab diagnostic reports")
	}
	practitioner := target.FindFirst("Practitioner")
	organization := target.FindFirst("Organization")
	if practitioner == nil || organization == nil {
		return fmt.Errorf("report bundle lacks a Practitioner or Organization")
	}
	for _, entry := range target.FindAll("DiagnosticReport") {
		report := entry.Resource
		if !report.HasProfile(profiles.DiagnosticNote) && !report.HasProfile(profiles.DiagnosticLab) {
			continue
		}
		performers := report.Slice("performer")
		performers = append(performers,
			fhir.NewReference("urn:uuid:"+practitioner.Resource.ID()),
			fhir.NewReference("urn:uuid:"+organization.Resource.ID()),
		)
		report["performer"] = performers
	}
	s.log.Info().Str("patient", target.Patient().ID()).Msg("added dual report performers")
	return nil
}

func hasReportWithProfile(b *fhir.Bundle, profile string) bool {
	for _, entry := range b.FindAll("DiagnosticReport") {
		if entry.Resource.HasProfile(profile) {
			return true
		}
	}
	return false
}

func noteAttachment(docref fhir.Resource) map[string]any {
	content, _ := firstElement(docref, "content")
	return fhir.SubMap(content, "attachment")
}

// matchingReport finds the DiagnosticReport whose presented form carries the
// same inline data as a note attachment, scanning from the end the way the
// generator orders follow-up reports.
func matchingReport(b *fhir.Bundle, data string) fhir.Resource {
	if data == "" {
		return nil
	}
	reports := b.FindAll("DiagnosticReport")
	for i := len(reports) - 1; i >= 0; i-- {
		form, ok := firstElement(reports[i].Resource, "presentedForm")
		if ok && fhir.Str(form, "data") == data {
			return reports[i].Resource
		}
	}
	return nil
}
