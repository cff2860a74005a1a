package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/fhirtestdata/curator/cmd/curate/profiles"
	"github.com/fhirtestdata/curator/models/fhir"
)

// checkChoiceTypes makes the corpus exhibit every variant of each
// must-support choice element. When a profile has spare resources the value
// is converted in place; otherwise the resource is cloned with the converted
// value and added to its patient's bundle.
func (s *Service) checkChoiceTypes(bundles []*fhir.Bundle) error {
	for _, rule := range s.version.ChoiceTypes {
		for _, profile := range rule.Profiles {
			if err := s.applyChoiceRule(bundles, rule, profile); err != nil {
				return fmt.Errorf("choice types for %s %s: %w", rule.ResourceType, profile, err)
			}
		}
	}
	return nil
}

func (s *Service) applyChoiceRule(bundles []*fhir.Bundle, rule profiles.ChoiceTypeRule, profile string) error {
	var pool []fhir.Resource
	for _, b := range bundles {
		for _, entry := range b.FindAll(rule.ResourceType) {
			if entry.Resource.HasProfile(profile) {
				pool = append(pool, entry.Resource)
			}
		}
	}
	if len(pool) == 0 {
		return nil
	}

	attrs := make([]string, len(rule.Suffixes))
	for i, suffix := range rule.Suffixes {
		attrs[i] = rule.Prefix + suffix
	}
	missing := map[string]bool{}
	for _, attr := range attrs {
		missing[attr] = true
	}
	for _, resource := range pool {
		for _, attr := range attrs {
			if _, ok := resource[attr]; ok {
				delete(missing, attr)
			}
		}
		if len(missing) == 0 {
			return nil
		}
	}

	for _, attr := range attrs {
		if !missing[attr] {
			continue
		}
		converted := 0
		for _, resource := range pool {
			if converted >= profiles.SwapCount {
				break
			}
			// a resource already carrying one of the missing variants is
			// not a donor, or an in-place swap here would destroy it
			if carriesAny(resource, missing) {
				continue
			}
			sourceAttr, sourceValue, ok := firstChoiceValue(resource, attrs)
			if !ok {
				continue
			}
			newValue, err := convertChoiceValue(sourceValue, sourceAttr, attr)
			if err != nil {
				return err
			}
			if len(pool) > profiles.SwapCount*len(attrs) {
				resource[attr] = newValue
				delete(resource, sourceAttr)
				s.log.Debug().Str("resource", resource.ID()).Str("attr", attr).
					Msg("swapped choice type in place")
			} else {
				clone := resource.Clone()
				clone.SetID(s.newID())
				clone[attr] = newValue
				delete(clone, sourceAttr)
				if err := addToPatientBundle(bundles, clone); err != nil {
					return err
				}
				s.log.Debug().Str("resource", clone.ID()).Str("attr", attr).
					Msg("cloned resource with converted choice type")
			}
			converted++
		}
	}
	return nil
}

func carriesAny(resource fhir.Resource, attrs map[string]bool) bool {
	for attr := range attrs {
		if _, ok := resource[attr]; ok {
			return true
		}
	}
	return false
}

func firstChoiceValue(resource fhir.Resource, attrs []string) (string, any, bool) {
	for _, attr := range attrs {
		if value, ok := resource[attr]; ok {
			return attr, value, true
		}
	}
	return "", nil, false
}

// convertChoiceValue translates a choice value between the dateTime, Period
// and String variants. Unknown variant pairs are an error rather than a
// silent skip.
func convertChoiceValue(value any, fromAttr, toAttr string) (any, error) {
	switch {
	case strings.HasSuffix(toAttr, "Period"):
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("cannot build Period from %s of type %T", fromAttr, value)
		}
		t, err := fhir.ParseDateTime(str)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"start": str,
			"end":   fhir.FormatDateTime(t.Add(time.Hour)),
		}, nil
	case strings.HasSuffix(toAttr, "DateTime"):
		switch v := value.(type) {
		case map[string]any:
			if start := fhir.Str(v, "start"); start != "" {
				return start, nil
			}
			return fhir.Str(v, "end"), nil
		case string:
			return v, nil
		default:
			return nil, fmt.Errorf("cannot build dateTime from %s of type %T", fromAttr, value)
		}
	case strings.HasSuffix(toAttr, "String"):
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("cannot build string from %s of type %T", fromAttr, value)
		}
		t, err := fhir.ParseDateTime(str)
		if err != nil {
			return nil, err
		}
		return t.Format("2006-01-02T15:04:05-07:00"), nil
	default:
		return nil, fmt.Errorf("unknown choice variant %s", toAttr)
	}
}

// addToPatientBundle finds the bundle whose patient a resource belongs to
// and appends the resource there.
func addToPatientBundle(bundles []*fhir.Bundle, resource fhir.Resource) error {
	subject := resource.Reference("subject")
	if subject == "" {
		subject = resource.Reference("patient")
	}
	id := idFromLocator(subject)
	for _, b := range bundles {
		patient := b.Patient()
		if patient != nil && patient.ID() == id {
			appendEntry(b, resource)
			return nil
		}
	}
	return fmt.Errorf("no bundle found for subject %q", subject)
}
