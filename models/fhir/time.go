package fhir

import (
	"fmt"
	"time"
)

var dateTimeLayouts = []string{
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05-07:00",
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01",
	"2006",
}

// ParseDateTime parses a FHIR instant-precision dateTime. Partial dates are
// rejected; callers that tolerate them use ParseDate.
func ParseDateTime(s string) (time.Time, error) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid dateTime value: %q", s)
}

// ParseDate parses a FHIR date, accepting the year and year-month partial
// precisions, and falls back to full dateTime layouts for elements that carry
// an instant where a date is expected.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return ParseDateTime(s)
}

// FormatDateTime renders a time in the millisecond-precision zoned form the
// generated corpus uses.
func FormatDateTime(t time.Time) string {
	if t.Location() == time.UTC {
		return t.Format("2006-01-02T15:04:05.000Z")
	}
	_, offset := t.Zone()
	if offset == 0 {
		return t.UTC().Format("2006-01-02T15:04:05.000Z")
	}
	return t.Format("2006-01-02T15:04:05.000-07:00")
}

// FormatDate renders a date-only value.
func FormatDate(t time.Time) string {
	return t.Format("2006-01-02")
}
