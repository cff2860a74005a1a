package fhir

import (
	"encoding/json"
	"fmt"
)

// Request is the transaction request attached to a bundle entry.
type Request struct {
	Method string `json:"method,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Entry is one resource inside a transaction bundle.
type Entry struct {
	FullURL  string   `json:"fullUrl,omitempty"`
	Resource Resource `json:"resource,omitempty"`
	Request  *Request `json:"request,omitempty"`
}

// Bundle is a FHIR transaction bundle, the unit the curator selects,
// mutates and writes out.
type Bundle struct {
	ResourceType string   `json:"resourceType"`
	ID           string   `json:"id,omitempty"`
	Type         string   `json:"type,omitempty"`
	Timestamp    string   `json:"timestamp,omitempty"`
	Entry        []*Entry `json:"entry,omitempty"`

	// SourceFile is the path the bundle was loaded from. Not serialized.
	SourceFile string `json:"-"`
}

// NewEntry wraps a resource in a transaction entry with a urn:uuid locator
// and a POST request, the convention all generated bundles follow.
func NewEntry(resource Resource, uuid string) *Entry {
	return &Entry{
		FullURL:  "urn:uuid:" + uuid,
		Resource: resource,
		Request: &Request{
			Method: "POST",
			URL:    resource.Type(),
		},
	}
}

// ParseDocument decodes a generated document, which is either a transaction
// Bundle or a standalone resource (the generator emits Group documents beside
// the patient bundles).
func ParseDocument(data []byte) (*Bundle, Resource, error) {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if probe.ResourceType == "Bundle" {
		var bundle Bundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, nil, fmt.Errorf("failed to decode bundle: %w", err)
		}
		return &bundle, nil, nil
	}
	var resource Resource
	if err := json.Unmarshal(data, &resource); err != nil {
		return nil, nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	return nil, resource, nil
}

// Marshal serializes the bundle with indentation and without HTML escaping.
func (b *Bundle) Marshal() ([]byte, error) {
	return encodeJSON(b, true)
}

// Patient returns the bundle's Patient resource, or nil. Patient bundles
// carry the patient as their first entry, but this scans to stay safe on
// provider bundles.
func (b *Bundle) Patient() Resource {
	entry := b.FindFirst("Patient")
	if entry == nil {
		return nil
	}
	return entry.Resource
}

// FindFirst returns the first entry holding a resource of the given type.
func (b *Bundle) FindFirst(resourceType string) *Entry {
	for _, entry := range b.Entry {
		if entry.Resource.Type() == resourceType {
			return entry
		}
	}
	return nil
}

// FindAll returns every entry holding a resource of the given type.
func (b *Bundle) FindAll(resourceType string) []*Entry {
	var found []*Entry
	for _, entry := range b.Entry {
		if entry.Resource.Type() == resourceType {
			found = append(found, entry)
		}
	}
	return found
}

// FindByFullURL returns the entry with the given locator, or nil.
func (b *Bundle) FindByFullURL(fullURL string) *Entry {
	for _, entry := range b.Entry {
		if entry.FullURL == fullURL {
			return entry
		}
	}
	return nil
}

// FullURLs returns the locator of every entry in order.
func (b *Bundle) FullURLs() []string {
	urls := make([]string, 0, len(b.Entry))
	for _, entry := range b.Entry {
		urls = append(urls, entry.FullURL)
	}
	return urls
}

// CountByType tallies entries per resource type.
func (b *Bundle) CountByType() map[string]int {
	counts := map[string]int{}
	for _, entry := range b.Entry {
		counts[entry.Resource.Type()]++
	}
	return counts
}

// RemoveIf deletes every entry the predicate marks, in a collect-then-delete
// pass so the predicate never observes a half-mutated entry list. It returns
// the number of removed entries.
func (b *Bundle) RemoveIf(predicate func(*Entry) bool) int {
	var doomed []*Entry
	for _, entry := range b.Entry {
		if predicate(entry) {
			doomed = append(doomed, entry)
		}
	}
	if len(doomed) == 0 {
		return 0
	}
	b.RemoveEntries(doomed)
	return len(doomed)
}

// RemoveEntries deletes the given entries from the bundle.
func (b *Bundle) RemoveEntries(doomed []*Entry) {
	if len(doomed) == 0 {
		return
	}
	drop := make(map[*Entry]bool, len(doomed))
	for _, entry := range doomed {
		drop[entry] = true
	}
	kept := b.Entry[:0]
	for _, entry := range b.Entry {
		if !drop[entry] {
			kept = append(kept, entry)
		}
	}
	b.Entry = kept
}

// Profiles returns the set of profile tags declared across the bundle.
func (b *Bundle) Profiles() map[string]bool {
	set := map[string]bool{}
	for _, entry := range b.Entry {
		for _, profile := range entry.Resource.Profiles() {
			set[profile] = true
		}
	}
	return set
}

// ReconcileProvenance rewrites the Provenance resource's target list to hold
// exactly the locators of entries still present in the bundle. Running it
// twice changes nothing.
func (b *Bundle) ReconcileProvenance() {
	entry := b.FindFirst("Provenance")
	if entry == nil {
		return
	}
	present := make(map[string]bool, len(b.Entry))
	for _, e := range b.Entry {
		present[e.FullURL] = true
	}
	var kept []any
	for _, raw := range entry.Resource.Slice("target") {
		target, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if present[Str(target, "reference")] {
			kept = append(kept, target)
		}
	}
	entry.Resource["target"] = kept
}
