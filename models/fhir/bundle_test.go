package fhir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBundle() *Bundle {
	patient := Resource{"resourceType": "Patient", "id": "p1"}
	encounter := Resource{"resourceType": "Encounter", "id": "e1"}
	condition := Resource{
		"resourceType": "Condition",
		"id":           "c1",
		"encounter":    map[string]any{"reference": "urn:uuid:e1"},
	}
	provenance := Resource{
		"resourceType": "Provenance",
		"id":           "prov1",
		"target": []any{
			map[string]any{"reference": "urn:uuid:p1"},
			map[string]any{"reference": "urn:uuid:e1"},
			map[string]any{"reference": "urn:uuid:c1"},
			map[string]any{"reference": "urn:uuid:prov1"},
		},
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Entry: []*Entry{
			NewEntry(patient, "p1"),
			NewEntry(encounter, "e1"),
			NewEntry(condition, "c1"),
			NewEntry(provenance, "prov1"),
		},
	}
}

func TestNewEntry(t *testing.T) {
	entry := NewEntry(Resource{"resourceType": "Patient", "id": "x"}, "abc")
	assert.Equal(t, "urn:uuid:abc", entry.FullURL)
	require.NotNil(t, entry.Request)
	assert.Equal(t, "POST", entry.Request.Method)
	assert.Equal(t, "Patient", entry.Request.URL)
}

func TestParseDocument(t *testing.T) {
	bundle, resource, err := ParseDocument([]byte(`{"resourceType":"Bundle","type":"transaction","entry":[]}`))
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Nil(t, resource)
	assert.Equal(t, "transaction", bundle.Type)

	bundle, resource, err = ParseDocument([]byte(`{"resourceType":"Group","id":"g1"}`))
	require.NoError(t, err)
	assert.Nil(t, bundle)
	require.NotNil(t, resource)
	assert.Equal(t, "Group", resource.Type())

	_, _, err = ParseDocument([]byte(`not json`))
	assert.Error(t, err)
}

func TestRemoveIfCollectsBeforeDeleting(t *testing.T) {
	bundle := testBundle()
	var seen []string
	removed := bundle.RemoveIf(func(entry *Entry) bool {
		// the predicate must observe the untouched entry list
		seen = append(seen, entry.Resource.Type())
		return entry.Resource.Type() == "Condition"
	})
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"Patient", "Encounter", "Condition", "Provenance"}, seen)
	assert.Nil(t, bundle.FindFirst("Condition"))
	assert.Len(t, bundle.Entry, 3)
}

func TestReconcileProvenance(t *testing.T) {
	bundle := testBundle()
	bundle.RemoveIf(func(entry *Entry) bool {
		return entry.Resource.Type() == "Condition"
	})
	bundle.ReconcileProvenance()

	prov := bundle.FindFirst("Provenance")
	require.NotNil(t, prov)
	targets := prov.Resource.Slice("target")
	require.Len(t, targets, 3)
	for _, raw := range targets {
		ref := Str(raw.(map[string]any), "reference")
		assert.NotNil(t, bundle.FindByFullURL(ref))
	}
}

func TestReconcileProvenanceIdempotent(t *testing.T) {
	bundle := testBundle()
	bundle.RemoveIf(func(entry *Entry) bool {
		return entry.Resource.Type() == "Encounter"
	})
	bundle.ReconcileProvenance()
	first := bundle.FindFirst("Provenance").Resource.Slice("target")

	bundle.ReconcileProvenance()
	second := bundle.FindFirst("Provenance").Resource.Slice("target")
	assert.Equal(t, first, second)
}

func TestCloneIsIndependent(t *testing.T) {
	original := Resource{
		"resourceType": "Observation",
		"id":           "o1",
		"code":         map[string]any{"text": "Body Weight"},
	}
	clone := original.Clone()
	clone.SetID("o2")
	clone.Map("code")["text"] = "Body Height"

	assert.Equal(t, "o1", original.ID())
	assert.Equal(t, "Body Weight", Str(original.Map("code"), "text"))
}

func TestProfiles(t *testing.T) {
	r := Resource{"resourceType": "Patient"}
	assert.Empty(t, r.Profiles())

	r.SetProfiles("http://example.org/profile-a")
	assert.True(t, r.HasProfile("http://example.org/profile-a"))
	assert.False(t, r.HasProfile("http://example.org/profile-b"))

	bundle := &Bundle{Entry: []*Entry{NewEntry(r, "p")}}
	assert.True(t, bundle.Profiles()["http://example.org/profile-a"])
}
