package fhir

import (
	"bytes"
	"encoding/json"
)

// Resource is a single FHIR resource held as raw JSON structure. The curator
// rewrites resources of many different types, so a typed struct per resource
// is not practical; instead every resource is a map with typed accessors for
// the handful of fields the pipeline cares about.
type Resource map[string]any

// Type returns the resourceType tag, or "" when absent.
func (r Resource) Type() string {
	return r.Str("resourceType")
}

// ID returns the resource id, or "" when absent.
func (r Resource) ID() string {
	return r.Str("id")
}

// SetID overwrites the resource id.
func (r Resource) SetID(id string) {
	r["id"] = id
}

// Str returns the string value stored under key, or "" when the key is
// absent or not a string.
func (r Resource) Str(key string) string {
	s, _ := r[key].(string)
	return s
}

// Map returns the object stored under key, or nil.
func (r Resource) Map(key string) map[string]any {
	m, _ := r[key].(map[string]any)
	return m
}

// Slice returns the array stored under key, or nil.
func (r Resource) Slice(key string) []any {
	s, _ := r[key].([]any)
	return s
}

// Profiles returns the resource's conformance profile tags (meta.profile).
func (r Resource) Profiles() []string {
	meta := r.Map("meta")
	if meta == nil {
		return nil
	}
	raw, _ := meta["profile"].([]any)
	profiles := make([]string, 0, len(raw))
	for _, p := range raw {
		if s, ok := p.(string); ok && s != "" {
			profiles = append(profiles, s)
		}
	}
	return profiles
}

// SetProfiles replaces meta.profile, creating meta when needed.
func (r Resource) SetProfiles(profiles ...string) {
	meta := r.Map("meta")
	if meta == nil {
		meta = map[string]any{}
		r["meta"] = meta
	}
	list := make([]any, len(profiles))
	for i, p := range profiles {
		list[i] = p
	}
	meta["profile"] = list
}

// HasProfile reports whether the resource declares the given profile tag.
func (r Resource) HasProfile(profile string) bool {
	for _, p := range r.Profiles() {
		if p == profile {
			return true
		}
	}
	return false
}

// Reference reads the reference string of the object stored under key
// (e.g. "encounter" or "subject"), or "" when absent.
func (r Resource) Reference(key string) string {
	return Str(r.Map(key), "reference")
}

// SetReference stores a {"reference": ref} object under key.
func (r Resource) SetReference(key, ref string) {
	r[key] = NewReference(ref)
}

// Clone deep-copies the resource through a JSON round trip, the same way the
// original corpus tooling clones resources before mutating them.
func (r Resource) Clone() Resource {
	data, err := json.Marshal(r)
	if err != nil {
		// A Resource only ever holds unmarshalled JSON values.
		panic(err)
	}
	var out Resource
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

// MarshalIndent serializes the resource without HTML escaping.
func (r Resource) MarshalIndent() ([]byte, error) {
	return encodeJSON(r, true)
}

// MarshalCompact serializes the resource on a single line without HTML
// escaping, for ndjson output.
func (r Resource) MarshalCompact() ([]byte, error) {
	return encodeJSON(r, false)
}

// Str returns the string under key in an arbitrary JSON object.
func Str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// SubMap returns the object under key in an arbitrary JSON object.
func SubMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	sub, _ := m[key].(map[string]any)
	return sub
}

// SubSlice returns the array under key in an arbitrary JSON object.
func SubSlice(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	s, _ := m[key].([]any)
	return s
}

// FirstMap returns the first object element of the array under key.
func FirstMap(m map[string]any, key string) map[string]any {
	for _, v := range SubSlice(m, key) {
		if sub, ok := v.(map[string]any); ok {
			return sub
		}
	}
	return nil
}

func encodeJSON(v any, indent bool) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if indent {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
