// Package models defines the domain types exchanged with the model repository.
package models

import (
	"encoding/json"
	"reflect"
)

// Well-known element keys.
const (
	KeyID         = "@id"
	KeyType       = "@type"
	KeyName       = "name"
	KeyOwner      = "owner"
	KeyDefinition = "definition"
)

// Element is a node of the model graph as served by the repository. Besides
// the well-known keys it carries arbitrary type-specific fields.
type Element map[string]any

// ID returns the element's stable identifier, or "" if absent.
func (e Element) ID() string {
	return stringField(e, KeyID)
}

// Type returns the element's type tag.
func (e Element) Type() string {
	return stringField(e, KeyType)
}

// Name returns the element's human label.
func (e Element) Name() string {
	return stringField(e, KeyName)
}

// OwnerID returns the @id of the owner reference, or "" for root elements.
func (e Element) OwnerID() string {
	return RefID(e[KeyOwner])
}

// Clone returns a shallow copy of the element.
func (e Element) Clone() Element {
	out := make(Element, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Sanitized returns a copy without keys whose value is nil, an empty string,
// or an empty slice/map.
func (e Element) Sanitized() Element {
	out := make(Element, len(e))
	for k, v := range e {
		if IsEmpty(v) {
			continue
		}
		out[k] = v
	}
	return out
}

// Normalize renders the sanitized element as JSON. Map keys are emitted in
// sorted order, so equal elements always serialize identically.
func (e Element) Normalize() (string, error) {
	data, err := json.Marshal(e.Sanitized())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseElement decodes a JSON object into an Element.
func ParseElement(s string) (Element, error) {
	var e Element
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &json.UnmarshalTypeError{Value: "null", Type: reflect.TypeOf(e)}
	}
	return e, nil
}

// SanitizeAll applies Sanitized to every element.
func SanitizeAll(elements []Element) []Element {
	out := make([]Element, len(elements))
	for i, e := range elements {
		out[i] = e.Sanitized()
	}
	return out
}

// RefID extracts the @id from a reference value such as {"@id": "x"}.
func RefID(v any) string {
	switch ref := v.(type) {
	case map[string]any:
		s, _ := ref[KeyID].(string)
		return s
	case Element:
		return ref.ID()
	case string:
		return ref
	}
	return ""
}

// IsEmpty reports whether v is nil, "", or an empty slice or map.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func stringField(e Element, key string) string {
	s, _ := e[key].(string)
	return s
}
