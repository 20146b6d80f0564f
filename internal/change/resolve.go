package change

import (
	"github.com/starford/modelshift/internal/inference"
	"github.com/starford/modelshift/internal/models"
)

// idKeys are the argument names an element id may arrive under, in order of
// preference.
var idKeys = []string{"element_id", "id", models.KeyID}

// resolved holds the normalized arguments of one operation.
type resolved struct {
	id    string
	typ   string
	attrs models.Element
}

// resolveArgs normalizes operation arguments. The attributes may be wrapped
// in an "attrs" bundle or given flat. For update and delete the element id is
// lifted out of the bundle, and a missing type tag is taken from the known
// element with that id.
func resolveArgs(op inference.Operation, known map[string]models.Element) resolved {
	args := op.Args
	if args == nil {
		args = map[string]any{}
	}

	attrs := models.Element{}
	if bundle, ok := args["attrs"].(map[string]any); ok {
		for k, v := range bundle {
			attrs[k] = v
		}
	} else {
		for k, v := range args {
			attrs[k] = v
		}
	}

	if op.Name == inference.OpCreate {
		return resolved{typ: attrs.Type(), attrs: attrs}
	}

	r := resolved{attrs: attrs}
	for _, key := range idKeys {
		if s, ok := args[key].(string); ok && s != "" {
			r.id = s
			break
		}
	}
	for _, key := range idKeys {
		s, _ := attrs[key].(string)
		if r.id == "" && s != "" {
			r.id = s
		}
		if key != models.KeyID {
			delete(attrs, key)
		}
	}
	delete(attrs, "attrs")

	if op.Name == inference.OpDelete {
		if s, ok := args["type"].(string); ok && s != "" {
			r.typ = s
		}
		delete(attrs, "type")
	}
	if r.typ == "" {
		r.typ = attrs.Type()
	}
	if r.typ == "" {
		if el, ok := known[r.id]; ok {
			r.typ = el.Type()
		}
	}
	if op.Name == inference.OpUpdate && attrs.Type() == "" && r.typ != "" {
		attrs[models.KeyType] = r.typ
	}
	return r
}
