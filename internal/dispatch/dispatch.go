// Package dispatch routes validated create/update/delete operations to the
// staging client through per-type handlers.
package dispatch

import (
	"errors"
	"fmt"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/modelshift/internal/apperr"
	"github.com/starford/modelshift/internal/models"
)

// Stager accepts staged mutations. *modelclient.Client implements it.
type Stager interface {
	StageCreate(attrs models.Element) (string, error)
	StageUpdate(id string, attrs models.Element) error
	StageDelete(id string) error
}

// Handler validates an operation for one element type and stages it.
// A validation failure wraps apperr.ErrValidation and stages nothing.
type Handler interface {
	Create(s Stager, attrs models.Element) (string, error)
	Update(s Stager, id string, attrs models.Element) error
	Delete(s Stager, id string) error
}

// Entry binds a handler to an element type.
type Entry struct {
	Type    string
	Handler Handler
}

// Registry is a fixed type-to-handler table with a generic fallback.
type Registry struct {
	generic  Handler
	handlers map[string]Handler
}

// NewRegistry builds a registry from explicit entries. Later entries for the
// same type replace earlier ones.
func NewRegistry(generic Handler, entries ...Entry) *Registry {
	if generic == nil {
		generic = Generic{}
	}
	r := &Registry{
		generic:  generic,
		handlers: make(map[string]Handler, len(entries)),
	}
	for _, e := range entries {
		r.handlers[e.Type] = e.Handler
	}
	return r
}

// DefaultRegistry returns the registry used by the service.
func DefaultRegistry() *Registry {
	return NewRegistry(Generic{}, Entry{Type: "PartUsage", Handler: PartUsage{}})
}

// Resolve returns the handler for an exact type match, or the generic one.
func (r *Registry) Resolve(elementType string) Handler {
	if h, ok := r.handlers[elementType]; ok {
		return h
	}
	return r.generic
}

// Types lists the types with a dedicated handler, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Generic stages any element type. Create and update need a type tag.
type Generic struct{}

func (Generic) Create(s Stager, attrs models.Element) (string, error) {
	if err := validateAttrs(attrs, typeRule()); err != nil {
		return "", err
	}
	return s.StageCreate(attrs)
}

func (Generic) Update(s Stager, id string, attrs models.Element) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := validateAttrs(attrs, typeRule()); err != nil {
		return err
	}
	return s.StageUpdate(id, attrs)
}

func (Generic) Delete(s Stager, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	return s.StageDelete(id)
}

// PartUsage additionally requires a definition reference on create.
type PartUsage struct {
	Generic
}

func (p PartUsage) Create(s Stager, attrs models.Element) (string, error) {
	if err := validateAttrs(attrs, typeRule(), validation.Key(models.KeyDefinition, validation.Required, validation.By(reference))); err != nil {
		return "", err
	}
	return s.StageCreate(attrs)
}

func typeRule() *validation.KeyRules {
	return validation.Key(models.KeyType, validation.Required, validation.By(nonEmptyString))
}

func validateAttrs(attrs models.Element, keys ...*validation.KeyRules) error {
	if attrs == nil {
		attrs = models.Element{}
	}
	err := validation.Validate(map[string]any(attrs), validation.Map(keys...).AllowExtraKeys())
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	return nil
}

func validateID(id string) error {
	if err := validation.Validate(id, validation.Required); err != nil {
		return fmt.Errorf("%w: id: %v", apperr.ErrValidation, err)
	}
	return nil
}

func nonEmptyString(value any) error {
	s, ok := value.(string)
	if !ok || s == "" {
		return errors.New("must be a non-empty string")
	}
	return nil
}

// reference accepts {"@id": ...} or a non-empty list of such objects.
func reference(value any) error {
	errRef := errors.New(`must reference an element by "@id"`)
	switch v := value.(type) {
	case []any:
		if len(v) == 0 {
			return errRef
		}
		for _, item := range v {
			if models.RefID(item) == "" {
				return errRef
			}
		}
		return nil
	default:
		if models.RefID(v) == "" {
			return errRef
		}
		return nil
	}
}
