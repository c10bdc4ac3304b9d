package migration

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/kuhlman-labs/crm-field-migrator/internal/codec"
)

// TransformFunc maps a decoded source value onto the value to write. A nil
// result skips the mapping for that record.
type TransformFunc func(value any) (any, error)

// TransformRegistry resolves transform names stored in serialized plans
type TransformRegistry struct {
	mu    sync.RWMutex
	funcs map[string]TransformFunc
}

// NewTransformRegistry returns an empty registry
func NewTransformRegistry() *TransformRegistry {
	return &TransformRegistry{funcs: make(map[string]TransformFunc)}
}

// DefaultTransforms returns a registry holding the built-in transforms
func DefaultTransforms() *TransformRegistry {
	r := NewTransformRegistry()
	for name, fn := range builtinTransforms {
		r.funcs[name] = fn
	}
	return r
}

// Register adds a named transform. Names are unique.
func (r *TransformRegistry) Register(name string, fn TransformFunc) error {
	if name == "" {
		return fmt.Errorf("transform name is required")
	}
	if fn == nil {
		return fmt.Errorf("transform %q has no function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("transform %q is already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Lookup returns the transform registered under name
func (r *TransformRegistry) Lookup(name string) (TransformFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered names sorted
func (r *TransformRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Bind returns a copy of plan with every named TRANSFORM mapping attached to its
// function. Mappings that already carry a function are left alone.
func (r *TransformRegistry) Bind(plan *Plan) (*Plan, error) {
	cp := plan.Clone()
	var errs []error
	for i := range cp.Mappings {
		m := &cp.Mappings[i]
		if m.Strategy != StrategyTransform || m.Transform != nil {
			continue
		}
		if r != nil && m.TransformName != "" {
			if fn, ok := r.Lookup(m.TransformName); ok {
				m.Transform = fn
				continue
			}
		}
		errs = append(errs, &UnboundTransformError{SourceField: m.SourceField, TargetField: m.TargetField, Name: m.TransformName})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cp, nil
}

var builtinTransforms = map[string]TransformFunc{
	"trim": func(v any) (any, error) {
		return mapText(v, strings.TrimSpace), nil
	},
	"lowercase": func(v any) (any, error) {
		return mapText(v, strings.ToLower), nil
	},
	"uppercase": func(v any) (any, error) {
		return mapText(v, strings.ToUpper), nil
	},
	// split_options turns joined text into an option list
	"split_options": func(v any) (any, error) {
		if list, ok := v.([]string); ok {
			return list, nil
		}
		return codec.SplitMultiValue(codec.Stringify(v)), nil
	},
	// yes_no reduces any value to a boolean; blanks are skipped
	"yes_no": func(v any) (any, error) {
		if codec.IsEmpty(v) {
			return nil, nil
		}
		switch val := v.(type) {
		case bool:
			return val, nil
		case float64:
			return val != 0, nil
		}
		switch strings.ToLower(strings.TrimSpace(codec.Stringify(v))) {
		case "no", "n", "false", "0", "off":
			return false, nil
		}
		return true, nil
	},
}

func mapText(v any, fn func(string) string) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = fn(item)
		}
		return out
	case string:
		return fn(val)
	default:
		return v
	}
}
