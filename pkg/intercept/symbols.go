package intercept

import (
	"maps"
	"reflect"
	"sync"
)

// Symbols holds the names a behavior body may use without qualification: the static members
// of an owner type and the exported symbols of the owner's package. Go has no reflective
// access to package-level declarations, so hosts register them explicitly.
type Symbols struct {
	mu         sync.RWMutex
	statics    map[string]map[string]any // owner type name -> symbols
	namespaces map[string]map[string]any // package path -> symbols
}

// NewSymbols creates an empty table.
func NewSymbols() *Symbols {
	return &Symbols{
		statics:    make(map[string]map[string]any),
		namespaces: make(map[string]map[string]any),
	}
}

// RegisterStatics adds static members of owner. Method expressions of owner are included
// automatically by StaticsOf.
func (s *Symbols) RegisterStatics(owner reflect.Type, symbols map[string]any) {
	name := TypeName(ownerType(owner))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statics[name] == nil {
		s.statics[name] = make(map[string]any, len(symbols))
	}
	maps.Copy(s.statics[name], symbols)
}

// RegisterPackage adds symbols visible to every owner declared in pkgPath.
func (s *Symbols) RegisterPackage(pkgPath string, symbols map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.namespaces[pkgPath] == nil {
		s.namespaces[pkgPath] = make(map[string]any, len(symbols))
	}
	maps.Copy(s.namespaces[pkgPath], symbols)
}

// StaticsOf returns the static surface of owner: its exported method expressions followed by
// the registered statics, which take precedence.
func (s *Symbols) StaticsOf(owner reflect.Type) map[string]any {
	owner = ownerType(owner)
	if owner == nil {
		return nil
	}

	out := make(map[string]any)
	types := []reflect.Type{owner, reflect.PointerTo(owner)}
	if owner.Kind() == reflect.Interface {
		types = nil
	}
	for _, t := range types {
		for i := range t.NumMethod() {
			m := t.Method(i)
			if _, seen := out[m.Name]; !seen {
				out[m.Name] = m.Func.Interface()
			}
		}
	}

	if s == nil {
		return out
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	maps.Copy(out, s.statics[TypeName(owner)])
	return out
}

// NamespaceOf returns the symbols registered for the owner's package.
func (s *Symbols) NamespaceOf(owner reflect.Type) map[string]any {
	owner = ownerType(owner)
	if s == nil || owner == nil || owner.PkgPath() == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.namespaces[owner.PkgPath()])
}
