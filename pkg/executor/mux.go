// Package executor routes behavior bodies to the engine they are written for.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// Mux dispatches on Entry.Engine. An empty engine name selects the default engine.
type Mux struct {
	mu            sync.RWMutex
	engines       map[string]domain.Executor
	defaultEngine string
}

var _ domain.Executor = (*Mux)(nil)

// NewMux creates a Mux whose default engine is defaultEngine.
func NewMux(defaultEngine string) *Mux {
	return &Mux{engines: make(map[string]domain.Executor), defaultEngine: defaultEngine}
}

// Handle registers exec under name, replacing any previous registration.
func (m *Mux) Handle(name string, exec domain.Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engines[strings.ToLower(name)] = exec
}

// Engines lists the registered engine names.
func (m *Mux) Engines() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.engines))
	for name := range m.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultEngine returns the engine used for entries that name none.
func (m *Mux) DefaultEngine() string {
	return m.defaultEngine
}

func (m *Mux) lookup(engine string) (string, domain.Executor, error) {
	name := strings.ToLower(strings.TrimSpace(engine))
	if name == "" {
		name = m.defaultEngine
	}
	m.mu.RLock()
	exec, ok := m.engines[name]
	m.mu.RUnlock()
	if !ok {
		return name, nil, domain.CompileError(name, fmt.Errorf("%w: %q", domain.ErrUnknownEngine, name))
	}
	return name, exec, nil
}

// Execute runs inv with the engine its entry names.
func (m *Mux) Execute(ctx context.Context, inv *domain.Invocation) (any, error) {
	_, exec, err := m.lookup(inv.Entry.Engine)
	if err != nil {
		return nil, err
	}
	return exec.Execute(ctx, inv)
}

// Compile validates entry without running it. Engines that cannot compile ahead of time
// accept every body.
func (m *Mux) Compile(entry domain.Entry) error {
	if !entry.HasBody() {
		return nil
	}
	name, exec, err := m.lookup(entry.Engine)
	if err != nil {
		return err
	}
	c, ok := exec.(domain.Compiler)
	if !ok {
		return nil
	}
	if err := c.Compile(entry.Body); err != nil {
		se := domain.AsScriptError(err)
		if se.Engine == "" {
			se.Engine = name
		}
		return se
	}
	return nil
}
