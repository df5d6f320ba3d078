// Package hooks provides the pluggable event system the scheduler drives:
// a Manager dispatches core.Scheduler events to registered handlers, two
// of which (CycleGuard, RunStats) ship as built-ins grounded on the
// teacher's ModuleManager/LearningModule/DebugModule trio.
package hooks

import (
	"fmt"
	"sort"
	"sync"

	"github.com/foundryhq/weft/internal/core"
)

// HandlerFunc reacts to one scheduler event. A non-nil return aborts the
// in-flight drain, the same contract as core.EventFunc.
type HandlerFunc func(event string, data map[string]interface{}) error

// Handler is a named, priority-ordered event subscription.
type Handler struct {
	Name     string
	Event    string
	Priority int // lower runs first
	Fn       HandlerFunc
}

// Manager fans scheduler events out to registered handlers in priority
// order, mirroring the teacher's ModuleManager.Emit dispatch loop.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]*Handler
}

// NewManager constructs an empty hook manager.
func NewManager() *Manager {
	return &Manager{handlers: make(map[string][]*Handler)}
}

// Register adds a handler for an event and keeps that event's handler
// list sorted by priority.
func (m *Manager) Register(h *Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[h.Event] = append(m.handlers[h.Event], h)
	sort.SliceStable(m.handlers[h.Event], func(i, j int) bool {
		return m.handlers[h.Event][i].Priority < m.handlers[h.Event][j].Priority
	})
}

// Unregister removes a named handler from an event.
func (m *Manager) Unregister(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.handlers[event]
	for i, h := range list {
		if h.Name == name {
			m.handlers[event] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// EventFunc adapts the manager into a core.EventFunc suitable for
// core.Scheduler.OnEvent: every registered handler for the event fires in
// priority order, and the first non-nil error aborts the dispatch and
// propagates up into the scheduler's drain.
func (m *Manager) EventFunc() core.EventFunc {
	return func(event string, data map[string]interface{}) error {
		m.mu.RLock()
		handlers := append([]*Handler(nil), m.handlers[event]...)
		m.mu.RUnlock()

		for _, h := range handlers {
			if err := h.Fn(event, data); err != nil {
				return fmt.Errorf("hook %q on event %q: %w", h.Name, event, err)
			}
		}
		return nil
	}
}
