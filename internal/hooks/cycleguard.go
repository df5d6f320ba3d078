package hooks

import (
	"fmt"
	"sync"

	"github.com/foundryhq/weft/internal/core"
)

// CycleGuard caps how many times a single creator identity may run within
// one drain, turning a runaway producer cascade (e.g. a rule whose output
// pattern matches its own input) into a *core.CycleError instead of an
// infinite loop. Grounded on the teacher's DebugModule trace-assertion
// pattern: a hook observes run events and raises when an invariant breaks.
type CycleGuard struct {
	cap int

	mu     sync.Mutex
	counts map[core.Identity]int
}

// NewCycleGuard constructs a guard with the given per-identity run cap.
func NewCycleGuard(cap int) *CycleGuard {
	if cap <= 0 {
		cap = 100
	}
	return &CycleGuard{cap: cap, counts: make(map[core.Identity]int)}
}

// Handler returns the hooks.Handler to register against "creator_ran".
func (g *CycleGuard) Handler() *Handler {
	return &Handler{
		Name:     "cycle-guard",
		Event:    "creator_ran",
		Priority: 0, // runs before other creator_ran observers
		Fn:       g.onCreatorRan,
	}
}

func (g *CycleGuard) onCreatorRan(event string, data map[string]interface{}) error {
	identity, ok := data["identity"].(core.Identity)
	if !ok {
		return fmt.Errorf("cycle guard: event %q missing identity", event)
	}

	g.mu.Lock()
	g.counts[identity]++
	count := g.counts[identity]
	g.mu.Unlock()

	if count > g.cap {
		return &core.CycleError{Identity: identity, Cap: g.cap}
	}
	return nil
}

// Reset clears per-identity counts, called at the start of a new drain.
func (g *CycleGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts = make(map[core.Identity]int)
}
