package hooks

import (
	"testing"

	"github.com/foundryhq/weft/internal/core"
)

func TestCycleGuardAllowsRunsUpToCap(t *testing.T) {
	guard := NewCycleGuard(2)
	id := core.Identity{ProducerIndex: 0, MatchKey: `{"name":"foo"}`}
	fn := guard.Handler().Fn

	if err := fn("creator_ran", map[string]interface{}{"identity": id}); err != nil {
		t.Fatalf("run 1: unexpected error: %v", err)
	}
	if err := fn("creator_ran", map[string]interface{}{"identity": id}); err != nil {
		t.Fatalf("run 2: unexpected error: %v", err)
	}
}

func TestCycleGuardTripsPastCap(t *testing.T) {
	guard := NewCycleGuard(2)
	id := core.Identity{ProducerIndex: 0, MatchKey: `{"name":"foo"}`}
	fn := guard.Handler().Fn

	_ = fn("creator_ran", map[string]interface{}{"identity": id})
	_ = fn("creator_ran", map[string]interface{}{"identity": id})
	err := fn("creator_ran", map[string]interface{}{"identity": id})

	if err == nil {
		t.Fatalf("expected cycle error past cap")
	}
	if _, ok := err.(*core.CycleError); !ok {
		t.Fatalf("expected *core.CycleError, got %T: %v", err, err)
	}
}

func TestCycleGuardResetClearsCounts(t *testing.T) {
	guard := NewCycleGuard(1)
	id := core.Identity{ProducerIndex: 0, MatchKey: `{"name":"foo"}`}
	fn := guard.Handler().Fn

	_ = fn("creator_ran", map[string]interface{}{"identity": id})
	guard.Reset()

	if err := fn("creator_ran", map[string]interface{}{"identity": id}); err != nil {
		t.Fatalf("expected fresh count after reset, got error: %v", err)
	}
}
