package hooks

import (
	"fmt"
	"testing"
)

func TestManagerDispatchesInPriorityOrder(t *testing.T) {
	m := NewManager()
	var order []string

	m.Register(&Handler{Name: "second", Event: "e", Priority: 10, Fn: func(string, map[string]interface{}) error {
		order = append(order, "second")
		return nil
	}})
	m.Register(&Handler{Name: "first", Event: "e", Priority: 1, Fn: func(string, map[string]interface{}) error {
		order = append(order, "first")
		return nil
	}})

	if err := m.EventFunc()("e", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected [first second], got %v", order)
	}
}

func TestManagerAbortsOnFirstError(t *testing.T) {
	m := NewManager()
	boom := fmt.Errorf("boom")
	ran := false

	m.Register(&Handler{Name: "failer", Event: "e", Priority: 0, Fn: func(string, map[string]interface{}) error {
		return boom
	}})
	m.Register(&Handler{Name: "never", Event: "e", Priority: 10, Fn: func(string, map[string]interface{}) error {
		ran = true
		return nil
	}})

	err := m.EventFunc()("e", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if ran {
		t.Fatalf("expected second handler not to run after first aborted")
	}
}

func TestManagerUnregisterRemovesHandler(t *testing.T) {
	m := NewManager()
	calls := 0
	m.Register(&Handler{Name: "h", Event: "e", Fn: func(string, map[string]interface{}) error {
		calls++
		return nil
	}})
	m.Unregister("e", "h")

	if err := m.EventFunc()("e", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected unregistered handler not to run, got %d calls", calls)
	}
}
