package producer

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/foundryhq/weft/internal/config"
	"github.com/foundryhq/weft/internal/core"
)

// Registry loads Rule producers from the producer_rules table and keeps
// them hot-reloadable: a stable []core.Producer slice is rebuilt whenever
// the engine signals a config/rule change, grounded on the teacher's
// providers.Registry reload-by-version-polling pattern.
type Registry struct {
	engine *config.Engine

	mu          sync.RWMutex
	producers   []core.Producer
	index       map[string]int // rule_id -> stable producer index
	subscribers []func([]core.Producer)
}

// OnReload registers a callback invoked with the fresh producer snapshot
// every time reload() successfully rebuilds the registry, e.g. to push the
// updated list into a live core.Scheduler via Scheduler.UpdateProducers.
func (r *Registry) OnReload(fn func(producers []core.Producer)) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.mu.Unlock()
}

// NewRegistry loads the current rule set and subscribes to hot-reload.
func NewRegistry(engine *config.Engine) (*Registry, error) {
	r := &Registry{engine: engine}
	if err := r.reload(); err != nil {
		return nil, err
	}
	engine.OnChange(func(event string) {
		if event == "config_changed" {
			_ = r.reload()
		}
	})
	return r, nil
}

// Producers returns the current stable producer slice. The slice and its
// element order are stable across reloads that only add rules: existing
// rules keep their producer index so outstanding core.Identity values
// remain valid.
func (r *Registry) Producers() []core.Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Producer, len(r.producers))
	copy(out, r.producers)
	return out
}

// reload re-reads enabled producer_rules rows, ordered by priority then
// rule_id, and recompiles each into a Rule. New rule_ids are appended so
// previously-assigned producer indexes never shift.
func (r *Registry) reload() error {
	rows, err := r.engine.Query(`
		SELECT rule_id, fields_json, output_template_json, categories, action_template
		FROM producer_rules
		WHERE enabled = 1
		ORDER BY priority ASC, rule_id ASC
	`)
	if err != nil {
		return fmt.Errorf("query producer_rules: %w", err)
	}
	defer rows.Close()

	type rawRule struct{ id, fields, outputs, categories, action string }
	var raw []rawRule
	for rows.Next() {
		var rr rawRule
		if err := rows.Scan(&rr.id, &rr.fields, &rr.outputs, &rr.categories, &rr.action); err != nil {
			return fmt.Errorf("scan producer_rules: %w", err)
		}
		raw = append(raw, rr)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index == nil {
		r.index = make(map[string]int)
	}

	// Preserve existing indexes; assign new ones in stable (sorted) order
	// for rule_ids we haven't seen before.
	var newIDs []string
	seen := map[string]bool{}
	for _, rr := range raw {
		seen[rr.id] = true
		if _, ok := r.index[rr.id]; !ok {
			newIDs = append(newIDs, rr.id)
		}
	}
	sort.Strings(newIDs)
	for _, id := range newIDs {
		r.index[id] = len(r.producers)
		r.producers = append(r.producers, nil)
	}

	byID := make(map[string]rawRule, len(raw))
	for _, rr := range raw {
		byID[rr.id] = rr
	}

	for id, idx := range r.index {
		rr, ok := byID[id]
		if !ok {
			// Rule disabled or removed: leave a no-op placeholder so the
			// stable index isn't reused, but it matches nothing further.
			r.producers[idx] = &disabledRule{id: id}
			continue
		}
		rule, err := CompileRule(rr.id, rr.fields, rr.outputs, rr.categories, rr.action)
		if err != nil {
			return err
		}
		r.producers[idx] = rule
	}

	snapshot := make([]core.Producer, len(r.producers))
	copy(snapshot, r.producers)
	subscribers := append([]func([]core.Producer){}, r.subscribers...)

	// Notify outside the lock: subscribers (e.g. Scheduler.UpdateProducers)
	// take their own lock and may touch the database, and must never do so
	// while holding the registry's.
	go func() {
		for _, fn := range subscribers {
			fn(snapshot)
		}
	}()

	return nil
}

// disabledRule occupies a stable producer index after its backing rule is
// disabled or deleted, matching nothing so no new creators instantiate.
type disabledRule struct{ id string }

func (d *disabledRule) FieldPatterns() map[string]*regexp.Regexp { return nil }
func (d *disabledRule) FieldID(field string) string              { return d.id + ":" + field }
func (d *disabledRule) GroupID(group string) string              { return d.id + ":" + group }
func (d *disabledRule) FieldGroups(field string) []string        { return nil }
func (d *disabledRule) AllGroups() []string                      { return nil }
func (d *disabledRule) FieldShape(field string) core.FieldShape  { return core.Absent }

func (d *disabledRule) Paths(raw core.RawInputData, groups core.GroupValues) (core.ResolvedInputData, core.OutputPaths, error) {
	return nil, nil, fmt.Errorf("rule %s is disabled", d.id)
}

func (d *disabledRule) Categories(resolved core.ResolvedInputData, outputs core.OutputPaths) string {
	return ""
}

func (d *disabledRule) Run(resolved core.ResolvedInputData, outputs core.OutputPaths) error {
	return fmt.Errorf("rule %s is disabled", d.id)
}
