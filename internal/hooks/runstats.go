package hooks

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/foundryhq/weft/internal/config"
	"github.com/foundryhq/weft/internal/core"
)

// RunStats records per-creator run/skip counters into the engine's
// creator_stats table, grounded on the teacher's LearningModule
// confidence-tracking pattern (observe outcomes, persist a rolling tally
// keyed by identity).
type RunStats struct {
	engine *config.Engine
}

// NewRunStats constructs a run-stats hook writing through engine.
func NewRunStats(engine *config.Engine) *RunStats {
	return &RunStats{engine: engine}
}

// Handlers returns every hooks.Handler this component registers.
func (r *RunStats) Handlers() []*Handler {
	return []*Handler{
		{Name: "run-stats-ran", Event: "creator_ran", Priority: 100, Fn: r.onCreatorRan},
		{Name: "run-stats-skipped", Event: "creator_skipped", Priority: 100, Fn: r.onCreatorSkipped},
	}
}

func (r *RunStats) onCreatorRan(event string, data map[string]interface{}) error {
	identity, ok := data["identity"].(core.Identity)
	if !ok {
		return fmt.Errorf("run stats: event %q missing identity", event)
	}

	_, err := r.engine.Exec(`
		INSERT INTO creator_stats (identity, run_count, last_ran_at)
		VALUES (?, 1, strftime('%s', 'now'))
		ON CONFLICT(identity) DO UPDATE SET
			run_count = run_count + 1,
			last_ran_at = strftime('%s', 'now')
	`, identity.String())
	return err
}

func (r *RunStats) onCreatorSkipped(event string, data map[string]interface{}) error {
	identity, ok := data["identity"].(core.Identity)
	if !ok {
		return fmt.Errorf("run stats: event %q missing identity", event)
	}

	_, err := r.engine.Exec(`
		INSERT INTO creator_stats (identity, skip_count)
		VALUES (?, 1)
		ON CONFLICT(identity) DO UPDATE SET skip_count = skip_count + 1
	`, identity.String())
	return err
}

// Summary returns the persisted run/skip counts for one identity.
type Summary struct {
	RunCount  int
	SkipCount int
}

// Get reads back the persisted stats for an identity, zero-value if none.
func (r *RunStats) Get(identity core.Identity) (Summary, error) {
	var s Summary
	err := r.engine.QueryRow(`
		SELECT run_count, skip_count FROM creator_stats WHERE identity = ?
	`, identity.String()).Scan(&s.RunCount, &s.SkipCount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s, err
	}
	return s, nil
}
