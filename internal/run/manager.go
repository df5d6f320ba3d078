// Package run persists one history row per drain (one AddOrUpdateFiles
// call), grounded on the teacher's session.Manager lifecycle pattern.
package run

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/foundryhq/weft/internal/config"
	"github.com/foundryhq/weft/internal/core"
	"github.com/google/uuid"
)

// Manager records drain lifecycle into the engine's runs table.
type Manager struct {
	engine    *config.Engine
	currentID string

	seededFiles []string
	creatorsRun []string
}

// NewManager constructs a run history manager.
func NewManager(engine *config.Engine) *Manager {
	return &Manager{engine: engine}
}

// Record describes one persisted drain.
type Record struct {
	ID             string    `json:"run_id"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	FilesSeeded    []string  `json:"files_seeded"`
	CreatorsRun    []string  `json:"creators_run"`
	GitBranch      string    `json:"git_branch,omitempty"`
	GitCommitStart string    `json:"git_commit_start,omitempty"`
}

// Begin starts a new drain record, returning its run id.
func (m *Manager) Begin(seededFiles []string, gitBranch, gitCommitStart string) (string, error) {
	runID := uuid.New().String()
	seededJSON, err := json.Marshal(seededFiles)
	if err != nil {
		return "", fmt.Errorf("marshal seeded files: %w", err)
	}

	_, err = m.engine.Exec(`
		INSERT INTO runs (run_id, started_at, files_seeded, creators_run, git_branch, git_commit_start)
		VALUES (?, strftime('%s', 'now'), ?, '[]', ?, ?)
	`, runID, string(seededJSON), gitBranch, gitCommitStart)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}

	m.currentID = runID
	m.seededFiles = seededFiles
	m.creatorsRun = nil
	return runID, nil
}

// ObserveCreatorRan is a hooks-compatible handler function that appends
// the identity to the in-progress run's creators_run list; wire it to the
// scheduler's "creator_ran" event (directly, or through hooks.Manager).
func (m *Manager) ObserveCreatorRan(event string, data map[string]interface{}) error {
	identity, ok := data["identity"].(core.Identity)
	if !ok {
		return fmt.Errorf("run manager: event %q missing identity", event)
	}
	m.creatorsRun = append(m.creatorsRun, identity.String())
	return nil
}

// End finalizes the current run record with its ended_at timestamp and
// accumulated creators_run list.
func (m *Manager) End() error {
	if m.currentID == "" {
		return fmt.Errorf("run manager: no run in progress")
	}

	creatorsJSON, err := json.Marshal(m.creatorsRun)
	if err != nil {
		return fmt.Errorf("marshal creators run: %w", err)
	}

	_, err = m.engine.Exec(`
		UPDATE runs SET ended_at = strftime('%s', 'now'), creators_run = ? WHERE run_id = ?
	`, string(creatorsJSON), m.currentID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}

	m.currentID = ""
	return nil
}

// History returns the most recent n run records, newest first.
func (m *Manager) History(n int) ([]Record, error) {
	rows, err := m.engine.Query(`
		SELECT run_id, started_at, COALESCE(ended_at, 0), files_seeded, creators_run,
		       COALESCE(git_branch, ''), COALESCE(git_commit_start, '')
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("query run history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var startedUnix, endedUnix int64
		var seededJSON, creatorsJSON string

		if err := rows.Scan(&r.ID, &startedUnix, &endedUnix, &seededJSON, &creatorsJSON, &r.GitBranch, &r.GitCommitStart); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}

		r.StartedAt = time.Unix(startedUnix, 0)
		if endedUnix > 0 {
			r.EndedAt = time.Unix(endedUnix, 0)
		}
		if err := json.Unmarshal([]byte(seededJSON), &r.FilesSeeded); err != nil {
			return nil, fmt.Errorf("unmarshal files_seeded: %w", err)
		}
		if err := json.Unmarshal([]byte(creatorsJSON), &r.CreatorsRun); err != nil {
			return nil, fmt.Errorf("unmarshal creators_run: %w", err)
		}

		out = append(out, r)
	}
	return out, rows.Err()
}
