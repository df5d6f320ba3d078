// Package config provides the SQLite-backed engine that every ambient
// component shares: hot-reloadable configuration, the producer rule table,
// the hook/module tables, and build-run history all live in one database.
package config

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"
)

// Engine is the shared SQL handle with hot-reload capabilities. Producer
// rules, hooks, run history, and configuration all live in its schema.
type Engine struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex

	watchers []func(event string)
	ctx      context.Context
	cancel   context.CancelFunc

	configVersion int64
	reloadCh      chan struct{}
}

// NewEngine opens (or creates) the database at dbPath. An empty dbPath
// creates a session-scoped database under .weft/.
func NewEngine(dbPath string) (*Engine, error) {
	if dbPath == "" {
		stateDir := ".weft"
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		dbPath = filepath.Join(stateDir, fmt.Sprintf("run_%s.db", timestamp))
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		db:       db,
		dbPath:   dbPath,
		ctx:      ctx,
		cancel:   cancel,
		reloadCh: make(chan struct{}, 1),
	}

	if err := e.initSchema(); err != nil {
		db.Close()
		cancel()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	go e.watchConfig()

	return e, nil
}

// DB returns the underlying connection for direct queries. The ambient
// packages in this module go through Exec/Query/QueryRow instead.
func (e *Engine) DB() *sql.DB { return e.db }

// Path returns the database file path.
func (e *Engine) Path() string { return e.dbPath }

func (e *Engine) initSchema() error {
	schema := `
	-- Hot-reloadable configuration
	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		type TEXT DEFAULT 'string' CHECK (type IN ('string', 'int', 'bool', 'json')),
		description TEXT,
		updated_at INTEGER DEFAULT (strftime('%s', 'now')),
		version INTEGER DEFAULT 1
	);

	CREATE TRIGGER IF NOT EXISTS config_version_bump
	AFTER UPDATE ON config
	BEGIN
		UPDATE config SET version = version + 1, updated_at = strftime('%s', 'now') WHERE key = NEW.key;
	END;

	-- Producer rules: the hot-reloadable producer registry backing store
	CREATE TABLE IF NOT EXISTS producer_rules (
		rule_id TEXT PRIMARY KEY,
		fields_json TEXT NOT NULL,
		output_template_json TEXT NOT NULL,
		categories TEXT DEFAULT '',
		action_template TEXT NOT NULL,
		enabled INTEGER DEFAULT 1,
		priority INTEGER DEFAULT 100,
		created_at INTEGER DEFAULT (strftime('%s', 'now')),
		updated_at INTEGER DEFAULT (strftime('%s', 'now')),
		version INTEGER DEFAULT 1
	);

	CREATE TRIGGER IF NOT EXISTS producer_rules_version_bump
	AFTER UPDATE ON producer_rules
	BEGIN
		UPDATE producer_rules SET version = version + 1, updated_at = strftime('%s', 'now') WHERE rule_id = NEW.rule_id;
	END;

	-- Hook modules and their event hooks (schema only; hooks.Manager keeps its handlers in memory)
	CREATE TABLE IF NOT EXISTS hook_modules (
		module_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version TEXT DEFAULT '1.0.0',
		enabled INTEGER DEFAULT 1,
		priority INTEGER DEFAULT 100,
		config TEXT DEFAULT '{}',
		created_at INTEGER DEFAULT (strftime('%s', 'now')),
		updated_at INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE TABLE IF NOT EXISTS hooks (
		hook_id TEXT PRIMARY KEY,
		module_id TEXT NOT NULL,
		event TEXT NOT NULL,
		handler TEXT NOT NULL,
		priority INTEGER DEFAULT 100,
		enabled INTEGER DEFAULT 1,
		config TEXT DEFAULT '{}',

		FOREIGN KEY(module_id) REFERENCES hook_modules(module_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_hooks_event ON hooks(event, enabled, priority);

	-- Runs: one row per process_files drain (run.Manager)
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		files_seeded TEXT DEFAULT '[]',
		creators_run TEXT DEFAULT '[]',
		git_branch TEXT,
		git_commit_start TEXT
	);

	-- Per-creator run/skip telemetry (hooks.RunStats)
	CREATE TABLE IF NOT EXISTS creator_stats (
		identity TEXT PRIMARY KEY,
		run_count INTEGER DEFAULT 0,
		skip_count INTEGER DEFAULT 0,
		last_ran_at INTEGER
	);

	-- Default config
	INSERT OR IGNORE INTO config (key, value, type, description) VALUES
	('auto_commit', 'false', 'bool', 'Commit produced outputs to git after each drain'),
	('cycle_guard_cap', '100', 'int', 'Max times a single creator may run within one drain'),
	('watch_debounce_ms', '200', 'int', 'Debounce window for filesystem watch events'),
	('debug_mode', 'false', 'bool', 'Enable verbose debug output');
	`

	_, err := e.db.Exec(schema)
	return err
}

// watchConfig polls the highest version counter across the config and
// producer_rules tables once a second and notifies watchers when it rises:
// on the first poll after start, and after an UPDATE of an existing row.
// Inserting a new row (version 1) or deleting a row does not raise it and
// is not signalled by itself.
func (e *Engine) watchConfig() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			var maxVersion int64
			if err := e.db.QueryRow(`
				SELECT COALESCE(MAX(v), 0) FROM (
					SELECT MAX(version) AS v FROM config
					UNION ALL
					SELECT MAX(version) AS v FROM producer_rules
				)
			`).Scan(&maxVersion); err != nil {
				continue
			}

			if maxVersion > e.configVersion {
				e.configVersion = maxVersion
				e.notifyWatchers("config_changed")
				select {
				case e.reloadCh <- struct{}{}:
				default:
				}
			}
		}
	}
}

// OnChange registers a callback invoked (in its own goroutine) each time
// watchConfig sees the config/producer_rules version counter rise.
func (e *Engine) OnChange(fn func(event string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watchers = append(e.watchers, fn)
}

func (e *Engine) notifyWatchers(event string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, fn := range e.watchers {
		go fn(event)
	}
}

// ReloadCh receives a value whenever a hot-reloadable table changes.
func (e *Engine) ReloadCh() <-chan struct{} { return e.reloadCh }

// configKeys is the closed set of keys SetConfig accepts, unlike the
// teacher's free-form per-session settings: weft's config rows are a fixed
// set of scheduler-wide knobs declared at schema init time (see
// initSchema's "Default config" insert), not arbitrary user key-value
// pairs, so a typo or a stale flag name fails loudly instead of silently
// inserting a row nothing ever reads.
var configKeys = map[string]string{
	"auto_commit":       "bool",
	"cycle_guard_cap":   "int",
	"watch_debounce_ms": "int",
	"debug_mode":        "bool",
}

// GetConfig retrieves a config value, "" if unset.
func (e *Engine) GetConfig(key string) (string, error) {
	var value string
	err := e.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig sets a known config key's value, bumping its hot-reload
// version. It rejects unknown keys and values that don't parse as the
// key's declared type, since every weft config key is predeclared in
// initSchema rather than created ad hoc.
func (e *Engine) SetConfig(key, value string) error {
	kind, known := configKeys[key]
	if !known {
		return fmt.Errorf("set config: unknown key %q", key)
	}
	switch kind {
	case "bool":
		if value != "true" && value != "false" && value != "1" && value != "0" {
			return fmt.Errorf("set config: key %q wants a bool, got %q", key, value)
		}
	case "int":
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err != nil {
			return fmt.Errorf("set config: key %q wants an int, got %q", key, value)
		}
	}

	_, err := e.db.Exec(`
		INSERT INTO config (key, value, type, updated_at) VALUES (?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = strftime('%s', 'now'), version = version + 1
	`, key, value, kind)
	return err
}

// GetConfigBool retrieves a boolean config value.
func (e *Engine) GetConfigBool(key string) bool {
	val, _ := e.GetConfig(key)
	return val == "true" || val == "1"
}

// GetConfigInt retrieves an integer config value.
func (e *Engine) GetConfigInt(key string) int {
	val, _ := e.GetConfig(key)
	var i int
	fmt.Sscanf(val, "%d", &i)
	return i
}

// Close shuts the engine down, checkpointing the WAL first.
func (e *Engine) Close() error {
	e.cancel()
	_, _ = e.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return e.db.Close()
}

// WatchFile watches a single file for writes and invokes callback on each
// one. Nothing in this module calls it.
func (e *Engine) WatchFile(path string, callback func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-e.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					callback()
				}
			case <-watcher.Errors:
			}
		}
	}()

	return watcher.Add(path)
}

// Exec runs a statement and returns rows affected.
func (e *Engine) Exec(query string, args ...interface{}) (int64, error) {
	result, err := e.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Query runs a query and returns rows.
func (e *Engine) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return e.db.Query(query, args...)
}

// QueryRow runs a query returning a single row.
func (e *Engine) QueryRow(query string, args ...interface{}) *sql.Row {
	return e.db.QueryRow(query, args...)
}
