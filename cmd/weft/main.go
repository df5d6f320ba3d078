// weft - incremental file-driven build scheduler
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/foundryhq/weft/internal/config"
	"github.com/foundryhq/weft/internal/core"
	"github.com/foundryhq/weft/internal/fswalk"
	"github.com/foundryhq/weft/internal/hooks"
	"github.com/foundryhq/weft/internal/producer"
	"github.com/foundryhq/weft/internal/run"
	"github.com/foundryhq/weft/internal/ui"
	"github.com/foundryhq/weft/internal/vcs"
	"github.com/foundryhq/weft/internal/watch"
)

const version = "0.1.0"

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version")
		dbPath      = flag.String("db", "", "Database path (default: auto-generated in .weft/)")
		watchRoot   = flag.String("watch", "", "Directory to watch for changes (disables one-shot mode)")
		seedRoot    = flag.String("seed", ".", "Directory to seed initial files from")
		debug       = flag.Bool("debug", false, "Enable debug mode")
		autoCommit  = flag.Bool("auto-commit", false, "Commit produced outputs to git after each drain")
		interactive = flag.Bool("shell", false, "Start the interactive shell instead of a one-shot run")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `weft v%s - incremental file-driven build scheduler

Usage: weft [options]

Options:
`, version)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  weft                       Seed from . and run once
  weft --watch ./src         Watch a directory and drain on every change
  weft --shell               Start the interactive shell
`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("weft v%s\n", version)
		return
	}

	engine, err := config.NewEngine(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	if *debug {
		if err := engine.SetConfig("debug_mode", "true"); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
	if *autoCommit {
		if err := engine.SetConfig("auto_commit", "true"); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	registry, err := producer.NewRegistry(engine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load producer rules: %v\n", err)
		os.Exit(1)
	}

	scheduler, err := core.NewScheduler(registry.Producers(), engine.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: create scheduler: %v\n", err)
		os.Exit(1)
	}
	defer scheduler.Close()

	// Keep the live scheduler's producer list in sync with hot-reloaded
	// producer_rules: editing the rule table while --watch/--shell is
	// running takes effect on the next reload, not just at process start.
	registry.OnReload(func(producers []core.Producer) {
		if err := scheduler.UpdateProducers(producers); err != nil {
			fmt.Fprintf(os.Stderr, "error: apply hot-reloaded producer rules: %v\n", err)
		}
	})

	hookMgr := hooks.NewManager()
	guard := hooks.NewCycleGuard(engine.GetConfigInt("cycle_guard_cap"))
	hookMgr.Register(guard.Handler())
	stats := hooks.NewRunStats(engine)
	for _, h := range stats.Handlers() {
		hookMgr.Register(h)
	}
	scheduler.OnEvent(hookMgr.EventFunc())

	runs := run.NewManager(engine)
	gitMgr := vcs.NewManager("")

	if *interactive {
		shell, err := ui.NewShell(engine, scheduler, runs, gitMgr, guard)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if err := shell.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	initialPaths, err := fswalk.AllPathsInDir(*seedRoot, []string{".git", ".weft"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: walk seed root: %v\n", err)
		os.Exit(1)
	}

	branch, _ := gitMgr.CurrentBranch()
	commit, _ := gitMgr.CurrentCommit()
	runID, err := runs.Begin(initialPaths, branch, commit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: begin run: %v\n", err)
		os.Exit(1)
	}
	guard.Reset()

	var produced []string
	scheduler.OnEvent(func(event string, data map[string]interface{}) error {
		switch event {
		case "creator_ran":
			return runs.ObserveCreatorRan(event, data)
		case "output_created":
			if path, ok := data["path"].(string); ok {
				produced = append(produced, path)
			}
		}
		return nil
	})

	if err := scheduler.AddOrUpdateFiles(initialPaths); err != nil {
		_ = runs.End()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := runs.End(); err != nil {
		fmt.Fprintf(os.Stderr, "error: end run: %v\n", err)
	}

	fmt.Printf("run %s: %d output(s) produced from %d seeded file(s)\n", runID, len(produced), len(initialPaths))

	if engine.GetConfigBool("auto_commit") && len(produced) > 0 {
		if hash, err := gitMgr.AutoCommit(produced, runID); err != nil {
			fmt.Fprintf(os.Stderr, "auto-commit skipped: %v\n", err)
		} else {
			fmt.Printf("committed %s\n", hash)
		}
	}

	if *watchRoot != "" {
		debounce := time.Duration(engine.GetConfigInt("watch_debounce_ms")) * time.Millisecond
		w, err := watch.New(scheduler, *watchRoot, debounce, []string{".git", ".weft"})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: start watcher: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		w.OnDrainStart(guard.Reset)

		fmt.Printf("watching %s (debounce=%s)\n", *watchRoot, debounce)
		if err := w.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}
