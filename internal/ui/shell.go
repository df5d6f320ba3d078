package ui

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/foundryhq/weft/internal/config"
	"github.com/foundryhq/weft/internal/core"
	"github.com/foundryhq/weft/internal/hooks"
	"github.com/foundryhq/weft/internal/run"
	"github.com/foundryhq/weft/internal/vcs"
)

// Shell is the interactive REPL over a running scheduler, grounded on the
// teacher's Chat readline loop with LLM-specific handling replaced by
// scheduler commands.
type Shell struct {
	engine    *config.Engine
	scheduler *core.Scheduler
	runs      *run.Manager
	git       *vcs.Manager
	guard     *hooks.CycleGuard

	rl *readline.Instance

	mu              sync.Mutex
	producedOutputs []string

	shutdownOnce sync.Once
}

// NewShell constructs a shell over an already-initialized scheduler. It
// registers a single scheduler listener for the shell's lifetime, rather
// than one per drain, so run-observation callbacks never accumulate
// across repeated "add" commands. guard may be nil if no cycle guard is
// wired.
func NewShell(engine *config.Engine, scheduler *core.Scheduler, runs *run.Manager, git *vcs.Manager, guard *hooks.CycleGuard) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mweft>\033[0m ",
		HistoryFile:     ".weft/history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("readline: %w", err)
	}

	s := &Shell{engine: engine, scheduler: scheduler, runs: runs, git: git, guard: guard, rl: rl}

	scheduler.OnEvent(func(event string, data map[string]interface{}) error {
		switch event {
		case "creator_ran":
			return s.runs.ObserveCreatorRan(event, data)
		case "output_created":
			if path, ok := data["path"].(string); ok {
				s.mu.Lock()
				s.producedOutputs = append(s.producedOutputs, path)
				s.mu.Unlock()
			}
		}
		return nil
	})

	return s, nil
}

// Run starts the REPL loop until exit or EOF.
func (s *Shell) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		s.shutdown()
	}()

	s.printWelcome()

	for {
		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			return err
		}

		cmd := ParseCommand(line)
		if cmd == nil {
			continue
		}

		if err := s.handle(cmd); err != nil {
			fmt.Printf("\033[31merror: %v\033[0m\n", err)
		}
		if cmd.Type == CommandExit {
			break
		}
	}

	s.shutdown()
	return nil
}

func (s *Shell) handle(cmd *Command) error {
	switch cmd.Type {
	case CommandExit:
		return nil

	case CommandHelp:
		s.printHelp()
		return nil

	case CommandAdd:
		if len(cmd.Args) == 0 {
			return fmt.Errorf("usage: add <path> [path...]")
		}
		return s.runDrain(cmd.Args)

	case CommandRemove:
		if len(cmd.Args) == 0 {
			return fmt.Errorf("usage: rm <path> [path...]")
		}
		if err := s.scheduler.DeleteFiles(cmd.Args); err != nil {
			return err
		}
		fmt.Printf("removed %d path(s)\n", len(cmd.Args))
		return nil

	case CommandStatus:
		return s.printStatus()

	case CommandHistory:
		n := 10
		if len(cmd.Args) > 0 {
			if parsed, err := strconv.Atoi(cmd.Args[0]); err == nil {
				n = parsed
			}
		}
		return s.printHistory(n)

	case CommandDebug:
		guardCap := s.engine.GetConfigInt("cycle_guard_cap")
		fmt.Printf("cycle_guard_cap=%d db=%s\n", guardCap, s.engine.Path())
		return nil

	default:
		fmt.Printf("unrecognized command: %q (try 'help')\n", cmd.Raw)
		return nil
	}
}

// runDrain runs one AddOrUpdateFiles pass through the scheduler, recording
// a run history row and optionally auto-committing produced outputs.
func (s *Shell) runDrain(paths []string) error {
	branch, _ := s.git.CurrentBranch()
	commit, _ := s.git.CurrentCommit()

	runID, err := s.runs.Begin(paths, branch, commit)
	if err != nil {
		return err
	}

	if s.guard != nil {
		s.guard.Reset()
	}
	s.mu.Lock()
	s.producedOutputs = nil
	s.mu.Unlock()

	if err := s.scheduler.AddOrUpdateFiles(paths); err != nil {
		_ = s.runs.End()
		return err
	}
	if err := s.runs.End(); err != nil {
		return err
	}

	s.mu.Lock()
	produced := s.producedOutputs
	s.mu.Unlock()

	fmt.Printf("run %s: %d output(s) produced\n", runID, len(produced))

	if s.engine.GetConfigBool("auto_commit") && len(produced) > 0 {
		hash, err := s.git.AutoCommit(produced, runID)
		if err != nil {
			fmt.Printf("\033[33mauto-commit skipped: %v\033[0m\n", err)
		} else {
			fmt.Printf("committed %s\n", hash)
		}
	}

	return nil
}

func (s *Shell) printStatus() error {
	creators := s.scheduler.Creators()
	fmt.Printf("%d creator(s) registered\n", len(creators))
	for id, c := range creators {
		fmt.Printf("  %s  [%s]  inputs=%d outputs=%d\n", id.String(), c.Categories, len(c.InputPaths()), len(c.OutputPaths()))
	}
	return nil
}

func (s *Shell) printHistory(n int) error {
	records, err := s.runs.History(n)
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Printf("%s  started=%s  creators_run=%d\n", r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), len(r.CreatorsRun))
	}
	return nil
}

func (s *Shell) printWelcome() {
	fmt.Println("weft — incremental file-driven build scheduler")
	fmt.Println("type 'help' for commands, 'exit' to quit")
}

func (s *Shell) printHelp() {
	fmt.Println(strings.TrimSpace(`
add <path>...     seed one or more files into the scheduler and drain
rm <path>...      remove files, tearing down creators that consume them
status            list currently registered creators
history [n]       show the last n drain records (default 10)
debug             print the current cycle guard cap and database path
help              show this message
exit              quit
`))
}

func (s *Shell) shutdown() {
	s.shutdownOnce.Do(func() {
		s.rl.Close()
	})
}
