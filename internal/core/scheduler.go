package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
)

// EventFunc observes scheduler lifecycle events. A non-nil error aborts the
// drain currently in progress and is propagated to the caller of
// AddOrUpdateFiles/process_files — this is how hooks.CycleGuard turns a
// runaway producer into a Cycle-Detected error instead of an infinite loop.
type EventFunc func(event string, data map[string]interface{}) error

// Scheduler orchestrates the whole engine: it ingests file events,
// materializes creators from the MatchStore, drives the DirtyHeap to
// fixpoint, and invokes creator actions. It owns the MatchStore,
// CreatorGraph and DirtyHeap exclusively; no external observer may read
// them during a drain.
type Scheduler struct {
	mu sync.Mutex

	producers []Producer
	store     *MatchStore
	graph     *CreatorGraph
	heap      *DirtyHeap
	oracle    *StalenessOracle

	mkdirAll  func(dir string) error
	listeners []EventFunc
}

// NewScheduler constructs a scheduler over producers, backed by a
// MatchStore at dsn (empty dsn for an in-memory store).
func NewScheduler(producers []Producer, dsn string) (*Scheduler, error) {
	store, err := NewMatchStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := store.InitTables(producers); err != nil {
		store.Close()
		return nil, err
	}

	return &Scheduler{
		producers: producers,
		store:     store,
		graph:     NewCreatorGraph(),
		heap:      NewDirtyHeap(),
		oracle:    NewStalenessOracle(),
		mkdirAll:  func(dir string) error { return os.MkdirAll(dir, 0o755) },
	}, nil
}

// New constructs a scheduler and runs the initial AddOrUpdateFiles pass, as
// the spec's Scheduler.new(producers, initial_paths) does.
func New(producers []Producer, dsn string, initialPaths []string) (*Scheduler, error) {
	s, err := NewScheduler(producers, dsn)
	if err != nil {
		return nil, err
	}
	if err := s.AddOrUpdateFiles(initialPaths); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying MatchStore database handle.
func (s *Scheduler) Close() error {
	return s.store.Close()
}

// UpdateProducers replaces the scheduler's live producer list, e.g. after a
// hot reload of producer rules. The caller (producer.Registry) is
// responsible for keeping producer indexes stable across reloads — this
// only swaps the slice and extends the MatchStore schema for any newly
// appended producers (InitTables' CREATE TABLE IF NOT EXISTS leaves
// existing tables untouched), under the same lock AddOrUpdateFiles and
// DeleteFiles use so a reload never races a drain.
func (s *Scheduler) UpdateProducers(producers []Producer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.InitTables(producers); err != nil {
		return err
	}
	s.producers = producers
	return nil
}

// OnEvent registers an observer. Observers are called in registration
// order; listeners are expected not to mutate scheduler state themselves.
func (s *Scheduler) OnEvent(fn EventFunc) {
	s.listeners = append(s.listeners, fn)
}

func (s *Scheduler) emit(event string, data map[string]interface{}) error {
	for _, fn := range s.listeners {
		if err := fn(event, data); err != nil {
			return err
		}
	}
	return nil
}

// Creators returns a snapshot of every currently-registered creator,
// keyed by identity. For observability only; never mutated in place by
// callers.
func (s *Scheduler) Creators() map[Identity]*Creator {
	out := make(map[Identity]*Creator, len(s.graph.creators))
	for id, c := range s.graph.creators {
		out[id] = c
	}
	return out
}

// matchAtStart mirrors the ground truth's re.match(pattern, path): the
// pattern must match beginning at position 0 of path (it need not consume
// the whole string). Go's regexp only exposes unanchored search, so the
// match location is checked explicitly rather than relying on FindString*
// to anchor on its own.
func matchAtStart(re *regexp.Regexp, path string) []string {
	loc := re.FindStringSubmatchIndex(path)
	if loc == nil || loc[0] != 0 {
		return nil
	}
	match := make([]string, len(loc)/2)
	for i := 0; i < len(loc); i += 2 {
		if loc[i] >= 0 {
			match[i/2] = path[loc[i]:loc[i+1]]
		}
	}
	return match
}

// matchesAtStart is the boolean form of matchAtStart, used where no
// capture groups are needed.
func matchesAtStart(re *regexp.Regexp, path string) bool {
	loc := re.FindStringIndex(path)
	return loc != nil && loc[0] == 0
}

func namedGroups(re *regexp.Regexp, match []string) GroupValues {
	groups := make(GroupValues)
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		groups[name] = match[i]
	}
	return groups
}

func canonicalMatchKey(groups GroupValues) (string, error) {
	data, err := json.Marshal(groups)
	if err != nil {
		return "", fmt.Errorf("canonicalize match key: %w", err)
	}
	return string(data), nil
}

// AddOrUpdateFiles is phase 1 (materialize) followed by phase 2 (drain to
// fixpoint) over paths.
func (s *Scheduler) AddOrUpdateFiles(paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buildNewCreators(paths); err != nil {
		return err
	}
	return s.processFiles(paths)
}

// buildNewCreators is phase 1 in isolation: it updates the MatchStore and
// CreatorGraph for paths without draining the DirtyHeap. It is also called
// recursively from processFiles, once per produced output batch, so
// downstream producers see freshly-created outputs as potential inputs
// before the current creator's action actually runs.
func (s *Scheduler) buildNewCreators(paths []string) error {
	touched := make(map[Identity]struct{})
	for _, p := range paths {
		for _, id := range s.graph.CreatorsConsuming(p) {
			touched[id] = struct{}{}
		}
	}
	for id := range touched {
		if err := s.graph.Unregister(id); err != nil {
			return err
		}
	}

	for p, prod := range s.producers {
		for field, re := range prod.FieldPatterns() {
			for _, path := range paths {
				m := matchAtStart(re, path)
				if m == nil {
					continue
				}
				groups := namedGroups(re, m)
				if err := s.store.Remove(p, field, path); err != nil {
					return err
				}
				if err := s.store.Insert(p, field, path, groups); err != nil {
					return err
				}
			}
		}
	}

	for p, prod := range s.producers {
		filesets, err := s.store.QueryFilesets(p)
		if err != nil {
			return err
		}

		for _, fs := range filesets {
			matchKey, err := canonicalMatchKey(fs.Groups)
			if err != nil {
				return err
			}
			id := Identity{ProducerIndex: p, MatchKey: matchKey}

			resolved, outputs, err := prod.Paths(fs.Raw, fs.Groups)
			if err != nil {
				return err
			}
			categories := prod.Categories(resolved, outputs)

			creator := &Creator{
				Identity:   id,
				Producer:   prod,
				Inputs:     resolved,
				Outputs:    outputs,
				Categories: categories,
			}

			if _, exists := s.graph.Get(id); exists {
				if err := s.graph.Unregister(id); err != nil {
					return err
				}
			}
			if err := s.graph.Register(creator); err != nil {
				return err
			}
			if err := s.emit("creator_registered", map[string]interface{}{"identity": id}); err != nil {
				return err
			}
		}
	}

	return s.store.ClearUpdated()
}

// processFiles is phase 2: seed the DirtyHeap with every creator consuming
// any path in paths, then drain to fixpoint.
func (s *Scheduler) processFiles(paths []string) error {
	for _, p := range paths {
		for _, id := range s.graph.CreatorsConsuming(p) {
			s.heap.Push(id)
			if err := s.emit("creator_dirty", map[string]interface{}{"identity": id}); err != nil {
				return err
			}
		}
	}

	for {
		id, ok := s.heap.Pop()
		if !ok {
			break
		}

		creator, ok := s.graph.Get(id)
		if !ok {
			continue // torn down by a prior iteration of this same drain
		}

		inputs := creator.InputPaths()
		outputs := creator.OutputPaths()

		if !s.oracle.MustRun(inputs, outputs) {
			if err := s.emit("creator_skipped", map[string]interface{}{"identity": id}); err != nil {
				return err
			}
			continue
		}

		if err := s.emit("creator_ran", map[string]interface{}{"identity": id}); err != nil {
			return err
		}

		// Recursive Phase 1 over this creator's outputs: downstream
		// producers must see them as potential inputs before the action
		// below actually creates them on disk. This may destroy and
		// rebuild the current identity.
		if err := s.buildNewCreators(outputs); err != nil {
			return err
		}

		for _, out := range outputs {
			for _, consumer := range s.graph.CreatorsConsuming(out) {
				s.heap.Push(consumer)
				if err := s.emit("creator_dirty", map[string]interface{}{"identity": consumer}); err != nil {
					return err
				}
			}
		}

		creator, stillExists := s.graph.Get(id)
		if !stillExists {
			continue
		}

		for _, out := range creator.OutputPaths() {
			if err := s.mkdirAll(filepath.Dir(out)); err != nil {
				return fmt.Errorf("create output directory for %q: %w", out, err)
			}
		}

		if err := creator.Producer.Run(creator.Inputs, creator.Outputs); err != nil {
			return fmt.Errorf("producer action failed for %s: %w", id, err)
		}

		for _, out := range creator.OutputPaths() {
			if err := s.emit("output_created", map[string]interface{}{"path": out}); err != nil {
				return err
			}
		}
	}

	return nil
}

// DeleteFiles unregisters every creator consuming any of paths, then
// removes the paths from every matching MatchStore table. No
// re-materialization pass follows: deleted files do not synthesize new
// creators.
func (s *Scheduler) DeleteFiles(paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[Identity]struct{})
	for _, p := range paths {
		for _, id := range s.graph.CreatorsConsuming(p) {
			touched[id] = struct{}{}
		}
	}
	for id := range touched {
		if err := s.graph.Unregister(id); err != nil {
			return err
		}
	}

	for p, prod := range s.producers {
		for field, re := range prod.FieldPatterns() {
			for _, path := range paths {
				if matchesAtStart(re, path) {
					if err := s.store.Remove(p, field, path); err != nil {
						return err
					}
				}
			}
		}
	}

	return nil
}

// sortedIdentities returns the identities in ids in the DirtyHeap's own
// (producer_index, match_key) order. It is unexported and currently has no
// caller.
func sortedIdentities(ids map[Identity]struct{}) []Identity {
	out := make([]Identity, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
