package core

import (
	"math"
	"os"
	"time"
)

// StalenessOracle decides whether a creator must run, based on file
// existence and recursive mtime aggregation over possibly-directory
// inputs/outputs. It performs no caching: every call re-stats disk.
type StalenessOracle struct {
	// stat is overridable in tests to simulate filesystem states without
	// touching real disk.
	stat func(path string) (os.FileInfo, error)
}

// NewStalenessOracle builds an oracle backed by the real filesystem.
func NewStalenessOracle() *StalenessOracle {
	return &StalenessOracle{stat: os.Stat}
}

// MustRun implements the three-step decision in the spec:
//  1. any output missing -> true
//  2. compare newest_input against oldest_output, with directories
//     expanding (transitively) to their children
//  3. stale iff oldest_output <= newest_input (non-strict: ties rebuild)
func (o *StalenessOracle) MustRun(inputs, outputs []string) bool {
	for _, out := range outputs {
		if _, err := o.stat(out); err != nil {
			return true
		}
	}

	newestInput := o.aggregate(inputs, true)
	oldestOutput := o.aggregate(outputs, false)

	return !oldestOutput.After(newestInput)
}

// aggregate walks a worklist of paths, expanding directories to their
// immediate children (the children are appended back to the worklist, so
// expansion is effectively transitive), and folds every file's mtime with
// max (newest) or min (oldest) depending on direction. Missing paths
// substitute +inf for "newest" aggregation and the zero time for "oldest"
// aggregation. If nothing was collected, the same defaults apply.
func (o *StalenessOracle) aggregate(paths []string, newest bool) time.Time {
	var (
		best    time.Time
		found   bool
		worklist = append([]string(nil), paths...)
	)

	for len(worklist) > 0 {
		p := worklist[0]
		worklist = worklist[1:]

		info, err := o.stat(p)
		if err != nil {
			mt := missingMtime(newest)
			best = fold(best, mt, found, newest)
			found = true
			continue
		}

		if info.IsDir() {
			entries, err := os.ReadDir(p)
			if err != nil {
				mt := missingMtime(newest)
				best = fold(best, mt, found, newest)
				found = true
				continue
			}
			for _, e := range entries {
				worklist = append(worklist, p+string(os.PathSeparator)+e.Name())
			}
			continue
		}

		best = fold(best, info.ModTime(), found, newest)
		found = true
	}

	if !found {
		return defaultMtime(newest)
	}
	return best
}

func fold(acc, candidate time.Time, haveAcc, newest bool) time.Time {
	if !haveAcc {
		return candidate
	}
	if newest {
		if candidate.After(acc) {
			return candidate
		}
		return acc
	}
	if candidate.Before(acc) {
		return candidate
	}
	return acc
}

// missingMtime is the per-missing-file substitute used while folding:
// +inf for newest-input aggregation, 0 for oldest-output aggregation.
func missingMtime(newest bool) time.Time {
	return defaultMtime(newest)
}

// defaultMtime is the fallback used when aggregation collected nothing at
// all (e.g. an input list is empty).
func defaultMtime(newest bool) time.Time {
	if newest {
		return time.Unix(0, math.MaxInt64)
	}
	return time.Time{}
}
