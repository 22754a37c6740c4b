// Package coverage merges the engine's test results and combined coverage
// snapshots and answers line-level queries over them.
package coverage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rickchristie/govner/crunchwatch/internal/engine"
	"github.com/rickchristie/govner/crunchwatch/internal/model"
)

// ErrNotFound is matched by NotFoundError
var ErrNotFound = errors.New("not found in combined coverage")

// NotFoundError reports a covering-tests lookup that missed the current
// snapshot. It is a normal outcome, not a failure.
type NotFoundError struct {
	File      string
	Line      int
	FileKnown bool // The file is in the snapshot but the line is not
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s:%d %v", e.File, e.Line, ErrNotFound)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Classification splits a file's lines into three disjoint, ascending sets.
// A line is in at most one set, with priority ErrorSource, Covered, ErrorPath.
type Classification struct {
	ErrorSource []int `json:"errorSource"`
	Covered     []int `json:"covered"`
	ErrorPath   []int `json:"errorPath"`
}

// ViewFunc is called with a fresh classification of a watched file
type ViewFunc func(path string, c Classification)

type view struct {
	path string // Normalized
	fn   ViewFunc
}

// Store holds the merged results map and the latest combined coverage
// snapshot. Writes come from the controller's event goroutine; reads may come
// from anywhere.
type Store struct {
	log zerolog.Logger

	mu       sync.RWMutex
	results  model.TestResults
	snapshot model.CombinedCoverage
	byFile   map[string]int // Normalized filename -> first index in snapshot

	viewMu sync.Mutex
	nextID uint64
	views  map[uint64]view
}

// NewStore creates an empty store. A nil logger uses the global one.
func NewStore(logger *zerolog.Logger) *Store {
	s := &Store{
		results: make(model.TestResults),
		byFile:  make(map[string]int),
		views:   make(map[uint64]view),
	}
	if logger != nil {
		s.log = *logger
	} else {
		s.log = log.Logger.With().Str("component", "coverage").Logger()
	}
	return s
}

// Attach subscribes the store to the controller's event streams. The store is
// cleared when the controller is disposed. The returned func detaches it.
func (s *Store) Attach(c *engine.Controller) (detach func()) {
	subs := []*engine.Subscription{
		c.TestResults.Subscribe(s.IngestTestResults),
		c.CombinedCoverage.Subscribe(s.IngestCombinedCoverage),
		c.Discovered.Subscribe(func(tests []model.DiscoveredTest) {
			s.log.Debug().Int("tests", len(tests)).Msg("Tests discovered")
		}),
		c.Disposed.Subscribe(func(struct{}) { s.Clear() }),
	}
	return func() {
		for _, sub := range subs {
			sub.Dispose()
		}
	}
}

// IngestTestResults merges batch into the results map. A result replaces any
// earlier result with the same fqn; other fqns are untouched. Views watching
// a file referenced by an old or new result are recomputed.
func (s *Store) IngestTestResults(batch model.TestResults) {
	if len(batch) == 0 {
		return
	}

	affected := make(map[string]struct{})
	s.mu.Lock()
	for fqn, r := range batch {
		if r == nil {
			continue
		}
		if prev, ok := s.results[fqn]; ok {
			touchedFiles(prev, affected)
		}
		touchedFiles(r, affected)
		s.results[fqn] = r
	}
	total := len(s.results)
	s.mu.Unlock()

	s.log.Info().Int("batch", len(batch)).Int("total", total).Msg("Ingested test results")
	s.refresh(affected)
}

// IngestCombinedCoverage replaces the current snapshot wholesale
func (s *Store) IngestCombinedCoverage(snapshot model.CombinedCoverage) {
	byFile := make(map[string]int, len(snapshot))
	for i, f := range snapshot {
		key := model.NormalizePath(f.Filename)
		if _, ok := byFile[key]; !ok {
			byFile[key] = i
		}
	}

	s.mu.Lock()
	s.snapshot = snapshot
	s.byFile = byFile
	s.mu.Unlock()

	s.log.Info().Int("files", len(snapshot)).Msg("Combined coverage replaced")
}

// InvalidateFile drops path from every result's covered files, keeping the
// results themselves. The combined snapshot is left as is. It returns the
// number of results that referenced path.
func (s *Store) InvalidateFile(path string) int {
	target := model.NormalizePath(path)

	s.mu.Lock()
	n := 0
	for fqn, r := range s.results {
		if cp, changed := r.WithoutFile(target); changed {
			s.results[fqn] = cp
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.log.Info().Str("file", target).Int("results", n).Msg("Dropped stale coverage for saved file")
	}
	s.refresh(map[string]struct{}{target: {}})
	return n
}

// CoveringTests returns the fqns the current snapshot lists for path:line.
// A miss returns an empty slice and a *NotFoundError.
func (s *Store) CoveringTests(path string, line int) ([]string, error) {
	target := model.NormalizePath(path)

	s.mu.RLock()
	i, ok := s.byFile[target]
	var fqns []string
	var found bool
	if ok {
		fqns, found = s.snapshot[i].LinesWithEntrypoints[line]
	}
	s.mu.RUnlock()

	if !found {
		err := &NotFoundError{File: path, Line: line, FileKnown: ok}
		s.log.Info().Str("file", target).Int("line", line).Bool("fileKnown", ok).Msg("Covering tests not found")
		return []string{}, err
	}
	return append([]string{}, fqns...), nil
}

// FindTestResult returns the latest result for fqn
func (s *Store) FindTestResult(fqn string) (*model.TestResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[fqn]
	return r, ok
}

// ClassifyLines computes the classification of path from the results map
func (s *Store) ClassifyLines(path string) Classification {
	target := model.NormalizePath(path)

	errorSource := make(map[int]struct{})
	covered := make(map[int]struct{})
	errorPath := make(map[int]struct{})

	s.mu.RLock()
	for _, r := range s.results {
		if ex := r.CapturedException; ex != nil && model.NormalizePath(ex.Filename) == target {
			errorSource[ex.LineNumber] = struct{}{}
		}
	}
	for _, r := range s.results {
		if r.Status != model.StatusSuccess {
			continue
		}
		eachLine(r, target, func(line int) {
			if _, ok := errorSource[line]; !ok {
				covered[line] = struct{}{}
			}
		})
	}
	for _, r := range s.results {
		if r.Status != model.StatusFailed {
			continue
		}
		eachLine(r, target, func(line int) {
			if _, ok := errorSource[line]; ok {
				return
			}
			if _, ok := covered[line]; ok {
				return
			}
			errorPath[line] = struct{}{}
		})
	}
	s.mu.RUnlock()

	return Classification{
		ErrorSource: sortedLines(errorSource),
		Covered:     sortedLines(covered),
		ErrorPath:   sortedLines(errorPath),
	}
}

// ErrorSources returns the results whose captured exception is located in
// path, ordered by fqn.
func (s *Store) ErrorSources(path string) []*model.TestResult {
	target := model.NormalizePath(path)

	s.mu.RLock()
	var out []*model.TestResult
	for _, r := range s.results {
		if ex := r.CapturedException; ex != nil && model.NormalizePath(ex.Filename) == target {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Fqn() < out[j].Fqn() })
	return out
}

// Results returns a copy of the results map
func (s *Store) Results() model.TestResults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(model.TestResults, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

// Snapshot returns the current combined coverage snapshot
func (s *Store) Snapshot() model.CombinedCoverage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Clear empties the store and refreshes every view
func (s *Store) Clear() {
	s.mu.Lock()
	s.results = make(model.TestResults)
	s.snapshot = nil
	s.byFile = make(map[string]int)
	s.mu.Unlock()

	s.log.Info().Msg("Coverage cleared")
	s.refresh(nil)
}

// Watch registers fn as a loaded view of path. fn is called with a fresh
// classification whenever results touching path change. The returned func
// removes the view.
func (s *Store) Watch(path string, fn ViewFunc) (unwatch func()) {
	s.viewMu.Lock()
	s.nextID++
	id := s.nextID
	s.views[id] = view{path: model.NormalizePath(path), fn: fn}
	s.viewMu.Unlock()

	return func() {
		s.viewMu.Lock()
		delete(s.views, id)
		s.viewMu.Unlock()
	}
}

// refresh recomputes the views of the affected files; nil means all views
func (s *Store) refresh(affected map[string]struct{}) {
	s.viewMu.Lock()
	var due []view
	for _, v := range s.views {
		if affected == nil {
			due = append(due, v)
			continue
		}
		if _, ok := affected[v.path]; ok {
			due = append(due, v)
		}
	}
	s.viewMu.Unlock()

	for _, v := range due {
		v.fn(v.path, s.ClassifyLines(v.path))
	}
}

func touchedFiles(r *model.TestResult, into map[string]struct{}) {
	for _, f := range r.Files {
		into[model.NormalizePath(f.Filename)] = struct{}{}
	}
	if r.CapturedException != nil {
		into[model.NormalizePath(r.CapturedException.Filename)] = struct{}{}
	}
}

func eachLine(r *model.TestResult, target string, fn func(line int)) {
	for _, f := range r.Files {
		if model.NormalizePath(f.Filename) != target {
			continue
		}
		for _, line := range f.LinesCovered {
			fn(line)
		}
	}
}

func sortedLines(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for line := range set {
		out = append(out, line)
	}
	sort.Ints(out)
	return out
}
