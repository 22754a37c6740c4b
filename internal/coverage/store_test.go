package coverage

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickchristie/govner/crunchwatch/internal/engine"
	"github.com/rickchristie/govner/crunchwatch/internal/model"
)

func newTestStore() *Store {
	logger := zerolog.Nop()
	return NewStore(&logger)
}

func result(status model.Status, files ...model.FileLines) *model.TestResult {
	return &model.TestResult{Status: status, Files: files}
}

func lines(filename string, ls ...int) model.FileLines {
	return model.FileLines{Filename: filename, LinesCovered: ls}
}

func TestIngestTestResults_LastWriteWins(t *testing.T) {
	s := newTestStore()
	m1 := model.TestResults{
		"t1": result(model.StatusSuccess, lines("a.py", 1)),
		"t2": result(model.StatusFailed, lines("a.py", 2)),
	}
	m2 := model.TestResults{
		"t2": result(model.StatusSuccess, lines("b.py", 9)),
		"t3": result(model.StatusPending),
	}

	s.IngestTestResults(m1)
	s.IngestTestResults(m2)

	got := s.Results()
	require.Len(t, got, 3)
	assert.Same(t, m1["t1"], got["t1"])
	assert.Same(t, m2["t2"], got["t2"])
	assert.Same(t, m2["t3"], got["t3"])
}

func TestIngestTestResults_EmptyBatch(t *testing.T) {
	s := newTestStore()
	s.IngestTestResults(model.TestResults{"t1": result(model.StatusSuccess)})
	s.IngestTestResults(nil)
	s.IngestTestResults(model.TestResults{})

	assert.Len(t, s.Results(), 1)
}

func TestClassifyLines_PriorityScenario(t *testing.T) {
	s := newTestStore()
	t2 := result(model.StatusFailed, lines("a.py", 2, 3))
	t2.CapturedException = &model.CapturedException{Filename: "a.py", LineNumber: 2}
	s.IngestTestResults(model.TestResults{
		"t1": result(model.StatusSuccess, lines("a.py", 1, 2, 3)),
		"t2": t2,
	})

	c := s.ClassifyLines("a.py")

	assert.Equal(t, Classification{
		ErrorSource: []int{2},
		Covered:     []int{1, 3},
		ErrorPath:   []int{},
	}, c)
}

func TestClassifyLines_Partition(t *testing.T) {
	s := newTestStore()
	f1 := result(model.StatusFailed, lines("a.py", 4, 5, 6, 7), lines("b.py", 1))
	f1.CapturedException = &model.CapturedException{Filename: "a.py", LineNumber: 5}
	f2 := result(model.StatusFailed, lines("a.py", 8))
	f2.CapturedException = &model.CapturedException{Filename: "b.py", LineNumber: 1}
	s.IngestTestResults(model.TestResults{
		"ok1":  result(model.StatusSuccess, lines("a.py", 1, 2, 5), lines("b.py", 3)),
		"ok2":  result(model.StatusSuccess, lines("a.py", 2, 6)),
		"fail": f1,
		"f2":   f2,
		"pend": result(model.StatusPending, lines("a.py", 10)),
		"odd":  result(model.Status("skipped"), lines("a.py", 11)),
	})

	c := s.ClassifyLines("a.py")

	assert.Equal(t, []int{5}, c.ErrorSource)
	assert.Equal(t, []int{1, 2, 6}, c.Covered)
	assert.Equal(t, []int{4, 7, 8}, c.ErrorPath)

	seen := map[int]int{}
	for _, set := range [][]int{c.ErrorSource, c.Covered, c.ErrorPath} {
		for _, l := range set {
			seen[l]++
		}
	}
	for line, n := range seen {
		assert.Equal(t, 1, n, "line %d in more than one set", line)
	}

	b := s.ClassifyLines("b.py")
	assert.Equal(t, []int{1}, b.ErrorSource)
	assert.Equal(t, []int{3}, b.Covered)
	assert.Empty(t, b.ErrorPath)
}

func TestClassifyLines_UnknownFile(t *testing.T) {
	s := newTestStore()
	c := s.ClassifyLines("nowhere.py")

	assert.NotNil(t, c.ErrorSource)
	assert.Empty(t, c.ErrorSource)
	assert.Empty(t, c.Covered)
	assert.Empty(t, c.ErrorPath)
}

func TestClassifyLines_RecomputedAfterIngest(t *testing.T) {
	s := newTestStore()
	s.IngestTestResults(model.TestResults{"t1": result(model.StatusSuccess, lines("a.py", 1))})
	assert.Equal(t, []int{1}, s.ClassifyLines("a.py").Covered)

	s.IngestTestResults(model.TestResults{"t1": result(model.StatusFailed, lines("a.py", 1))})
	c := s.ClassifyLines("a.py")
	assert.Empty(t, c.Covered)
	assert.Equal(t, []int{1}, c.ErrorPath)
}

func scenarioSnapshot() model.CombinedCoverage {
	return model.CombinedCoverage{{
		Filename:             "a.py",
		Exceptions:           []int{5},
		LinesWithEntrypoints: map[int][]string{5: {"t1"}, 7: {"t2"}},
	}}
}

func TestCoveringTests_Scenario(t *testing.T) {
	s := newTestStore()
	s.IngestCombinedCoverage(scenarioSnapshot())

	got, err := s.CoveringTests("a.py", 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, got)

	got, err = s.CoveringTests("a.py", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, got)

	got, err = s.CoveringTests("a.py", 99)
	assert.ErrorIs(t, err, ErrNotFound)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.True(t, nf.FileKnown)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestCoveringTests_FileMissing(t *testing.T) {
	s := newTestStore()

	got, err := s.CoveringTests("a.py", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{}, got)

	s.IngestCombinedCoverage(scenarioSnapshot())
	got, err = s.CoveringTests("b.py", 7)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.False(t, nf.FileKnown)
	assert.Equal(t, "b.py:7 not found in combined coverage", nf.Error())
	assert.Equal(t, []string{}, got)
}

func TestCoveringTests_ReturnsCopy(t *testing.T) {
	s := newTestStore()
	s.IngestCombinedCoverage(scenarioSnapshot())

	got, err := s.CoveringTests("a.py", 7)
	require.NoError(t, err)
	got[0] = "mutated"

	again, _ := s.CoveringTests("a.py", 7)
	assert.Equal(t, []string{"t2"}, again)
}

func TestIngestCombinedCoverage_ReplacesSnapshot(t *testing.T) {
	s := newTestStore()
	s.IngestCombinedCoverage(scenarioSnapshot())
	s.IngestCombinedCoverage(model.CombinedCoverage{{
		Filename:             "b.py",
		LinesWithEntrypoints: map[int][]string{1: {"t9"}},
	}})

	_, err := s.CoveringTests("a.py", 7)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.CoveringTests("b.py", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"t9"}, got)
	assert.Len(t, s.Snapshot(), 1)
}

func TestIngestCombinedCoverage_FirstEntryWins(t *testing.T) {
	s := newTestStore()
	s.IngestCombinedCoverage(model.CombinedCoverage{
		{Filename: "a.py", LinesWithEntrypoints: map[int][]string{1: {"first"}}},
		{Filename: "./a.py", LinesWithEntrypoints: map[int][]string{1: {"second"}}},
	})

	got, err := s.CoveringTests("a.py", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, got)
}

func TestInvalidateFile_Scenario(t *testing.T) {
	s := newTestStore()
	t1 := result(model.StatusSuccess, lines("a.py", 1, 2), lines("b.py", 4))
	t1.CapturedOutput = "all good"
	s.IngestTestResults(model.TestResults{"t1": t1})
	s.IngestCombinedCoverage(scenarioSnapshot())

	n := s.InvalidateFile("a.py")
	assert.Equal(t, 1, n)

	got, ok := s.FindTestResult("t1")
	require.True(t, ok)
	assert.Equal(t, []model.FileLines{lines("b.py", 4)}, got.Files)
	assert.Equal(t, model.StatusSuccess, got.Status)
	assert.Equal(t, "all good", got.CapturedOutput)

	// The received value is superseded, not edited
	assert.Len(t, t1.Files, 2)

	// Snapshot untouched
	fqns, err := s.CoveringTests("a.py", 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, fqns)

	assert.Empty(t, s.ClassifyLines("a.py").Covered)
	assert.Equal(t, []int{4}, s.ClassifyLines("b.py").Covered)
}

func TestInvalidateFile_KeepsExceptionSource(t *testing.T) {
	s := newTestStore()
	t2 := result(model.StatusFailed, lines("a.py", 2, 3))
	t2.CapturedException = &model.CapturedException{Filename: "a.py", LineNumber: 2}
	s.IngestTestResults(model.TestResults{"t2": t2})

	s.InvalidateFile("a.py")

	c := s.ClassifyLines("a.py")
	assert.Equal(t, []int{2}, c.ErrorSource)
	assert.Empty(t, c.ErrorPath)
}

func TestInvalidateFile_Unreferenced(t *testing.T) {
	s := newTestStore()
	t1 := result(model.StatusSuccess, lines("a.py", 1))
	s.IngestTestResults(model.TestResults{"t1": t1})

	assert.Equal(t, 0, s.InvalidateFile("c.py"))
	got, _ := s.FindTestResult("t1")
	assert.Same(t, t1, got)
}

func TestFindTestResult(t *testing.T) {
	s := newTestStore()
	t1 := result(model.StatusSuccess)
	s.IngestTestResults(model.TestResults{"t1": t1})

	got, ok := s.FindTestResult("t1")
	assert.True(t, ok)
	assert.Same(t, t1, got)

	_, ok = s.FindTestResult("missing")
	assert.False(t, ok)
}

func TestErrorSources(t *testing.T) {
	s := newTestStore()
	mk := func(fqn, file string, line int) *model.TestResult {
		r := result(model.StatusFailed)
		r.Metadata.Fqn = fqn
		r.CapturedException = &model.CapturedException{Filename: file, LineNumber: line}
		return r
	}
	s.IngestTestResults(model.TestResults{
		"z": mk("z", "a.py", 3),
		"a": mk("a", "a.py", 9),
		"b": mk("b", "b.py", 1),
		"c": result(model.StatusSuccess, lines("a.py", 3)),
	})

	got := s.ErrorSources("a.py")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Fqn())
	assert.Equal(t, "z", got[1].Fqn())
}

func TestWatch_RefreshesAffectedViews(t *testing.T) {
	s := newTestStore()
	var mu sync.Mutex
	calls := map[string][]Classification{}
	record := func(path string, c Classification) {
		mu.Lock()
		defer mu.Unlock()
		calls[path] = append(calls[path], c)
	}

	unwatchA := s.Watch("a.py", record)
	s.Watch("b.py", record)

	s.IngestTestResults(model.TestResults{"t1": result(model.StatusSuccess, lines("a.py", 1))})
	aPath := model.NormalizePath("a.py")
	bPath := model.NormalizePath("b.py")
	require.Len(t, calls[aPath], 1)
	assert.Equal(t, []int{1}, calls[aPath][0].Covered)
	assert.Empty(t, calls[bPath])

	// Replacing t1 with a result in b.py affects both files
	s.IngestTestResults(model.TestResults{"t1": result(model.StatusSuccess, lines("b.py", 2))})
	require.Len(t, calls[aPath], 2)
	assert.Empty(t, calls[aPath][1].Covered)
	require.Len(t, calls[bPath], 1)

	s.InvalidateFile("b.py")
	require.Len(t, calls[bPath], 2)
	assert.Empty(t, calls[bPath][1].Covered)

	unwatchA()
	s.Clear()
	assert.Len(t, calls[aPath], 2)
	assert.Len(t, calls[bPath], 3)
}

func TestClear(t *testing.T) {
	s := newTestStore()
	s.IngestTestResults(model.TestResults{"t1": result(model.StatusSuccess, lines("a.py", 1))})
	s.IngestCombinedCoverage(scenarioSnapshot())

	s.Clear()

	assert.Empty(t, s.Results())
	assert.Empty(t, s.Snapshot())
	_, err := s.CoveringTests("a.py", 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttach_FollowsControllerStreams(t *testing.T) {
	logger := zerolog.Nop()
	c := engine.New(engine.Options{Logger: &logger})
	s := newTestStore()
	detach := s.Attach(c)

	c.TestResults.Emit(model.TestResults{"t1": result(model.StatusSuccess, lines("a.py", 3))})
	c.CombinedCoverage.Emit(scenarioSnapshot())

	_, ok := s.FindTestResult("t1")
	assert.True(t, ok)
	got, err := s.CoveringTests("a.py", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, got)

	require.NoError(t, c.Dispose())
	assert.Empty(t, s.Results())
	assert.Empty(t, s.Snapshot())

	detach()
	assert.Equal(t, 0, c.TestResults.Len())
}

func TestStore_ConcurrentReaders(t *testing.T) {
	s := newTestStore()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.IngestTestResults(model.TestResults{"t1": result(model.StatusSuccess, lines("a.py", i))})
			s.IngestCombinedCoverage(scenarioSnapshot())
			s.InvalidateFile("a.py")
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c := s.ClassifyLines("a.py")
				assert.LessOrEqual(t, len(c.Covered), 1)
				s.CoveringTests("a.py", 7)
				s.FindTestResult("t1")
			}
		}()
	}
	wg.Wait()
}
