package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestResult_DecodesWireNames(t *testing.T) {
	raw := `{
		"entry_point": "tests/test_a.py::test_one",
		"time_elapsed": 0.25,
		"test_metadata": {"fqn": "tests/test_a.py::test_one", "filename": "/w/tests/test_a.py", "name": "test_one", "module": "tests.test_a", "state": "converted"},
		"files": [{"filename": "/w/a.py", "lines_covered": [1, 2, 3]}],
		"status": "failed",
		"captured_exception": {"filename": "/w/a.py", "line_number": 2, "full_traceback": "Traceback...", "variables": {"x": "1"}},
		"captured_output": "boom",
		"variables_state": {"y": 2}
	}`

	var r TestResult
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	assert.Equal(t, "tests/test_a.py::test_one", r.Fqn())
	assert.Equal(t, StatusFailed, r.Status)
	require.Len(t, r.Files, 1)
	assert.Equal(t, []int{1, 2, 3}, r.Files[0].LinesCovered)
	require.NotNil(t, r.CapturedException)
	assert.Equal(t, 2, r.CapturedException.LineNumber)
	assert.Equal(t, "1", r.CapturedException.Variables["x"])
	assert.Equal(t, "boom", r.CapturedOutput)
}

func TestFileCoverage_DecodesNumericLineKeys(t *testing.T) {
	raw := `{"filename": "a.py", "exceptions": [5], "lines_with_entrypoints": {"5": ["t1"], "7": ["t2", "t3"]}}`

	var fc FileCoverage
	require.NoError(t, json.Unmarshal([]byte(raw), &fc))
	assert.Equal(t, []int{5}, fc.Exceptions)
	assert.Equal(t, []string{"t1"}, fc.LinesWithEntrypoints[5])
	assert.Equal(t, []string{"t2", "t3"}, fc.LinesWithEntrypoints[7])
}

func TestStatus_Known(t *testing.T) {
	assert.True(t, StatusSuccess.Known())
	assert.True(t, StatusFailed.Known())
	assert.True(t, StatusPending.Known())
	assert.False(t, Status("exploded").Known())
}

func TestWithoutFile_ReturnsCopy(t *testing.T) {
	orig := &TestResult{
		Metadata:       TestMetadata{Fqn: "t1"},
		Status:         StatusSuccess,
		CapturedOutput: "out",
		Files: []FileLines{
			{Filename: "a.py", LinesCovered: []int{1}},
			{Filename: "b.py", LinesCovered: []int{2}},
		},
	}

	next, changed := orig.WithoutFile("a.py")
	assert.True(t, changed)
	assert.NotSame(t, orig, next)
	assert.Len(t, orig.Files, 2, "original must not be edited in place")
	require.Len(t, next.Files, 1)
	assert.Equal(t, "b.py", next.Files[0].Filename)
	assert.Equal(t, StatusSuccess, next.Status)
	assert.Equal(t, "out", next.CapturedOutput)

	same, changed := orig.WithoutFile("c.py")
	assert.False(t, changed)
	assert.Same(t, orig, same)
}

func TestSamePath(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	assert.True(t, SamePath("a.py", filepath.Join(wd, "a.py")))
	assert.True(t, SamePath("./dir/../a.py", "a.py"))
	assert.True(t, SamePath("file://"+filepath.Join(wd, "a.py"), "a.py"))
	assert.False(t, SamePath("a.py", "b.py"))
	assert.Equal(t, "", NormalizePath(""))
}

func TestFqns(t *testing.T) {
	tests := []DiscoveredTest{{Fqn: "a"}, {Fqn: "b"}}
	assert.Equal(t, []string{"a", "b"}, Fqns(tests))
	assert.Empty(t, Fqns(nil))
}
