package model

// Status is the outcome reported by the engine for one test
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// Known reports whether s is one of the statuses the engine documents
func (s Status) Known() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusPending:
		return true
	}
	return false
}

// TestMetadata identifies a test and where it is defined
type TestMetadata struct {
	Fqn      string `json:"fqn"`
	Filename string `json:"filename"`
	Name     string `json:"name"`
	Module   string `json:"module"`
	State    string `json:"state,omitempty"`
}

// FileLines lists the lines of one file covered by a single test run
type FileLines struct {
	Filename     string `json:"filename"`
	LinesCovered []int  `json:"lines_covered"`
}

// CapturedException is the failure location attached to a failed test result
type CapturedException struct {
	Filename      string            `json:"filename"`
	LineNumber    int               `json:"line_number"`
	FullTraceback string            `json:"full_traceback"`
	Variables     map[string]string `json:"variables,omitempty"`
}

// TestResult is the engine's report for one test. Values are treated as
// immutable: a newer result for the same fqn replaces the pointer.
type TestResult struct {
	EntryPoint        string             `json:"entry_point"`
	TimeElapsed       float64            `json:"time_elapsed"`
	Metadata          TestMetadata       `json:"test_metadata"`
	Files             []FileLines        `json:"files"`
	Status            Status             `json:"status"`
	CapturedException *CapturedException `json:"captured_exception,omitempty"`
	CapturedOutput    string             `json:"captured_output"`
	VariablesState    map[string]any     `json:"variables_state,omitempty"`
}

// Fqn returns the key the result is stored under
func (r *TestResult) Fqn() string {
	if r.Metadata.Fqn != "" {
		return r.Metadata.Fqn
	}
	return r.EntryPoint
}

// WithoutFile returns a copy of r whose Files no longer contain path.
// The second return value is false (and r itself is returned) when r never
// referenced path.
func (r *TestResult) WithoutFile(path string) (*TestResult, bool) {
	kept := make([]FileLines, 0, len(r.Files))
	for _, f := range r.Files {
		if !SamePath(f.Filename, path) {
			kept = append(kept, f)
		}
	}
	if len(kept) == len(r.Files) {
		return r, false
	}
	cp := *r
	cp.Files = kept
	return &cp, true
}

// TestResults maps fqn to the latest result for that test
type TestResults map[string]*TestResult

// FileCoverage is one file's entry in the combined coverage snapshot
type FileCoverage struct {
	Filename             string           `json:"filename"`
	Exceptions           []int            `json:"exceptions"`
	LinesWithEntrypoints map[int][]string `json:"lines_with_entrypoints"`
}

// CombinedCoverage is the most recent full coverage picture
type CombinedCoverage []FileCoverage

// DiscoveredTest is one entry of a discovery result
type DiscoveredTest struct {
	Fqn      string `json:"fqn"`
	Filename string `json:"filename,omitempty"`
	Name     string `json:"name,omitempty"`
	Module   string `json:"module,omitempty"`
	State    string `json:"state,omitempty"`
}

// Fqns returns the fqn of every discovered test, in order
func Fqns(tests []DiscoveredTest) []string {
	out := make([]string, 0, len(tests))
	for _, t := range tests {
		out = append(out, t.Fqn)
	}
	return out
}
