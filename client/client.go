// Package client provides a Go client for the crunchwatch local API.
//
// crunchwatch supervises a continuous Python test engine and keeps the most
// recent test results and combined coverage in memory. Editor plugins and
// scripts use this package to ask which tests cover a line, how the lines of
// a file should be decorated, and to trigger runs.
//
// # Basic Usage
//
//	if err := client.HealthCheck(9292); err != nil {
//	    log.Fatal(err)
//	}
//
//	cov, err := client.Covering(9292, "/work/app/math.py", 12)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, item := range cov.Items {
//	    fmt.Println(item.Icon, item.Fqn)
//	}
//
// # Prerequisites
//
// crunchwatch must be running:
//
//	crunchwatch up
//
// # Configuration
//
// The apiPort parameter should match the api_port setting in your
// .crunchwatch/config.yaml (default: 9292).
//
// # Thread Safety
//
// All functions in this package are safe for concurrent use.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Status is the engine and store summary returned by [GetStatus]
type Status struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Ready     bool   `json:"ready"`
	Process   string `json:"process"`
	LastRunID string `json:"lastRunId,omitempty"`
	AutoRun   bool   `json:"autoRun"`
	Results   int    `json:"results"`
	Files     int    `json:"files"`
}

// Item is one test covering a line
type Item struct {
	Fqn    string `json:"fqn"`
	Icon   string `json:"icon"`
	Status string `json:"status"`
}

// CoveringResult is returned by [Covering]. Found is false when the line is
// not in the combined coverage snapshot.
type CoveringResult struct {
	File  string `json:"file"`
	Line  int    `json:"line"`
	Found bool   `json:"found"`
	Items []Item `json:"items"`
}

// Classification lists 1-based line numbers per category
type Classification struct {
	ErrorSource []int `json:"errorSource"`
	Covered     []int `json:"covered"`
	ErrorPath   []int `json:"errorPath"`
}

// Batch is a paint instruction over 0-based line indexes. Color is the
// whole-line background as #rrggbbaa.
type Batch struct {
	Category string `json:"category"`
	Color    string `json:"color"`
	Lines    []int  `json:"lines"`
}

// Preview is the inline failure message for an error-source line
type Preview struct {
	Fqn    string `json:"fqn"`
	Line   int    `json:"line"`
	Text   string `json:"text"`
	Detail string `json:"detail"`
}

// ClassifyResult is returned by [Classify]
type ClassifyResult struct {
	File           string         `json:"file"`
	Classification Classification `json:"classification"`
	Batches        []Batch        `json:"batches,omitempty"`
	Previews       []Preview      `json:"previews,omitempty"`
}

// Jump is where an editor should navigate to show a test
type Jump struct {
	Filename string `json:"filename"`
	TestName string `json:"testName"`
}

// Result is returned by [GetResult]. Test holds the raw engine report.
type Result struct {
	Test json.RawMessage `json:"result"`
	Jump *Jump           `json:"jump,omitempty"`
}

// LogLine is one line of engine output
type LogLine struct {
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// HealthCheck verifies that crunchwatch is running and responsive.
//
// Returns nil if the API is healthy, or an error if it's not reachable.
func HealthCheck(apiPort int) error {
	resp, err := http.Get(endpoint(apiPort, "/health-check", nil))
	if err != nil {
		return fmt.Errorf("crunchwatch not responding: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("crunchwatch unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// GetStatus returns the engine connection status and store counts
func GetStatus(apiPort int) (*Status, error) {
	var out Status
	if err := getJSON(endpoint(apiPort, "/status", nil), "status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Covering lists the tests covering file:line, sorted by fqn. line is 1-based.
func Covering(apiPort int, file string, line int) (*CoveringResult, error) {
	q := url.Values{"file": {file}, "line": {fmt.Sprint(line)}}
	var out CoveringResult
	if err := getJSON(endpoint(apiPort, "/covering", q), "covering", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Classify returns the line classification of file. When lineCount is
// positive the response also carries paint batches and failure previews
// clipped to a document of that many lines.
func Classify(apiPort int, file string, lineCount int) (*ClassifyResult, error) {
	q := url.Values{"file": {file}}
	if lineCount > 0 {
		q.Set("lines", fmt.Sprint(lineCount))
	}
	var out ClassifyResult
	if err := getJSON(endpoint(apiPort, "/classify", q), "classify", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetResult returns the latest result stored for fqn
func GetResult(apiPort int, fqn string) (*Result, error) {
	var out Result
	if err := getJSON(endpoint(apiPort, "/result", url.Values{"fqn": {fqn}}), "result", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EngineLog returns the engine output lines written after position since,
// together with the position to pass on the next call.
func EngineLog(apiPort int, since int) ([]LogLine, int, error) {
	var out struct {
		Lines []LogLine `json:"lines"`
		Next  int       `json:"next"`
	}
	q := url.Values{"since": {strconv.Itoa(since)}}
	if err := getJSON(endpoint(apiPort, "/engine-log", q), "engine-log", &out); err != nil {
		return nil, since, err
	}
	return out.Lines, out.Next, nil
}

// Run asks the engine to run every discovered test and returns the run id.
// It blocks until the engine is ready or the readiness timeout expires.
func Run(apiPort int) (string, error) {
	var out struct {
		RunID string `json:"runId"`
	}
	if err := postJSON(endpoint(apiPort, "/run", nil), "run", &out); err != nil {
		return "", err
	}
	return out.RunID, nil
}

// Start launches the engine if it is not running
func Start(apiPort int) (*Status, error) {
	var out Status
	if err := postJSON(endpoint(apiPort, "/start", nil), "start", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop halts the engine
func Stop(apiPort int) (*Status, error) {
	var out Status
	if err := postJSON(endpoint(apiPort, "/stop", nil), "stop", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Saved reports that file was saved. Its stale coverage is dropped and, with
// auto_run enabled, a run is started.
func Saved(apiPort int, file string) error {
	return postJSON(endpoint(apiPort, "/saved", url.Values{"file": {file}}), "saved", nil)
}

// SetAutoRun turns running tests after every save on or off and returns the
// resulting setting
func SetAutoRun(apiPort int, enabled bool) (bool, error) {
	return autoRun(apiPort, url.Values{"enabled": {strconv.FormatBool(enabled)}})
}

// ToggleAutoRun flips the auto-run setting and returns the new value
func ToggleAutoRun(apiPort int) (bool, error) {
	return autoRun(apiPort, nil)
}

func autoRun(apiPort int, q url.Values) (bool, error) {
	var out struct {
		AutoRun bool `json:"autoRun"`
	}
	if err := postJSON(endpoint(apiPort, "/auto-run", q), "auto-run", &out); err != nil {
		return false, err
	}
	return out.AutoRun, nil
}

func endpoint(apiPort int, path string, q url.Values) string {
	u := fmt.Sprintf("http://localhost:%d%s", apiPort, path)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func getJSON(reqURL, op string, out any) error {
	resp, err := http.Get(reqURL)
	if err != nil {
		return fmt.Errorf("failed to connect to crunchwatch: %w", err)
	}
	return decode(resp, op, out)
}

func postJSON(reqURL, op string, out any) error {
	resp, err := http.Post(reqURL, "text/plain", strings.NewReader(""))
	if err != nil {
		return fmt.Errorf("failed to connect to crunchwatch: %w", err)
	}
	return decode(resp, op, out)
}

func decode(resp *http.Response, op string, out any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s failed: %s", op, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", op, err)
	}
	return nil
}
