// Package query backs the "tests covering this line" picker: the sorted list
// of covering tests and the location to jump to for a chosen one.
package query

import (
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rickchristie/govner/crunchwatch/internal/decorate"
	"github.com/rickchristie/govner/crunchwatch/internal/model"
)

// Source is the part of the coverage store the picker reads
type Source interface {
	CoveringTests(path string, line int) ([]string, error)
	FindTestResult(fqn string) (*model.TestResult, bool)
}

// Item is one picker entry
type Item struct {
	Fqn    string            `json:"fqn"`
	Icon   decorate.Category `json:"icon"`
	Status model.Status      `json:"status"`
}

// CoveringItems lists the tests covering path:line, sorted by fqn. Tests
// without a result are skipped. A snapshot miss is returned as the store
// reports it, together with an empty list.
func CoveringItems(src Source, path string, line int, logger zerolog.Logger) ([]Item, error) {
	fqns, err := src.CoveringTests(path, line)
	items := make([]Item, 0, len(fqns))
	if err != nil {
		return items, err
	}

	sorted := append([]string(nil), fqns...)
	sort.Strings(sorted)

	for _, fqn := range sorted {
		r, ok := src.FindTestResult(fqn)
		if !ok {
			logger.Warn().Str("fqn", fqn).Msg("Test result not found for covering test")
			continue
		}
		items = append(items, Item{Fqn: fqn, Icon: decorate.IconFor(r.Status), Status: r.Status})
	}
	return items, nil
}

// Target is where an editor should navigate to show a test
type Target struct {
	Filename string `json:"filename"`
	TestName string `json:"testName"`
}

// JumpTarget derives the test's file and symbol name from its metadata. The
// name is the part of the fqn after the last "::", then after the last ":".
func JumpTarget(r *model.TestResult) (Target, bool) {
	if r == nil || r.Metadata.Fqn == "" {
		return Target{}, false
	}

	name := r.Metadata.Fqn
	if i := strings.LastIndex(name, "::"); i >= 0 {
		name = name[i+2:]
	}
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	return Target{Filename: r.Metadata.Filename, TestName: name}, true
}
