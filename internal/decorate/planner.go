// Package decorate turns line classifications into renderer-agnostic paint
// instructions. Nothing here does I/O.
package decorate

import (
	"github.com/rickchristie/govner/crunchwatch/internal/coverage"
	"github.com/rickchristie/govner/crunchwatch/internal/model"
)

// Category names a gutter decoration
type Category string

const (
	Covered     Category = "covered"
	Uncovered   Category = "uncovered"
	ErrorPath   Category = "errorPath"
	ErrorSource Category = "errorSource"
)

// LineColors are the whole-line background colors, as #rrggbbaa
var LineColors = map[Category]string{
	Covered:     "#00ff0000",
	Uncovered:   "#ffffff00",
	ErrorPath:   "#aa000005",
	ErrorSource: "#ff000005",
}

// Batch is one paint instruction: the 0-based line indexes to decorate with
// a category and its line color. An empty batch clears the category.
type Batch struct {
	Category Category `json:"category"`
	Color    string   `json:"color"`
	Lines    []int    `json:"lines"`
}

// Plan converts c into one batch per category, in the order errorSource,
// covered, errorPath. Lines are converted from 1-based to 0-based and any
// index outside [0, lineCount) is dropped.
func Plan(c coverage.Classification, lineCount int) []Batch {
	return []Batch{
		batch(ErrorSource, c.ErrorSource, lineCount),
		batch(Covered, c.Covered, lineCount),
		batch(ErrorPath, c.ErrorPath, lineCount),
	}
}

func batch(category Category, lines []int, lineCount int) Batch {
	return Batch{Category: category, Color: LineColors[category], Lines: clip(lines, lineCount)}
}

func clip(lines []int, lineCount int) []int {
	out := make([]int, 0, len(lines))
	for _, line := range lines {
		idx := line - 1
		if idx < 0 || idx >= lineCount {
			continue
		}
		out = append(out, idx)
	}
	return out
}

// IconFor maps a test status to the icon shown next to it
func IconFor(status model.Status) Category {
	if !status.Known() {
		return Uncovered
	}
	switch status {
	case model.StatusSuccess:
		return Covered
	case model.StatusFailed:
		return ErrorSource
	}
	return Uncovered
}
