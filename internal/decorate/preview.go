package decorate

import (
	"regexp"
	"strings"

	"github.com/rickchristie/govner/crunchwatch/internal/model"
)

const summaryMarker = "== short test summary info =="

// locationPrefix matches the "path:line: " pytest puts before the message
var locationPrefix = regexp.MustCompile(`^.*?:\d+: `)

// Preview is the inline explanation shown after an error-source line
type Preview struct {
	Fqn    string `json:"fqn"`
	Line   int    `json:"line"` // 0-based
	Text   string `json:"text"`
	Detail string `json:"detail"` // Markdown: captured output and traceback
}

// ErrorPreview extracts the failure message from the line preceding pytest's
// short test summary. ok is false when the result has no captured exception
// or its output has no recognizable message.
func ErrorPreview(r *model.TestResult) (p Preview, ok bool) {
	if r == nil || r.CapturedException == nil {
		return Preview{}, false
	}

	out := strings.Split(r.CapturedOutput, "\n")
	idx := -1
	for i, line := range out {
		if strings.Contains(line, summaryMarker) {
			idx = i - 1
			break
		}
	}
	if idx < 0 {
		return Preview{}, false
	}

	loc := locationPrefix.FindStringIndex(out[idx])
	if loc == nil {
		return Preview{}, false
	}

	var detail strings.Builder
	detail.WriteString("### Test Output  \n```txt\n")
	detail.WriteString(r.CapturedOutput)
	detail.WriteString("\n```\n### Stack Trace  \n```python\n")
	detail.WriteString(r.CapturedException.FullTraceback)
	detail.WriteString("\n```\n")

	return Preview{
		Fqn:    r.Fqn(),
		Line:   r.CapturedException.LineNumber - 1,
		Text:   out[idx][loc[1]:],
		Detail: detail.String(),
	}, true
}

// Previews returns the previews that can be extracted from results, skipping
// those whose line falls outside [0, lineCount).
func Previews(results []*model.TestResult, lineCount int) []Preview {
	out := make([]Preview, 0, len(results))
	for _, r := range results {
		p, ok := ErrorPreview(r)
		if !ok || p.Line < 0 || p.Line >= lineCount {
			continue
		}
		out = append(out, p)
	}
	return out
}
