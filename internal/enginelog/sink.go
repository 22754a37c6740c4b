package enginelog

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stream names for engine output
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// Line is one line of engine output
type Line struct {
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Sink keeps the most recent engine output lines in a bounded ring and
// mirrors every line to the log. Output is never parsed.
type Sink struct {
	mu    sync.RWMutex
	ring  []Line
	next  int // Ring index the next line is written to
	total int // Lines written since creation (monotonic)
	log   zerolog.Logger
	now   func() time.Time
}

// NewSink creates a sink keeping at most max lines
func NewSink(max int, logger zerolog.Logger) *Sink {
	if max < 1 {
		max = 1
	}
	return &Sink{
		ring: make([]Line, 0, max),
		log:  logger,
		now:  time.Now,
	}
}

// WriteLine appends one line of output from the given stream
func (s *Sink) WriteLine(stream, text string) {
	text = strings.TrimRight(text, "\r\n")
	line := Line{Stream: stream, Text: text, At: s.now()}

	s.mu.Lock()
	if len(s.ring) < cap(s.ring) {
		s.ring = append(s.ring, line)
	} else {
		s.ring[s.next] = line
	}
	s.next = (s.next + 1) % cap(s.ring)
	s.total++
	s.mu.Unlock()

	s.log.Debug().Str("stream", stream).Msg(text)
}

// Lines returns the retained lines in chronological order
func (s *Sink) Lines() []Line {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderedLocked()
}

// Since returns the retained lines written after position pos (as returned
// by a previous call or Total) together with the new position. Lines that
// already fell out of the ring are skipped.
func (s *Sink) Since(pos int) ([]Line, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pos >= s.total {
		return nil, s.total
	}
	lines := s.orderedLocked()
	missing := s.total - pos
	if missing < len(lines) {
		lines = lines[len(lines)-missing:]
	}
	return lines, s.total
}

// Total returns how many lines were ever written
func (s *Sink) Total() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// String renders the retained lines, one per row
func (s *Sink) String() string {
	var b strings.Builder
	for _, l := range s.Lines() {
		if l.Stream == Stderr {
			b.WriteString("! ")
		}
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

func (s *Sink) orderedLocked() []Line {
	out := make([]Line, 0, len(s.ring))
	if len(s.ring) < cap(s.ring) {
		return append(out, s.ring...)
	}
	out = append(out, s.ring[s.next:]...)
	return append(out, s.ring[:s.next]...)
}
