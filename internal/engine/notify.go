package engine

import (
	"github.com/rs/zerolog"
)

// Notifier surfaces controller outcomes to the user. Error notifications
// carry the failure and should offer a way to view the engine log.
type Notifier interface {
	Info(msg string)
	Error(msg string, err error)
}

// LogNotifier writes notifications to a zerolog logger. LogPath, when set,
// is attached to errors as the place to look for engine output.
type LogNotifier struct {
	Logger  zerolog.Logger
	LogPath string
}

func (n LogNotifier) Info(msg string) {
	n.Logger.Info().Msg(msg)
}

func (n LogNotifier) Error(msg string, err error) {
	ev := n.Logger.Error().Err(err)
	if n.LogPath != "" {
		ev = ev.Str("viewLog", n.LogPath)
	}
	ev.Msg(msg)
}

// MultiNotifier forwards every notification to each of its notifiers
type MultiNotifier []Notifier

func (m MultiNotifier) Info(msg string) {
	for _, n := range m {
		n.Info(msg)
	}
}

func (m MultiNotifier) Error(msg string, err error) {
	for _, n := range m {
		n.Error(msg, err)
	}
}
