package tui

import "time"

// Notice is a controller notification shown in the footer
type Notice struct {
	Msg string
	Err error
	At  time.Time
}

// Notices is an engine.Notifier that queues notifications for the
// dashboard. Notifications are dropped while the queue is full.
type Notices struct {
	ch  chan Notice
	now func() time.Time
}

// NewNotices creates a queue holding up to size notifications
func NewNotices(size int) *Notices {
	return &Notices{ch: make(chan Notice, size), now: time.Now}
}

// C returns the channel notifications are delivered on
func (n *Notices) C() <-chan Notice {
	return n.ch
}

func (n *Notices) Info(msg string) {
	n.push(Notice{Msg: msg, At: n.now()})
}

func (n *Notices) Error(msg string, err error) {
	n.push(Notice{Msg: msg, Err: err, At: n.now()})
}

func (n *Notices) push(notice Notice) {
	select {
	case n.ch <- notice:
	default:
	}
}
