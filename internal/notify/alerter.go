package notify

import (
	"fmt"
	"io"
	"sync"
)

// WriterAlerter prints a one-line alert for each newly arrived
// notification, optionally preceded by a terminal bell as the audible
// cue. Write failures are ignored; alerts never feed back into
// reconciliation.
type WriterAlerter struct {
	mu   sync.Mutex
	out  io.Writer
	bell bool
}

func NewWriterAlerter(out io.Writer, bell bool) *WriterAlerter {
	return &WriterAlerter{out: out, bell: bell}
}

func (a *WriterAlerter) Alert(n Notification) {
	if a == nil || a.out == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bell {
		_, _ = io.WriteString(a.out, "\a")
	}
	_, _ = fmt.Fprintf(a.out, "[%s] %s\n", n.Severity, n.Message)
}
