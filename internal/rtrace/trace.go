// Package rtrace adapts golang.org/x/net/trace into a small per-session
// diagnostic log: every Printf/Debugf/Errorf call both appends to the
// trace's in-memory event log (visible on the debug/requests page) and
// goes out through the toolkit's own leveled logger, tagged with the
// trace's family/title so a grep over log output can follow one session
// end to end.
package rtrace

import (
	"fmt"
	"net/http"
	"strconv"

	"blitiri.com.ar/go/log"

	nettrace "golang.org/x/net/trace"
)

func init() {
	// golang.org/x/net/trace only allows local requests by default, which
	// makes the debug page useless on a server accessed over a network.
	// Open it up; whatever serves the page is responsible for its own
	// access control.
	nettrace.AuthRequest = func(req *http.Request) (any, sensitive bool) {
		return true, true
	}
}

// maxEvents bounds how many log lines a single Trace keeps in memory.
// net/trace's own default (10) is too short to hold a full SMTP dialog.
const maxEvents = 30

// Trace is a per-session diagnostic log: one is created per accepted
// connection and Finish'd when the connection closes.
type Trace struct {
	family string
	title  string
	t      nettrace.Trace
}

// New starts a Trace identified by family/title (e.g. "SMTP",
// "1.2.3.4:5678").
func New(family, title string) *Trace {
	t := nettrace.New(family, title)
	t.SetMaxEvents(maxEvents)
	return &Trace{family: family, title: title, t: t}
}

// Printf records an informational line.
func (t *Trace) Printf(format string, a ...interface{}) {
	t.t.LazyPrintf(format, a...)
	log.Log(log.Info, 1, "%s %s: %s", t.family, t.title, quote(fmt.Sprintf(format, a...)))
}

// Debugf records a line at debug level.
func (t *Trace) Debugf(format string, a ...interface{}) {
	t.t.LazyPrintf(format, a...)
	log.Log(log.Debug, 1, "%s %s: %s", t.family, t.title, quote(fmt.Sprintf(format, a...)))
}

// Errorf formats an error, marks the trace as having failed, records it,
// and returns the formatted error so callers can `return t.Errorf(...)` in
// one line.
func (t *Trace) Errorf(format string, a ...interface{}) error {
	err := fmt.Errorf(format, a...)
	return t.Error(err)
}

// Error marks the trace as having failed and records err, returning it
// unchanged.
func (t *Trace) Error(err error) error {
	t.t.SetError()
	t.t.LazyPrintf("error: %v", err)
	log.Log(log.Info, 1, "%s %s: error: %s", t.family, t.title, quote(err.Error()))
	return err
}

// Finish closes out the trace. The Trace must not be used afterward.
func (t *Trace) Finish() {
	t.t.Finish()
}

// EventLog is the long-lived counterpart to Trace, for a log that spans
// many independent events rather than one bounded session (e.g. the
// running total of authentication attempts).
type EventLog struct {
	family string
	title  string
	e      nettrace.EventLog
}

// NewEventLog creates an EventLog identified by family/title.
func NewEventLog(family, title string) *EventLog {
	return &EventLog{family: family, title: title, e: nettrace.NewEventLog(family, title)}
}

// Printf records an informational line.
func (e *EventLog) Printf(format string, a ...interface{}) {
	e.e.Printf(format, a...)
	log.Log(log.Info, 1, "%s %s: %s", e.family, e.title, quote(fmt.Sprintf(format, a...)))
}

// Debugf records a line at debug level.
func (e *EventLog) Debugf(format string, a ...interface{}) {
	e.e.Printf(format, a...)
	log.Log(log.Debug, 1, "%s %s: %s", e.family, e.title, quote(fmt.Sprintf(format, a...)))
}

// Errorf formats an error, marks it in the event log, and returns it.
func (e *EventLog) Errorf(format string, a ...interface{}) error {
	err := fmt.Errorf(format, a...)
	e.e.Errorf("error: %v", err)
	log.Log(log.Info, 1, "%s %s: error: %s", e.family, e.title, quote(err.Error()))
	return err
}

// quote renders s the way %q would, minus the surrounding quotes, so log
// lines stay on one line even when the message contains newlines or
// control characters.
func quote(s string) string {
	qs := strconv.Quote(s)
	return qs[1 : len(qs)-1]
}
