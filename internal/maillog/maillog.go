// Package maillog implements a log specifically for outbound delivery
// events: a message entering the queue, each delivery attempt a worker
// reports, a deferral loop completing, and a permanent failure turning
// into a bounce. It is deliberately narrower than the teacher's
// maillog, which also logged inbound SMTP authentication and rejection
// events; those belong to the SMTP reception frontend, which is out of
// scope for this queue core (spec.md §1).
package maillog

import (
	"fmt"
	"io"
	"io/ioutil"
	"log/syslog"
	"sync"
	"time"

	"github.com/chasquid-relay/zoneq/internal/log"
	"github.com/chasquid-relay/zoneq/internal/trace"
)

// Global event logs.
var (
	queueLog = trace.NewEventLog("Queue", "Outbound delivery")
)

// A writer that prepends timing information.
type timedWriter struct {
	w io.Writer
}

// Write the given buffer, prepending timing information.
func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger contains a backend used to log data to, such as a file or syslog.
// It implements various user-friendly methods for logging mail information to
// it.
type Logger struct {
	w    io.Writer
	once sync.Once
}

// New creates a new Logger which will write messages to the given writer.
func New(w io.Writer) *Logger {
	return &Logger{w: timedWriter{w}}
}

// NewSyslog creates a new Logger which will write messages to syslog.
func NewSyslog() (*Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "zoneqd")
	if err != nil {
		return nil, err
	}

	l := &Logger{w: w}
	return l, nil
}

func (l *Logger) printf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(l.w, format, args...)
	if err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to maillog: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

// Listening logs that the daemon is listening on the given address.
func (l *Logger) Listening(a string) {
	l.printf("daemon listening on %s\n", a)
}

// Queued logs that a message has entered the queue, one row per
// recipient (spec.md §3).
func (l *Logger) Queued(id, from string, to []string) {
	msg := fmt.Sprintf("%s from=%s queued to=%v\n", id, from, to)
	l.printf(msg)
	queueLog.Debugf(msg)
}

// SendAttempt logs the outcome a worker reported for one delivery
// attempt (spec.md §4.8): nil err means accepted, otherwise permanent
// distinguishes a bounce-bound failure from one that will be retried.
func (l *Logger) SendAttempt(id, from, to string, err error, permanent bool) {
	if err == nil {
		l.printf("%s from=%s to=%s sent\n", id, from, to)
	} else {
		t := "(temporary)"
		if permanent {
			t = "(permanent)"
		}
		l.printf("%s from=%s to=%s failed %s: %v\n", id, from, to, t, err)
	}
}

// QueueLoop logs that a delivery row has completed one scheduling pass,
// either deferred for nextDelay or fully resolved (spec.md §4.7/§4.8).
func (l *Logger) QueueLoop(id, from string, nextDelay time.Duration) {
	if nextDelay > 0 {
		l.printf("%s from=%s completed loop, next in %v\n", id, from, nextDelay)
	} else {
		l.printf("%s from=%s all done\n", id, from)
	}
}

// Bounced logs that a delivery was given up on permanently and a DSN was
// generated and resubmitted to from (spec.md §4.8/§4.15).
func (l *Logger) Bounced(id, from, reason string) {
	l.printf("%s from=%s bounced: %s\n", id, from, reason)
}

// Default logger, used in the following top-level functions.
var Default = New(ioutil.Discard)

// Listening logs that the daemon is listening on the given address.
func Listening(a string) {
	Default.Listening(a)
}

// Queued logs that a message has entered the queue.
func Queued(id, from string, to []string) {
	Default.Queued(id, from, to)
}

// SendAttempt logs that we have attempted to send an email.
func SendAttempt(id, from, to string, err error, permanent bool) {
	Default.SendAttempt(id, from, to, err, permanent)
}

// QueueLoop logs that we have completed a queue loop.
func QueueLoop(id, from string, nextDelay time.Duration) {
	Default.QueueLoop(id, from, nextDelay)
}

// Bounced logs that a delivery was bounced.
func Bounced(id, from, reason string) {
	Default.Bounced(id, from, reason)
}
