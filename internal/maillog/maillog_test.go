package maillog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chasquid-relay/zoneq/internal/log"
)

func expect(t *testing.T, buf *bytes.Buffer, s string) {
	if strings.Contains(buf.String(), s) {
		return
	}
	t.Errorf("buffer mismatch:")
	t.Errorf("  expected to contain: %q", s)
	t.Errorf("  got: %q", buf.String())
}

func TestLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf)

	l.Listening("1.2.3.4:4321")
	expect(t, buf, "daemon listening on 1.2.3.4:4321")
	buf.Reset()

	l.Queued("qid", "from", []string{"to1", "to2"})
	expect(t, buf, "qid from=from queued to=[to1 to2]")
	buf.Reset()

	l.SendAttempt("qid", "from", "to", nil, false)
	expect(t, buf, "qid from=from to=to sent")
	buf.Reset()

	l.SendAttempt("qid", "from", "to", fmt.Errorf("error"), false)
	expect(t, buf, "qid from=from to=to failed (temporary): error")
	buf.Reset()

	l.SendAttempt("qid", "from", "to", fmt.Errorf("error"), true)
	expect(t, buf, "qid from=from to=to failed (permanent): error")
	buf.Reset()

	l.QueueLoop("qid", "from", 17*time.Second)
	expect(t, buf, "qid from=from completed loop, next in 17s")
	buf.Reset()

	l.QueueLoop("qid", "from", 0)
	expect(t, buf, "qid from=from all done")
	buf.Reset()

	l.Bounced("qid", "from", "550 unknown user")
	expect(t, buf, "qid from=from bounced: 550 unknown user")
	buf.Reset()
}

// Test that the default actions go reasonably to the default logger.
// Unfortunately this is almost the same as TestLogger.
func TestDefault(t *testing.T) {
	buf := &bytes.Buffer{}
	Default = New(buf)

	Listening("1.2.3.4:4321")
	expect(t, buf, "daemon listening on 1.2.3.4:4321")
	buf.Reset()

	Queued("qid", "from", []string{"to1", "to2"})
	expect(t, buf, "qid from=from queued to=[to1 to2]")
	buf.Reset()

	SendAttempt("qid", "from", "to", nil, false)
	expect(t, buf, "qid from=from to=to sent")
	buf.Reset()

	SendAttempt("qid", "from", "to", fmt.Errorf("error"), false)
	expect(t, buf, "qid from=from to=to failed (temporary): error")
	buf.Reset()

	SendAttempt("qid", "from", "to", fmt.Errorf("error"), true)
	expect(t, buf, "qid from=from to=to failed (permanent): error")
	buf.Reset()

	QueueLoop("qid", "from", 17*time.Second)
	expect(t, buf, "qid from=from completed loop, next in 17s")
	buf.Reset()

	QueueLoop("qid", "from", 0)
	expect(t, buf, "qid from=from all done")
	buf.Reset()

	Bounced("qid", "from", "550 unknown user")
	expect(t, buf, "qid from=from bounced: 550 unknown user")
	buf.Reset()
}

// io.Writer that fails all write operations, for testing.
type failedWriter struct{}

func (w *failedWriter) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("test error")
}

// Test that we complain (only once) when we can't log. The complaint goes
// through internal/log, so point it at a temp file to inspect what landed.
func TestFailedLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "zoneqd.log")
	fileLog, err := log.NewFile(logPath, log.Error)
	if err != nil {
		t.Fatal(err)
	}
	log.Default = fileLog

	// Set up a maillog that will use a writer which always fails, to
	// trigger the condition.
	failedw := &failedWriter{}
	l := New(failedw)

	// Log something, which should fail. Then verify that the error
	// message landed in the log file.
	l.printf("123 testing")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "failed to write to maillog: test error") {
		t.Errorf("log did not contain expected message. Log: %#v", string(data))
	}

	// Further attempts should not generate any other errors.
	before := len(data)
	l.printf("123 testing")
	data, err = os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != before {
		t.Errorf("expected second attempt to not log, but log grew: %#v", string(data[before:]))
	}
}
