package log

import "testing"

func TestLevels(t *testing.T) {
	l := New(Debug)
	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Errorf("error %d", 3)
}

func TestReopenNoPath(t *testing.T) {
	l := New(Info)
	if err := l.Reopen(); err != nil {
		t.Fatalf("Reopen on stderr logger should be a no-op: %v", err)
	}
}
