package ratelog

import (
	"bytes"
	"strings"
	"testing"
)

func TestBudgetCapsEmittedLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	for i := 0; i < Budget+10; i++ {
		l.Info("hello")
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != Budget {
		t.Fatalf("expected %d emitted lines, got %d", Budget, len(lines))
	}

	l.mu.Lock()
	suppressed := l.suppressed
	l.mu.Unlock()
	if suppressed != 10 {
		t.Fatalf("expected 10 suppressed, got %d", suppressed)
	}
}

func TestSuppressionNoticeOnRollover(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	for i := 0; i < Budget+3; i++ {
		l.Info("hello")
	}

	// Force a rollover by backdating the stored second.
	l.mu.Lock()
	l.second--
	l.mu.Unlock()

	l.Info("world")

	if !strings.Contains(buf.String(), "suppressed 3 log messages in previous second") {
		t.Fatalf("expected suppression notice, got: %s", buf.String())
	}
}

func TestErrorDemotedForExpectedNetworkFailures(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.Error("write: broken pipe")

	if !strings.Contains(buf.String(), "INFO") {
		t.Fatalf("expected broken pipe to be demoted to INFO, got: %s", buf.String())
	}
	if strings.Contains(buf.String(), "ERROR") {
		t.Fatalf("did not expect ERROR tag, got: %s", buf.String())
	}
}

func TestErrorKeptForUnexpectedFailures(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.Error("unexpected disaster")

	if !strings.Contains(buf.String(), "ERROR") {
		t.Fatalf("expected ERROR tag, got: %s", buf.String())
	}
}
