package test

import (
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/rdmaring/wqe"
)

// NewLogger returns a logger for tests. Output is discarded unless TEST_LOGS
// is set, either to a logrus level name or to 1, 2 or 3 for info, debug and
// trace.
func NewLogger() *logrus.Logger {
	l := logrus.New()
	level, ok := testLogLevel(os.Getenv("TEST_LOGS"))
	if !ok {
		l.SetOutput(io.Discard)
		return l
	}
	l.SetLevel(level)
	return l
}

// NewTestLogger is [NewLogger] writing through t.Log, so device logs show up
// next to the test that produced them. Entries written after the test has
// finished are dropped.
func NewTestLogger(t testing.TB) *logrus.Logger {
	l := NewLogger()
	if l.Out == io.Discard {
		return l
	}
	w := &testWriter{t: t}
	t.Cleanup(w.close)
	l.SetOutput(w)
	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	return l
}

func testLogLevel(v string) (logrus.Level, bool) {
	switch v {
	case "":
		return 0, false
	case "1":
		return logrus.InfoLevel, true
	case "2":
		return logrus.DebugLevel, true
	case "3":
		return logrus.TraceLevel, true
	}
	level, err := logrus.ParseLevel(v)
	if err != nil {
		return logrus.InfoLevel, true
	}
	return level, true
}

type testWriter struct {
	mu   sync.Mutex
	t    testing.TB
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.t.Log(strings.TrimSuffix(string(p), "\n"))
	}
	return len(p), nil
}

func (w *testWriter) close() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}

// generationHook tags entries with the generation of the emulated device so
// interleaved output of gen1 and gen2 fixtures can be told apart.
type generationHook wqe.Generation

func (h generationHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h generationHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["generation"]; !ok {
		e.Data["generation"] = wqe.Generation(h).String()
	}
	return nil
}
