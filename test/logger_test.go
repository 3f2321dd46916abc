package test

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/rdmaring/wqe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures t.Log output and defers cleanups until the test asks.
type recorder struct {
	testing.TB
	lines    []string
	cleanups []func()
}

func (r *recorder) Log(args ...any) { r.lines = append(r.lines, fmt.Sprint(args...)) }

func (r *recorder) Cleanup(f func()) { r.cleanups = append(r.cleanups, f) }

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		env   string
		level logrus.Level
	}{
		{"1", logrus.InfoLevel},
		{"2", logrus.DebugLevel},
		{"3", logrus.TraceLevel},
		{"warn", logrus.WarnLevel},
		{"loud", logrus.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("TEST_LOGS", tt.env)
			l := NewLogger()
			assert.Equal(t, tt.level, l.GetLevel())
			assert.NotEqual(t, io.Discard, l.Out)
		})
	}

	t.Setenv("TEST_LOGS", "")
	assert.Equal(t, io.Discard, NewLogger().Out)
}

func TestNewTestLogger(t *testing.T) {
	t.Setenv("TEST_LOGS", "1")
	r := &recorder{TB: t}
	l := NewTestLogger(r)
	l.AddHook(generationHook(wqe.Gen1))

	l.WithField("qp", 7).Info("posted")
	l.Debug("hidden")
	require.Len(t, r.lines, 1)
	assert.Contains(t, r.lines[0], "msg=posted")
	assert.Contains(t, r.lines[0], "qp=7")
	assert.Contains(t, r.lines[0], "generation=gen1")
	assert.NotContains(t, r.lines[0], "\n")

	for _, f := range r.cleanups {
		f()
	}
	l.Info("late")
	assert.Len(t, r.lines, 1)
}

func TestNewTestLogger_Discarded(t *testing.T) {
	t.Setenv("TEST_LOGS", "")
	r := &recorder{TB: t}
	l := NewTestLogger(r)
	l.Info("nothing")
	assert.Empty(t, r.lines)
	assert.Empty(t, r.cleanups)
}

func TestGenerationHook_KeepsExplicitField(t *testing.T) {
	l := logrus.New()
	buf := &bytes.Buffer{}
	l.SetOutput(buf)
	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	l.AddHook(generationHook(wqe.Gen2))

	l.WithField("generation", "gen1").Info("peer")
	assert.Contains(t, buf.String(), "generation=gen1")
	assert.NotContains(t, buf.String(), "gen2")
}
