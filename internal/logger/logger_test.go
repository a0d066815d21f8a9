package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerWritesComponentAndFields(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	var buf bytes.Buffer
	l := NewWithWriter("dispatch", &buf).With("index", "42")

	l.Infof("job %s done", "42")

	out := buf.String()
	assert.Contains(t, out, `"component":"dispatch"`)
	assert.Contains(t, out, `"index":"42"`)
	assert.Contains(t, out, `"message":"job 42 done"`)
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	var buf bytes.Buffer
	l := NewWithWriter("test", &buf)

	l.Infof("hidden")
	l.Debugf("hidden")
	assert.Empty(t, buf.String())

	l.Warnf("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Errorf("nothing %d", 1)
	l.With("k", "v").Warnf("still nothing")
}

func TestConsoleOutput(t *testing.T) {
	assert.True(t, consoleOutput("dev", false))
	assert.True(t, consoleOutput("", true))
	assert.False(t, consoleOutput("", false))
	assert.False(t, consoleOutput("prod", true))
}
