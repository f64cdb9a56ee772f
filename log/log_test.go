package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringToLogLevel(t *testing.T) {
	assert.Equal(t, LOG_LEVEL_FATAL, StringToLogLevel("fatal"))
	assert.Equal(t, LOG_LEVEL_WARN, StringToLogLevel("warn"))
	assert.Equal(t, LOG_LEVEL_WARN, StringToLogLevel("warning"))
	assert.Equal(t, LOG_LEVEL_DEBUG, StringToLogLevel("debug"))
	assert.Equal(t, LOG_LEVEL_ALL, StringToLogLevel("bogus"))
}

func TestLevelFilter(t *testing.T) {
	buf := new(bytes.Buffer)
	l := NewLogger(buf)
	l.SetLevel(LOG_LEVEL_WARN)

	l.Infof("hidden %d", 1)
	l.Warningf("shown %d", 2)
	l.Errorf("shown %d", 3)

	out := buf.String()
	assert.False(t, strings.Contains(out, "hidden"))
	assert.True(t, strings.Contains(out, "shown 2"))
	assert.True(t, strings.Contains(out, "shown 3"))
	assert.True(t, strings.Contains(out, "WARN"))
}

func TestSetOutputKeepsLevel(t *testing.T) {
	old := _log
	defer func() { _log = old }()

	SetLevelByString("error")
	buf := new(bytes.Buffer)
	SetOutput(buf)
	assert.Equal(t, LOG_LEVEL_ERROR, GetLogLevel())
	Warnf("dropped")
	Errorf("kept")
	assert.False(t, strings.Contains(buf.String(), "dropped"))
	assert.True(t, strings.Contains(buf.String(), "kept"))
}
