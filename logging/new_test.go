package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warning"))
	assert.Equal(t, LogLevelError, ParseLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLevel(""))
}

func TestNew(t *testing.T) {
	l, err := New(Options{Level: "debug", Format: "json", File: filepath.Join(t.TempDir(), "talkarr.log")})
	require.NoError(t, err)
	l.Info("hello")

	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}
