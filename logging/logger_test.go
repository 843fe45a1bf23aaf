package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, logrus.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel(""))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("verbose"))
}

func TestNewWithService_TagsEntries(t *testing.T) {
	l := NewWithService("rewards-api", Options{Level: "debug"})
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithField("k", "v").Info("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "rewards-api", entry["service"])
	assert.Equal(t, "v", entry["k"])
	assert.Equal(t, "hello", entry["msg"])
}

func TestNew_WithFileDoesNotPanic(t *testing.T) {
	l := New(Options{File: filepath.Join(t.TempDir(), "server.log")})
	l.Info("rotating")
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("discarded")
}
