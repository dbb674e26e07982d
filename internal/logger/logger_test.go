package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer for testing.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false
	mu.Unlock()

	reconfigure()

	cleanup := func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		reconfigure()
	}

	return buf, cleanup
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugLevelShowsAllMessages", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.Contains(t, out, "debug message")
		assert.Contains(t, out, "info message")
		assert.Contains(t, out, "warn message")
		assert.Contains(t, out, "error message")
	})

	t.Run("WarnLevelHidesDebugAndInfo", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("WARN")

		Debug("debug message")
		Info("info message")
		Warn("warn message")

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.NotContains(t, out, "info message")
		assert.Contains(t, out, "warn message")
	})
}

func TestJSONFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("DEBUG")
	SetFormat("json")
	defer SetFormat("text")

	Info("break sent", Command("LOCKING_ANDX").Key, "LOCKING_ANDX", Device(0x801).Key, uint64(0x801))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "break sent", decoded["msg"])
}

func TestSetLevelIgnoresInvalidValues(t *testing.T) {
	SetLevel("INFO")
	before := currentLevel.Load()

	SetLevel("NOT_A_LEVEL")

	assert.Equal(t, before, currentLevel.Load())
}

func TestSetFormatIgnoresInvalidValues(t *testing.T) {
	SetFormat("text")
	SetFormat("xml")

	format, _ := currentFormat.Load().(string)
	assert.Equal(t, "text", format)
}

func TestContextFieldsAreInjected(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("DEBUG")
	SetFormat("json")
	defer SetFormat("text")

	lc := NewLogContext("127.0.0.1").WithCommand("OPLOCK_BREAK").WithSession(42)
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "dispatch")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "OPLOCK_BREAK", decoded[KeyCommand])
	assert.EqualValues(t, 42, decoded[KeySessionID])
	assert.Equal(t, "127.0.0.1", decoded[KeyClientIP])
}

func TestFieldConstructors(t *testing.T) {
	assert.Equal(t, KeyDevice, Device(1).Key)
	assert.Equal(t, KeyInode, Inode(2).Key)
	assert.Equal(t, KeyFileID, FileID(3).Key)
	assert.Equal(t, KeyPid, Pid(4).Key)
	assert.Equal(t, KeyPort, Port(5).Key)
	assert.Equal(t, KeyExclusiveOpen, ExclusiveOpen(1).Key)
	assert.Equal(t, KeyLevelIIOpen, LevelIIOpen(1).Key)

	zero := Err(nil)
	assert.True(t, zero.Equal(zero))
}

func TestDurationHelper(t *testing.T) {
	d := Duration(time.Now().Add(-5 * time.Millisecond))
	assert.Greater(t, d, 0.0)
}

func TestColorOutputDoesNotPanic(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	mu.Lock()
	useColor = true
	mu.Unlock()
	reconfigure()

	Info("colored")

	assert.True(t, strings.Contains(buf.String(), "colored"))
}
