package oplock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		BreakWaitMs:             0,
		BreakTimeout:            200 * time.Millisecond,
		BreakTimeoutFudgeFactor: 100 * time.Millisecond,
		KernelOplocksEnabled:    false,
		Level2OplocksPerShare:   true,
	}
}

func TestInitWithoutKernelSource(t *testing.T) {
	registry := NewMemRegistry()
	sessions := newFakeSessions()

	sub, err := Init(context.Background(), testConfig(), registry, sessions, nil, nil, nil)
	require.NoError(t, err)
	defer sub.Close()

	assert.NotZero(t, sub.Port)
	assert.Equal(t, sub.Port, sub.Transport.Port())
	assert.Nil(t, sub.Kernel)
}

func TestInitFailsWhenKernelEnabledWithoutConstructor(t *testing.T) {
	registry := NewMemRegistry()
	sessions := newFakeSessions()

	cfg := testConfig()
	cfg.KernelOplocksEnabled = true

	_, err := Init(context.Background(), cfg, registry, sessions, nil, nil, nil)
	require.Error(t, err)
}

func TestNewShareEntryCarriesSubsystemPort(t *testing.T) {
	registry := NewMemRegistry()
	sessions := newFakeSessions()

	sub, err := Init(context.Background(), testConfig(), registry, sessions, nil, nil, nil)
	require.NoError(t, err)
	defer sub.Close()

	fh := &FileHandle{Identity: Identity{Device: 1, Inode: 1, FileID: 1}, OplockType: TypeExclusive}
	entry := sub.NewShareEntry(fh)

	assert.Equal(t, sub.Port, entry.Port)
	assert.Equal(t, sub.Pid, entry.Pid)
	assert.Equal(t, TypeExclusive, entry.OplockType)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	registry := NewMemRegistry()
	sessions := newFakeSessions()

	sub, err := Init(context.Background(), testConfig(), registry, sessions, nil, nil, nil)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Serve(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
