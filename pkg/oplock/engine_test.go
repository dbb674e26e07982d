package oplock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netshare/oplockd/pkg/oplockerrors"
)

// fakeSessionChannel is a client session the test controls: it can
// deliver requests and, in particular, a request whose handler
// releases the oplock under test — standing in for the client's
// acknowledging LockingAndX.
type fakeSessionChannel struct {
	mu           sync.Mutex
	lastActivity time.Time
	queue        []Request
	notices      []byte
}

func newFakeSessionChannel() *fakeSessionChannel {
	return &fakeSessionChannel{lastActivity: time.Now()}
}

func (f *fakeSessionChannel) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

func (f *fakeSessionChannel) SendBreakNotice(ctx context.Context, level byte, fnum uint16) error {
	f.mu.Lock()
	f.notices = append(f.notices, level)
	f.mu.Unlock()
	return nil
}

func (f *fakeSessionChannel) push(req Request) {
	f.mu.Lock()
	f.queue = append(f.queue, req)
	f.mu.Unlock()
}

func (f *fakeSessionChannel) ReceiveRequest(ctx context.Context, timeout time.Duration) (Request, error) {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		if len(f.queue) > 0 {
			req := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()
			return req, nil
		}
		f.mu.Unlock()

		if time.Now().After(deadline) {
			return Request{}, oplockerrors.New(oplockerrors.ErrTimeout, "no request")
		}
		select {
		case <-ctx.Done():
			return Request{}, oplockerrors.New(oplockerrors.ErrTimeout, "context done")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type fakeSessions struct {
	mu sync.Mutex
	m  map[uint64]SessionChannel
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{m: make(map[uint64]SessionChannel)}
}

func (s *fakeSessions) register(id uint64, ch SessionChannel) {
	s.mu.Lock()
	s.m[id] = ch
	s.mu.Unlock()
}

func (s *fakeSessions) Lookup(id uint64) (SessionChannel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.m[id]
	return ch, ok
}

func testEngine(t *testing.T) (*Engine, *State, Registry, *fakeSessions) {
	t.Helper()
	state := NewState(nil)
	registry := NewMemRegistry()
	transport, err := NewTransport(nil)
	require.NoError(t, err)
	t.Cleanup(func() { transport.Close() })

	dispatcher := NewDispatcher()
	sessions := newFakeSessions()

	cfg := EngineConfig{
		BreakWaitMs:             0,
		BreakTimeout:            200 * time.Millisecond,
		BreakTimeoutFudgeFactor: 100 * time.Millisecond,
		Level2OplocksPerShare:   true,
	}

	engine := NewEngine(state, registry, transport, dispatcher, sessions, cfg, 1000, nil, nil)
	return engine, state, registry, sessions
}

func TestBreakOplockSucceedsWhenFspGone(t *testing.T) {
	engine, _, _, _ := testEngine(t)
	outcome, err := engine.BreakOplock(context.Background(), Identity{Device: 1, Inode: 1, FileID: 1}, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
}

func TestBreakOplockSucceedsWhenAlreadyNone(t *testing.T) {
	engine, state, _, _ := testEngine(t)
	fh := &FileHandle{Identity: Identity{Device: 1, Inode: 1, FileID: 1}}
	state.Track(fh)

	outcome, err := engine.BreakOplock(context.Background(), fh.Identity, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
}

func TestBreakOplockExclusiveAckByClientRelease(t *testing.T) {
	engine, state, _, sessions := testEngine(t)

	fh := &FileHandle{Identity: Identity{Device: 1, Inode: 1, FileID: 1}, SessionID: 7, NegotiatedLevelII: false}
	state.Track(fh)
	require.NoError(t, state.Set(fh, TypeExclusive))

	session := newFakeSessionChannel()
	sessions.register(7, session)

	session.push(Request{
		ID:            NewRequestID(),
		Command:       "LOCKING_ANDX",
		BreakInducing: false,
		Run: func(ctx context.Context) error {
			state.Release(fh)
			return nil
		},
	})

	outcome, err := engine.BreakOplock(context.Background(), fh.Identity, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, TypeNone, fh.OplockType)
	assert.Equal(t, []byte{0}, session.notices)
}

func TestBreakOplockTimesOutAndForciblyRemoves(t *testing.T) {
	engine, state, registry, sessions := testEngine(t)

	fh := &FileHandle{Identity: Identity{Device: 1, Inode: 1, FileID: 1}, SessionID: 7}
	state.Track(fh)
	require.NoError(t, state.Set(fh, TypeExclusive))

	key := DeviceInode{Device: 1, Inode: 1}
	g := registry.Lock(key)
	registry.Put(g, key, ShareEntry{Identity: fh.Identity, Pid: 1000, Port: 9999, OplockType: TypeExclusive})
	registry.Unlock(g)

	sessions.register(7, newFakeSessionChannel()) // never acks

	outcome, err := engine.BreakOplock(context.Background(), fh.Identity, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Equal(t, TypeNone, fh.OplockType)
	assert.True(t, engine.HasClientFailedBreak(7))

	g2 := registry.Lock(key)
	defer registry.Unlock(g2)
	assert.Empty(t, registry.GetEntries(g2, key))
}

func TestBreakOplockDoubleSendGuard(t *testing.T) {
	engine, state, _, _ := testEngine(t)

	fh := &FileHandle{Identity: Identity{Device: 1, Inode: 1, FileID: 1}, SessionID: 7, SentBreak: ExclusiveBreakSent}
	state.Track(fh)
	fh.OplockType = TypeExclusive

	_, err := engine.BreakOplock(context.Background(), fh.Identity, OriginRemote)
	require.Error(t, err)
	assert.True(t, oplockerrors.Is(err, oplockerrors.ErrBreakInFlight))
}

func TestRequestBreakSelfPidShortcut(t *testing.T) {
	engine, state, _, sessions := testEngine(t)

	fh := &FileHandle{Identity: Identity{Device: 2, Inode: 2, FileID: 2}, SessionID: 9}
	state.Track(fh)
	require.NoError(t, state.Set(fh, TypeExclusive))

	session := newFakeSessionChannel()
	sessions.register(9, session)
	session.push(Request{Run: func(ctx context.Context) error {
		state.Release(fh)
		return nil
	}})

	entry := ShareEntry{Identity: fh.Identity, Pid: 1000, Port: 0, OplockType: TypeExclusive}
	outcome, err := engine.RequestBreak(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
}

func TestRequestBreakSelfPidParanoiaPanicsWhenFspMissing(t *testing.T) {
	engine, _, _, _ := testEngine(t)

	entry := ShareEntry{Identity: Identity{Device: 5, Inode: 5, FileID: 5}, Pid: 1000, Port: 0, OplockType: TypeExclusive}
	assert.Panics(t, func() {
		_, _ = engine.RequestBreak(context.Background(), entry)
	})
}

// TestBreakOplockDefersBreakInducingRequestUntilSettled covers §9's
// reentrant-scheduler contract: a break-inducing request arriving
// during the wait loop must be queued, not run, and only replayed once
// break_in_progress has been cleared.
func TestBreakOplockDefersBreakInducingRequestUntilSettled(t *testing.T) {
	engine, state, _, sessions := testEngine(t)

	fh := &FileHandle{Identity: Identity{Device: 1, Inode: 1, FileID: 1}, SessionID: 7}
	state.Track(fh)
	require.NoError(t, state.Set(fh, TypeExclusive))

	session := newFakeSessionChannel()
	sessions.register(7, session)

	var ranWhileInProgress atomic.Bool
	var ran atomic.Bool
	session.push(Request{
		BreakInducing: true,
		Run: func(ctx context.Context) error {
			if engine.dispatcher.IsBreakInProgress() {
				ranWhileInProgress.Store(true)
			}
			ran.Store(true)
			return nil
		},
	})
	session.push(Request{
		Run: func(ctx context.Context) error {
			state.Release(fh)
			return nil
		},
	})

	outcome, err := engine.BreakOplock(context.Background(), fh.Identity, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.False(t, ranWhileInProgress.Load(), "break-inducing request must not run while break_in_progress is set")
	assert.True(t, ran.Load(), "break-inducing request must be replayed once the break settles")
	assert.False(t, engine.dispatcher.IsBreakInProgress())
}

// TestBreakOplockReentrantInnerBreakLeavesOuterFlagSet covers S6: a
// break for an unrelated inode arriving while this process awaits its
// own break must run to completion without clearing break_in_progress
// out from under the outer wait.
func TestBreakOplockReentrantInnerBreakLeavesOuterFlagSet(t *testing.T) {
	engine, state, _, sessions := testEngine(t)

	inner := &FileHandle{Identity: Identity{Device: 9, Inode: 9, FileID: 9}, SessionID: 99}
	state.Track(inner)
	require.NoError(t, state.Set(inner, TypeExclusive))

	sessInner := newFakeSessionChannel()
	sessInner.push(Request{Run: func(ctx context.Context) error {
		state.Release(inner)
		return nil
	}})
	sessions.register(99, sessInner)

	// Simulate the outer break's in-progress state, as runBreak would
	// have set it before the inner message was dispatched.
	engine.mu.Lock()
	engine.breakInProgress = true
	engine.mu.Unlock()
	engine.dispatcher.SetBreakInProgress(true)

	outcome, err := engine.breakOplock(context.Background(), inner.Identity, OriginRemote, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	assert.True(t, engine.dispatcher.IsBreakInProgress(), "reentrant inner break must not clear the outer break_in_progress flag")
}

// TestHandleIncomingTopLevelSetsBreakInProgress covers S1: a break
// request arriving fresh off the wire through the subsystem's
// top-level receive loop (not nested inside any break of this
// process's own) must still set break_in_progress for its wait loop,
// so a break-inducing request arriving concurrently is deferred rather
// than run inline.
func TestHandleIncomingTopLevelSetsBreakInProgress(t *testing.T) {
	engine, state, _, sessions := testEngine(t)

	fh := &FileHandle{Identity: Identity{Device: 4, Inode: 4, FileID: 4}, SessionID: 44}
	state.Track(fh)
	require.NoError(t, state.Set(fh, TypeExclusive))

	session := newFakeSessionChannel()
	sessions.register(44, session)

	var ranWhileInProgress atomic.Bool
	session.push(Request{
		BreakInducing: true,
		Run: func(ctx context.Context) error {
			if engine.dispatcher.IsBreakInProgress() {
				ranWhileInProgress.Store(true)
			}
			return nil
		},
	})
	session.push(Request{Run: func(ctx context.Context) error {
		state.Release(fh)
		return nil
	}})

	recv := Received{Message: BreakMessage{Command: CmdExclusiveBreak, Pid: 1000, Device: 4, Inode: 4, FileID: 4}}
	err := engine.HandleIncoming(context.Background(), recv, false)
	require.NoError(t, err)

	assert.False(t, ranWhileInProgress.Load(), "a fresh top-level break must set break_in_progress for the duration of its wait")
	assert.False(t, engine.dispatcher.IsBreakInProgress())
}

func TestBreakLevelIIShortcutRemovesFromRegistry(t *testing.T) {
	engine, state, registry, sessions := testEngine(t)

	fh := &FileHandle{Identity: Identity{Device: 3, Inode: 3, FileID: 3}, SessionID: 11, NegotiatedLevelII: true}
	state.Track(fh)
	require.NoError(t, state.Set(fh, TypeLevelII))

	key := DeviceInode{Device: 3, Inode: 3}
	g := registry.Lock(key)
	registry.Put(g, key, ShareEntry{Identity: fh.Identity, OplockType: TypeLevelII})
	registry.Unlock(g)

	session := newFakeSessionChannel()
	sessions.register(11, session)

	outcome, err := engine.BreakOplock(context.Background(), fh.Identity, OriginLocal)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, TypeNone, fh.OplockType)
	assert.Equal(t, []byte{0}, session.notices)

	g2 := registry.Lock(key)
	defer registry.Unlock(g2)
	assert.Empty(t, registry.GetEntries(g2, key))
}
