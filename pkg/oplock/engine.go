package oplock

import (
	"context"
	"sync"
	"time"

	"github.com/netshare/oplockd/internal/logger"
	"github.com/netshare/oplockd/pkg/oplockerrors"
)

// Outcome is the terminal result of a break engine run.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeTimedOut
)

func (o Outcome) String() string {
	if o == OutcomeTimedOut {
		return "timed-out"
	}
	return "completed"
}

// Request is one unit of client-driven work the dispatcher can either
// run immediately or defer until a break settles.
type Request struct {
	ID            string
	Command       string
	BreakInducing bool
	Run           func(ctx context.Context) error
}

// SessionChannel is the client-facing side of one server process's SMB
// session: where break notifications go out and where the next client
// request comes from while a break is being awaited. A conforming
// implementation must return promptly when ctx is cancelled or its
// deadline elapses.
type SessionChannel interface {
	// LastActivity reports when the most recent packet from this
	// client was observed, used to pace the wait before sending a
	// locally-provoked break.
	LastActivity() time.Time

	// SendBreakNotice sends the client-facing LockingAndX break
	// notification: level 1 for level-II, 0 for none.
	SendBreakNotice(ctx context.Context, level byte, fnum uint16) error

	// ReceiveRequest returns the next client request, or fails with
	// ErrTimeout/ErrEOF/ErrIO.
	ReceiveRequest(ctx context.Context, timeout time.Duration) (Request, error)
}

// Sessions resolves a FileHandle's owning SessionID to its
// SessionChannel.
type Sessions interface {
	Lookup(sessionID uint64) (SessionChannel, bool)
}

// EngineConfig carries the configuration options the break engine
// consumes.
type EngineConfig struct {
	BreakWaitMs             int
	BreakTimeout            time.Duration
	BreakTimeoutFudgeFactor time.Duration
	Level2OplocksPerShare   bool
}

// Metrics and Tracer are narrow seams the engine reports through;
// lifecycle.go wires the concrete prometheus/otel implementations.
// Both are nil-safe so tests can construct an Engine without them.
type Metrics interface {
	BreakStarted(origin Origin)
	BreakCompleted(origin Origin, outcome Outcome, duration time.Duration)
}

type Tracer interface {
	StartBreakSpan(ctx context.Context, id Identity, origin Origin) (context.Context, func(outcome Outcome, err error))
}

// Engine drives a break on a single file to completion. It also
// carries the sender-side request/reply matching, which tolerates
// reordered and duplicate messages, and the shortcut for breaking an
// oplock this same process already holds.
type Engine struct {
	state      *State
	registry   Registry
	transport  *Transport
	dispatcher *Dispatcher
	sessions   Sessions
	cfg        EngineConfig
	pid        int32
	metrics    Metrics
	tracer     Tracer

	mu              sync.Mutex
	breakInProgress bool
	failedClients   map[uint64]struct{}

	awaitingMu sync.Mutex
	awaiting   map[replyKey]chan BreakMessage
}

// NewEngine constructs a break engine. metrics/tracer may be nil.
func NewEngine(state *State, registry Registry, transport *Transport, dispatcher *Dispatcher, sessions Sessions, cfg EngineConfig, pid int32, metrics Metrics, tracer Tracer) *Engine {
	return &Engine{
		state:         state,
		registry:      registry,
		transport:     transport,
		dispatcher:    dispatcher,
		sessions:      sessions,
		cfg:           cfg,
		pid:           pid,
		metrics:       metrics,
		tracer:        tracer,
		failedClients: make(map[uint64]struct{}),
		awaiting:      make(map[replyKey]chan BreakMessage),
	}
}

// HasClientFailedBreak reports the sticky per-client flag set when a
// break to that client timed out. The flag is sticky: once set it
// persists for the life of the engine; nothing clears it.
func (e *Engine) HasClientFailedBreak(sessionID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, failed := e.failedClients[sessionID]
	return failed
}

func (e *Engine) markClientFailed(sessionID uint64) {
	e.mu.Lock()
	e.failedClients[sessionID] = struct{}{}
	e.mu.Unlock()
}

// BreakOplock is the public entry point for provoking a break on id.
// Calling it while this process's own outer break is still unwinding
// is a fatal re-entrance — a legitimate nested break (one arriving for
// an unrelated file while this process is itself waiting out a break)
// must instead arrive through HandleIncoming, which calls the
// unexported path with reentrant=true, because only a message arriving
// on the wire or the dispatcher can legitimately originate mid-wait.
func (e *Engine) BreakOplock(ctx context.Context, id Identity, origin Origin) (Outcome, error) {
	return e.breakOplock(ctx, id, origin, false)
}

// TryReclaim is the supplemented "attempt_close_oplocked_file"-style
// last-resort break: a thin wrapper over BreakOplock with Origin=Local,
// usable by an eviction path that has run out of open-file slots even
// though this core does not itself implement that table.
func (e *Engine) TryReclaim(ctx context.Context, id Identity) (Outcome, error) {
	return e.breakOplock(ctx, id, OriginLocal, false)
}

func (e *Engine) breakOplock(ctx context.Context, id Identity, origin Origin, reentrant bool) (Outcome, error) {
	// a. Lookup and fast paths.
	fh := e.state.FindByIdentity(id)
	if fh == nil || fh.OplockType == TypeNone {
		return OutcomeCompleted, nil
	}

	// b. Level-II shortcut.
	if fh.OplockType == TypeLevelII {
		return e.breakLevelIIShortcut(ctx, fh)
	}

	// c. Double-send guard.
	if fh.SentBreak != NoBreakSent {
		return OutcomeCompleted, oplockerrors.New(oplockerrors.ErrBreakInFlight, "a break is already awaiting acknowledgement for this file")
	}

	// d. Recursion guard.
	e.mu.Lock()
	if !reentrant && e.breakInProgress {
		e.mu.Unlock()
		panic(oplockerrors.Fatal("break engine re-entered while an outer break is still unwinding"))
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.BreakStarted(origin)
	}
	var endSpan func(Outcome, error)
	if e.tracer != nil {
		ctx, endSpan = e.tracer.StartBreakSpan(ctx, id, origin)
	}
	start := time.Now()

	// e. Wait-before-send pacing.
	if origin == OriginLocal {
		e.pace(ctx, fh)
	}

	// f. Choose target level.
	target := e.chooseTargetLevel(fh)

	outcome, err := e.runBreak(ctx, fh, target, reentrant)

	if e.metrics != nil {
		e.metrics.BreakCompleted(origin, outcome, time.Since(start))
	}
	if endSpan != nil {
		endSpan(outcome, err)
	}
	return outcome, err
}

// breakLevelIIShortcut hands a single level-II holder off to the same
// inline-break logic the level-II broadcast (C6) uses for its own
// process's entry, acquiring the share-mode lock itself since — unlike
// the broadcast path — no caller already holds it.
func (e *Engine) breakLevelIIShortcut(ctx context.Context, fh *FileHandle) (Outcome, error) {
	key := DeviceInode{Device: fh.Identity.Device, Inode: fh.Identity.Inode}
	g := e.registry.Lock(key)
	defer e.registry.Unlock(g)

	e.breakSingleLevelIILocked(ctx, g, key, fh)
	return OutcomeCompleted, nil
}

// breakSingleLevelIILocked performs the inline, no-wait, no-ack level-II
// break on fh. The caller must already hold the share-mode lock for
// key. Shared by breakLevelIIShortcut and broadcast.go's C6 logic.
func (e *Engine) breakSingleLevelIILocked(ctx context.Context, g Guard, key DeviceInode, fh *FileHandle) {
	if fh.NegotiatedLevelII {
		if session, ok := e.sessions.Lookup(fh.SessionID); ok {
			if err := session.SendBreakNotice(ctx, 0, fh.Fnum); err != nil {
				logger.Warn("failed to notify client of level-II break", logger.Err(err))
			}
		}
	}
	e.registry.RemoveOplock(g, key, fh.Identity)
	e.state.Release(fh)
}

func (e *Engine) chooseTargetLevel(fh *FileHandle) Type {
	if fh.NegotiatedLevelII && !e.state.HasKernelSource() && e.cfg.Level2OplocksPerShare {
		return TypeLevelII
	}
	return TypeNone
}

func (e *Engine) pace(ctx context.Context, fh *FileHandle) {
	session, ok := e.sessions.Lookup(fh.SessionID)
	if !ok {
		return
	}

	wait := time.Duration(e.cfg.BreakWaitMs)*time.Millisecond - time.Since(session.LastActivity())
	if wait <= 0 {
		return
	}
	if wait > time.Second {
		wait = time.Second
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// runBreak implements steps g-l of §4.5: send the client-facing break
// notice, mark it sent, run the reentrant reply-wait loop, restore
// state, and apply terminal handling. reentrant is the same flag
// breakOplock received: true only for a break genuinely nested inside
// an outer break's wait loop (S6), never for a fresh top-level break
// regardless of which path delivered it.
func (e *Engine) runBreak(ctx context.Context, fh *FileHandle, target Type, reentrant bool) (Outcome, error) {
	marker := ExclusiveBreakSent
	level := byte(0)
	if target == TypeLevelII {
		marker = LevelIIBreakSent
		level = 1
	}
	fh.SentBreak = marker

	session, ok := e.sessions.Lookup(fh.SessionID)
	if !ok {
		panic(oplockerrors.Fatal("no session channel for fsp undergoing its own break"))
	}

	if err := session.SendBreakNotice(ctx, level, fh.Fnum); err != nil {
		logger.Warn("failed to send break notice to client", logger.Err(err))
	}

	// Only the outermost break flips break_in_progress and drains the
	// deferred queue on its way out; a reentrant inner break (S6) finds
	// the flag already set and must leave it for the outer wait loop to
	// clear, or break-inducing requests could run while the outer break
	// is still unwinding.
	if !reentrant {
		e.mu.Lock()
		e.breakInProgress = true
		e.mu.Unlock()
		e.dispatcher.SetBreakInProgress(true)
		defer func() {
			e.mu.Lock()
			e.breakInProgress = false
			e.mu.Unlock()
			e.dispatcher.SetBreakInProgress(false)
			e.dispatcher.DrainDeferred(ctx)
		}()
	}

	outcome, shutdownErr := e.waitLoop(ctx, fh, session)
	if shutdownErr != nil {
		return outcome, shutdownErr
	}

	// k. Terminal handling.
	if outcome == OutcomeTimedOut {
		cur := e.state.FindByIdentity(fh.Identity)
		if cur != nil && cur.OplockType == TypeExclusive {
			e.forceBreakToNone(cur)
		}
		e.markClientFailed(fh.SessionID)
	}

	// l. Sanity.
	if e.state.Counters().ExclusiveOpen < 0 {
		panic(oplockerrors.Fatal("exclusive_open negative after break"))
	}

	return outcome, nil
}

// waitLoop is step i: re-look-up the fsp every iteration, service
// unrelated requests through the dispatcher, and multiplex the
// client's own session traffic with break messages arriving over the
// loopback transport — the latter is what lets S6's cross-wire
// reentry (a break for an unrelated inode arriving mid-wait) surface
// and run to completion without blocking this wait.
func (e *Engine) waitLoop(ctx context.Context, fh *FileHandle, session SessionChannel) (Outcome, error) {
	start := time.Now()

	for {
		cur := e.state.FindByIdentity(fh.Identity)
		if cur == nil || cur.OplockType != TypeExclusive {
			return OutcomeCompleted, nil
		}

		remaining := e.cfg.BreakTimeout - time.Since(start)
		if remaining <= 0 {
			return OutcomeTimedOut, nil
		}

		ev := e.pollNext(ctx, session, remaining)

		switch {
		case ev.udpRecv != nil:
			if err := e.HandleIncoming(ctx, *ev.udpRecv, true); err != nil {
				if _, fatal := err.(*oplockerrors.FatalError); fatal {
					panic(err)
				}
				return OutcomeCompleted, err // ShutdownError: propagate, caller terminates the process
			}

		case ev.sessionReq != nil:
			if derr := e.dispatcher.Submit(ctx, *ev.sessionReq); derr != nil {
				logger.Warn("request handler failed during oplock break wait", logger.Err(derr))
			}

		case oplockerrors.Is(ev.err, oplockerrors.ErrTimeout):
			// Neither source produced anything before this
			// iteration's slice of the deadline; loop and re-check.

		case ev.err != nil:
			return OutcomeCompleted, oplockerrors.Shutdown(ev.err.Error())
		}

		if time.Since(start) > e.cfg.BreakTimeout {
			return OutcomeTimedOut, nil
		}
	}
}

// waitEvent is the result of racing the session channel and the
// transport for the next iteration of the wait loop.
type waitEvent struct {
	sessionReq *Request
	udpRecv    *Received
	err        error
}

func (e *Engine) pollNext(ctx context.Context, session SessionChannel, timeout time.Duration) waitEvent {
	subCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan waitEvent, 2)

	go func() {
		req, err := session.ReceiveRequest(subCtx, timeout)
		if err != nil {
			select {
			case results <- waitEvent{err: err}:
			case <-subCtx.Done():
			}
			return
		}
		select {
		case results <- waitEvent{sessionReq: &req}:
		case <-subCtx.Done():
		}
	}()

	go func() {
		recv, err := e.transport.Receive(subCtx, timeout)
		if err != nil {
			select {
			case results <- waitEvent{err: err}:
			case <-subCtx.Done():
			}
			return
		}
		select {
		case results <- waitEvent{udpRecv: &recv}:
		case <-subCtx.Done():
		}
	}()

	select {
	case ev := <-results:
		return ev
	case <-subCtx.Done():
		return waitEvent{err: oplockerrors.New(oplockerrors.ErrTimeout, "wait loop iteration timed out")}
	}
}

func (e *Engine) forceBreakToNone(fh *FileHandle) {
	key := DeviceInode{Device: fh.Identity.Device, Inode: fh.Identity.Inode}
	g := e.registry.Lock(key)
	defer e.registry.Unlock(g)

	e.registry.RemoveOplock(g, key, fh.Identity)
	e.state.Release(fh)
}

// replyKey identifies an in-flight break by the fields the reply must
// echo back: pid+device+inode+file_id equality under the CMD_REPLY
// bit.
type replyKey struct {
	cmd    Command
	pid    int32
	device uint64
	inode  uint64
	fileID uint32
}

func keyFor(m BreakMessage) replyKey {
	return replyKey{cmd: m.Command.BaseCommand(), pid: m.Pid, device: m.Device, inode: m.Inode, fileID: m.FileID}
}

// RequestBreak is the sender side: invoked per conflicting share-mode
// entry, sending messages over the loopback transport to the peer
// process holding each conflicting oplock. When entry.Pid is this
// process's own pid, it calls the engine directly rather than
// round-tripping through the loopback socket, and panics a paranoia
// Fatal if the share entry claims local ownership but no matching open
// file exists — that combination means the state table and the
// share-mode registry have diverged.
func (e *Engine) RequestBreak(ctx context.Context, entry ShareEntry) (Outcome, error) {
	if entry.Pid == e.pid {
		if e.state.FindByIdentity(entry.Identity) == nil {
			panic(oplockerrors.Fatal("self-break paranoia: share entry claims local pid but no matching fsp"))
		}
		return e.breakOplock(ctx, entry.Identity, OriginLocal, false)
	}

	msg := BreakMessage{
		Command: CmdExclusiveBreak,
		Pid:     e.pid,
		Device:  entry.Identity.Device,
		Inode:   entry.Identity.Inode,
		FileID:  entry.Identity.FileID,
	}

	key := keyFor(msg)
	replyCh := make(chan BreakMessage, 1)
	e.awaitingMu.Lock()
	e.awaiting[key] = replyCh
	e.awaitingMu.Unlock()
	defer func() {
		e.awaitingMu.Lock()
		delete(e.awaiting, key)
		e.awaitingMu.Unlock()
	}()

	if err := e.transport.Send(entry.Port, msg); err != nil {
		return OutcomeCompleted, err
	}

	timeout := e.cfg.BreakTimeout + e.cfg.BreakTimeoutFudgeFactor
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-replyCh:
		return OutcomeCompleted, nil
	case <-timer.C:
		return OutcomeTimedOut, oplockerrors.New(oplockerrors.ErrTimeout, "peer did not reply to break request")
	case <-ctx.Done():
		return OutcomeCompleted, ctx.Err()
	}
}

// HandleIncoming processes one message received off the loopback
// transport: a reply is routed to whichever RequestBreak call is
// awaiting it (or logged as an unsolicited reply, the supplemented
// "unsolicited-reply logging" feature, if none is); anything else is a
// fresh break request, which is run through the engine with
// Origin=Remote and then acknowledged.
//
// reentrant must be true only when the caller is itself inside this
// engine's own wait loop (waitLoop, S6's cross-wire reentry) — an
// outer break is already unwinding and break_in_progress is already
// set. The top-level receive loop (Subsystem.Serve) is not nested
// inside any break of its own and must pass false, so the common S1
// path (a peer's conflicting-open break arriving fresh over the wire)
// still sets break_in_progress and drains its deferred queue like any
// other top-level break.
func (e *Engine) HandleIncoming(ctx context.Context, recv Received, reentrant bool) error {
	msg := recv.Message

	if msg.Command.IsReply() {
		key := keyFor(msg)
		e.awaitingMu.Lock()
		ch, ok := e.awaiting[key]
		e.awaitingMu.Unlock()
		if !ok {
			logger.Warn("unsolicited oplock break reply",
				logger.Pid(msg.Pid), logger.Device(msg.Device), logger.Inode(msg.Inode), logger.FileID(msg.FileID))
			return nil
		}
		select {
		case ch <- msg:
		default:
		}
		return nil
	}

	id := Identity{Device: msg.Device, Inode: msg.Inode, FileID: msg.FileID}
	if _, err := e.breakOplock(ctx, id, OriginRemote, reentrant); err != nil {
		switch err.(type) {
		case *oplockerrors.FatalError, *oplockerrors.ShutdownError:
			return err
		default:
			logger.Warn("break engine returned error while processing remote break request", logger.Err(err))
		}
	}

	if recv.FromKernel {
		return nil
	}

	reply := Reply(msg)
	if err := e.transport.Send(recv.ReplyPort, reply); err != nil {
		logger.Warn("failed to send oplock break reply", logger.Err(err))
	}
	return nil
}
