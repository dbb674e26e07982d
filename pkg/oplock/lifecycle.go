package oplock

import (
	"context"
	"os"
	"time"

	"github.com/netshare/oplockd/internal/logger"
	"github.com/netshare/oplockd/pkg/oplockerrors"
)

// Config is the subset of the ambient configuration layer this core
// consumes.
type Config struct {
	BreakWaitMs             int
	BreakTimeout            time.Duration
	BreakTimeoutFudgeFactor time.Duration
	KernelOplocksEnabled    bool
	Level2OplocksPerShare   bool
}

// Subsystem is the single value that owns every piece of process-wide
// state: the transport, registry, state table, dispatcher, engine, and
// the kernel source if enabled. Keeping them as fields of one value
// constructed at Init and passed by reference avoids ambient globals.
type Subsystem struct {
	Transport  *Transport
	Registry   Registry
	State      *State
	Dispatcher *Dispatcher
	Engine     *Engine
	Kernel     KernelSource

	Pid  int32
	Port uint16
}

// Init opens the loopback UDP socket, queries its assigned port,
// installs the kernel notification source if configured, and returns
// the Subsystem whose Port every ShareEntry this process writes must
// copy. Any failure here is fatal to the server: a misconfigured or
// unavailable transport means this process can never be woken for a
// break request, which is worse than refusing to start.
func Init(ctx context.Context, cfg Config, registry Registry, sessions Sessions, newKernel func() (KernelSource, error), metrics Metrics, tracer Tracer) (*Subsystem, error) {
	var kernel KernelSource
	if cfg.KernelOplocksEnabled {
		if newKernel == nil {
			return nil, oplockerrors.Fatal("kernel_oplocks enabled but no kernel source constructor supplied")
		}
		k, err := newKernel()
		if err != nil {
			return nil, oplockerrors.Fatal("failed to install kernel oplock notification source: " + err.Error())
		}
		kernel = k
	}

	transport, err := NewTransport(kernel)
	if err != nil {
		return nil, oplockerrors.Fatal("failed to bind loopback oplock transport: " + err.Error())
	}

	state := NewState(kernel)
	dispatcher := NewDispatcher()
	pid := int32(os.Getpid())

	engineCfg := EngineConfig{
		BreakWaitMs:             cfg.BreakWaitMs,
		BreakTimeout:            cfg.BreakTimeout,
		BreakTimeoutFudgeFactor: cfg.BreakTimeoutFudgeFactor,
		Level2OplocksPerShare:   cfg.Level2OplocksPerShare,
	}
	engine := NewEngine(state, registry, transport, dispatcher, sessions, engineCfg, pid, metrics, tracer)

	logger.Info("oplock subsystem initialised", logger.Port(transport.Port()), logger.Pid(pid))

	return &Subsystem{
		Transport:  transport,
		Registry:   registry,
		State:      state,
		Dispatcher: dispatcher,
		Engine:     engine,
		Kernel:     kernel,
		Pid:        pid,
		Port:       transport.Port(),
	}, nil
}

// NewShareEntry builds the ShareEntry this process should publish for
// a newly-granted oplock, carrying this process's transport port so a
// future holder can address a break request back to it.
func (s *Subsystem) NewShareEntry(fh *FileHandle) ShareEntry {
	return ShareEntry{
		Identity:    fh.Identity,
		Pid:         s.Pid,
		Port:        s.Port,
		OplockType:  fh.OplockType,
		ShareFileID: fh.Identity.FileID,
	}
}

// Serve runs the receive loop that dispatches incoming break requests
// and replies off the loopback transport until ctx is cancelled or a
// Shutdown condition is hit, in which case it closes the transport and
// returns the error so the caller can terminate the process. Shutdown
// conditions are never recovered from.
func (s *Subsystem) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		recv, err := s.Transport.Receive(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if oplockerrors.Is(err, oplockerrors.ErrTimeout) {
				continue
			}
			if _, ok := err.(*oplockerrors.ShutdownError); ok {
				_ = s.Close()
				return err
			}
			logger.Warn("oplock transport receive failed", logger.Err(err))
			continue
		}

		if err := s.Engine.HandleIncoming(ctx, recv, false); err != nil {
			if _, ok := err.(*oplockerrors.ShutdownError); ok {
				_ = s.Close()
				return err
			}
			if _, ok := err.(*oplockerrors.FatalError); ok {
				panic(err)
			}
		}
	}
}

// Close tears down the transport (and kernel source, transitively).
func (s *Subsystem) Close() error {
	return s.Transport.Close()
}
