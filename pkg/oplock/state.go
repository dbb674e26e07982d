package oplock

import (
	"sync"

	"github.com/netshare/oplockd/pkg/oplockerrors"
)

// State is the in-process table of open FileHandles plus the
// process-wide counters. It is the only place that mutates
// FileHandle.OplockType and GlobalCounters, so the counter invariants
// have one chokepoint. The sent-break marker is set by the break
// engine when it sends a break and cleared here on release/downgrade.
type State struct {
	mu      sync.Mutex
	handles map[Identity]*FileHandle
	kernel  KernelSource

	counters GlobalCounters
}

// NewState constructs an empty state table. kernel may be nil.
func NewState(kernel KernelSource) *State {
	return &State{
		handles: make(map[Identity]*FileHandle),
		kernel:  kernel,
	}
}

// HasKernelSource reports whether a kernel notification source is
// installed, used by the break engine's target-level choice.
func (s *State) HasKernelSource() bool { return s.kernel != nil }

// Counters returns a snapshot of the process-wide counters.
func (s *State) Counters() GlobalCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Track registers a newly-opened FileHandle with TypeNone. Callers
// grant an oplock afterwards via Set.
func (s *State) Track(fh *FileHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[fh.Identity] = fh
}

// Forget removes a FileHandle at close, without touching counters —
// callers must Release any held oplock first.
func (s *State) Forget(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, id)
}

// FindByIdentity looks up a FileHandle by its stable (device, inode,
// file_id) triple. Callers must re-resolve on every loop iteration
// rather than caching the pointer across a suspension point, since a
// concurrent Forget/Release can invalidate it.
func (s *State) FindByIdentity(id Identity) *FileHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

// Set grants fh the given oplock type. It fails with
// ErrIllegalTransition when fh already holds a non-None oplock; callers
// must Release first. Fails with ErrKernelRefused when a kernel source is
// installed and declines the grant — the caller must not record the
// oplock in that case.
func (s *State) Set(fh *FileHandle, t Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fh.OplockType != TypeNone {
		return oplockerrors.New(oplockerrors.ErrIllegalTransition, "grant requested over an existing oplock")
	}

	if s.kernel != nil {
		if !s.kernel.SetOplock(fh.Identity, fh.Path, t) {
			return oplockerrors.New(oplockerrors.ErrKernelRefused, "kernel declined oplock grant")
		}
	}

	fh.OplockType = t
	switch t {
	case TypeExclusive:
		s.counters.ExclusiveOpen++
	case TypeLevelII:
		s.counters.LevelIIOpen++
	}
	return nil
}

// Release unconditionally tears fh's oplock down to TypeNone: informs
// the kernel source, decrements the counter matching the prior type,
// clears the sent-break marker, and triggers a forced write-cache
// flush classified OplockReleaseFlush.
func (s *State) Release(fh *FileHandle) {
	s.mu.Lock()
	prior := fh.OplockType
	switch prior {
	case TypeExclusive:
		s.counters.ExclusiveOpen--
	case TypeLevelII:
		s.counters.LevelIIOpen--
	}
	fh.OplockType = TypeNone
	fh.SentBreak = NoBreakSent
	if s.kernel != nil && prior != TypeNone {
		s.kernel.ReleaseOplock(fh.Identity)
	}
	exclusive := s.counters.ExclusiveOpen
	levelII := s.counters.LevelIIOpen
	s.mu.Unlock()

	if exclusive < 0 || levelII < 0 {
		panic(oplockerrors.Fatal("oplock counter went negative on release"))
	}

	if prior != TypeNone && fh.Flusher != nil {
		fh.Flusher.Flush(fh.Identity, OplockReleaseFlush)
	}
}

// Downgrade moves fh from TypeExclusive to TypeLevelII, adjusting both
// counters atomically from the owning process's viewpoint and clearing
// the sent-break marker. It fails fast (panics as a Fatal) if fh's
// prior type is not Exclusive — this is a programmer error, not a
// runtime condition callers are expected to recover from.
func (s *State) Downgrade(fh *FileHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fh.OplockType != TypeExclusive {
		panic(oplockerrors.Fatal("downgrade requested on a non-exclusive oplock"))
	}

	if s.kernel != nil {
		s.kernel.ReleaseOplock(fh.Identity)
		s.kernel.SetOplock(fh.Identity, fh.Path, TypeLevelII)
	}

	s.counters.ExclusiveOpen--
	s.counters.LevelIIOpen++
	fh.OplockType = TypeLevelII
	fh.SentBreak = NoBreakSent

	if s.counters.ExclusiveOpen < 0 {
		panic(oplockerrors.Fatal("exclusive counter went negative on downgrade"))
	}
}
