// Package oplock implements the opportunistic-lock coordination core of
// the file server: state machine, break protocol, share-mode registry
// adapter, break engine, level-II broadcast and process lifecycle.
//
// It is the direct descendant of this tree's ancestor's SMB2/3 lease
// manager (pkg/metadata/lock), rebuilt around legacy SMB1 oplock
// semantics: three stable states instead of a lease-state bitmask, and
// an inter-process break protocol carried over loopback UDP instead of
// an in-process scanner.
package oplock

import "time"

// Type is the oplock a file handle currently holds. Exclusive subsumes
// batch semantics (the original treats OPLOCK_EXCLUSIVE and
// OPLOCK_BATCH identically from the break engine's point of view).
type Type int

const (
	TypeNone Type = iota
	TypeLevelII
	TypeExclusive
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeLevelII:
		return "level2"
	case TypeExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// BreakMarker records the last break this process asked the client
// about, and therefore which acknowledgement is legal. It is distinct
// from Type: a file can be mid-break (Type still Exclusive, marker
// ExclusiveBreakSent) while its client has not yet acknowledged.
type BreakMarker int

const (
	NoBreakSent BreakMarker = iota
	ExclusiveBreakSent
	LevelIIBreakSent
)

func (m BreakMarker) String() string {
	switch m {
	case NoBreakSent:
		return "none"
	case ExclusiveBreakSent:
		return "exclusive-sent"
	case LevelIIBreakSent:
		return "level2-sent"
	default:
		return "unknown"
	}
}

// Identity is the stable (device, inode, file_id) triple a FileHandle
// is looked up by. file_id disambiguates multiple opens of the same
// inode within one process; per §9's open question it must never be
// dropped in favour of (device, inode) alone.
type Identity struct {
	Device uint64
	Inode  uint64
	FileID uint32
}

// Origin distinguishes a break provoked by this process's own client
// request (Local) from one provoked by a peer over the wire (Remote).
// Local origin triggers the wait-before-send pacing of §4.5(e).
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// WriteCacheFlusher is the external VFS collaborator invoked on oplock
// release. Modelled as a supplemented feature (the original's
// unconditional flush_write_cache(fsp, OPLOCK_RELEASE_FLUSH) call in
// release_file_oplock): a real implementation lives outside this
// core's scope, so tests can substitute a fake and assert it fires
// exactly once per release.
type FlushReason int

const (
	OplockReleaseFlush FlushReason = iota
)

type WriteCacheFlusher interface {
	Flush(id Identity, reason FlushReason)
}

// FileHandle is the in-process open-file record (the original's fsp).
// The break engine never caches a *FileHandle across a suspension
// point; it re-resolves by Identity on every loop iteration because
// message processing during the wait may close the file.
type FileHandle struct {
	Identity Identity

	// Path is the filesystem path backing this handle. It is not part
	// of the stable identity (device, inode, file_id already identify
	// the file uniquely) but the optional kernel notification source
	// needs a path to install a watch/lease on.
	Path string

	SessionID uint64
	PeerPort  uint16

	OplockType Type
	SentBreak  BreakMarker

	OpenTime time.Time

	// Fnum is the client's per-session handle for this file, used when
	// building the client-facing LockingAndX break notification (§6).
	Fnum uint16

	// NegotiatedLevelII records whether the owning client negotiated
	// level-II oplock capability at protocol negotiation time (§4.5 f).
	NegotiatedLevelII bool

	// ClientFailedOplockBreak is a per-client flag field. The break
	// engine does not set it: a client whose break timed out (§4.5 k) is
	// recorded in the engine's own per-session set instead (see
	// Engine.HasClientFailedBreak). State.Set consults neither.
	ClientFailedOplockBreak bool

	Flusher WriteCacheFlusher
}

// ShareEntry is a record in the cross-process share-mode registry,
// keyed by (device, inode). Port must always equal the writing
// process's own transport port (invariant 5, §8).
type ShareEntry struct {
	Identity Identity

	Pid  int32
	Port uint16

	OplockType Type

	// ShareFileID matches the holder's FileHandle.Identity.FileID so a
	// receiving process can resolve which of its own open handles (if
	// any) the entry refers to.
	ShareFileID uint32
}

// GlobalCounters tracks process-wide open-oplock counts. Both fields
// must remain >= 0 at every quiescent point (invariant 1, §8); a
// negative value is a fatal invariant violation, never a recoverable
// error (§9 "Error coupling with counters").
type GlobalCounters struct {
	ExclusiveOpen int32
	LevelIIOpen   int32
}
