package oplock

import (
	"sync"

	"github.com/netshare/oplockd/pkg/oplockerrors"
)

// DeviceInode is the share-mode registry's key (spec.md §4.3): entries
// are scoped per (device, inode), not per file_id — a single inode can
// have several open handles but only one set of share entries.
type DeviceInode struct {
	Device uint64
	Inode  uint64
}

// Guard is the token returned by Registry.Lock; it must be passed
// back to Unlock. All mutators require the caller hold the matching
// guard for the same key (spec.md §4.3).
type Guard struct {
	key DeviceInode
}

// Registry is the share-mode registry adapter: locked read/modify/
// write of per-(device,inode) share entries. Per spec.md §4.3 and §1,
// the registry itself is external and persistent across processes;
// this interface is the only contract this core depends on. A real
// implementation (backed by a database shared across server
// processes) is explicitly out of scope — see DESIGN.md.
type Registry interface {
	Lock(key DeviceInode) Guard
	Unlock(g Guard)

	GetEntries(g Guard, key DeviceInode) []ShareEntry
	Put(g Guard, key DeviceInode, entry ShareEntry)
	RemoveOplock(g Guard, key DeviceInode, id Identity)
	DowngradeOplock(g Guard, key DeviceInode, id Identity)
}

// MemRegistry is the in-process default Registry implementation. It
// satisfies the adapter contract for a single process/tests; it does
// NOT provide cross-process durability — spec.md §1 names the
// share-mode database's implementation details as an external
// collaborator, and dropping a real multi-writer store in its place
// was a deliberate scope decision (see DESIGN.md).
type MemRegistry struct {
	mu      sync.Mutex
	locks   map[DeviceInode]*sync.Mutex
	entries map[DeviceInode][]ShareEntry
}

// NewMemRegistry constructs an empty in-memory registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		locks:   make(map[DeviceInode]*sync.Mutex),
		entries: make(map[DeviceInode][]ShareEntry),
	}
}

func (r *MemRegistry) lockFor(key DeviceInode) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// Lock acquires the per-key lock and returns a Guard scoped to key.
func (r *MemRegistry) Lock(key DeviceInode) Guard {
	r.lockFor(key).Lock()
	return Guard{key: key}
}

// Unlock releases the lock associated with g.
func (r *MemRegistry) Unlock(g Guard) {
	r.lockFor(g.key).Unlock()
}

func (r *MemRegistry) requireGuard(g Guard, key DeviceInode) {
	if g.key != key {
		panic(oplockerrors.Fatal("share-mode registry mutator called without matching lock guard"))
	}
}

// GetEntries returns a copy of the current share entries for key.
func (r *MemRegistry) GetEntries(g Guard, key DeviceInode) []ShareEntry {
	r.requireGuard(g, key)
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.entries[key]
	out := make([]ShareEntry, len(src))
	copy(out, src)
	return out
}

// Put inserts or replaces the entry matching entry.Identity.
func (r *MemRegistry) Put(g Guard, key DeviceInode, entry ShareEntry) {
	r.requireGuard(g, key)
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.entries[key]
	for i, e := range entries {
		if e.Identity == entry.Identity {
			entries[i] = entry
			r.entries[key] = entries
			return
		}
	}
	r.entries[key] = append(entries, entry)
}

// RemoveOplock deletes the entry matching id from key's entry list.
func (r *MemRegistry) RemoveOplock(g Guard, key DeviceInode, id Identity) {
	r.requireGuard(g, key)
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.entries[key]
	for i, e := range entries {
		if e.Identity == id {
			r.entries[key] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// DowngradeOplock moves the entry matching id to TypeLevelII in place.
func (r *MemRegistry) DowngradeOplock(g Guard, key DeviceInode, id Identity) {
	r.requireGuard(g, key)
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.entries[key]
	for i, e := range entries {
		if e.Identity == id {
			entries[i].OplockType = TypeLevelII
			return
		}
	}
}
