package oplock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemRegistryPutAndGetEntries(t *testing.T) {
	reg := NewMemRegistry()
	key := DeviceInode{Device: 1, Inode: 2}

	g := reg.Lock(key)
	defer reg.Unlock(g)

	entry := ShareEntry{Identity: Identity{Device: 1, Inode: 2, FileID: 3}, Pid: 100, Port: 5000, OplockType: TypeExclusive}
	reg.Put(g, key, entry)

	entries := reg.GetEntries(g, key)
	require.Len(t, entries, 1)
	assert.Equal(t, entry, entries[0])
}

func TestMemRegistryPutReplacesExistingIdentity(t *testing.T) {
	reg := NewMemRegistry()
	key := DeviceInode{Device: 1, Inode: 2}
	g := reg.Lock(key)
	defer reg.Unlock(g)

	id := Identity{Device: 1, Inode: 2, FileID: 3}
	reg.Put(g, key, ShareEntry{Identity: id, OplockType: TypeExclusive})
	reg.Put(g, key, ShareEntry{Identity: id, OplockType: TypeLevelII})

	entries := reg.GetEntries(g, key)
	require.Len(t, entries, 1)
	assert.Equal(t, TypeLevelII, entries[0].OplockType)
}

func TestMemRegistryRemoveOplock(t *testing.T) {
	reg := NewMemRegistry()
	key := DeviceInode{Device: 1, Inode: 2}
	g := reg.Lock(key)
	defer reg.Unlock(g)

	id := Identity{Device: 1, Inode: 2, FileID: 3}
	reg.Put(g, key, ShareEntry{Identity: id, OplockType: TypeExclusive})
	reg.RemoveOplock(g, key, id)

	assert.Empty(t, reg.GetEntries(g, key))
}

func TestMemRegistryDowngradeOplock(t *testing.T) {
	reg := NewMemRegistry()
	key := DeviceInode{Device: 1, Inode: 2}
	g := reg.Lock(key)
	defer reg.Unlock(g)

	id := Identity{Device: 1, Inode: 2, FileID: 3}
	reg.Put(g, key, ShareEntry{Identity: id, OplockType: TypeExclusive})
	reg.DowngradeOplock(g, key, id)

	entries := reg.GetEntries(g, key)
	require.Len(t, entries, 1)
	assert.Equal(t, TypeLevelII, entries[0].OplockType)
}

func TestMemRegistryMutatorPanicsWithoutMatchingGuard(t *testing.T) {
	reg := NewMemRegistry()
	key := DeviceInode{Device: 1, Inode: 2}
	other := DeviceInode{Device: 9, Inode: 9}
	g := reg.Lock(key)
	defer reg.Unlock(g)

	assert.Panics(t, func() {
		reg.Put(g, other, ShareEntry{})
	})
}

func TestMemRegistryLocksAreIndependentPerKey(t *testing.T) {
	reg := NewMemRegistry()
	keyA := DeviceInode{Device: 1, Inode: 1}
	keyB := DeviceInode{Device: 2, Inode: 2}

	gA := reg.Lock(keyA)
	gB := reg.Lock(keyB)
	reg.Unlock(gA)
	reg.Unlock(gB)
}
