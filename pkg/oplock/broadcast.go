package oplock

import (
	"context"

	"github.com/netshare/oplockd/pkg/oplockerrors"
)

// ReleaseLevel2OnChange breaks every level-II oplock on fsp's (device,
// inode): whenever the owning session performs a modifying operation
// (write, lock, truncate) on a file any session holds at level-II,
// every level-II holder must be broken. Entries owned by this process
// are broken inline under the share-mode lock; entries owned by a peer
// are sent an asynchronous level-II break and NOT waited on — level-II
// breaks have no reply protocol.
func (e *Engine) ReleaseLevel2OnChange(ctx context.Context, fh *FileHandle) {
	key := DeviceInode{Device: fh.Identity.Device, Inode: fh.Identity.Inode}
	g := e.registry.Lock(key)
	defer e.registry.Unlock(g)

	for _, entry := range e.registry.GetEntries(g, key) {
		switch entry.OplockType {
		case TypeNone:
			continue
		case TypeExclusive:
			panic(oplockerrors.Fatal("exclusive share entry found during level-II broadcast"))
		case TypeLevelII:
			e.breakLevel2Entry(ctx, g, key, entry)
		}
	}

	if fh.OplockType == TypeLevelII {
		panic(oplockerrors.Fatal("calling fsp still level-II after its own broadcast"))
	}
}

func (e *Engine) breakLevel2Entry(ctx context.Context, g Guard, key DeviceInode, entry ShareEntry) {
	if entry.Pid == e.pid {
		if fh := e.state.FindByIdentity(entry.Identity); fh != nil {
			e.breakSingleLevelIILocked(ctx, g, key, fh)
		}
		return
	}

	msg := BreakMessage{
		Command: CmdLevelIIBreak,
		Pid:     e.pid,
		Device:  entry.Identity.Device,
		Inode:   entry.Identity.Inode,
		FileID:  entry.Identity.FileID,
	}
	_ = e.transport.Send(entry.Port, msg) // fire-and-forget, no reply expected
}
