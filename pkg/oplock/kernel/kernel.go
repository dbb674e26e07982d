// Package kernel provides the optional kernel notification source for
// the oplock coordination core, backed by fsnotify/inotify.
//
// Samba's own HAVE_KERNEL_OPLOCKS_LINUX backend drives F_SETLEASE/
// F_GETLEASE directly; that syscall pair has no portable Go binding, so
// this source is grounded on fsnotify instead. An inotify watch on a
// tracked file's directory substitutes for F_SETLEASE as the signal
// that another process on the same host touched a file this process
// holds an oplock on.
package kernel

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/netshare/oplockd/internal/logger"
	"github.com/netshare/oplockd/pkg/oplock"
)

// trackedFile maps a watched path back to the Identity the break
// engine needs in order to look up the FileHandle.
type trackedFile struct {
	path string
	id   oplock.Identity
}

// Source is an fsnotify-backed oplock.KernelSource. It watches the
// parent directory of every tracked path (inotify only supports
// watching directories/files that exist, and watching the directory
// catches renames over the tracked file) and surfaces a synthetic
// CmdKernelBreak message whenever another process modifies a tracked
// path.
type Source struct {
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	tracked map[string]trackedFile // path -> tracked file
	dirRefs map[string]int         // watched directory -> refcount

	pending chan oplock.BreakMessage
}

// New creates a kernel notification source. Callers must call Close
// when the process shuts down.
func New() (*Source, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	s := &Source{
		watcher: w,
		tracked: make(map[string]trackedFile),
		dirRefs: make(map[string]int),
		pending: make(chan oplock.BreakMessage, 64),
	}

	go s.run()
	return s, nil
}

func (s *Source) run() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("kernel oplock source watcher error", logger.Err(err))
		}
	}
}

func (s *Source) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	s.mu.Lock()
	tf, ok := s.tracked[ev.Name]
	s.mu.Unlock()
	if !ok {
		return
	}

	msg := oplock.BreakMessage{
		Command: oplock.CmdKernelBreak,
		Device:  tf.id.Device,
		Inode:   tf.id.Inode,
		FileID:  tf.id.FileID,
	}

	select {
	case s.pending <- msg:
	default:
		logger.Warn("kernel oplock source dropped break; pending queue full",
			logger.Inode(tf.id.Inode), logger.FileID(tf.id.FileID))
	}
}

// SetOplock begins tracking path for id. fsnotify has no mechanism to
// "refuse" a watch the way F_SETLEASE can refuse a lease, so this
// implementation only returns false on a watcher-add failure.
func (s *Source) SetOplock(id oplock.Identity, path string, _ oplock.Type) bool {
	dir := filepath.Dir(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dirRefs[dir] == 0 {
		if err := s.watcher.Add(dir); err != nil {
			logger.Warn("kernel oplock source failed to watch directory", logger.Err(err))
			return false
		}
	}
	s.dirRefs[dir]++
	s.tracked[path] = trackedFile{path: path, id: id}
	return true
}

// ReleaseOplock stops tracking the path associated with id, if found,
// and removes the directory watch once nothing else references it.
func (s *Source) ReleaseOplock(id oplock.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for path, tf := range s.tracked {
		if tf.id != id {
			continue
		}
		delete(s.tracked, path)

		dir := filepath.Dir(path)
		s.dirRefs[dir]--
		if s.dirRefs[dir] <= 0 {
			delete(s.dirRefs, dir)
			_ = s.watcher.Remove(dir)
		}
		return
	}
}

// HasMessage reports whether a kernel-originated break is pending.
func (s *Source) HasMessage() bool {
	return len(s.pending) > 0
}

// ReceiveMessage returns the next kernel break payload.
func (s *Source) ReceiveMessage() (oplock.BreakMessage, error) {
	return <-s.pending, nil
}

// Close stops the watcher and its event loop.
func (s *Source) Close() error {
	return s.watcher.Close()
}
