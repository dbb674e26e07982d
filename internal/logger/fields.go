package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging across the oplock subsystem.
// Use these keys consistently so log lines can be aggregated and queried.
const (
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	KeyCommand   = "command"
	KeySessionID = "session_id"
	KeyClientIP  = "client_ip"

	KeyDevice = "device"
	KeyInode  = "inode"
	KeyFileID = "file_id"
	KeyPid    = "pid"
	KeyPort   = "port"

	KeyOplockType  = "oplock_type"
	KeyBreakTarget = "break_target"
	KeyBreakOrigin = "break_origin"

	KeyExclusiveOpen = "exclusive_open"
	KeyLevelIIOpen   = "level_ii_open"

	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
)

// TraceID returns a slog.Attr for a trace ID.
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// SpanID returns a slog.Attr for a span ID.
func SpanID(id string) slog.Attr { return slog.String(KeySpanID, id) }

// Command returns a slog.Attr for an SMB command name.
func Command(name string) slog.Attr { return slog.String(KeyCommand, name) }

// SessionID returns a slog.Attr for an owning session reference.
func SessionID(id uint64) slog.Attr { return slog.Uint64(KeySessionID, id) }

// ClientIP returns a slog.Attr for a client address.
func ClientIP(addr string) slog.Attr { return slog.String(KeyClientIP, addr) }

// Device returns a slog.Attr for a device id.
func Device(dev uint64) slog.Attr { return slog.Uint64(KeyDevice, dev) }

// Inode returns a slog.Attr for an inode number.
func Inode(ino uint64) slog.Attr { return slog.Uint64(KeyInode, ino) }

// FileID returns a slog.Attr for the per-process file identity disambiguator.
func FileID(id uint32) slog.Attr { return slog.Uint64(KeyFileID, uint64(id)) }

// Pid returns a slog.Attr for a process id.
func Pid(pid int32) slog.Attr { return slog.Int64(KeyPid, int64(pid)) }

// Port returns a slog.Attr for a loopback UDP port.
func Port(port uint16) slog.Attr { return slog.Uint64(KeyPort, uint64(port)) }

// OplockType returns a slog.Attr for an oplock type's string form.
func OplockType(t fmt.Stringer) slog.Attr { return slog.String(KeyOplockType, t.String()) }

// BreakTarget returns a slog.Attr describing the chosen break target.
func BreakTarget(target string) slog.Attr { return slog.String(KeyBreakTarget, target) }

// BreakOrigin returns a slog.Attr describing whether a break was locally or remotely provoked.
func BreakOrigin(origin string) slog.Attr { return slog.String(KeyBreakOrigin, origin) }

// ExclusiveOpen returns a slog.Attr for the process-wide exclusive oplock counter.
func ExclusiveOpen(n int32) slog.Attr { return slog.Int64(KeyExclusiveOpen, int64(n)) }

// LevelIIOpen returns a slog.Attr for the process-wide level-II oplock counter.
func LevelIIOpen(n int32) slog.Attr { return slog.Int64(KeyLevelIIOpen, int64(n)) }

// DurationMsAttr returns a slog.Attr for an operation duration in milliseconds.
func DurationMsAttr(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error value, or a no-op attr if err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a numeric/string error code.
func ErrorCode(code string) slog.Attr { return slog.String(KeyErrorCode, code) }
