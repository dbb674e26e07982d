package oplock

import (
	"encoding/binary"

	"github.com/netshare/oplockd/pkg/oplockerrors"
)

// Command identifies the kind of break message carried on the wire.
// CmdReply is OR'd into the command value on reply, mirroring Samba's
// CMD_REPLY bit.
type Command uint16

const (
	CmdExclusiveBreak Command = 0x0001
	CmdLevelIIBreak   Command = 0x0002
	CmdKernelBreak    Command = 0x0003
	CmdReply          Command = 0x8000
)

// BaseCommand strips the reply bit.
func (c Command) BaseCommand() Command { return c &^ CmdReply }

// IsReply reports whether the reply bit is set.
func (c Command) IsReply() bool { return c&CmdReply != 0 }

func (c Command) String() string {
	switch c.BaseCommand() {
	case CmdExclusiveBreak:
		if c.IsReply() {
			return "exclusive-break-reply"
		}
		return "exclusive-break"
	case CmdLevelIIBreak:
		if c.IsReply() {
			return "level2-break-reply"
		}
		return "level2-break"
	case CmdKernelBreak:
		return "kernel-break"
	default:
		return "unknown-command"
	}
}

// BreakMessage is the fixed-layout payload carried between oplockd
// processes on the loopback transport: 2-byte command, pid, device,
// inode, file_id, all host-endian because messages never leave the
// host. OPLOCKBreakMsgLen is the wire size of this payload. No in-band
// envelope is added: the transport sends this payload as the whole
// datagram and takes the length and origin port from UDP's own framing
// and source address.
type BreakMessage struct {
	Command Command
	Pid     int32
	Device  uint64
	Inode   uint64
	FileID  uint32
}

// OPLOCKBreakMsgLen is the fixed wire length of an encoded
// BreakMessage: 2 (cmd) + 4 (pid) + 8 (device) + 8 (inode) + 4 (file_id).
const OPLOCKBreakMsgLen = 2 + 4 + 8 + 8 + 4

const (
	cmdOffset    = 0
	pidOffset    = 2
	deviceOffset = 6
	inodeOffset  = 14
	fileIDOffset = 22
)

// Encode writes m in the fixed wire layout, returning exactly
// OPLOCKBreakMsgLen bytes.
func Encode(m BreakMessage) []byte {
	buf := make([]byte, OPLOCKBreakMsgLen)
	binary.NativeEndian.PutUint16(buf[cmdOffset:], uint16(m.Command))
	binary.NativeEndian.PutUint32(buf[pidOffset:], uint32(m.Pid))
	binary.NativeEndian.PutUint64(buf[deviceOffset:], m.Device)
	binary.NativeEndian.PutUint64(buf[inodeOffset:], m.Inode)
	binary.NativeEndian.PutUint32(buf[fileIDOffset:], m.FileID)
	return buf
}

// Decode parses buf as a BreakMessage. It fails with ErrMalformed when
// the length does not match OPLOCKBreakMsgLen. An unsolicited reply —
// the reply bit set with no corresponding in-flight break to match it
// against — is not detected here; Engine.HandleIncoming carries that
// distinction because only it knows what is currently awaited.
func Decode(buf []byte) (BreakMessage, error) {
	if len(buf) != OPLOCKBreakMsgLen {
		return BreakMessage{}, oplockerrors.Newf(oplockerrors.ErrMalformed,
			"bad break message length", "got %d want %d", len(buf), OPLOCKBreakMsgLen)
	}
	return BreakMessage{
		Command: Command(binary.NativeEndian.Uint16(buf[cmdOffset:])),
		Pid:     int32(binary.NativeEndian.Uint32(buf[pidOffset:])),
		Device:  binary.NativeEndian.Uint64(buf[deviceOffset:]),
		Inode:   binary.NativeEndian.Uint64(buf[inodeOffset:]),
		FileID:  binary.NativeEndian.Uint32(buf[fileIDOffset:]),
	}, nil
}

// Reply builds the reply datagram for a received break message: same
// identity fields, CmdReply OR'd into the command, matching the
// original's SSVAL(msg_start, OPBRK_MESSAGE_CMD_OFFSET, cmd|CMD_REPLY)
// before echoing the message back to the sender.
func Reply(m BreakMessage) BreakMessage {
	r := m
	r.Command = m.Command | CmdReply
	return r
}

// MatchesReply reports whether reply is the reply to awaited,
// i.e. same base command, reply bit set, and identical
// pid/device/inode/file_id — the equality test the break engine's
// reply-matching loop performs (§5 "Ordering guarantees").
func MatchesReply(awaited, reply BreakMessage) bool {
	return reply.Command.IsReply() &&
		reply.Command.BaseCommand() == awaited.Command.BaseCommand() &&
		reply.Pid == awaited.Pid &&
		reply.Device == awaited.Device &&
		reply.Inode == awaited.Inode &&
		reply.FileID == awaited.FileID
}
