package oplock

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/netshare/oplockd/internal/logger"
	"github.com/netshare/oplockd/pkg/oplockerrors"
)

// KernelSource is the optional kernel notification source: the four
// operations any HAVE_KERNEL_OPLOCKS_*-style backend needs to
// implement. A concrete fsnotify-backed implementation lives in
// pkg/oplock/kernel.
type KernelSource interface {
	// HasMessage reports whether a kernel-originated break is pending
	// without blocking.
	HasMessage() bool

	// ReceiveMessage returns the next kernel break payload.
	ReceiveMessage() (BreakMessage, error)

	// SetOplock asks the kernel to grant the file at path the given
	// type. Returning false means the kernel refused; the caller must
	// not record the oplock (ErrKernelRefused).
	SetOplock(id Identity, path string, t Type) bool

	// ReleaseOplock informs the kernel an oplock was released or
	// downgraded away.
	ReleaseOplock(id Identity)

	Close() error
}

// Transport is the localhost datagram endpoint: bound to loopback on
// an OS-assigned ephemeral port, multiplexing an optional KernelSource
// alongside the UDP socket, kernel-source-first so kernel-driven
// breaks cannot be starved by a flood of peer messages.
type Transport struct {
	conn   *net.UDPConn
	port   uint16
	kernel KernelSource
}

// NewTransport opens a UDP endpoint on 127.0.0.1:0 and caches the
// OS-assigned port for advertisement via ShareEntry.Port. kernel may be
// nil when no kernel notification source is configured.
func NewTransport(kernel KernelSource) (*Transport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, oplockerrors.Newf(oplockerrors.ErrIO, "failed to bind loopback transport", "%v", err)
	}

	port := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	return &Transport{conn: conn, port: port, kernel: kernel}, nil
}

// Port returns the ephemeral port this process's transport is bound
// to — the value every ShareEntry this process writes must carry.
func (t *Transport) Port() uint16 { return t.port }

// Close shuts down the UDP socket and, if present, the kernel source.
func (t *Transport) Close() error {
	var kernelErr error
	if t.kernel != nil {
		kernelErr = t.kernel.Close()
	}
	if err := t.conn.Close(); err != nil {
		return err
	}
	return kernelErr
}

// Received is one fully-framed message plus where it came from: either
// the kernel source (ReplyPort == 0, always local) or a peer loopback
// port.
type Received struct {
	Message    BreakMessage
	FromKernel bool
	ReplyPort  uint16
}

// Receive waits up to timeout for one message, preferring the kernel
// source when both it and the UDP socket are ready. It fails with
// ErrTimeout or ErrIO, or with a *ShutdownError when the socket reports
// EOF or ctx is cancelled while waiting. Non-loopback datagrams are dropped with
// a log line and treated as "no message" rather than surfaced as an
// error — the socket is bound to loopback only, so such a datagram can
// only arrive via IP spoofing, not a legitimate peer.
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) (Received, error) {
	deadline := time.Now().Add(timeout)

	for {
		if t.kernel != nil && t.kernel.HasMessage() {
			msg, err := t.kernel.ReceiveMessage()
			if err != nil {
				return Received{}, oplockerrors.Newf(oplockerrors.ErrIO, "kernel source read failed", "%v", err)
			}
			return Received{Message: msg, FromKernel: true}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Received{}, oplockerrors.New(oplockerrors.ErrTimeout, "no break message before deadline")
		}

		if err := t.conn.SetReadDeadline(time.Now().Add(minDuration(remaining, pollInterval))); err != nil {
			return Received{}, oplockerrors.Newf(oplockerrors.ErrIO, "failed to set read deadline", "%v", err)
		}

		buf := make([]byte, OPLOCKBreakMsgLen)
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				select {
				case <-ctx.Done():
					return Received{}, oplockerrors.Shutdown("context cancelled during break wait")
				default:
					continue
				}
			}
			if errors.Is(err, io.EOF) {
				return Received{}, oplockerrors.Shutdown(err.Error())
			}
			return Received{}, oplockerrors.Newf(oplockerrors.ErrIO, "transport read failed", "%v", err)
		}

		if !addr.IP.IsLoopback() {
			logger.Warn("dropped non-loopback oplock datagram", logger.ClientIP(addr.IP.String()))
			continue
		}

		msg, err := Decode(buf[:n])
		if err != nil {
			logger.Warn("dropped malformed oplock datagram", logger.Err(err))
			continue
		}

		return Received{Message: msg, FromKernel: false, ReplyPort: uint16(addr.Port)}, nil
	}
}

// Send fires bytes at the given loopback port without waiting for
// acknowledgement; the caller is responsible for any reply matching.
func (t *Transport) Send(port uint16, m BreakMessage) error {
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(port)}
	_, err := t.conn.WriteToUDP(Encode(m), dst)
	if err != nil {
		return oplockerrors.Newf(oplockerrors.ErrIO, "transport send failed", "%v", err)
	}
	return nil
}

// pollInterval bounds how long a single ReadFromUDP call blocks so the
// kernel source can be re-polled between peer-socket timeouts.
const pollInterval = 200 * time.Millisecond

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
