// Package ipcpub mirrors telemetry samples to a UNIX datagram socket in a
// fixed binary layout for an external ML analyzer to consume.
package ipcpub

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/Patronibo/Cpu-Guardian/internal/telemetry"
)

// WireSize is the exact encoded width of one sample, in bytes.
const WireSize = 68

// Publisher is a non-blocking, connectionless datagram client. The zero
// value is not usable; construct with Open.
type Publisher struct {
	conn *net.UnixConn

	loggedOnce sync.Once
	onError    func(error)
}

// Open creates a UNIX-domain datagram socket bound to no local address and
// connected to path. Opening failure is reported to the caller but is
// never fatal to the rest of the system: callers that choose to ignore it
// simply never publish.
func Open(path string, onError func(error)) (*Publisher, error) {
	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		return nil, fmt.Errorf("ipcpub: resolve %q: %w", path, err)
	}

	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("ipcpub: dial %q: %w", path, err)
	}

	if onError == nil {
		onError = func(error) {}
	}
	return &Publisher{conn: conn, onError: onError}, nil
}

// Send encodes sample into the fixed wire layout and issues a best-effort
// send. A missing peer or a would-block condition is dropped silently;
// every other error class is reported to onError at most once for this
// Publisher's lifetime, then suppressed.
func (p *Publisher) Send(sample telemetry.Sample) {
	if p == nil || p.conn == nil {
		return
	}

	var buf [WireSize]byte
	encode(&buf, sample)

	// net.Conn has no O_NONBLOCK toggle; an immediate write deadline gets
	// the same effect, turning a full socket buffer into ErrDeadlineExceeded
	// instead of a blocking Write.
	p.conn.SetWriteDeadline(time.Now())
	_, err := p.conn.Write(buf[:])
	if err == nil {
		return
	}
	if isDropClass(err) {
		return
	}

	p.loggedOnce.Do(func() { p.onError(fmt.Errorf("ipcpub: send: %w", err)) })
}

// Close releases the underlying socket handle.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// isDropClass reports whether err represents a would-block or no-peer
// condition that the wire contract says to drop silently rather than log.
func isDropClass(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOENT)
}

// encode writes sample into buf using the fixed 68-byte little-endian
// layout: seven 8-byte integer fields in the order the wire format
// specifies, followed by three 32-bit floats.
func encode(buf *[WireSize]byte, s telemetry.Sample) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.TimestampNS))
	binary.LittleEndian.PutUint64(buf[8:16], s.Deltas[telemetry.SlotCacheReferences])
	binary.LittleEndian.PutUint64(buf[16:24], s.Deltas[telemetry.SlotCacheMisses])
	binary.LittleEndian.PutUint64(buf[24:32], s.Deltas[telemetry.SlotBranchInstructions])
	binary.LittleEndian.PutUint64(buf[32:40], s.Deltas[telemetry.SlotBranchMisses])
	binary.LittleEndian.PutUint64(buf[40:48], s.Deltas[telemetry.SlotCycles])
	binary.LittleEndian.PutUint64(buf[48:56], s.Deltas[telemetry.SlotInstructions])
	binary.LittleEndian.PutUint32(buf[56:60], math.Float32bits(float32(s.CacheMissRate)))
	binary.LittleEndian.PutUint32(buf[60:64], math.Float32bits(float32(s.BranchMissRate)))
	binary.LittleEndian.PutUint32(buf[64:68], math.Float32bits(float32(s.IPC)))
}

// Decode parses a WireSize-byte record back into a Sample. Used only by
// tests to check the encode/decode round trip.
func Decode(buf [WireSize]byte) telemetry.Sample {
	var s telemetry.Sample
	s.TimestampNS = int64(binary.LittleEndian.Uint64(buf[0:8]))
	s.Deltas[telemetry.SlotCacheReferences] = binary.LittleEndian.Uint64(buf[8:16])
	s.Deltas[telemetry.SlotCacheMisses] = binary.LittleEndian.Uint64(buf[16:24])
	s.Deltas[telemetry.SlotBranchInstructions] = binary.LittleEndian.Uint64(buf[24:32])
	s.Deltas[telemetry.SlotBranchMisses] = binary.LittleEndian.Uint64(buf[32:40])
	s.Deltas[telemetry.SlotCycles] = binary.LittleEndian.Uint64(buf[40:48])
	s.Deltas[telemetry.SlotInstructions] = binary.LittleEndian.Uint64(buf[48:56])
	s.CacheMissRate = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[56:60])))
	s.BranchMissRate = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[60:64])))
	s.IPC = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[64:68])))
	return s
}
