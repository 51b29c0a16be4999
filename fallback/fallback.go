// Package fallback implements the Fallback stream (spec §4.1, C1): a
// net.Conn wrapper that lets an Unpacker peek an arbitrary prefix and
// either commit to it or rewind it so a downstream forwarder sees the same
// bytes the unpacker saw.
package fallback

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

type state int

const (
	stateForward state = iota
	stateRecording
	stateRewound
)

// ErrRecordedTooLarge is returned from Read while Recording once the
// configured cap on peeked bytes is exceeded (§9 "Fallback strict mode").
var ErrRecordedTooLarge = errors.New("fallback: recorded prefix exceeds limit")

// ErrNotDrained is returned by IntoInner when recorded bytes have not yet
// been fully re-read by a Rewound stream.
var ErrNotDrained = errors.New("fallback: recorded bytes not fully drained")

// ErrWrongState is returned by Backward when Mark was never called.
var ErrWrongState = errors.New("fallback: Backward called outside Recording state")

// Stream wraps a net.Conn, implementing net.Conn itself so it can be
// passed anywhere the underlying connection could.
type Stream struct {
	inner     net.Conn
	state     state
	recorded  []byte
	readPos   int
	strict    bool
	maxRecord int
}

// New wraps conn. In both modes every byte read while Recording is
// replayed after Backward; strict keeps the recorded buffer in memory once
// that replay has drained it, instead of freeing it. maxRecord caps the
// recorded prefix; 0 means unbounded.
func New(conn net.Conn, strict bool, maxRecord int) *Stream {
	return &Stream{inner: conn, strict: strict, maxRecord: maxRecord}
}

// Mark enters Recording. Must be called before any unpacker peek.
func (f *Stream) Mark() {
	f.state = stateRecording
}

// Retry rewinds the recording cursor to the start of whatever has been
// recorded so far without leaving Recording state. A Chain uses this
// between unpackers: a deferring unpacker may have already consumed
// bytes off the stream, and the next unpacker in the chain must see the
// exact same bytes from position 0, while anything it reads beyond what
// is already recorded is itself appended so a further unpacker down the
// chain can replay it in turn. No-op outside Recording state.
func (f *Stream) Retry() {
	if f.state == stateRecording {
		f.readPos = 0
	}
}

// Backward enters Rewound: recorded bytes become the next bytes read.
func (f *Stream) Backward() error {
	if f.state != stateRecording {
		return ErrWrongState
	}
	f.state = stateRewound
	f.readPos = 0
	return nil
}

// BackData inspects the not-yet-redelivered recorded bytes without
// consuming them.
func (f *Stream) BackData() []byte {
	if f.readPos >= len(f.recorded) {
		return nil
	}
	return f.recorded[f.readPos:]
}

// Discard abandons any recorded prefix without replaying it and returns
// the stream straight to the Forward state. Used when an unpacker's peek
// was pure framing (e.g. a mapper greeting) that must never reach
// whatever reads the stream next.
func (f *Stream) Discard() {
	f.recorded = nil
	f.readPos = 0
	f.state = stateForward
}

// IntoInner surrenders the underlying net.Conn. It is only valid in
// Forward state, or in Rewound state once recorded bytes are drained.
func (f *Stream) IntoInner() (net.Conn, error) {
	switch f.state {
	case stateForward:
		return f.inner, nil
	case stateRewound:
		if f.readPos < len(f.recorded) {
			return nil, ErrNotDrained
		}
		return f.inner, nil
	default:
		return nil, errors.New("fallback: IntoInner called while Recording")
	}
}

// Read implements net.Conn. In Recording state, every successful read is
// appended to the recorded buffer and the same bytes are returned to the
// caller. In Rewound state, recorded bytes are drained first, then reads
// continue from the underlying connection.
func (f *Stream) Read(p []byte) (int, error) {
	switch f.state {
	case stateRewound:
		if f.readPos < len(f.recorded) {
			n := copy(p, f.recorded[f.readPos:])
			f.readPos += n
			if f.readPos == len(f.recorded) && !f.strict {
				f.recorded = nil
			}
			return n, nil
		}
		return f.inner.Read(p)
	case stateRecording:
		if f.readPos < len(f.recorded) {
			n := copy(p, f.recorded[f.readPos:])
			f.readPos += n
			return n, nil
		}
		n, err := f.inner.Read(p)
		if n > 0 {
			if f.maxRecord > 0 && len(f.recorded)+n > f.maxRecord {
				return n, ErrRecordedTooLarge
			}
			f.recorded = append(f.recorded, p[:n]...)
			f.readPos += n
		}
		return n, err
	default:
		return f.inner.Read(p)
	}
}

type halfCloser interface {
	CloseWrite() error
}

// CloseWrite half-closes the underlying connection's write side when it
// supports that (e.g. *net.TCPConn), mirroring Close. This lets forward.Pipe
// propagate a half-close through a Stream the same way it would through
// the bare net.Conn, instead of always falling back to a hard Close.
func (f *Stream) CloseWrite() error {
	if hc, ok := f.inner.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return f.inner.Close()
}

func (f *Stream) Write(p []byte) (int, error)        { return f.inner.Write(p) }
func (f *Stream) Close() error                        { return f.inner.Close() }
func (f *Stream) LocalAddr() net.Addr                 { return f.inner.LocalAddr() }
func (f *Stream) RemoteAddr() net.Addr                { return f.inner.RemoteAddr() }
func (f *Stream) SetDeadline(t time.Time) error       { return f.inner.SetDeadline(t) }
func (f *Stream) SetReadDeadline(t time.Time) error   { return f.inner.SetReadDeadline(t) }
func (f *Stream) SetWriteDeadline(t time.Time) error  { return f.inner.SetWriteDeadline(t) }
