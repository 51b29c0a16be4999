// Package penetrate implements the penetrate session state machine (spec
// §4.5, C5): the concurrent rendezvous between a control client's control
// channel and arbitrary visitor connections on the public port.
package penetrate

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/fusolink/fusod/address"
	"github.com/fusolink/fusod/fallback"
	"github.com/fusolink/fusod/protocol"
	"github.com/fusolink/fusod/unpack"
	"github.com/fusolink/fusod/waitmap"
	"github.com/pkg/errors"
)

// Config holds the immutable per-session knobs (spec §3).
type Config struct {
	IsMixed             bool
	MaxWaitTime         time.Duration
	HeartbeatTimeout    time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	FallbackStrictMode  bool
	MaxRecordedBytes    int
	MaxPendingVisitors  int
}

// Accepter yields new visitor connections on the public port.
type Accepter interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// OutcomeKind discriminates the two things a session hands back to its
// caller.
type OutcomeKind int

const (
	// OutcomeMap is a paired (visitor, mapper) ready for a plain
	// bidirectional byte copy.
	OutcomeMap OutcomeKind = iota
	// OutcomeCustomize is a custom handler future (e.g. SOCKS) that the
	// caller must run to completion instead of a plain copy.
	OutcomeCustomize
)

// Outcome is what Accept returns on success.
type Outcome struct {
	Kind    OutcomeKind
	Visitor net.Conn
	Mapper  net.Conn
	Task    func(ctx context.Context) error
}

type outcomeOrErr struct {
	outcome Outcome
	err     error
}

// Session owns the control-client write half, the visitor accepter, the
// WaitMap and the unpacker for one control client. Constructing a Session
// starts its background goroutines; Accept drains the outcomes they
// produce.
type Session struct {
	cfg        Config
	clientAddr address.Address

	ctrl    net.Conn
	writeMu sync.Mutex

	accepter Accepter
	unpacker unpack.Unpacker
	waits    *waitmap.Map

	outcomes chan outcomeOrErr
	done     chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	finalErr  error
}

// New constructs a Session and starts its background goroutines
// (control receiver, heartbeat sender, accept loop). It does not itself
// perform the Bind handshake; see package session for that (C7).
func New(ctrl net.Conn, accepter Accepter, cfg Config, unpacker unpack.Unpacker) *Session {
	clientAddr := address.Address{}
	if tcpAddr, ok := ctrl.RemoteAddr().(*net.TCPAddr); ok {
		clientAddr = address.FromTCPAddr(tcpAddr)
	}

	s := &Session{
		cfg:        cfg,
		clientAddr: clientAddr,
		ctrl:       ctrl,
		accepter:   accepter,
		unpacker:   unpacker,
		waits:      waitmap.New(cfg.MaxPendingVisitors),
		outcomes:   make(chan outcomeOrErr, 64),
		done:       make(chan struct{}),
	}

	go s.recvLoop()
	go s.heartbeatLoop()
	go s.acceptLoop()

	return s
}

// ClientAddr is the control client's peer address.
func (s *Session) ClientAddr() address.Address { return s.clientAddr }

// LocalAddr is the public listening address visitors connect to.
func (s *Session) LocalAddr() net.Addr { return s.accepter.Addr() }

// Accept blocks until the next Outcome is ready, the session terminates
// (returning the terminal error), or ctx is done.
func (s *Session) Accept(ctx context.Context) (Outcome, error) {
	select {
	case item := <-s.outcomes:
		if item.err != nil {
			return Outcome{}, item.err
		}
		return item.outcome, nil
	case <-s.done:
		return Outcome{}, s.loadFinalErr()
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Close tears the session down: the public listener and control stream
// are closed, which stops the accept loop, the control receiver and the
// heartbeat sender, and every handler waiting for its mapper stream drops
// its visitor and returns. A handler still classifying its connection in
// Unpack is not interrupted by Close.
func (s *Session) Close() error {
	s.terminate(errors.New("penetrate: session closed"))
	return nil
}

func (s *Session) terminate(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.finalErr = err
		s.errMu.Unlock()

		_ = s.accepter.Close()
		_ = s.ctrl.Close()
		close(s.done)
	})
}

func (s *Session) loadFinalErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

func (s *Session) emit(item outcomeOrErr) {
	select {
	case s.outcomes <- item:
	case <-s.done:
	}
}

// writePacket serializes writes to the shared control-channel writer: the
// heartbeat sender and every handler's Map message share one writer, so
// a single in-flight write at a time keeps packets from interleaving on
// the wire (spec §5 "Ordering").
func (s *Session) writePacket(msg protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.cfg.WriteTimeout > 0 {
		_ = s.ctrl.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return protocol.SendPacket(s.ctrl, msg)
}

func (s *Session) recvLoop() {
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = s.ctrl.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		msg, err := protocol.RecvPacket(s.ctrl)
		if err != nil {
			if kind, ok := protocol.Kind(err); ok && kind == protocol.ErrKindMalformed {
				err = errors.Wrap(err, "penetrate: control channel sent a malformed packet")
			}
			s.terminate(errors.Wrap(err, "penetrate: control channel read failed"))
			return
		}

		switch m := msg.(type) {
		case protocol.Ping:
			// trace only, per spec §4.5.
		case protocol.MapError:
			if slot, ok := s.waits.Remove(m.ID); ok {
				close(slot)
			}
		default:
			// any other message in this direction: logged and ignored.
			log.Printf("penetrate: ignoring unexpected control message %T", m)
		}
	}
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.writePacket(protocol.Ping{}); err != nil {
				s.terminate(errors.Wrap(err, "penetrate: heartbeat failed"))
				return
			}
		case <-s.done:
			return
		}
	}
}

// acceptLoop is the Go-idiomatic instantiation of spec §4.5's fairness
// invariant: it runs on its own goroutine so a burst of visitor arrivals
// is never stalled behind in-flight handler work (the poll-based source
// had to re-poll its accepter eagerly after every handled future to get
// the same property; a dedicated goroutine gets it for free).
func (s *Session) acceptLoop() {
	for {
		conn, err := s.accepter.Accept()
		if err != nil {
			s.terminate(errors.Wrap(err, "penetrate: accept failed"))
			return
		}
		go s.handle(conn)
	}
}

func (s *Session) handle(conn net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MaxWaitTime)
	defer cancel()

	fb := fallback.New(conn, s.cfg.FallbackStrictMode, s.cfg.MaxRecordedBytes)
	fb.Mark()

	peer, err := s.unpacker.Unpack(ctx, fb)
	if err != nil {
		s.closeQuietly(conn)
		return
	}

	switch peer.Kind {
	case unpack.KindMapper:
		s.handleMapper(ctx, peer)
	case unpack.KindVisitor:
		s.handleVisitor(ctx, fb, peer)
	case unpack.KindFinished, unpack.KindUnknown:
		s.closeQuietly(fb)
	}
}

// handleMapper pairs a dialed-back mapper connection with the wait slot
// its correlation id was registered under. The greeting bytes Unpack
// peeked are pure framing, never payload, so they're discarded rather
// than replayed (c.f. handleVisitor, which must replay its peek).
func (s *Session) handleMapper(ctx context.Context, peer unpack.Peer) {
	peer.Stream.Discard()

	slot, ok := s.waits.Remove(peer.MapperID)
	if !ok {
		s.closeQuietly(peer.Stream)
		return
	}

	select {
	case slot <- peer.Stream:
	case <-ctx.Done():
		s.closeQuietly(peer.Stream)
	}
}

func (s *Session) handleVisitor(ctx context.Context, fb *fallback.Stream, peer unpack.Peer) {
	slotCh := make(waitmap.Slot, 1)
	id, err := s.waits.Push(slotCh)
	if err != nil {
		s.closeQuietly(fb)
		return
	}

	target := peer.Target.WithMixed(s.cfg.IsMixed)
	if err := s.writePacket(protocol.Map{ID: id, Target: target}); err != nil {
		s.waits.Remove(id)
		s.terminate(errors.Wrap(err, "penetrate: failed to notify client of new mapping"))
		return
	}

	var mapperStream *fallback.Stream
	select {
	case item, ok := <-slotCh:
		if !ok || item == nil {
			s.closeQuietly(fb)
			return
		}
		mapperStream = item.(*fallback.Stream)
	case <-ctx.Done():
		s.waits.Remove(id)
		s.closeQuietly(fb)
		return
	case <-s.done:
		s.waits.Remove(id)
		s.closeQuietly(fb)
		return
	}

	switch peer.VisitorMode {
	case unpack.VisitorForward:
		s.completeForward(fb, mapperStream)
	case unpack.VisitorConsume:
		s.completeConsume(ctx, peer.Consume, mapperStream)
	}
}

// completeForward hands the caller the paired streams for a plain
// bidirectional copy (package forward). visitor.Backward puts the
// visitor's Fallback back in Rewound state, so whatever bytes Unpack
// peeked while discriminating it are transparently replayed to the first
// Read the caller issues — the forwarder never has to know a peek
// happened at all.
func (s *Session) completeForward(visitor, mapper *fallback.Stream) {
	if err := visitor.Backward(); err != nil {
		s.closeQuietly(visitor)
		s.closeQuietly(mapper)
		return
	}

	s.emit(outcomeOrErr{outcome: Outcome{Kind: OutcomeMap, Visitor: visitor, Mapper: mapper}})
}

func (s *Session) completeConsume(ctx context.Context, consume unpack.ConsumeFunc, mapper *fallback.Stream) {
	task := func(taskCtx context.Context) error {
		return consume(taskCtx, mapper)
	}
	s.emit(outcomeOrErr{outcome: Outcome{Kind: OutcomeCustomize, Task: task}})
}

func (s *Session) closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
