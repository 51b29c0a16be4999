// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package transport is the control channel's NAT-resilient carrier: a
// control client behind a hostile or UDP-blocking NAT dials in over KCP
// (optionally riding a raw-socket fake TCP handshake via tcpraw) instead
// of a plain TCP connection, gaining FEC, congestion control tuned for
// loss, and a choice of stream ciphers. None of this ever touches the
// visitor/mapper payload path, which stays on plain TCP.
package transport

import (
	"crypto/sha1"
	"net"
	"time"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/qpp"
	"github.com/xtaci/smux"
	"github.com/xtaci/tcpraw"
	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Salt is the fixed salt both fusod and fusoc derive the
// control-channel key with, so a control client and this server agree on
// the same key from the same pre-shared pass-phrase without exchanging it.
const pbkdf2Salt = "fuso-control-channel"

const qppPower = 8
const defaultQPPCount = 61

// Config is the negotiated shape of one control-channel transport: both
// the server's listener and a control client's dialer must agree on it.
type Config struct {
	Key       string
	Crypt     string
	Compress  bool
	EnableQPP bool
	QPPCount  int

	DataShard   int
	ParityShard int
	RawSocket   bool // dial/listen via tcpraw instead of a plain UDP socket

	SmuxVersion       int
	MaxReceiveBuffer  int
	MaxStreamBuffer   int
	MaxFrameSize      int
	KeepAliveInterval time.Duration
}

// DefaultConfig returns the knobs kcptun itself defaults to, per
// std.BuildSmuxConfig and the server's default flag values.
func DefaultConfig(key string) Config {
	return Config{
		Key:               key,
		Crypt:             "aes",
		Compress:          true,
		DataShard:         10,
		ParityShard:       3,
		SmuxVersion:       1,
		MaxReceiveBuffer:  4194304,
		MaxStreamBuffer:   2097152,
		MaxFrameSize:      4096,
		KeepAliveInterval: 10 * time.Second,
	}
}

func deriveKey(pass string) []byte {
	return pbkdf2.Key([]byte(pass), []byte(pbkdf2Salt), 4096, 32, sha1.New)
}

func (c Config) smuxConfig() (*smux.Config, error) {
	cfg := smux.DefaultConfig()
	cfg.Version = c.SmuxVersion
	cfg.MaxReceiveBuffer = c.MaxReceiveBuffer
	cfg.MaxStreamBuffer = c.MaxStreamBuffer
	cfg.MaxFrameSize = c.MaxFrameSize
	cfg.KeepAliveInterval = c.KeepAliveInterval
	if err := smux.VerifyConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "transport: invalid smux config")
	}
	return cfg, nil
}

func (c Config) blockCrypt() (kcp.BlockCrypt, error) {
	key := deriveKey(c.Key)
	block, _ := selectBlockCrypt(c.Crypt, key)
	return block, nil
}

func (c Config) wrapConn(conn net.Conn) (net.Conn, error) {
	out := conn
	if c.Compress {
		out = newCompStream(out)
	}
	if c.EnableQPP {
		count := c.QPPCount
		if count <= 0 {
			count = defaultQPPCount
		}
		seed := deriveKey(c.Key)
		pad := qpp.NewQPP(seed, uint16(count))
		out = newQPPConn(out, pad, seed)
	}
	return out, nil
}

// Listener accepts control-channel connections: each incoming KCP session
// is multiplexed with smux, and every smux stream opened on it surfaces
// as one net.Conn from Accept, exactly like a conversation on a plain TCP
// listener would.
type Listener struct {
	kcpListener *kcp.Listener
	cfg         Config
	smuxCfg     *smux.Config

	conns  chan acceptResult
	closed chan struct{}
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Listen opens a KCP listener at addr and returns a Listener that hands
// out one net.Conn per smux stream across every session dialed in.
func Listen(addr string, cfg Config) (*Listener, error) {
	block, err := cfg.blockCrypt()
	if err != nil {
		return nil, err
	}
	smuxCfg, err := cfg.smuxConfig()
	if err != nil {
		return nil, err
	}

	var ln *kcp.Listener
	if cfg.RawSocket {
		pconn, dialErr := tcpraw.Listen("tcp", addr)
		if dialErr != nil {
			return nil, errors.Wrap(dialErr, "transport: tcpraw listen failed")
		}
		ln, err = kcp.ServeConn(block, cfg.DataShard, cfg.ParityShard, pconn)
	} else {
		ln, err = kcp.ListenWithOptions(addr, block, cfg.DataShard, cfg.ParityShard)
	}
	if err != nil {
		return nil, errors.Wrap(err, "transport: kcp listen failed")
	}

	l := &Listener{
		kcpListener: ln,
		cfg:         cfg,
		smuxCfg:     smuxCfg,
		conns:       make(chan acceptResult, 64),
		closed:      make(chan struct{}),
	}
	go l.acceptSessions()
	return l, nil
}

func (l *Listener) acceptSessions() {
	for {
		kcpConn, err := l.kcpListener.AcceptKCP()
		if err != nil {
			l.deliver(acceptResult{err: errors.Wrap(err, "transport: kcp accept failed")})
			return
		}
		go l.serveSession(kcpConn)
	}
}

func (l *Listener) serveSession(kcpConn *kcp.UDPSession) {
	wrapped, err := l.cfg.wrapConn(kcpConn)
	if err != nil {
		kcpConn.Close()
		return
	}

	sess, err := smux.Server(wrapped, l.smuxCfg)
	if err != nil {
		kcpConn.Close()
		return
	}

	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			sess.Close()
			return
		}
		l.deliver(acceptResult{conn: stream})
	}
}

func (l *Listener) deliver(r acceptResult) {
	select {
	case l.conns <- r:
	case <-l.closed:
	}
}

// Accept returns the next control-channel connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case r := <-l.conns:
		return r.conn, r.err
	case <-l.closed:
		return nil, errors.New("transport: listener closed")
	}
}

// Close tears down the underlying KCP listener and wakes any blocked
// Accept call.
func (l *Listener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return l.kcpListener.Close()
}

// Addr is the listener's local address.
func (l *Listener) Addr() net.Addr { return l.kcpListener.Addr() }

// Dial opens a control-channel connection to addr: a fresh KCP session
// carrying exactly one smux stream, which is all a control client needs
// for its control channel.
func Dial(addr string, cfg Config) (net.Conn, error) {
	block, err := cfg.blockCrypt()
	if err != nil {
		return nil, err
	}
	smuxCfg, err := cfg.smuxConfig()
	if err != nil {
		return nil, err
	}

	var kcpConn *kcp.UDPSession
	if cfg.RawSocket {
		pconn, dialErr := tcpraw.Dial("tcp", addr)
		if dialErr != nil {
			return nil, errors.Wrap(dialErr, "transport: tcpraw dial failed")
		}
		raddr, resolveErr := net.ResolveTCPAddr("tcp", addr)
		if resolveErr != nil {
			pconn.Close()
			return nil, errors.Wrapf(resolveErr, "transport: cannot resolve %q", addr)
		}
		kcpConn, err = kcp.NewConn3(0, raddr, block, cfg.DataShard, cfg.ParityShard, pconn)
	} else {
		kcpConn, err = kcp.DialWithOptions(addr, block, cfg.DataShard, cfg.ParityShard)
	}
	if err != nil {
		return nil, errors.Wrap(err, "transport: kcp dial failed")
	}

	wrapped, err := cfg.wrapConn(kcpConn)
	if err != nil {
		kcpConn.Close()
		return nil, err
	}

	sess, err := smux.Client(wrapped, smuxCfg)
	if err != nil {
		kcpConn.Close()
		return nil, errors.Wrap(err, "transport: smux client handshake failed")
	}

	stream, err := sess.OpenStream()
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "transport: failed to open control stream")
	}
	return stream, nil
}
