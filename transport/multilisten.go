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

package transport

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// MultiListener fans the Accept results of several Listeners, each bound
// to one port of a PortRange, into a single accept surface: a control
// plane behind a NAT that mangles one port still has the others.
type MultiListener struct {
	listeners []*Listener
	conns     chan acceptResult
	closed    chan struct{}
	closeOnce sync.Once
}

// ListenRange opens one KCP listener per port named by addr (see
// ParsePortRange) and merges their accepted connections into one stream.
func ListenRange(addr string, cfg Config) (*MultiListener, error) {
	pr, err := ParsePortRange(addr)
	if err != nil {
		return nil, err
	}

	ml := &MultiListener{
		conns:  make(chan acceptResult, 64),
		closed: make(chan struct{}),
	}

	for _, portAddr := range pr.Ports() {
		ln, err := Listen(portAddr, cfg)
		if err != nil {
			ml.Close()
			return nil, errors.Wrapf(err, "transport: listen on %s failed", portAddr)
		}
		ml.listeners = append(ml.listeners, ln)
		go ml.drain(ln)
	}

	return ml, nil
}

func (ml *MultiListener) drain(ln *Listener) {
	for {
		conn, err := ln.Accept()
		select {
		case ml.conns <- acceptResult{conn: conn, err: err}:
		case <-ml.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

// Accept returns the next connection accepted on any port in the range.
func (ml *MultiListener) Accept() (net.Conn, error) {
	select {
	case r := <-ml.conns:
		return r.conn, r.err
	case <-ml.closed:
		return nil, errors.New("transport: multi-listener closed")
	}
}

// Close tears down every underlying listener.
func (ml *MultiListener) Close() error {
	ml.closeOnce.Do(func() { close(ml.closed) })
	var firstErr error
	for _, ln := range ml.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Addr reports the first listener's address; callers that need every
// bound port should range over Addrs instead.
func (ml *MultiListener) Addr() net.Addr {
	if len(ml.listeners) == 0 {
		return nil
	}
	return ml.listeners[0].Addr()
}

// Addrs reports every bound listener's address.
func (ml *MultiListener) Addrs() []net.Addr {
	addrs := make([]net.Addr, len(ml.listeners))
	for i, ln := range ml.listeners {
		addrs[i] = ln.Addr()
	}
	return addrs
}
