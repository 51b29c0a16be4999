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
	"math/big"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/qpp"
)

// qppConn wraps a net.Conn with Quantum Permutation Pad encryption: a
// lightweight, non-XOR stream cipher layered on top of (or instead of)
// the KCP block cipher, each direction driven by its own PRNG so replies
// can't be correlated with requests.
type qppConn struct {
	net.Conn
	pad   *qpp.QuantumPermutationPad
	wprng *qpp.Rand
	rprng *qpp.Rand
}

func newQPPConn(conn net.Conn, pad *qpp.QuantumPermutationPad, seed []byte) *qppConn {
	return &qppConn{
		Conn:  conn,
		pad:   pad,
		wprng: qpp.CreatePRNG(seed),
		rprng: qpp.CreatePRNG(seed),
	}
}

func (c *qppConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.pad.DecryptWithPRNG(p[:n], c.rprng)
	}
	return n, err
}

func (c *qppConn) Write(p []byte) (int, error) {
	c.pad.EncryptWithPRNG(p, c.wprng)
	return c.Conn.Write(p)
}

func (c *qppConn) SetDeadline(t time.Time) error      { return c.Conn.SetDeadline(t) }
func (c *qppConn) SetReadDeadline(t time.Time) error  { return c.Conn.SetReadDeadline(t) }
func (c *qppConn) SetWriteDeadline(t time.Time) error { return c.Conn.SetWriteDeadline(t) }

// ValidateQPPParams inspects count/key against the minimums the qpp
// package requires for qppPower qubits and reports non-fatal warnings a
// caller can log before starting up with a weak configuration.
func ValidateQPPParams(count int, key string) ([]string, error) {
	if count <= 0 {
		return nil, errors.New("transport: QPPCount must be greater than 0 when QPP is enabled")
	}

	var warnings []string

	minSeedLength := qpp.QPPMinimumSeedLength(qppPower)
	if len(key) < minSeedLength {
		warnings = append(warnings, errors.Errorf(
			"QPP warning: key has %d bytes, want at least %d", len(key), minSeedLength).Error())
	}

	minPads := qpp.QPPMinimumPads(qppPower)
	if count < minPads {
		warnings = append(warnings, errors.Errorf(
			"QPP warning: QPPCount %d, want at least %d", count, minPads).Error())
	}

	if new(big.Int).GCD(nil, nil, big.NewInt(int64(count)), big.NewInt(qppPower)).Int64() != 1 {
		warnings = append(warnings, errors.Errorf(
			"QPP warning: QPPCount %d shares a factor with %d, prefer a prime count", count, qppPower).Error())
	}

	return warnings, nil
}
