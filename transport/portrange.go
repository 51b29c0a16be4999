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
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// PortRange is a "host:minport-maxport" control-channel listen spec: a
// control plane can stand up one KCP listener per port in the range
// instead of a single point of failure.
type PortRange struct {
	Host    string
	MinPort int
	MaxPort int
}

var portRangePattern = regexp.MustCompile(`(.*):([0-9]{1,5})-?([0-9]{1,5})?`)

// ParsePortRange parses addr, which may name a single port ("host:7000")
// or an inclusive range ("host:7000-7010").
func ParsePortRange(addr string) (*PortRange, error) {
	matches := portRangePattern.FindStringSubmatch(addr)
	if len(matches) < 4 {
		return nil, errors.Errorf("transport: malformed listen address %q", addr)
	}

	minPort, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, errors.Wrapf(err, "transport: invalid port in %q", addr)
	}
	maxPort := minPort
	if matches[3] != "" {
		maxPort, err = strconv.Atoi(matches[3])
		if err != nil {
			return nil, errors.Wrapf(err, "transport: invalid port in %q", addr)
		}
	}

	if minPort == 0 || maxPort == 0 || minPort > maxPort || maxPort > 65535 {
		return nil, errors.Errorf("transport: invalid port range in %q (%d-%d)", addr, minPort, maxPort)
	}

	return &PortRange{Host: matches[1], MinPort: minPort, MaxPort: maxPort}, nil
}

// Ports enumerates every "host:port" address named by the range.
func (p *PortRange) Ports() []string {
	addrs := make([]string, 0, p.MaxPort-p.MinPort+1)
	for port := p.MinPort; port <= p.MaxPort; port++ {
		addrs = append(addrs, p.Host+":"+strconv.Itoa(port))
	}
	return addrs
}
