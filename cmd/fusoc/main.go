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

// Command fusoc is a reference control client for fusod: it dials the
// control channel, asks for a port to be bound, and for every Map signal
// dials a mapper stream back and splices it to a local target. It exists
// to make the system exercisable end-to-end; it is not itself part of
// the server's state machine.
package main

import (
	"log"
	"net"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/fusolink/fusod/address"
	"github.com/fusolink/fusod/forward"
	"github.com/fusolink/fusod/protocol"
	"github.com/fusolink/fusod/transport"
)

var VERSION = "SELFBUILD"

func main() {
	app := cli.NewApp()
	app.Name = "fusoc"
	app.Usage = "reference control client for fusod"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "server",
			Value: "127.0.0.1:7000",
			Usage: "fusod control channel address",
		},
		cli.StringFlag{
			Name:  "bind",
			Value: "0.0.0.0:7000",
			Usage: "public address requested from the server",
		},
		cli.StringFlag{
			Name:  "local",
			Value: "127.0.0.1:22",
			Usage: "local target every mapper stream is spliced to",
		},
		cli.StringFlag{
			Name:  "key",
			Value: "it's a secrect",
			Usage: "pre-shared secret between fusod and fusoc",
		},
		cli.StringFlag{
			Name:  "crypt",
			Value: "aes",
			Usage: "control channel cipher, must match the server",
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable snappy compression on the control channel",
		},
		cli.BoolFlag{
			Name:  "tcp",
			Usage: "emulate a TCP connection for the control channel (linux)",
		},
	}

	app.Action = func(c *cli.Context) error {
		cfg := transport.DefaultConfig(c.String("key"))
		cfg.Crypt = c.String("crypt")
		cfg.Compress = !c.Bool("nocomp")
		cfg.RawSocket = c.Bool("tcp")

		bindAddr, err := address.Parse(c.String("bind"))
		if err != nil {
			return errors.Wrapf(err, "fusoc: invalid bind address %q", c.String("bind"))
		}

		log.Println("version:", VERSION)
		log.Println("server:", c.String("server"))
		log.Println("bind:", bindAddr)
		log.Println("local target:", c.String("local"))

		ctrl, err := transport.Dial(c.String("server"), cfg)
		if err != nil {
			return errors.Wrap(err, "fusoc: failed to dial control channel")
		}
		defer ctrl.Close()

		if err := protocol.SendPacket(ctrl, protocol.Bind{Addr: bindAddr}); err != nil {
			return errors.Wrap(err, "fusoc: failed to send Bind")
		}

		msg, err := protocol.RecvPacket(ctrl)
		if err != nil {
			return errors.Wrap(err, "fusoc: failed to read Bind reply")
		}
		var publicAddr address.Address
		switch m := msg.(type) {
		case protocol.BindOk:
			log.Println("bound:", m.Addr)
			publicAddr = m.Addr
		case protocol.BindFailed:
			return errors.Errorf("fusoc: server refused bind: %s", m.Reason)
		default:
			return errors.Errorf("fusoc: unexpected reply %T to Bind", msg)
		}

		return runClient(ctrl, publicAddr, c.String("local"))
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

// runClient reads control packets off ctrl until it fails; every Map
// signal is handled on its own goroutine so one slow local target can't
// stall the rest of the mappings. The mapper stream is a plain TCP
// connection to the server's public address, the same address visitors
// connect to; the greeting written on it, not a separate transport,
// tells the server's unpacker it is a mapper reply.
func runClient(ctrl net.Conn, publicAddr address.Address, local string) error {
	for {
		msg, err := protocol.RecvPacket(ctrl)
		if err != nil {
			return errors.Wrap(err, "fusoc: control channel closed")
		}

		switch m := msg.(type) {
		case protocol.Ping:
			// heartbeat, nothing to do.
		case protocol.Map:
			go handleMap(publicAddr, local, m)
		default:
			log.Printf("fusoc: unexpected message %T on control channel", msg)
		}
	}
}

// handleMap dials a fresh mapper stream back to the server's public
// address, announces which correlation id it is fulfilling, dials the
// local target, and splices the two together.
func handleMap(publicAddr address.Address, local string, m protocol.Map) {
	mapper, err := net.Dial("tcp", publicAddr.String())
	if err != nil {
		log.Println("fusoc: mapper dial failed:", err)
		return
	}
	defer mapper.Close()

	if _, err := mapper.Write(protocol.EncodeMapperGreeting(m.ID)); err != nil {
		log.Println("fusoc: mapper greeting failed:", err)
		return
	}

	target, err := net.Dial("tcp", local)
	if err != nil {
		log.Println("fusoc: local target dial failed:", err)
		return
	}
	defer target.Close()

	forward.Pipe(mapper, target)
}
