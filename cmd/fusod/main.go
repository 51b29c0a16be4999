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

// Command fusod is the penetrate server: it accepts control clients over
// the NAT-resilient transport package, negotiates a Bind per control
// channel, and forwards every visitor connection on the bound port back
// through whichever control client asked for it.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/fusolink/fusod/address"
	"github.com/fusolink/fusod/forward"
	"github.com/fusolink/fusod/penetrate"
	"github.com/fusolink/fusod/session"
	"github.com/fusolink/fusod/socks"
	"github.com/fusolink/fusod/transport"
	"github.com/fusolink/fusod/unpack"
)

// VERSION is injected by build flags when packaging official binaries.
var VERSION = "SELFBUILD"

// config mirrors the CLI flags so a -c file can override a subset of them
// without touching the rest, the same way server/config.go's Config let
// an operator ship a JSON file alongside (or instead of) flags.
type config struct {
	Listen      string `json:"listen"`
	Key         string `json:"key"`
	Crypt       string `json:"crypt"`
	NoComp      bool   `json:"nocomp"`
	QPP         bool   `json:"qpp"`
	QPPCount    int    `json:"qppcount"`
	DataShard   int    `json:"datashard"`
	ParityShard int    `json:"parityshard"`
	SmuxVer     int    `json:"smuxver"`
	SmuxBuf     int    `json:"smuxbuf"`
	StreamBuf   int    `json:"streambuf"`
	FrameSize   int    `json:"framesize"`
	TCP         bool   `json:"tcp"`
	Mixed       bool   `json:"mixed"`
	Socks       bool   `json:"socks"`
	KeepAlive   int    `json:"keepalive"`
	BindTimeout int    `json:"bindtimeout"`
	ReadTimeout int    `json:"readtimeout"`
	MaxWait     int    `json:"maxwait"`
	MaxPending  int    `json:"maxpending"`
	MaxRecorded int    `json:"maxrecorded"`
	Strict      bool   `json:"strict"`
}

// configFromFlags builds a config from the CLI flags that were parsed,
// so a -c file only needs to mention the fields it wants to override.
func configFromFlags(c *cli.Context) config {
	return config{
		Listen:      c.String("listen"),
		Key:         c.String("key"),
		Crypt:       c.String("crypt"),
		NoComp:      c.Bool("nocomp"),
		QPP:         c.Bool("qpp"),
		QPPCount:    c.Int("qppcount"),
		DataShard:   c.Int("datashard"),
		ParityShard: c.Int("parityshard"),
		SmuxVer:     c.Int("smuxver"),
		SmuxBuf:     c.Int("smuxbuf"),
		StreamBuf:   c.Int("streambuf"),
		FrameSize:   c.Int("framesize"),
		TCP:         c.Bool("tcp"),
		Mixed:       c.Bool("mixed"),
		Socks:       c.Bool("socks"),
		KeepAlive:   c.Int("keepalive"),
		BindTimeout: c.Int("bindtimeout"),
		ReadTimeout: c.Int("readtimeout"),
		MaxWait:     c.Int("maxwait"),
		MaxPending:  c.Int("maxpending"),
		MaxRecorded: c.Int("maxrecorded"),
		Strict:      c.Bool("strict"),
	}
}

// parseJSONConfig overrides cfg with whatever fields path's JSON document
// sets; fields the document omits keep the flag-derived value already in
// cfg, since json.Unmarshal only touches keys it finds.
func parseJSONConfig(cfg *config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "fusod: reading config file")
	}
	return errors.Wrap(json.Unmarshal(data, cfg), "fusod: parsing config file")
}

func main() {
	app := cli.NewApp()
	app.Name = "fusod"
	app.Usage = "penetrate server: reverse-tunnel visitors to control clients behind NAT"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen",
			Value: ":7000",
			Usage: "control channel listen address",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from JSON file, which will override the command line arguments",
		},
		cli.StringFlag{
			Name:  "key",
			Value: "it's a secrect",
			Usage: "pre-shared secret between fusod and fusoc",
		},
		cli.StringFlag{
			Name:  "crypt",
			Value: "aes",
			Usage: "control channel cipher: aes, aes-128, aes-192, salsa20, blowfish, twofish, cast5, 3des, tea, xtea, xor, sm4, none",
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable snappy compression on the control channel",
		},
		cli.BoolFlag{
			Name:  "qpp",
			Usage: "enable Quantum Permutation Pad stream cipher on the control channel",
		},
		cli.IntFlag{
			Name:  "qppcount",
			Value: 61,
			Usage: "number of permutation pads, prefer a prime number",
		},
		cli.IntFlag{
			Name:  "datashard",
			Value: 10,
			Usage: "FEC data shard",
		},
		cli.IntFlag{
			Name:  "parityshard",
			Value: 3,
			Usage: "FEC parity shard",
		},
		cli.IntFlag{
			Name:  "smuxver",
			Value: 1,
			Usage: "smux protocol version, 1 or 2",
		},
		cli.IntFlag{
			Name:  "smuxbuf",
			Value: 4194304,
			Usage: "control channel overall de-mux buffer in bytes",
		},
		cli.IntFlag{
			Name:  "streambuf",
			Value: 2097152,
			Usage: "per-stream receive buffer in bytes, smux v2+",
		},
		cli.IntFlag{
			Name:  "framesize",
			Value: 4096,
			Usage: "smux max frame size",
		},
		cli.BoolFlag{
			Name:  "tcp",
			Usage: "emulate a TCP connection for the control channel (linux)",
		},
		cli.BoolFlag{
			Name:  "mixed",
			Usage: "advertise bound targets with the mixed hint",
		},
		cli.BoolFlag{
			Name:  "socks",
			Usage: "also recognize SOCKS4/SOCKS5 visitors and negotiate their target directly",
		},
		cli.IntFlag{
			Name:  "keepalive",
			Value: 10,
			Usage: "seconds between control channel heartbeats",
		},
		cli.IntFlag{
			Name:  "bindtimeout",
			Value: 10,
			Usage: "seconds to wait for a control client's Bind request",
		},
		cli.IntFlag{
			Name:  "readtimeout",
			Value: 0,
			Usage: "seconds of control channel read inactivity before giving up, 0 disables",
		},
		cli.IntFlag{
			Name:  "maxwait",
			Value: 10,
			Usage: "seconds a visitor waits for its mapper stream before being dropped",
		},
		cli.IntFlag{
			Name:  "maxpending",
			Value: 4096,
			Usage: "maximum visitors awaiting a mapper stream per control client, 0 unbounded",
		},
		cli.IntFlag{
			Name:  "maxrecorded",
			Value: 65536,
			Usage: "maximum bytes an unpacker may peek before a visitor is dropped",
		},
		cli.BoolFlag{
			Name:  "strict",
			Usage: "keep recorded peeked bytes around even once fully redelivered",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "snmplog",
			Value: "",
			Usage: "collect control channel KCP snmp counters to file, aware of time format, like ./snmp-20060102.log",
		},
		cli.IntFlag{
			Name:  "snmpperiod",
			Value: 60,
			Usage: "snmp collect period, in seconds",
		},
	}

	app.Action = func(c *cli.Context) error {
		conf := configFromFlags(c)
		if c.String("c") != "" {
			if err := parseJSONConfig(&conf, c.String("c")); err != nil {
				return err
			}
		}

		cfg := transport.DefaultConfig(conf.Key)
		cfg.Crypt = conf.Crypt
		cfg.Compress = !conf.NoComp
		cfg.EnableQPP = conf.QPP
		cfg.QPPCount = conf.QPPCount
		cfg.DataShard = conf.DataShard
		cfg.ParityShard = conf.ParityShard
		cfg.SmuxVersion = conf.SmuxVer
		cfg.MaxReceiveBuffer = conf.SmuxBuf
		cfg.MaxStreamBuffer = conf.StreamBuf
		cfg.MaxFrameSize = conf.FrameSize
		cfg.RawSocket = conf.TCP
		cfg.KeepAliveInterval = time.Duration(conf.KeepAlive) * time.Second

		if c.String("log") != "" {
			f, err := os.OpenFile(c.String("log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			if err != nil {
				return errors.Wrap(err, "fusod: opening log file")
			}
			defer f.Close()
			log.SetOutput(f)
		}

		if cfg.EnableQPP {
			warnings, err := transport.ValidateQPPParams(cfg.QPPCount, cfg.Key)
			if err != nil {
				return err
			}
			for _, w := range warnings {
				color.Red(w)
			}
		}

		log.Println("version:", VERSION)
		log.Println("listening on:", conf.Listen)
		log.Println("crypt:", cfg.Crypt)
		log.Println("compression:", cfg.Compress)
		log.Println("qpp:", cfg.EnableQPP)
		log.Println("smux version:", cfg.SmuxVersion)
		log.Println("datashard:", cfg.DataShard, "parityshard:", cfg.ParityShard)
		log.Println("tcp:", cfg.RawSocket)
		log.Println("mixed:", conf.Mixed)
		log.Println("socks:", conf.Socks)

		if c.Bool("pprof") {
			go http.ListenAndServe(":6060", nil)
		}
		go transport.StartSnmpLogger(c.String("snmplog"), c.Int("snmpperiod"))

		penetrateCfg := penetrate.Config{
			IsMixed:            conf.Mixed,
			MaxWaitTime:        time.Duration(conf.MaxWait) * time.Second,
			HeartbeatTimeout:   cfg.KeepAliveInterval,
			ReadTimeout:        time.Duration(conf.ReadTimeout) * time.Second,
			WriteTimeout:       cfg.KeepAliveInterval * 3,
			FallbackStrictMode: conf.Strict,
			MaxRecordedBytes:   conf.MaxRecorded,
			MaxPendingVisitors: conf.MaxPending,
		}

		builder := session.NewBuilder(listenPublic, penetrateCfg, time.Duration(conf.BindTimeout)*time.Second)
		if conf.Socks {
			builder.NewUnpacker = func(localAddr address.Address) unpack.Unpacker {
				return unpack.NewChain(socks.New(), unpack.NewNormal(localAddr))
			}
		}

		ln, err := transport.ListenRange(conf.Listen, cfg)
		if err != nil {
			return errors.Wrap(err, "fusod: control channel listen failed")
		}
		defer ln.Close()
		for _, addr := range ln.Addrs() {
			log.Println("control channel listening on:", addr)
		}

		return serve(ln, builder)
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

// listenPublic opens the plain TCP listener visitors connect to; the
// control channel gets the NAT-resilient transport, the public/mapper
// path stays plain TCP.
func listenPublic(addr address.Address) (session.Listener, error) {
	ln, err := net.ListenTCP("tcp", addr.TCPAddr())
	if err != nil {
		return nil, err
	}
	return ln, nil
}

// controlListener is the subset of transport.Listener / transport.MultiListener
// serve needs; it lets the control channel listen on either a single port
// or a PortRange interchangeably.
type controlListener interface {
	Accept() (net.Conn, error)
	Close() error
}

func serve(ln controlListener, builder *session.Builder) error {
	for {
		ctrl, err := ln.Accept()
		if err != nil {
			return errors.Wrap(err, "fusod: control channel accept failed")
		}
		go serveControl(ctrl, builder)
	}
}

func serveControl(ctrl net.Conn, builder *session.Builder) {
	sess, err := builder.Build(ctrl)
	if err != nil {
		log.Println("bind failed:", err)
		return
	}
	log.Println("control client bound:", sess.ClientAddr(), "->", sess.LocalAddr())

	ctx := context.Background()
	for {
		outcome, err := sess.Accept(ctx)
		if err != nil {
			log.Println("control session ended:", sess.LocalAddr(), err)
			return
		}
		go runOutcome(ctx, outcome)
	}
}

func runOutcome(ctx context.Context, outcome penetrate.Outcome) {
	switch outcome.Kind {
	case penetrate.OutcomeMap:
		forward.Pipe(outcome.Visitor, outcome.Mapper)
	case penetrate.OutcomeCustomize:
		if err := outcome.Task(ctx); err != nil {
			log.Println("customized outcome failed:", err)
		}
	default:
		log.Printf("fusod: unknown outcome kind %d", outcome.Kind)
	}
}
