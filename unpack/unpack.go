// Package unpack implements peer discrimination (spec §4.3, C3): given a
// Fallback stream freshly Marked, decide whether it is a Mapper reply, a
// Visitor, noise (Finished), or Unknown (defer to the next unpacker in a
// Chain).
package unpack

import (
	"context"

	"github.com/fusolink/fusod/address"
	"github.com/fusolink/fusod/fallback"
)

// Kind discriminates the Peer variants.
type Kind int

const (
	KindMapper Kind = iota
	KindVisitor
	KindFinished
	KindUnknown
)

// VisitorMode discriminates the two ways a Visitor can be handled.
type VisitorMode int

const (
	// VisitorForward pairs the visitor's Fallback directly with the
	// mapper stream once it arrives; this is the common path.
	VisitorForward VisitorMode = iota
	// VisitorConsume hands the mapper stream to a custom handler instead
	// (e.g. SOCKS, which already negotiated the target with the visitor
	// during Unpack and only needs the mapper stream to finish the job).
	VisitorConsume
)

// ConsumeFunc is invoked once the mapper stream for a VisitorConsume peer
// arrives. It owns both the mapper stream and whatever visitor-side state
// it closed over while unpacking.
type ConsumeFunc func(ctx context.Context, mapper *fallback.Stream) error

// Peer is the result of classifying an incoming public-port connection.
type Peer struct {
	Kind Kind

	// Valid when Kind == KindMapper.
	MapperID uint32

	// Valid when Kind == KindVisitor.
	VisitorMode VisitorMode
	Target      address.Address
	Consume     ConsumeFunc

	// The (possibly rewound) stream; always non-nil.
	Stream *fallback.Stream
}

// Unpacker classifies a freshly-marked Fallback stream.
type Unpacker interface {
	Unpack(ctx context.Context, fb *fallback.Stream) (Peer, error)
}

// Func adapts a plain function to the Unpacker interface.
type Func func(ctx context.Context, fb *fallback.Stream) (Peer, error)

func (f Func) Unpack(ctx context.Context, fb *fallback.Stream) (Peer, error) {
	return f(ctx, fb)
}
