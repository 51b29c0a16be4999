package unpack

import (
	"context"

	"github.com/fusolink/fusod/fallback"
)

// Chain composes unpackers left to right: the first one that does not
// return Unknown wins (spec §4.3). This mirrors how the source's SOCKS
// builder wraps the existing adapter chain instead of independently
// producing Unknown (SPEC_FULL.md "Supplemented Features" #1/#2).
type Chain struct {
	unpackers []Unpacker
}

// NewChain builds a Chain trying each unpacker in order.
func NewChain(unpackers ...Unpacker) *Chain {
	return &Chain{unpackers: unpackers}
}

func (c *Chain) Unpack(ctx context.Context, fb *fallback.Stream) (Peer, error) {
	for _, u := range c.unpackers {
		// Retry rewinds to position 0 so a deferring unpacker's own
		// peek never permanently consumes bytes the next one needs;
		// anything read beyond what is already recorded is itself
		// recorded for whichever unpacker runs after that.
		fb.Retry()
		peer, err := u.Unpack(ctx, fb)
		if err != nil {
			return Peer{}, err
		}
		if peer.Kind != KindUnknown {
			return peer, nil
		}
	}
	return Peer{Kind: KindUnknown, Stream: fb}, nil
}
