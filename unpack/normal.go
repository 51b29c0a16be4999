package unpack

import (
	"context"
	"errors"
	"io"

	"github.com/fusolink/fusod/address"
	"github.com/fusolink/fusod/fallback"
	"github.com/fusolink/fusod/protocol"
)

// Normal is the default unpacker: it reads the small mapper greeting
// (protocol.MapperGreetingSize bytes) off the public port; if the bytes
// match a greeting it is a Mapper reply, otherwise the connection is a
// plain Visitor that gets forwarded to localAddr.
type Normal struct {
	localAddr address.Address
}

// NewNormal builds a Normal unpacker advertising localAddr as the target
// for visitors that aren't mapper replies.
func NewNormal(localAddr address.Address) *Normal {
	return &Normal{localAddr: localAddr}
}

func (n *Normal) Unpack(ctx context.Context, fb *fallback.Stream) (Peer, error) {
	buf := make([]byte, protocol.MapperGreetingSize)
	read, err := io.ReadFull(fb, buf)
	if err != nil {
		if read == 0 && errors.Is(err, io.EOF) {
			return Peer{Kind: KindFinished, Stream: fb}, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// Fewer than MapperGreetingSize bytes before the peer hung
			// up: not a valid greeting, but not noise either; let the
			// caller treat it as an ordinary short-lived visitor.
			return Peer{
				Kind:        KindVisitor,
				VisitorMode: VisitorForward,
				Target:      n.localAddr,
				Stream:      fb,
			}, nil
		}
		return Peer{}, err
	}

	if id, ok := protocol.DecodeMapperGreeting(buf[:read]); ok {
		return Peer{Kind: KindMapper, MapperID: id, Stream: fb}, nil
	}

	return Peer{
		Kind:        KindVisitor,
		VisitorMode: VisitorForward,
		Target:      n.localAddr,
		Stream:      fb,
	}, nil
}
