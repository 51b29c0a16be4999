package protocol

import "encoding/binary"

// MapperMagic prefixes the greeting a control client sends when it dials
// back to fulfil a Map request. It is deliberately not part of the
// length-prefixed control packet framing above: the mapper stream is a
// brand new TCP connection arriving on the *public* port, indistinguishable
// at the socket level from a visitor, which is exactly the discrimination
// problem the Unpacker (C3) exists to solve.
const MapperMagic byte = 0xF0

// MapperGreetingSize is the number of bytes a mapper reply's greeting
// occupies: one magic byte followed by the big-endian correlation id.
const MapperGreetingSize = 5

// EncodeMapperGreeting renders the greeting a control client writes as the
// first bytes of a mapper stream.
func EncodeMapperGreeting(id uint32) []byte {
	buf := make([]byte, MapperGreetingSize)
	buf[0] = MapperMagic
	binary.BigEndian.PutUint32(buf[1:], id)
	return buf
}

// DecodeMapperGreeting reports whether buf (of length >= MapperGreetingSize)
// starts with a mapper greeting, and if so its correlation id.
func DecodeMapperGreeting(buf []byte) (id uint32, ok bool) {
	if len(buf) < MapperGreetingSize || buf[0] != MapperMagic {
		return 0, false
	}
	return binary.BigEndian.Uint32(buf[1:]), true
}
