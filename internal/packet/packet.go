// Package packet builds the Starbound ProtocolRequest packet and recognises
// the two well-formed ProtocolResponse packets a server can send back.
//
// Request layout (6 bytes):
//
//	00          packet ID
//	08          payload length 4 as a signed VLQ (zigzag, 4<<1)
//	vv vv vv vv protocol version, big-endian uint32
//
// Response layout (3 bytes):
//
//	01          packet ID
//	02          payload length 1 as a signed VLQ (zigzag, 1<<1)
//	0b          1 when the server accepts the version, 0 otherwise
//
// Both lengths are constant, so the VLQ bytes are written and compared as
// literals rather than parsed.
package packet

import (
	"bytes"
	"encoding/binary"
)

const (
	RequestID  byte = 0x00
	ResponseID byte = 0x01

	// RequestLength and ResponseLength are the encoded length bytes.
	RequestLength  byte = 0x08
	ResponseLength byte = 0x02

	HandshakeSize = 6
	ResponseSize  = 3
)

var (
	// Good is sent by a server that supports the announced version.
	Good = []byte{ResponseID, ResponseLength, 0x01}
	// Mismatch is sent by a server that rejects the announced version.
	Mismatch = []byte{ResponseID, ResponseLength, 0x00}
)

// Outcome is the classification of a handshake response.
type Outcome int

const (
	Unexpected Outcome = iota
	Supported
	Mismatched
)

func (o Outcome) String() string {
	switch o {
	case Supported:
		return "supported"
	case Mismatched:
		return "mismatch"
	default:
		return "unexpected"
	}
}

// EncodeHandshake returns the ProtocolRequest announcing version.
func EncodeHandshake(version uint32) []byte {
	b := make([]byte, HandshakeSize)
	b[0] = RequestID
	b[1] = RequestLength
	binary.BigEndian.PutUint32(b[2:], version)
	return b
}

// Classify compares resp against the two known responses. Anything else,
// truncated reads included, is Unexpected.
func Classify(resp []byte) Outcome {
	switch {
	case bytes.Equal(resp, Good):
		return Supported
	case bytes.Equal(resp, Mismatch):
		return Mismatched
	default:
		return Unexpected
	}
}
