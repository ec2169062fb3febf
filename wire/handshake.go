package wire

import (
	"bytes"
	"fmt"
	"io"
)

// Handshake string consists of (in order):
//   - 1 byte for pstr length (always 19)
//   - 19 bytes for pstr ("BitTorrent protocol")
//   - 8 reserved bytes (bit 20 set: extension protocol, BEP 10)
//   - 20 bytes info-hash
//   - 20 bytes peer-id
type Handshake struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Extensions bool
}

const (
	protocolStr  = "BitTorrent protocol"
	handshakeLen = 68
)

func (h *Handshake) serialize() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(protocolStr))
	curr := 1
	curr += copy(buf[curr:], protocolStr)
	if h.Extensions {
		buf[curr+5] |= 0x10
	}
	curr += 8
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

func readHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if int(buf[0]) != len(protocolStr) || !bytes.Equal(buf[1:20], []byte(protocolStr)) {
		return nil, fmt.Errorf("%w: bad protocol identifier", ErrProtocol)
	}
	h := &Handshake{Extensions: buf[25]&0x10 != 0}
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}
