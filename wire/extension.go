package wire

import (
	"bytes"
	"fmt"

	"github.com/anacrolix/torrent/bencode"
)

// BEP 10 extension protocol plus the BEP 9 metadata exchange, the minimum
// needed to start a magnet download: fetch the info dictionary from peers
// in 16 KiB slices, then verify it against the info-hash.

const (
	// extended message id 0 is the extension handshake itself
	extHandshakeID byte = 0

	// the id we assign to ut_metadata in our extension handshake
	LocalMetadataID byte = 1

	// MetadataPieceSize is the slice size of the metadata exchange.
	MetadataPieceSize = 16384
)

// ut_metadata msg_type values.
const (
	MetadataRequest = 0
	MetadataData    = 1
	MetadataReject  = 2
)

// ExtHandshake is the bencoded payload of the extension handshake.
type ExtHandshake struct {
	M            map[string]int64 `bencode:"m"`
	MetadataSize int64            `bencode:"metadata_size,omitempty"`
	Version      string           `bencode:"v,omitempty"`
}

// MetadataID returns the remote's ut_metadata message id, or 0 when the
// extension is not offered.
func (h *ExtHandshake) MetadataID() byte {
	if h.M == nil {
		return 0
	}
	return byte(h.M["ut_metadata"])
}

// FormatExtHandshake builds our extension handshake. metadataSize is 0
// while we don't have the info dictionary ourselves.
func FormatExtHandshake(metadataSize int64, version string) (*Message, error) {
	hs := ExtHandshake{
		M:            map[string]int64{"ut_metadata": int64(LocalMetadataID)},
		MetadataSize: metadataSize,
		Version:      version,
	}
	body, err := bencode.Marshal(hs)
	if err != nil {
		return nil, err
	}
	return extendedMessage(extHandshakeID, body), nil
}

// ParseExtended splits an extended message into its inner id and payload.
func ParseExtended(msg *Message) (extID byte, payload []byte, err error) {
	if msg.ID != Extended {
		return 0, nil, fmt.Errorf("%w: expected extended, got ID %d", ErrProtocol, msg.ID)
	}
	if len(msg.Payload) < 1 {
		return 0, nil, fmt.Errorf("%w: empty extended message", ErrProtocol)
	}
	return msg.Payload[0], msg.Payload[1:], nil
}

// ParseExtHandshake decodes a remote extension handshake payload.
func ParseExtHandshake(payload []byte) (*ExtHandshake, error) {
	var hs ExtHandshake
	if err := bencode.Unmarshal(payload, &hs); err != nil {
		return nil, fmt.Errorf("%w: extension handshake: %s", ErrProtocol, err)
	}
	return &hs, nil
}

// MetadataMessage is the bencoded header of a ut_metadata message. For
// msg_type data the raw metadata slice follows the bencoding.
type MetadataMessage struct {
	Type      int   `bencode:"msg_type"`
	Piece     int   `bencode:"piece"`
	TotalSize int64 `bencode:"total_size,omitempty"`
}

func FormatMetadataRequest(remoteID byte, piece int) (*Message, error) {
	body, err := bencode.Marshal(MetadataMessage{Type: MetadataRequest, Piece: piece})
	if err != nil {
		return nil, err
	}
	return extendedMessage(remoteID, body), nil
}

func FormatMetadataData(remoteID byte, piece int, totalSize int64, data []byte) (*Message, error) {
	body, err := bencode.Marshal(MetadataMessage{Type: MetadataData, Piece: piece, TotalSize: totalSize})
	if err != nil {
		return nil, err
	}
	return extendedMessage(remoteID, append(body, data...)), nil
}

func FormatMetadataReject(remoteID byte, piece int) (*Message, error) {
	body, err := bencode.Marshal(MetadataMessage{Type: MetadataReject, Piece: piece})
	if err != nil {
		return nil, err
	}
	return extendedMessage(remoteID, body), nil
}

// ParseMetadataMessage decodes a ut_metadata payload, returning the header
// and any trailing metadata slice.
func ParseMetadataMessage(payload []byte) (*MetadataMessage, []byte, error) {
	var mm MetadataMessage
	dec := bencode.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&mm); err != nil {
		return nil, nil, fmt.Errorf("%w: ut_metadata header: %s", ErrProtocol, err)
	}
	return &mm, payload[dec.Offset:], nil
}

func extendedMessage(extID byte, body []byte) *Message {
	payload := make([]byte, 1+len(body))
	payload[0] = extID
	copy(payload[1:], body)
	return &Message{ID: Extended, Payload: payload}
}
