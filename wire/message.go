package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies a peer wire message type.
type MessageID uint8

// All non-keepalive messages with their IDs:
//   - choke 0, unchoke 1 (remote request channel closed/open)
//   - interested 2, not interested 3 (local demand signal)
//   - have 4 (single piece index), bitfield 5 (full piece map)
//   - request 6 / piece 7 / cancel 8 (<index><begin><length|block>)
//   - extended 20 (BEP 10 extension protocol)
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Extended      MessageID = 20
)

// MaxBlockSize is the largest block accepted or requested (16 KiB, the
// de facto wire standard).
const MaxBlockSize = 16384

// Frames larger than this are treated as protocol violations. Sized for a
// piece message carrying one block plus generous bitfield headroom.
const maxFrameSize = 1<<18 + 64

// ErrProtocol marks peer misbehavior (bad framing, bogus payloads). A
// connection returning it is torn down, never retried.
var ErrProtocol = errors.New("peer protocol violation")

// Message is a single framed wire message. A nil *Message is a keep-alive.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Serialize renders the message with its 4-byte length prefix.
func (msg *Message) Serialize() []byte {
	if msg == nil {
		return make([]byte, 4) // keep-alive
	}
	length := uint32(len(msg.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// ReadMessage decodes one length-prefixed message from r. Keep-alives are
// returned as (nil, nil).
func ReadMessage(r io.Reader) (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length == 0 {
		return nil, nil
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d", ErrProtocol, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &Message{ID: MessageID(buf[0]), Payload: buf[1:]}, nil
}

func FormatRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

func FormatCancel(index, begin, length int) *Message {
	msg := FormatRequest(index, begin, length)
	msg.ID = Cancel
	return msg
}

func FormatHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

func FormatPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

// ParseHave extracts the piece index from a have message.
func ParseHave(msg *Message) (int, error) {
	if msg.ID != Have {
		return 0, fmt.Errorf("%w: expected have, got ID %d", ErrProtocol, msg.ID)
	}
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("%w: have payload length %d", ErrProtocol, len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// ParsePiece extracts (index, begin, block) from a piece message.
func ParsePiece(msg *Message) (index, begin int, block []byte, err error) {
	if msg.ID != Piece {
		return 0, 0, nil, fmt.Errorf("%w: expected piece, got ID %d", ErrProtocol, msg.ID)
	}
	if len(msg.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload length %d", ErrProtocol, len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	block = msg.Payload[8:]
	if len(block) == 0 || len(block) > MaxBlockSize {
		return 0, 0, nil, fmt.Errorf("%w: block length %d", ErrProtocol, len(block))
	}
	return index, begin, block, nil
}

// ParseRequest extracts (index, begin, length) from a request or cancel.
func ParseRequest(msg *Message) (index, begin, length int, err error) {
	if msg.ID != Request && msg.ID != Cancel {
		return 0, 0, 0, fmt.Errorf("%w: expected request/cancel, got ID %d", ErrProtocol, msg.ID)
	}
	if len(msg.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: request payload length %d", ErrProtocol, len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	if length <= 0 || length > MaxBlockSize {
		return 0, 0, 0, fmt.Errorf("%w: requested length %d", ErrProtocol, length)
	}
	return index, begin, length, nil
}

func (msg *Message) name() string {
	if msg == nil {
		return "KeepAlive"
	}
	switch msg.ID {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Extended:
		return "Extended"
	default:
		return fmt.Sprintf("Unknown(%d)", msg.ID)
	}
}

func (msg *Message) String() string {
	if msg == nil {
		return msg.name()
	}
	return fmt.Sprintf("%s [%d]", msg.name(), len(msg.Payload))
}
