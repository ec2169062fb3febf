package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestSerializeRead(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"keepalive", nil},
		{"choke", &Message{ID: Choke}},
		{"have", FormatHave(7)},
		{"request", FormatRequest(1, 16384, 16384)},
		{"piece", FormatPiece(2, 0, []byte("block data"))},
		{"cancel", FormatCancel(3, 32768, 4096)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadMessage(bytes.NewReader(tt.msg.Serialize()))
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("got %v, want %v", got, tt.msg)
			}
		})
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	frame := []byte{0xff, 0xff, 0xff, 0xff}
	_, err := ReadMessage(bytes.NewReader(frame))
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("err = %v, want ErrProtocol", err)
	}
}

func TestParseHave(t *testing.T) {
	index, err := ParseHave(FormatHave(42))
	if err != nil || index != 42 {
		t.Errorf("ParseHave = (%d, %v)", index, err)
	}
	if _, err := ParseHave(&Message{ID: Have, Payload: []byte{1}}); !errors.Is(err, ErrProtocol) {
		t.Errorf("short have: err = %v", err)
	}
	if _, err := ParseHave(&Message{ID: Choke}); !errors.Is(err, ErrProtocol) {
		t.Errorf("wrong id: err = %v", err)
	}
}

func TestParsePiece(t *testing.T) {
	block := bytes.Repeat([]byte{9}, 1024)
	index, begin, got, err := ParsePiece(FormatPiece(5, 16384, block))
	if err != nil {
		t.Fatal(err)
	}
	if index != 5 || begin != 16384 || !bytes.Equal(got, block) {
		t.Errorf("ParsePiece = (%d, %d, %d bytes)", index, begin, len(got))
	}

	big := bytes.Repeat([]byte{1}, MaxBlockSize+1)
	if _, _, _, err := ParsePiece(FormatPiece(0, 0, big)); !errors.Is(err, ErrProtocol) {
		t.Errorf("oversized block: err = %v", err)
	}
	if _, _, _, err := ParsePiece(&Message{ID: Piece, Payload: []byte{0, 0}}); !errors.Is(err, ErrProtocol) {
		t.Errorf("short payload: err = %v", err)
	}
}

func TestParseRequest(t *testing.T) {
	index, begin, length, err := ParseRequest(FormatRequest(3, 16384, 16384))
	if err != nil {
		t.Fatal(err)
	}
	if index != 3 || begin != 16384 || length != 16384 {
		t.Errorf("ParseRequest = (%d, %d, %d)", index, begin, length)
	}
	if _, _, _, err := ParseRequest(FormatRequest(0, 0, MaxBlockSize+1)); !errors.Is(err, ErrProtocol) {
		t.Errorf("oversized request: err = %v", err)
	}
	// cancel shares the layout
	if _, _, _, err := ParseRequest(FormatCancel(1, 2, 3)); err != nil {
		t.Errorf("cancel: err = %v", err)
	}
}
