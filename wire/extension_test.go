package wire

import (
	"bytes"
	"testing"
)

func TestExtHandshakeRoundTrip(t *testing.T) {
	msg, err := FormatExtHandshake(31337, "PyTorrent 1.0")
	if err != nil {
		t.Fatal(err)
	}
	extID, payload, err := ParseExtended(msg)
	if err != nil {
		t.Fatal(err)
	}
	if extID != extHandshakeID {
		t.Errorf("extID = %d, want %d", extID, extHandshakeID)
	}
	hs, err := ParseExtHandshake(payload)
	if err != nil {
		t.Fatal(err)
	}
	if hs.MetadataSize != 31337 {
		t.Errorf("MetadataSize = %d", hs.MetadataSize)
	}
	if hs.MetadataID() != LocalMetadataID {
		t.Errorf("MetadataID() = %d", hs.MetadataID())
	}
}

func TestExtHandshakeNoMetadata(t *testing.T) {
	hs, err := ParseExtHandshake([]byte("d1:md6:ut_pexi1eee"))
	if err != nil {
		t.Fatal(err)
	}
	if hs.MetadataID() != 0 {
		t.Errorf("MetadataID() = %d, want 0", hs.MetadataID())
	}
}

func TestMetadataDataRoundTrip(t *testing.T) {
	slice := bytes.Repeat([]byte{7}, 1000)
	msg, err := FormatMetadataData(3, 1, 17384, slice)
	if err != nil {
		t.Fatal(err)
	}
	extID, payload, err := ParseExtended(msg)
	if err != nil {
		t.Fatal(err)
	}
	if extID != 3 {
		t.Errorf("extID = %d", extID)
	}
	mm, tail, err := ParseMetadataMessage(payload)
	if err != nil {
		t.Fatal(err)
	}
	if mm.Type != MetadataData || mm.Piece != 1 || mm.TotalSize != 17384 {
		t.Errorf("header = %+v", mm)
	}
	if !bytes.Equal(tail, slice) {
		t.Errorf("tail length = %d, want %d", len(tail), len(slice))
	}
}

func TestMetadataRequestHasNoTail(t *testing.T) {
	msg, err := FormatMetadataRequest(9, 2)
	if err != nil {
		t.Fatal(err)
	}
	_, payload, err := ParseExtended(msg)
	if err != nil {
		t.Fatal(err)
	}
	mm, tail, err := ParseMetadataMessage(payload)
	if err != nil {
		t.Fatal(err)
	}
	if mm.Type != MetadataRequest || mm.Piece != 2 {
		t.Errorf("header = %+v", mm)
	}
	if len(tail) != 0 {
		t.Errorf("tail length = %d, want 0", len(tail))
	}
}

func TestParseExtendedRejects(t *testing.T) {
	if _, _, err := ParseExtended(&Message{ID: Extended}); err == nil {
		t.Error("empty extended message accepted")
	}
	if _, _, err := ParseExtended(&Message{ID: Have}); err == nil {
		t.Error("wrong message id accepted")
	}
	if _, _, err := ParseMetadataMessage([]byte("garbage")); err == nil {
		t.Error("garbage metadata header accepted")
	}
}
