package metainfo

import (
	"encoding/base32"
	"errors"
	"fmt"
	"testing"
)

func TestParseMagnet(t *testing.T) {
	ihHex := "abcdef1234567890abcdef1234567890abcdef12"
	uri := "magnet:?xt=urn:btih:" + ihHex +
		"&dn=Some+Name&tr=http%3A%2F%2Ft.example%2Fannounce&tr=udp%3A%2F%2Fu.example%3A80" +
		"&tr=wss%3A%2F%2Fskipped.example"

	m, err := ParseMagnet(uri)
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprintf("%x", m.InfoHash); got != ihHex {
		t.Errorf("InfoHash = %s, want %s", got, ihHex)
	}
	if m.DisplayName != "Some Name" {
		t.Errorf("DisplayName = %q", m.DisplayName)
	}
	// wss tracker dropped
	if len(m.Trackers) != 2 {
		t.Errorf("Trackers = %v", m.Trackers)
	}

	stub := m.Stub()
	if !stub.Partial() {
		t.Error("Stub().Partial() = false")
	}
	if stub.Name != "Some Name" {
		t.Errorf("stub Name = %q", stub.Name)
	}
}

func TestParseMagnetBase32(t *testing.T) {
	var ih [20]byte
	for i := range ih {
		ih[i] = byte(i)
	}
	b32 := base32.StdEncoding.EncodeToString(ih[:])
	m, err := ParseMagnet("magnet:?xt=urn:btih:" + b32)
	if err != nil {
		t.Fatal(err)
	}
	if m.InfoHash != ih {
		t.Errorf("InfoHash = %x", m.InfoHash)
	}
}

func TestParseMagnetRejects(t *testing.T) {
	tests := []struct {
		name string
		uri  string
	}{
		{"not magnet", "http://example.com"},
		{"no xt", "magnet:?dn=x"},
		{"wrong urn", "magnet:?xt=urn:sha1:abcdef1234567890abcdef1234567890abcdef12"},
		{"bad length", "magnet:?xt=urn:btih:abcd"},
		{"bad hex", "magnet:?xt=urn:btih:zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMagnet(tt.uri)
			if !errors.Is(err, ErrUnsupportedMagnet) {
				t.Errorf("err = %v, want ErrUnsupportedMagnet", err)
			}
		})
	}
}

func TestMagnetString(t *testing.T) {
	uri := "magnet:?xt=urn:btih:abcdef1234567890abcdef1234567890abcdef12&dn=x&tr=http%3A%2F%2Ft%2Fa"
	m, err := ParseMagnet(uri)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := ParseMagnet(m.String())
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if m2.InfoHash != m.InfoHash || m2.DisplayName != m.DisplayName {
		t.Error("String() did not round-trip")
	}
}
