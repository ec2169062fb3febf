package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"testing"

	"github.com/anacrolix/torrent/bencode"
)

func encodeTorrent(t *testing.T, info map[string]interface{}, announce string) []byte {
	t.Helper()
	root := map[string]interface{}{"info": info}
	if announce != "" {
		root["announce"] = announce
	}
	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func pieceHashes(blobs ...[]byte) string {
	var b bytes.Buffer
	for _, blob := range blobs {
		h := sha1.Sum(blob)
		b.Write(h[:])
	}
	return b.String()
}

func TestLoadSingleFile(t *testing.T) {
	// 24 KiB over two 16 KiB pieces
	p0 := bytes.Repeat([]byte{1}, 16384)
	p1 := bytes.Repeat([]byte{2}, 8192)
	data := encodeTorrent(t, map[string]interface{}{
		"name":         "blob.bin",
		"piece length": 16384,
		"length":       24576,
		"pieces":       pieceHashes(p0, p1),
	}, "http://tracker.example/announce")

	info, err := LoadBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "blob.bin" {
		t.Errorf("Name = %q", info.Name)
	}
	if info.TotalLength != 24576 {
		t.Errorf("TotalLength = %d", info.TotalLength)
	}
	if got := info.NumPieces(); got != 2 {
		t.Errorf("NumPieces() = %d, want 2", got)
	}
	if got := info.PieceSize(1); got != 8192 {
		t.Errorf("PieceSize(1) = %d, want 8192", got)
	}
	if len(info.Files) != 1 || info.Files[0].Path != "blob.bin" {
		t.Errorf("Files = %+v", info.Files)
	}
	if info.Trackers[0] != "http://tracker.example/announce" {
		t.Errorf("Trackers = %v", info.Trackers)
	}
	if info.Partial() {
		t.Error("Partial() = true for a full descriptor")
	}

	// info-hash must be the digest of the raw info dict bytes
	var root torrentRoot
	if err := bencode.Unmarshal(data, &root); err != nil {
		t.Fatal(err)
	}
	if want := sha1.Sum(root.Info); info.InfoHash != want {
		t.Errorf("InfoHash = %x, want %x", info.InfoHash, want)
	}
}

func TestLoadMultiFile(t *testing.T) {
	p0 := bytes.Repeat([]byte{3}, 16384)
	p1 := bytes.Repeat([]byte{4}, 4096)
	data := encodeTorrent(t, map[string]interface{}{
		"name":         "album",
		"piece length": 16384,
		"pieces":       pieceHashes(p0, p1),
		"files": []interface{}{
			map[string]interface{}{"length": 16000, "path": []interface{}{"disc1", "a.ogg"}},
			map[string]interface{}{"length": 4480, "path": []interface{}{"b.ogg"}},
		},
	}, "")

	info, err := LoadBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	if info.TotalLength != 20480 {
		t.Errorf("TotalLength = %d, want 20480", info.TotalLength)
	}
	var sum int64
	for _, f := range info.Files {
		sum += f.Length
	}
	if sum != info.TotalLength {
		t.Errorf("sum(file lengths) = %d, TotalLength = %d", sum, info.TotalLength)
	}
	if info.Files[0].Path != "album/disc1/a.ogg" {
		t.Errorf("Files[0].Path = %q", info.Files[0].Path)
	}
	if info.NumPieces() != 2 {
		t.Errorf("NumPieces() = %d", info.NumPieces())
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	goodPieces := pieceHashes(bytes.Repeat([]byte{5}, 100))
	tests := []struct {
		name string
		info map[string]interface{}
	}{
		{"missing piece length", map[string]interface{}{
			"name": "x", "length": 100, "pieces": goodPieces,
			"piece length": 0,
		}},
		{"pieces not multiple of 20", map[string]interface{}{
			"name": "x", "length": 100, "pieces": "short",
			"piece length": 16384,
		}},
		{"hash count mismatch", map[string]interface{}{
			"name": "x", "length": 99999, "pieces": goodPieces,
			"piece length": 16384,
		}},
		{"no length or files", map[string]interface{}{
			"name": "x", "pieces": goodPieces, "piece length": 16384,
		}},
		{"both length and files", map[string]interface{}{
			"name": "x", "length": 100, "pieces": goodPieces, "piece length": 16384,
			"files": []interface{}{map[string]interface{}{"length": 100, "path": []interface{}{"a"}}},
		}},
		{"path traversal", map[string]interface{}{
			"name": "x", "pieces": goodPieces, "piece length": 16384,
			"files": []interface{}{map[string]interface{}{"length": 100, "path": []interface{}{".."}}},
		}},
		{"unsafe name", map[string]interface{}{
			"name": "../x", "length": 100, "pieces": goodPieces, "piece length": 16384,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes(encodeTorrent(t, tt.info, ""))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}

	if _, err := LoadBytes([]byte("not bencode")); err == nil {
		t.Error("garbage input accepted")
	}
}

func TestFromInfoBytesRoundTrip(t *testing.T) {
	p0 := bytes.Repeat([]byte{6}, 1000)
	infoMap := map[string]interface{}{
		"name": "one", "piece length": 16384, "length": 1000,
		"pieces": pieceHashes(p0),
	}
	raw, err := bencode.Marshal(infoMap)
	if err != nil {
		t.Fatal(err)
	}
	info, err := FromInfoBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(info.InfoBytes, raw) {
		t.Error("InfoBytes does not round-trip")
	}
	if info.InfoHash != sha1.Sum(raw) {
		t.Error("InfoHash not the digest of the raw info dict")
	}
}
