package storage

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Hila-dev/PyTorrent/metainfo"
)

// testInfo builds an Info whose piece hashes match content, split into
// the given file lengths.
func testInfo(t *testing.T, name string, pieceLength int64, content []byte, fileLengths ...int64) *metainfo.Info {
	t.Helper()
	var total int64
	info := &metainfo.Info{
		Name:        name,
		PieceLength: pieceLength,
		TotalLength: int64(len(content)),
		InfoBytes:   []byte{'d', 'e'}, // non-empty: not a magnet stub
	}
	if len(fileLengths) == 0 {
		info.Files = []metainfo.FileEntry{{Path: name, Length: int64(len(content))}}
		total = int64(len(content))
	} else {
		for i, l := range fileLengths {
			info.Files = append(info.Files, metainfo.FileEntry{
				Path:   filepath.ToSlash(filepath.Join(name, "f"+string(rune('0'+i)))),
				Length: l,
			})
			total += l
		}
	}
	if total != int64(len(content)) {
		t.Fatalf("file lengths sum %d != content %d", total, len(content))
	}
	for off := int64(0); off < total; off += pieceLength {
		end := off + pieceLength
		if end > total {
			end = total
		}
		info.PieceHashes = append(info.PieceHashes, sha1.Sum(content[off:end]))
	}
	return info
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(b)
	return b
}

func writeAll(t *testing.T, s *Store, info *metainfo.Info, content []byte, order []int) {
	t.Helper()
	type blk struct{ piece, begin, length int }
	var blocks []blk
	for p := 0; p < info.NumPieces(); p++ {
		size := info.PieceSize(p)
		for begin := 0; begin < size; begin += BlockSize {
			l := BlockSize
			if size-begin < l {
				l = size - begin
			}
			blocks = append(blocks, blk{p, begin, l})
		}
	}
	if order == nil {
		order = rand.New(rand.NewSource(7)).Perm(len(blocks))
	}
	for _, i := range order {
		b := blocks[i]
		off := int64(b.piece)*info.PieceLength + int64(b.begin)
		if err := s.WriteBlock(b.piece, b.begin, content[off:off+int64(b.length)]); err != nil {
			t.Fatalf("WriteBlock(%d, %d): %v", b.piece, b.begin, err)
		}
	}
}

func TestWriteVerifyRoundTrip(t *testing.T) {
	// 24 KiB over two 16 KiB pieces, blocks written out of order
	content := randBytes(24576)
	info := testInfo(t, "blob.bin", 16384, content)
	s, err := Open(info, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	writeAll(t, s, info, content, nil)
	for p := 0; p < info.NumPieces(); p++ {
		if !s.PieceComplete(p) {
			t.Fatalf("piece %d not complete", p)
		}
		if err := s.Verify(p); err != nil {
			t.Fatalf("Verify(%d): %v", p, err)
		}
	}
	if !s.Complete() {
		t.Error("Complete() = false")
	}
	if got := s.BytesCompleted(); got != 24576 {
		t.Errorf("BytesCompleted() = %d", got)
	}

	got, err := s.ReadBlock(1, 0, info.PieceSize(1))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content[16384:]) {
		t.Error("ReadBlock returned wrong bytes")
	}
}

func TestVerifyFailureResetsOnePiece(t *testing.T) {
	content := randBytes(24576)
	info := testInfo(t, "blob.bin", 16384, content)
	s, err := Open(info, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// corrupt one byte of piece 0 before writing
	bad := append([]byte(nil), content...)
	bad[100] ^= 0xff
	writeAll(t, s, info, bad, nil)

	if err := s.Verify(0); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("Verify(0) = %v, want ErrHashMismatch", err)
	}
	// only piece 0 was reset
	if s.PieceComplete(0) {
		t.Error("piece 0 still complete after failed verify")
	}
	if !s.PieceComplete(1) {
		t.Error("piece 1 lost blocks after piece 0 failure")
	}
	if err := s.Verify(1); err != nil {
		t.Errorf("Verify(1): %v", err)
	}

	// rewriting the correct bytes recovers piece 0
	s.WriteBlock(0, 0, content[:16384])
	if err := s.Verify(0); err != nil {
		t.Errorf("Verify(0) after rewrite: %v", err)
	}
}

func TestWriteBlockIdempotent(t *testing.T) {
	content := randBytes(16384)
	info := testInfo(t, "one.bin", 16384, content)
	s, err := Open(info, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.WriteBlock(0, 0, content); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteBlock(0, 0, content); err != nil {
		t.Fatalf("duplicate write: %v", err)
	}
	if !s.PieceComplete(0) {
		t.Error("piece incomplete after duplicate writes")
	}
	if err := s.Verify(0); err != nil {
		t.Fatal(err)
	}
	// writes after verification are ignored, not re-accounted
	if err := s.WriteBlock(0, 0, make([]byte, 16384)); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckAll(); err != nil {
		t.Fatal(err)
	}
	if !s.Bitmap().Has(0) {
		t.Error("verified piece lost after post-verify write attempt")
	}
}

func TestWriteBlockRejectsBadRanges(t *testing.T) {
	info := testInfo(t, "one.bin", 16384, randBytes(20000))
	s, err := Open(info, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tests := []struct {
		name          string
		piece, begin  int
		length        int
	}{
		{"piece out of range", 9, 0, BlockSize},
		{"negative piece", -1, 0, BlockSize},
		{"misaligned begin", 0, 100, BlockSize},
		{"past piece end", 1, 16384, 100},
		{"short non-final block", 0, 0, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.WriteBlock(tt.piece, tt.begin, make([]byte, tt.length))
			if !errors.Is(err, ErrBadBlock) {
				t.Errorf("err = %v, want ErrBadBlock", err)
			}
			// a peer fault, never a disk fault
			if errors.Is(err, ErrIO) {
				t.Errorf("err = %v, must not match ErrIO", err)
			}
		})
	}
	// final short block of the 20000-byte torrent is legal: piece 1 is 3616 bytes
	if err := s.WriteBlock(1, 0, make([]byte, 3616)); err != nil {
		t.Errorf("final short block: %v", err)
	}
}

func TestMultiFileMapping(t *testing.T) {
	// 20 KiB across three files; pieces span file boundaries
	content := randBytes(20480)
	info := testInfo(t, "album", 16384, content, 10000, 384, 10096)
	dir := t.TempDir()
	s, err := Open(info, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	writeAll(t, s, info, content, nil)
	for p := 0; p < info.NumPieces(); p++ {
		if err := s.Verify(p); err != nil {
			t.Fatalf("Verify(%d): %v", p, err)
		}
	}

	// files on disk hold the concatenation split at declared lengths
	var concat []byte
	for _, fe := range info.Files {
		b, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(fe.Path)))
		if err != nil {
			t.Fatal(err)
		}
		if int64(len(b)) != fe.Length {
			t.Errorf("%s length = %d, want %d", fe.Path, len(b), fe.Length)
		}
		concat = append(concat, b...)
	}
	if !bytes.Equal(concat, content) {
		t.Error("concatenated files differ from source content")
	}
}

func TestBitmapSaveLoad(t *testing.T) {
	content := randBytes(24576)
	info := testInfo(t, "blob.bin", 16384, content)
	dir := t.TempDir()
	s, err := Open(info, dir)
	if err != nil {
		t.Fatal(err)
	}

	writeAll(t, s, info, content, nil)
	if err := s.Verify(0); err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(1); err != nil {
		t.Fatal(err)
	}
	bmPath := filepath.Join(dir, "blob.resume")
	if err := s.SaveBitmap(bmPath); err != nil {
		t.Fatal(err)
	}
	before := s.Bitmap()
	s.Close()

	// reopen and restore
	s2, err := Open(info, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if err := s2.LoadBitmap(bmPath); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(s2.Bitmap(), before) {
		t.Errorf("restored bitmap %08b != saved %08b", s2.Bitmap(), before)
	}
	if err := s2.CheckAll(); err != nil {
		t.Fatal(err)
	}
	if !s2.Complete() {
		t.Error("CheckAll demoted intact pieces")
	}

	// corrupt the data; CheckAll must demote the touched piece only
	path := filepath.Join(dir, "blob.bin")
	raw, _ := os.ReadFile(path)
	raw[0] ^= 0xff
	os.WriteFile(path, raw, 0644)
	if err := s2.CheckAll(); err != nil {
		t.Fatal(err)
	}
	if s2.Bitmap().Has(0) {
		t.Error("corrupted piece survived CheckAll")
	}
	if !s2.Bitmap().Has(1) {
		t.Error("intact piece demoted by CheckAll")
	}
}

func TestLoadBitmapRejectsMismatch(t *testing.T) {
	info := testInfo(t, "one.bin", 16384, randBytes(16384))
	dir := t.TempDir()
	s, err := Open(info, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	bad := filepath.Join(dir, "bad.resume")
	os.WriteFile(bad, []byte{0xff, 0xff}, 0644)
	if err := s.LoadBitmap(bad); !errors.Is(err, ErrIO) {
		t.Errorf("err = %v, want ErrIO", err)
	}
	// missing file is a fresh download, not an error
	if err := s.LoadBitmap(filepath.Join(dir, "missing.resume")); err != nil {
		t.Errorf("missing bitmap: %v", err)
	}
}
