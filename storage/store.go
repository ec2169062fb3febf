package storage

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Hila-dev/PyTorrent/bitfield"
	"github.com/Hila-dev/PyTorrent/metainfo"
)

// BlockSize is the accounting granularity: pieces are tracked in 16 KiB
// block slots matching the wire transfer unit.
const BlockSize = 16384

var (
	// ErrIO marks disk failures. Sessions treat it as fatal.
	ErrIO = errors.New("storage failure")
	// ErrBadBlock marks an out-of-range or misaligned block reference.
	// Sessions treat it as a peer fault, never a storage fault.
	ErrBadBlock = errors.New("bad block reference")
	// ErrHashMismatch is returned by Verify when a completed piece does
	// not match its declared digest. The piece's blocks are discarded.
	ErrHashMismatch = errors.New("piece hash mismatch")
)

type extent struct {
	start  int64 // global byte offset where this file begins
	length int64
}

type pieceBlocks struct {
	have  []bool
	count int
}

// Store maps a torrent's piece space onto its backing files and tracks
// block presence and per-piece verification. Files are created sparse and
// grown lazily; a torrent's files are concatenated in declared order.
type Store struct {
	info    *metainfo.Info
	dir     string
	files   []*os.File
	extents []extent

	mu       sync.Mutex
	pieces   []pieceBlocks
	verified bitfield.Bitfield
}

// Open creates or opens the backing files for info under dir.
func Open(info *metainfo.Info, dir string) (*Store, error) {
	if info.Partial() {
		return nil, fmt.Errorf("%w: no metadata", ErrIO)
	}
	s := &Store{
		info:     info,
		dir:      dir,
		pieces:   make([]pieceBlocks, info.NumPieces()),
		verified: bitfield.New(info.NumPieces()),
	}
	for i := range s.pieces {
		s.pieces[i].have = make([]bool, s.NumBlocks(i))
	}

	var offset int64
	for _, fe := range info.Files {
		path := filepath.Join(dir, filepath.FromSlash(fe.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("%w: mkdir: %s", ErrIO, err)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			s.closeFiles()
			return nil, fmt.Errorf("%w: open %s: %s", ErrIO, fe.Path, err)
		}
		if err := f.Truncate(fe.Length); err != nil {
			f.Close()
			s.closeFiles()
			return nil, fmt.Errorf("%w: allocate %s: %s", ErrIO, fe.Path, err)
		}
		s.files = append(s.files, f)
		s.extents = append(s.extents, extent{start: offset, length: fe.Length})
		offset += fe.Length
	}
	return s, nil
}

// NumBlocks returns the number of block slots in piece index.
func (s *Store) NumBlocks(index int) int {
	return (s.info.PieceSize(index) + BlockSize - 1) / BlockSize
}

// blockSlot maps a byte offset within a piece to its slot, rejecting
// offsets that are not block-aligned or out of range.
func (s *Store) blockSlot(index, begin, length int) (int, error) {
	if index < 0 || index >= s.info.NumPieces() {
		return 0, fmt.Errorf("%w: piece %d out of range", ErrBadBlock, index)
	}
	pieceSize := s.info.PieceSize(index)
	if begin < 0 || begin%BlockSize != 0 || begin+length > pieceSize {
		return 0, fmt.Errorf("%w: block %d+%d outside piece %d (%d bytes)", ErrBadBlock, begin, length, index, pieceSize)
	}
	slot := begin / BlockSize
	want := pieceSize - begin
	if want > BlockSize {
		want = BlockSize
	}
	if length != want {
		return 0, fmt.Errorf("%w: block length %d, want %d", ErrBadBlock, length, want)
	}
	return slot, nil
}

// WriteBlock stores one block. Writes are positional and idempotent:
// re-submitting an already-present block is a no-op. Distinct blocks may
// be written concurrently; they always target disjoint byte ranges.
func (s *Store) WriteBlock(index, begin int, data []byte) error {
	slot, err := s.blockSlot(index, begin, len(data))
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.verified.Has(index) || s.pieces[index].have[slot] {
		s.mu.Unlock()
		return nil
	}
	s.pieces[index].have[slot] = true
	s.pieces[index].count++
	s.mu.Unlock()

	global := int64(index)*s.info.PieceLength + int64(begin)
	if err := s.writeAt(data, global); err != nil {
		s.mu.Lock()
		s.pieces[index].have[slot] = false
		s.pieces[index].count--
		s.mu.Unlock()
		return err
	}
	return nil
}

// PieceComplete reports whether all blocks of a piece have been written.
func (s *Store) PieceComplete(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces[index].count == len(s.pieces[index].have)
}

// ReadBlock reads a byte range of a piece; used to serve uploads and to
// feed verification.
func (s *Store) ReadBlock(index, begin, length int) ([]byte, error) {
	if index < 0 || index >= s.info.NumPieces() {
		return nil, fmt.Errorf("%w: piece %d out of range", ErrBadBlock, index)
	}
	if begin < 0 || length <= 0 || begin+length > s.info.PieceSize(index) {
		return nil, fmt.Errorf("%w: range %d+%d outside piece %d", ErrBadBlock, begin, length, index)
	}
	data := make([]byte, length)
	global := int64(index)*s.info.PieceLength + int64(begin)
	if err := s.readAt(data, global); err != nil {
		return nil, err
	}
	return data, nil
}

// Verify recomputes the digest of a fully received piece. On success the
// piece is marked verified; on mismatch only that piece's block
// accounting is reset and ErrHashMismatch returned.
func (s *Store) Verify(index int) error {
	if !s.PieceComplete(index) {
		return fmt.Errorf("%w: piece %d not fully received", ErrIO, index)
	}
	data, err := s.ReadBlock(index, 0, s.info.PieceSize(index))
	if err != nil {
		return err
	}
	sum := sha1.Sum(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sum != s.info.PieceHashes[index] {
		for i := range s.pieces[index].have {
			s.pieces[index].have[i] = false
		}
		s.pieces[index].count = 0
		return fmt.Errorf("%w: piece %d", ErrHashMismatch, index)
	}
	s.verified.Set(index)
	return nil
}

// Bitmap returns a copy of the verified-piece bitfield.
func (s *Store) Bitmap() bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified.Copy()
}

// BytesCompleted returns the byte total of verified pieces.
func (s *Store) BytesCompleted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := 0; i < s.info.NumPieces(); i++ {
		if s.verified.Has(i) {
			n += int64(s.info.PieceSize(i))
		}
	}
	return n
}

// Complete reports whether every piece is verified.
func (s *Store) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified.Complete(s.info.NumPieces())
}

// SaveBitmap persists the verified-piece bitfield to path.
func (s *Store) SaveBitmap(path string) error {
	if err := os.WriteFile(path, s.Bitmap(), 0644); err != nil {
		return fmt.Errorf("%w: save bitmap: %s", ErrIO, err)
	}
	return nil
}

// LoadBitmap restores a previously saved bitfield. Unknown or misshapen
// data is rejected; a missing file is not an error (fresh download).
func (s *Store) LoadBitmap(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: load bitmap: %s", ErrIO, err)
	}
	if !bitfield.Valid(data, s.info.NumPieces()) {
		return fmt.Errorf("%w: bitmap does not match torrent", ErrIO)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.info.NumPieces(); i++ {
		if bitfield.Bitfield(data).Has(i) {
			s.verified.Set(i)
			for b := range s.pieces[i].have {
				s.pieces[i].have[b] = true
			}
			s.pieces[i].count = len(s.pieces[i].have)
		}
	}
	return nil
}

// CheckAll re-verifies every piece the loaded bitmap claims, demoting any
// that no longer match the on-disk bytes. Called once at restore.
func (s *Store) CheckAll() error {
	for i := 0; i < s.info.NumPieces(); i++ {
		s.mu.Lock()
		claimed := s.verified.Has(i)
		if claimed {
			s.verified.Clear(i)
		}
		s.mu.Unlock()
		if !claimed {
			continue
		}
		if err := s.Verify(i); err != nil {
			if errors.Is(err, ErrHashMismatch) {
				continue
			}
			return err
		}
	}
	return nil
}

func (s *Store) writeAt(data []byte, offset int64) error {
	remaining := data
	for i, ext := range s.extents {
		if len(remaining) == 0 {
			break
		}
		if offset >= ext.start+ext.length {
			continue
		}
		local := offset - ext.start
		n := ext.length - local
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		if _, err := s.files[i].WriteAt(remaining[:n], local); err != nil {
			return fmt.Errorf("%w: write %s: %s", ErrIO, s.info.Files[i].Path, err)
		}
		remaining = remaining[n:]
		offset += n
	}
	if len(remaining) > 0 {
		return fmt.Errorf("%w: write past end of torrent", ErrIO)
	}
	return nil
}

func (s *Store) readAt(data []byte, offset int64) error {
	remaining := data
	for i, ext := range s.extents {
		if len(remaining) == 0 {
			break
		}
		if offset >= ext.start+ext.length {
			continue
		}
		local := offset - ext.start
		n := ext.length - local
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		if _, err := s.files[i].ReadAt(remaining[:n], local); err != nil && err != io.EOF {
			return fmt.Errorf("%w: read %s: %s", ErrIO, s.info.Files[i].Path, err)
		}
		remaining = remaining[n:]
		offset += n
	}
	if len(remaining) > 0 {
		return fmt.Errorf("%w: read past end of torrent", ErrIO)
	}
	return nil
}

func (s *Store) closeFiles() {
	for _, f := range s.files {
		f.Close()
	}
}

func (s *Store) Close() error {
	var first error
	for _, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.files = nil
	return first
}

// Remove closes the store and deletes its on-disk data.
func (s *Store) Remove() error {
	s.Close()
	return RemoveData(s.info, s.dir)
}

// RemoveData deletes a torrent's downloaded data without opening a
// Store. Both layouts (single file, name directory) root at dir/name.
func RemoveData(info *metainfo.Info, dir string) error {
	if info == nil || info.Partial() {
		return nil
	}
	return os.RemoveAll(filepath.Join(dir, filepath.FromSlash(info.Name)))
}
