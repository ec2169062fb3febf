package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/bencode"
)

// Parse failures at add-time. Both are returned wrapped with detail.
var (
	ErrMalformed        = errors.New("malformed torrent metadata")
	ErrUnsupportedMagnet = errors.New("unsupported magnet link")
)

// FileEntry is one file of a torrent, in declared order. Path is relative
// to the torrent name directory, slash separated.
type FileEntry struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

// Info is the canonical, parsed view of a torrent descriptor. Immutable
// once built. For magnet links without metadata only InfoHash, Name and
// Trackers are set; see Partial.
type Info struct {
	InfoHash    [20]byte
	Name        string
	PieceLength int64
	PieceHashes [][20]byte
	TotalLength int64
	Files       []FileEntry
	Trackers    []string

	// InfoBytes is the raw bencoded info dictionary, kept for the
	// metadata-exchange extension (serving and re-hashing).
	InfoBytes []byte
}

// Partial reports whether full metadata is still missing (magnet stub).
func (i *Info) Partial() bool {
	return len(i.InfoBytes) == 0
}

func (i *Info) NumPieces() int {
	return len(i.PieceHashes)
}

// PieceSize returns the byte length of piece index; the last piece is
// usually shorter.
func (i *Info) PieceSize(index int) int {
	begin := int64(index) * i.PieceLength
	end := begin + i.PieceLength
	if end > i.TotalLength {
		end = i.TotalLength
	}
	return int(end - begin)
}

func (i *Info) HexHash() string {
	return fmt.Sprintf("%x", i.InfoHash)
}

type torrentRoot struct {
	Announce     string        `bencode:"announce,omitempty"`
	AnnounceList [][]string    `bencode:"announce-list,omitempty"`
	Info         bencode.Bytes `bencode:"info"`
}

type infoDict struct {
	Name        string     `bencode:"name"`
	PieceLength int64      `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Length      *int64     `bencode:"length,omitempty"`
	Files       []fileDict `bencode:"files,omitempty"`
}

type fileDict struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Load parses a bencoded torrent descriptor.
func Load(r io.Reader) (*Info, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return LoadBytes(data)
}

func LoadFromFile(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// LoadBytes parses a bencoded torrent descriptor. The info-hash is the
// sha1 of the info dictionary's raw bytes, not of a re-encoding, so
// unknown keys survive.
func LoadBytes(data []byte) (*Info, error) {
	var root torrentRoot
	if err := bencode.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if len(root.Info) == 0 {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrMalformed)
	}
	info, err := FromInfoBytes(root.Info)
	if err != nil {
		return nil, err
	}
	for _, tier := range root.AnnounceList {
		for _, u := range tier {
			info.Trackers = appendTracker(info.Trackers, u)
		}
	}
	if len(info.Trackers) == 0 && root.Announce != "" {
		info.Trackers = appendTracker(info.Trackers, root.Announce)
	}
	return info, nil
}

// FromInfoBytes builds an Info from a raw bencoded info dictionary, as
// obtained from a .torrent file or assembled via metadata exchange.
func FromInfoBytes(infoBytes []byte) (*Info, error) {
	var id infoDict
	if err := bencode.Unmarshal(infoBytes, &id); err != nil {
		return nil, fmt.Errorf("%w: info dict: %s", ErrMalformed, err)
	}
	if id.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: piece length %d", ErrMalformed, id.PieceLength)
	}
	if len(id.Pieces)%20 != 0 {
		return nil, fmt.Errorf("%w: pieces length %d not a multiple of 20", ErrMalformed, len(id.Pieces))
	}
	if id.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrMalformed)
	}
	if !safePathComponent(id.Name) {
		return nil, fmt.Errorf("%w: unsafe name %q", ErrMalformed, id.Name)
	}

	info := &Info{
		Name:        id.Name,
		PieceLength: id.PieceLength,
		InfoBytes:   append([]byte(nil), infoBytes...),
		InfoHash:    sha1.Sum(infoBytes),
	}

	switch {
	case id.Length != nil && len(id.Files) > 0:
		return nil, fmt.Errorf("%w: both length and files present", ErrMalformed)
	case id.Length != nil:
		if *id.Length < 0 {
			return nil, fmt.Errorf("%w: negative length", ErrMalformed)
		}
		info.Files = []FileEntry{{Path: id.Name, Length: *id.Length}}
		info.TotalLength = *id.Length
	case len(id.Files) > 0:
		for _, f := range id.Files {
			if f.Length < 0 {
				return nil, fmt.Errorf("%w: negative file length", ErrMalformed)
			}
			if len(f.Path) == 0 {
				return nil, fmt.Errorf("%w: empty file path", ErrMalformed)
			}
			for _, part := range f.Path {
				if !safePathComponent(part) {
					return nil, fmt.Errorf("%w: unsafe file path %q", ErrMalformed, part)
				}
			}
			info.Files = append(info.Files, FileEntry{
				Path:   filepath.ToSlash(filepath.Join(append([]string{id.Name}, f.Path...)...)),
				Length: f.Length,
			})
			info.TotalLength += f.Length
		}
	default:
		return nil, fmt.Errorf("%w: neither length nor files present", ErrMalformed)
	}

	numPieces := len(id.Pieces) / 20
	wantPieces := int((info.TotalLength + id.PieceLength - 1) / id.PieceLength)
	if numPieces != wantPieces {
		return nil, fmt.Errorf("%w: %d piece hashes for %d bytes (want %d)", ErrMalformed, numPieces, info.TotalLength, wantPieces)
	}
	info.PieceHashes = make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(info.PieceHashes[i][:], id.Pieces[i*20:(i+1)*20])
	}
	return info, nil
}

func safePathComponent(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\\x00")
}

func appendTracker(list []string, u string) []string {
	u = strings.TrimSpace(u)
	if u == "" {
		return list
	}
	for _, have := range list {
		if have == u {
			return list
		}
	}
	return append(list, u)
}
