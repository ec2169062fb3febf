package scheduler

import (
	"sort"
	"time"

	"github.com/Hila-dev/PyTorrent/bitfield"
	"github.com/Hila-dev/PyTorrent/metainfo"
)

// blocks are requested in 16 KiB slices, the wire transfer unit
const blockSize = 16384

// Config bounds the scheduler's request bookkeeping. Zero values fall
// back to the defaults below.
type Config struct {
	// PipelineDepth caps simultaneous in-flight requests per peer.
	PipelineDepth int
	// MaxInflight caps in-flight requests across the whole torrent.
	MaxInflight int
	// EndgameThreshold enables duplicate requests when the number of
	// unreceived blocks drops to or below it.
	EndgameThreshold int
	// RequestTimeout requeues a block not answered within the window.
	RequestTimeout time.Duration
}

const (
	DefaultPipelineDepth    = 5
	DefaultMaxInflight      = 64
	DefaultEndgameThreshold = 16
	DefaultRequestTimeout   = 30 * time.Second

	// endgameOwners caps how many peers may hold the same block request
	// during endgame; the first delivery cancels the rest.
	endgameOwners = 2
)

func (c Config) withDefaults() Config {
	if c.PipelineDepth <= 0 {
		c.PipelineDepth = DefaultPipelineDepth
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = DefaultMaxInflight
	}
	if c.EndgameThreshold <= 0 {
		c.EndgameThreshold = DefaultEndgameThreshold
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// Request identifies one block to ask a peer for.
type Request struct {
	Index  int
	Begin  int
	Length int
}

// Cancel tells the session to send a cancel for a duplicate endgame
// request that another peer already answered.
type Cancel struct {
	Peer string
	Req  Request
}

type blockKey struct {
	index int
	begin int
}

type flight struct {
	peer   string
	issued time.Time
}

type pieceState struct {
	size     int
	received []bool
	left     int // unreceived blocks
	verified bool
}

// Scheduler owns piece selection for one torrent: availability counts
// aggregated from peer bitfields, per-block receipt state and the
// in-flight request table. It holds peer ids and piece indexes only,
// never connections or storage. Not safe for concurrent use; it is
// driven by the single session goroutine.
type Scheduler struct {
	cfg       Config
	numPieces int
	pieces    []pieceState
	avail     []int
	peers     map[string]bitfield.Bitfield
	inflight  map[blockKey][]flight
	perPeer   map[string]int
	total     int
	remaining int // unreceived blocks over unverified pieces
}

// New builds a scheduler for info. Pieces set in have are treated as
// already verified and never requested.
func New(info *metainfo.Info, have bitfield.Bitfield, cfg Config) *Scheduler {
	s := &Scheduler{
		cfg:       cfg.withDefaults(),
		numPieces: info.NumPieces(),
		pieces:    make([]pieceState, info.NumPieces()),
		avail:     make([]int, info.NumPieces()),
		peers:     map[string]bitfield.Bitfield{},
		inflight:  map[blockKey][]flight{},
		perPeer:   map[string]int{},
	}
	for i := range s.pieces {
		size := info.PieceSize(i)
		n := (size + blockSize - 1) / blockSize
		s.pieces[i] = pieceState{size: size, received: make([]bool, n), left: n}
		if have.Has(i) {
			p := &s.pieces[i]
			p.verified = true
			p.left = 0
			for b := range p.received {
				p.received[b] = true
			}
		} else {
			s.remaining += n
		}
	}
	return s
}

// AddPeer registers a peer's full bitfield, replacing any previous one.
func (s *Scheduler) AddPeer(id string, bf bitfield.Bitfield) {
	if old, ok := s.peers[id]; ok {
		for i := 0; i < s.numPieces; i++ {
			if old.Has(i) {
				s.avail[i]--
			}
		}
	}
	cp := bf.Copy()
	s.peers[id] = cp
	for i := 0; i < s.numPieces; i++ {
		if cp.Has(i) {
			s.avail[i]++
		}
	}
}

// PeerHave records a have announcement from a peer.
func (s *Scheduler) PeerHave(id string, index int) {
	if index < 0 || index >= s.numPieces {
		return
	}
	bf, ok := s.peers[id]
	if !ok {
		bf = bitfield.New(s.numPieces)
		s.peers[id] = bf
	}
	if !bf.Has(index) {
		bf.Set(index)
		s.avail[index]++
	}
}

// RemovePeer drops a peer and requeues its outstanding requests.
func (s *Scheduler) RemovePeer(id string) {
	if bf, ok := s.peers[id]; ok {
		for i := 0; i < s.numPieces; i++ {
			if bf.Has(i) {
				s.avail[i]--
			}
		}
		delete(s.peers, id)
	}
	for key, flights := range s.inflight {
		kept := flights[:0]
		for _, f := range flights {
			if f.peer == id {
				s.total--
			} else {
				kept = append(kept, f)
			}
		}
		if len(kept) == 0 {
			delete(s.inflight, key)
		} else {
			s.inflight[key] = kept
		}
	}
	delete(s.perPeer, id)
}

// RequeuePeer drops a peer's outstanding requests without forgetting
// its bitfield, for use when the peer chokes us.
func (s *Scheduler) RequeuePeer(id string) {
	for key, flights := range s.inflight {
		kept := flights[:0]
		for _, f := range flights {
			if f.peer == id {
				s.perPeer[id]--
				s.total--
			} else {
				kept = append(kept, f)
			}
		}
		if len(kept) == 0 {
			delete(s.inflight, key)
		} else {
			s.inflight[key] = kept
		}
	}
}

// Endgame reports whether duplicate requests are currently allowed.
func (s *Scheduler) Endgame() bool {
	return s.remaining > 0 && s.remaining <= s.cfg.EndgameThreshold
}

// Done reports whether every piece is verified.
func (s *Scheduler) Done() bool {
	for i := range s.pieces {
		if !s.pieces[i].verified {
			return false
		}
	}
	return true
}

// Wants reports whether the peer has any piece still missing locally;
// it drives the interested flag.
func (s *Scheduler) Wants(id string) bool {
	bf, ok := s.peers[id]
	if !ok {
		return false
	}
	for i := range s.pieces {
		if !s.pieces[i].verified && bf.Has(i) {
			return true
		}
	}
	return false
}

// PickRequests chooses the next blocks to request from an unchoked peer:
// rarest piece first (fewest peers advertising it, ties to the lowest
// index), blocks in order within a piece, skipping in-flight blocks
// except in endgame. Respects the per-peer pipeline depth and the global
// in-flight cap. The returned requests are registered as in flight.
func (s *Scheduler) PickRequests(id string, now time.Time) []Request {
	bf, ok := s.peers[id]
	if !ok {
		return nil
	}
	budget := s.cfg.PipelineDepth - s.perPeer[id]
	if global := s.cfg.MaxInflight - s.total; global < budget {
		budget = global
	}
	if budget <= 0 {
		return nil
	}
	endgame := s.Endgame()

	var candidates []int
	for i := range s.pieces {
		p := &s.pieces[i]
		if p.verified || p.left == 0 || !bf.Has(i) {
			continue
		}
		candidates = append(candidates, i)
	}
	sort.Slice(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if s.avail[ca] != s.avail[cb] {
			return s.avail[ca] < s.avail[cb]
		}
		return ca < cb
	})

	var picked []Request
	for _, index := range candidates {
		if budget <= 0 {
			break
		}
		p := &s.pieces[index]
		for begin := 0; begin < p.size && budget > 0; begin += blockSize {
			slot := begin / blockSize
			if p.received[slot] {
				continue
			}
			key := blockKey{index, begin}
			flights := s.inflight[key]
			if len(flights) > 0 {
				if !endgame || len(flights) >= endgameOwners {
					continue
				}
				if owns(flights, id) {
					continue
				}
			}
			length := p.size - begin
			if length > blockSize {
				length = blockSize
			}
			s.inflight[key] = append(flights, flight{peer: id, issued: now})
			s.perPeer[id]++
			s.total++
			budget--
			picked = append(picked, Request{Index: index, Begin: begin, Length: length})
		}
	}
	return picked
}

func owns(flights []flight, id string) bool {
	for _, f := range flights {
		if f.peer == id {
			return true
		}
	}
	return false
}

// MarkReceived records a delivered block. complete reports whether the
// piece now has every block; cancels lists duplicate endgame requests
// that should be cancelled at other peers. A block that was already
// received (late duplicate) changes nothing.
func (s *Scheduler) MarkReceived(id string, index, begin, length int) (complete bool, cancels []Cancel) {
	if index < 0 || index >= s.numPieces {
		return false, nil
	}
	p := &s.pieces[index]
	if begin < 0 || begin%blockSize != 0 || begin/blockSize >= len(p.received) {
		return false, nil
	}
	key := blockKey{index, begin}
	for _, f := range s.inflight[key] {
		s.perPeer[f.peer]--
		s.total--
		if f.peer != id {
			cancels = append(cancels, Cancel{Peer: f.peer, Req: Request{Index: index, Begin: begin, Length: length}})
		}
	}
	delete(s.inflight, key)

	slot := begin / blockSize
	if p.received[slot] {
		return false, cancels
	}
	p.received[slot] = true
	p.left--
	s.remaining--
	return p.left == 0, cancels
}

// MarkVerified finalizes a hash-checked piece.
func (s *Scheduler) MarkVerified(index int) {
	if index < 0 || index >= s.numPieces {
		return
	}
	s.pieces[index].verified = true
}

// MarkFailed resets a piece whose hash check failed; all its blocks
// return to the requestable pool.
func (s *Scheduler) MarkFailed(index int) {
	if index < 0 || index >= s.numPieces {
		return
	}
	p := &s.pieces[index]
	for slot := range p.received {
		if p.received[slot] {
			p.received[slot] = false
			s.remaining++
		}
	}
	p.left = len(p.received)
	p.verified = false
	for key, flights := range s.inflight {
		if key.index != index {
			continue
		}
		for _, f := range flights {
			s.perPeer[f.peer]--
			s.total--
		}
		delete(s.inflight, key)
	}
}

// ExpireTimeouts requeues requests older than the timeout, returning how
// many were dropped.
func (s *Scheduler) ExpireTimeouts(now time.Time) int {
	expired := 0
	for key, flights := range s.inflight {
		kept := flights[:0]
		for _, f := range flights {
			if now.Sub(f.issued) >= s.cfg.RequestTimeout {
				s.perPeer[f.peer]--
				s.total--
				expired++
			} else {
				kept = append(kept, f)
			}
		}
		if len(kept) == 0 {
			delete(s.inflight, key)
		} else {
			s.inflight[key] = kept
		}
	}
	return expired
}

// Inflight returns the current number of in-flight requests.
func (s *Scheduler) Inflight() int { return s.total }

// InflightFor returns the outstanding request count of one peer.
func (s *Scheduler) InflightFor(id string) int { return s.perPeer[id] }

// Remaining returns the number of unreceived blocks.
func (s *Scheduler) Remaining() int { return s.remaining }

// Availability returns how many known peers advertise the piece.
func (s *Scheduler) Availability(index int) int {
	if index < 0 || index >= s.numPieces {
		return 0
	}
	return s.avail[index]
}
