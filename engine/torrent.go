package engine

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/Hila-dev/PyTorrent/bitfield"
	"github.com/Hila-dev/PyTorrent/metainfo"
	"github.com/Hila-dev/PyTorrent/scheduler"
	"github.com/Hila-dev/PyTorrent/storage"
	"github.com/Hila-dev/PyTorrent/tracker"
	"github.com/Hila-dev/PyTorrent/wire"
)

// Torrent is one managed download task. The exported fields form the
// status snapshot served over the API; they are updated under the
// embedded mutex by the session goroutine and read by snapshot callers.
type Torrent struct {
	InfoHash     string
	Name         string
	Magnet       string
	Loaded       bool
	Size         int64
	Downloaded   int64
	Uploaded     int64
	Files        []*File
	Started      bool
	Done         bool
	IsSeeding    bool
	Percent      float32
	DownloadRate float32
	UploadRate   float32
	NumPeers     int
	SeedRatio    float32
	ETA          int64 // seconds, 0 when the rate is zero
	LastError    string
	AddedAt      time.Time
	StartedAt    time.Time

	e         *Engine
	hash      [20]byte
	info      *metainfo.Info
	trackers  []string
	store     *storage.Store
	cancel    context.CancelFunc
	stopped   chan struct{}
	joined    chan *wire.Conn
	uploadedN int64 // atomic, total bytes served to peers

	// sliding window of per-tick rate samples
	rateHist  [10][2]float32
	rateIdx   int
	rateCount int

	sync.Mutex
}

type File struct {
	Path      string
	Size      int64
	Completed int64
	Percent   float32
	Done      bool
}

// peerSlot is the session loop's view of one connected peer. Only the
// session goroutine touches it.
type peerSlot struct {
	conn       *wire.Conn
	bf         bitfield.Bitfield
	rawBF      []byte // stashed until metadata arrives
	choked     bool   // remote chokes us
	interested bool   // we announced interest
	metaID     byte   // remote's ut_metadata message id
	metaSize   int64
}

// metaFetch tracks in-progress metadata assembly for a magnet task.
type metaFetch struct {
	buf  []byte
	have []bool
	left int
	from string
}

func (t *Torrent) bitmapPath() string {
	return filepath.Join(t.e.config.StateDirectory, t.InfoHash+".bitmap")
}

// start launches the session goroutine. Caller holds the engine lock.
func (t *Torrent) start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.stopped = make(chan struct{})
	t.joined = make(chan *wire.Conn, 8)
	t.Lock()
	t.Started = true
	t.StartedAt = time.Now()
	t.LastError = ""
	t.rateIdx = 0
	t.rateCount = 0
	t.Unlock()
	go t.run(ctx)
}

// stop tears the session down and waits for the goroutine to exit.
// Must be called without the engine lock held.
func (t *Torrent) stop() {
	t.e.mut.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.e.mut.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-t.stopped
	t.Lock()
	t.Started = false
	t.DownloadRate = 0
	t.UploadRate = 0
	t.NumPeers = 0
	t.ETA = 0
	t.Unlock()
}

func (t *Torrent) fail(err error) {
	log.Println("[task]", t.InfoHash, "failed:", err)
	t.Lock()
	t.LastError = err.Error()
	t.Unlock()
	t.e.requestSave()
	t.e.pub(EventTorrentError, t.InfoHash)
}

// run is the session loop: the single owner of the scheduler and the
// peer table. Peer connections feed it through the events channel.
func (t *Torrent) run(ctx context.Context) {
	defer close(t.stopped)

	conf := t.e.Config()
	events := make(chan wire.Event, 256)
	addrs := make(chan string, 64)
	peers := map[string]*peerSlot{}
	var sched *scheduler.Scheduler
	var meta *metaFetch

	t.Lock()
	info := t.info
	t.Unlock()

	if info != nil && !info.Partial() {
		s, err := t.openStore(info, conf)
		if err != nil {
			t.fail(err)
			return
		}
		sched = t.newScheduler(s, info, conf)
	}

	if !conf.DisableTrackers {
		go t.announceLoop(ctx, addrs, conf)
	}
	for _, seed := range conf.PeerSeeds {
		select {
		case addrs <- seed:
		default:
		}
	}

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	var prevDown, prevUp int64
	prevAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			for _, p := range peers {
				p.conn.Close()
			}
			if t.store != nil {
				if err := t.store.SaveBitmap(t.bitmapPath()); err != nil {
					log.Println("[task]", t.InfoHash, "bitmap save:", err)
				}
				t.store.Close()
				t.Lock()
				t.store = nil
				t.Unlock()
			}
			return

		case id := <-addrs:
			if _, ok := peers[id]; ok || len(peers) >= conf.MaxPeers {
				continue
			}
			go func(a string) {
				c, err := wire.Dial(ctx, a, t.hash, t.e.peerID)
				if err != nil {
					return
				}
				select {
				case t.joined <- c:
				case <-ctx.Done():
					c.Close()
				}
			}(id)

		case c := <-t.joined:
			id := c.Addr()
			if _, ok := peers[id]; ok || len(peers) >= conf.MaxPeers {
				c.Close()
				continue
			}
			p := &peerSlot{conn: c, choked: true}
			peers[id] = p
			t.setNumPeers(len(peers))
			t.greet(p, conf)
			go c.Run(ctx, events)

		case ev := <-events:
			p, ok := peers[ev.Conn.Addr()]
			if !ok || p.conn != ev.Conn {
				continue
			}
			id := ev.Conn.Addr()
			switch ev.Type {
			case wire.EvClosed:
				if sched != nil {
					sched.RemovePeer(id)
				}
				delete(peers, id)
				t.setNumPeers(len(peers))
				if meta != nil && meta.from == id {
					meta = nil
				}

			case wire.EvChoke:
				p.choked = true
				if sched != nil {
					sched.RequeuePeer(id)
				}

			case wire.EvUnchoke:
				p.choked = false
				t.request(p, sched)

			case wire.EvInterested:
				// uploads run unchoked, just acknowledge
				if conf.EnableUpload {
					p.conn.SendUnchoke()
				}

			case wire.EvNotInterested:

			case wire.EvBitfield:
				if sched != nil {
					if !bitfield.Valid(ev.Bitfield, t.numPieces()) {
						p.conn.Close()
						continue
					}
					p.bf = bitfield.Bitfield(ev.Bitfield)
					sched.AddPeer(id, p.bf)
					t.updateInterest(p, sched, id)
				} else {
					p.rawBF = ev.Bitfield
				}

			case wire.EvHave:
				if sched != nil {
					sched.PeerHave(id, ev.Index)
					t.updateInterest(p, sched, id)
				}

			case wire.EvRequest:
				if s := t.canServe(conf, ev); s != nil {
					go t.servePiece(s, p.conn, ev.Index, ev.Begin, ev.Length)
				}

			case wire.EvPiece:
				t.throttleDownload(ctx, len(ev.Block))
				t.onPiece(p, sched, peers, ev)
				if sched != nil && !p.choked {
					t.request(p, sched)
				}

			case wire.EvExtended:
				var done bool
				meta, done = t.onExtended(p, meta, ev)
				if done {
					sched = t.finishMetadata(meta, conf, peers)
					meta = nil
					if sched == nil {
						return
					}
				}
			}

		case <-tick.C:
			now := time.Now()
			if sched != nil {
				if n := sched.ExpireTimeouts(now); n > 0 {
					log.Println("[task]", t.InfoHash, "timed out requests:", n)
				}
				for _, p := range peers {
					if !p.choked {
						t.request(p, sched)
					}
				}
			}
			for _, p := range peers {
				p.conn.SendKeepAliveIfIdle()
			}
			prevDown, prevUp, prevAt = t.updateSnapshot(prevDown, prevUp, prevAt, len(peers))
		}
	}
}

func (t *Torrent) numPieces() int {
	t.Lock()
	defer t.Unlock()
	if t.info == nil {
		return 0
	}
	return t.info.NumPieces()
}

// greet sends the post-handshake opener: extension handshake, our
// bitfield and, when uploads are enabled, an unchoke.
func (t *Torrent) greet(p *peerSlot, conf Config) {
	if p.conn.SupportsExtensions() {
		var size int64
		t.Lock()
		if t.info != nil {
			size = int64(len(t.info.InfoBytes))
		}
		t.Unlock()
		if msg, err := wire.FormatExtHandshake(size, clientVersion); err == nil {
			p.conn.SendExtended(msg)
		}
	}
	if t.store != nil {
		bm := t.store.Bitmap()
		if bm.Count() > 0 {
			p.conn.SendBitfield(bm)
		}
	}
	if conf.EnableUpload {
		p.conn.SendUnchoke()
	}
}

func (t *Torrent) updateInterest(p *peerSlot, sched *scheduler.Scheduler, id string) {
	if want := sched.Wants(id); want && !p.interested {
		p.interested = true
		p.conn.SendInterested()
	} else if !want && p.interested {
		p.interested = false
		p.conn.SendNotInterested()
	}
}

func (t *Torrent) request(p *peerSlot, sched *scheduler.Scheduler) {
	if sched == nil {
		return
	}
	for _, r := range sched.PickRequests(p.conn.Addr(), time.Now()) {
		if err := p.conn.SendRequest(r.Index, r.Begin, r.Length); err != nil {
			return
		}
	}
}

// canServe validates an upload request and returns the store to read
// from. The store is captured under the torrent lock so a concurrent
// shutdown cannot nil it out from under the serving goroutine.
func (t *Torrent) canServe(conf Config, ev wire.Event) *storage.Store {
	if !conf.EnableUpload {
		return nil
	}
	if ev.Length <= 0 || ev.Length > wire.MaxBlockSize {
		return nil
	}
	t.Lock()
	s := t.store
	t.Unlock()
	if s == nil || !s.Bitmap().Has(ev.Index) {
		return nil
	}
	return s
}

// servePiece reads and uploads one block off the session goroutine;
// Conn serializes concurrent writers internally.
func (t *Torrent) servePiece(s *storage.Store, c *wire.Conn, index, begin, length int) {
	block, err := s.ReadBlock(index, begin, length)
	if err != nil {
		return
	}
	if lim := t.e.uploadLimiter; lim != nil {
		if err := lim.WaitN(context.Background(), length); err != nil {
			return
		}
	}
	if err := c.SendPiece(index, begin, block); err != nil {
		return
	}
	atomic.AddInt64(&t.uploadedN, int64(length))
}

// throttleDownload blocks the session loop until the shared download
// limiter releases n bytes, backpressuring peers through TCP.
func (t *Torrent) throttleDownload(ctx context.Context, n int) {
	lim := t.e.downloadLimiter
	if lim == nil || n <= 0 {
		return
	}
	if lim.Limit() != rate.Inf && n > lim.Burst() {
		n = lim.Burst()
	}
	lim.WaitN(ctx, n)
}

// onPiece stores a delivered block, driving verification and the have
// broadcast when it completes a piece.
func (t *Torrent) onPiece(p *peerSlot, sched *scheduler.Scheduler, peers map[string]*peerSlot, ev wire.Event) {
	if sched == nil || t.store == nil {
		return
	}
	id := ev.Conn.Addr()
	complete, cancels := sched.MarkReceived(id, ev.Index, ev.Begin, len(ev.Block))
	for _, cl := range cancels {
		if other, ok := peers[cl.Peer]; ok {
			other.conn.SendCancel(cl.Req.Index, cl.Req.Begin, cl.Req.Length)
		}
	}
	if err := t.store.WriteBlock(ev.Index, ev.Begin, ev.Block); err != nil {
		if errors.Is(err, storage.ErrBadBlock) {
			// bogus block reference from a broken peer
			log.Println("[task]", t.InfoHash, "dropping peer", id, "-", err)
			p.conn.Close()
			return
		}
		t.fail(err)
		return
	}
	if !complete {
		return
	}
	if err := t.store.Verify(ev.Index); err != nil {
		if errors.Is(err, storage.ErrHashMismatch) {
			log.Println("[task]", t.InfoHash, "piece", ev.Index, "failed hash check")
			sched.MarkFailed(ev.Index)
			return
		}
		t.fail(err)
		return
	}
	sched.MarkVerified(ev.Index)
	for _, other := range peers {
		other.conn.SendHave(ev.Index)
	}
	if err := t.store.SaveBitmap(t.bitmapPath()); err != nil {
		log.Println("[task]", t.InfoHash, "bitmap save:", err)
	}
	if sched.Done() {
		log.Println("[task]", t.InfoHash, "download complete,",
			humanize.Bytes(uint64(t.info.TotalLength)))
		t.e.pub(EventTorrentDone, t.InfoHash)
	}
}

// onExtended handles the extension handshake and ut_metadata requests
// and data. done reports that the metadata blob is fully assembled and
// hash-checked.
func (t *Torrent) onExtended(p *peerSlot, meta *metaFetch, ev wire.Event) (next *metaFetch, done bool) {
	next = meta
	id := ev.Conn.Addr()

	if ev.ExtID == 0 {
		h, err := wire.ParseExtHandshake(ev.ExtPayload)
		if err != nil {
			return
		}
		p.metaID = h.MetadataID()
		p.metaSize = h.MetadataSize
		if t.needMetadata() && next == nil && p.metaID != 0 && validMetadataSize(p.metaSize) {
			next = t.beginMetadata(p, id)
		}
		return
	}

	m, tail, err := wire.ParseMetadataMessage(ev.ExtPayload)
	if err != nil {
		return
	}
	switch m.Type {
	case wire.MetadataRequest:
		t.serveMetadata(p, int(m.Piece))
	case wire.MetadataReject:
		if next != nil && next.from == id {
			next = nil
		}
	case wire.MetadataData:
		if next == nil || next.from != id {
			return
		}
		piece := int(m.Piece)
		if piece < 0 || piece >= len(next.have) || next.have[piece] {
			return
		}
		off := piece * wire.MetadataPieceSize
		if off+len(tail) > len(next.buf) {
			return
		}
		copy(next.buf[off:], tail)
		next.have[piece] = true
		next.left--
		if next.left > 0 {
			return
		}
		if sha1.Sum(next.buf) != t.hash {
			log.Println("[task]", t.InfoHash, "metadata hash mismatch, retrying")
			next = nil
			return
		}
		done = true
	}
	return
}

func (t *Torrent) needMetadata() bool {
	t.Lock()
	defer t.Unlock()
	return t.info == nil || t.info.Partial()
}

func validMetadataSize(n int64) bool {
	return n > 0 && n <= 8<<20
}

// beginMetadata requests every metadata piece from one peer.
func (t *Torrent) beginMetadata(p *peerSlot, id string) *metaFetch {
	n := int((p.metaSize + wire.MetadataPieceSize - 1) / wire.MetadataPieceSize)
	mf := &metaFetch{
		buf:  make([]byte, p.metaSize),
		have: make([]bool, n),
		left: n,
		from: id,
	}
	for i := 0; i < n; i++ {
		msg, err := wire.FormatMetadataRequest(p.metaID, i)
		if err != nil {
			return nil
		}
		if p.conn.SendExtended(msg) != nil {
			return nil
		}
	}
	log.Println("[task]", t.InfoHash, "fetching metadata:", n, "pieces from", id)
	return mf
}

func (t *Torrent) serveMetadata(p *peerSlot, piece int) {
	t.Lock()
	info := t.info
	t.Unlock()
	if info == nil || info.Partial() || p.metaID == 0 {
		return
	}
	total := len(info.InfoBytes)
	off := piece * wire.MetadataPieceSize
	if piece < 0 || off >= total {
		if msg, err := wire.FormatMetadataReject(p.metaID, piece); err == nil {
			p.conn.SendExtended(msg)
		}
		return
	}
	end := off + wire.MetadataPieceSize
	if end > total {
		end = total
	}
	if msg, err := wire.FormatMetadataData(p.metaID, piece, int64(total), info.InfoBytes[off:end]); err == nil {
		p.conn.SendExtended(msg)
	}
}

// finishMetadata parses the assembled info dict, opens storage and
// promotes stashed peer bitfields into the new scheduler. Returns nil
// when the task cannot continue.
func (t *Torrent) finishMetadata(meta *metaFetch, conf Config, peers map[string]*peerSlot) *scheduler.Scheduler {
	info, err := metainfo.FromInfoBytes(meta.buf)
	if err != nil {
		t.fail(fmt.Errorf("assembled metadata unusable: %w", err))
		return nil
	}
	t.Lock()
	info.Trackers = t.trackers
	t.info = info
	t.Loaded = true
	t.Name = info.Name
	t.Size = info.TotalLength
	t.Unlock()
	log.Println("[task]", t.InfoHash, "metadata complete:", info.Name,
		humanize.Bytes(uint64(info.TotalLength)))

	s, err := t.openStore(info, conf)
	if err != nil {
		t.fail(err)
		return nil
	}
	sched := t.newScheduler(s, info, conf)
	for id, p := range peers {
		if p.rawBF != nil {
			if bitfield.Valid(p.rawBF, info.NumPieces()) {
				p.bf = bitfield.Bitfield(p.rawBF)
				sched.AddPeer(id, p.bf)
			}
			p.rawBF = nil
		}
		t.updateInterest(p, sched, id)
	}
	t.e.saveTorrentCache(info)
	t.e.requestSave()
	return sched
}

func (t *Torrent) openStore(info *metainfo.Info, conf Config) (*storage.Store, error) {
	s, err := storage.Open(info, conf.DownloadDirectory)
	if err != nil {
		return nil, err
	}
	if err := s.LoadBitmap(t.bitmapPath()); err != nil {
		log.Println("[task]", t.InfoHash, "resume bitmap rejected:", err)
	} else if conf.VerifyOnRestore {
		if err := s.CheckAll(); err != nil {
			s.Close()
			return nil, err
		}
	}
	t.Lock()
	t.store = s
	t.Unlock()
	return s, nil
}

func (t *Torrent) newScheduler(s *storage.Store, info *metainfo.Info, conf Config) *scheduler.Scheduler {
	return scheduler.New(info, s.Bitmap(), scheduler.Config{
		PipelineDepth:    conf.PipelineDepth,
		MaxInflight:      conf.MaxInflight,
		EndgameThreshold: conf.EndgameThreshold,
		RequestTimeout:   conf.RequestTimeout,
	})
}

func (t *Torrent) setNumPeers(n int) {
	t.Lock()
	t.NumPeers = n
	t.Unlock()
}

// updateSnapshot refreshes the exported status fields once a second.
func (t *Torrent) updateSnapshot(prevDown, prevUp int64, prevAt time.Time, numPeers int) (int64, int64, time.Time) {
	now := time.Now()
	uploaded := atomic.LoadInt64(&t.uploadedN)

	t.Lock()
	defer t.Unlock()

	var downloaded int64
	if t.store != nil {
		downloaded = t.store.BytesCompleted()
	}
	t.Downloaded = downloaded
	t.Uploaded = uploaded
	t.NumPeers = numPeers

	dtinv := float32(time.Second) / float32(now.Sub(prevAt))
	t.rateHist[t.rateIdx] = [2]float32{
		float32(downloaded-prevDown) * dtinv,
		float32(uploaded-prevUp) * dtinv,
	}
	t.rateIdx = (t.rateIdx + 1) % len(t.rateHist)
	if t.rateCount < len(t.rateHist) {
		t.rateCount++
	}
	var sumDown, sumUp float32
	for i := 0; i < t.rateCount; i++ {
		sumDown += t.rateHist[i][0]
		sumUp += t.rateHist[i][1]
	}
	t.DownloadRate = sumDown / float32(t.rateCount)
	t.UploadRate = sumUp / float32(t.rateCount)

	t.Percent = percent(downloaded, t.Size)
	t.Done = t.Size > 0 && downloaded == t.Size
	t.IsSeeding = t.Done && t.e.config.EnableSeeding
	if downloaded > 0 {
		t.SeedRatio = float32(uploaded) / float32(downloaded)
	}
	t.ETA = 0
	if !t.Done && t.DownloadRate > 0 && t.Size > 0 {
		t.ETA = int64(float32(t.Size-downloaded) / t.DownloadRate)
	}
	t.updateFiles()
	return downloaded, uploaded, now
}

// updateFiles recomputes per-file progress from the verified piece
// bitmap. Caller holds the torrent lock.
func (t *Torrent) updateFiles() {
	if t.info == nil || t.store == nil {
		return
	}
	if t.Files == nil {
		t.Files = make([]*File, len(t.info.Files))
		for i, fe := range t.info.Files {
			t.Files[i] = &File{Path: fe.Path, Size: fe.Length}
		}
	}
	bm := t.store.Bitmap()
	starts := make([]int64, len(t.info.Files))
	var offset int64
	for i, fe := range t.info.Files {
		starts[i] = offset
		offset += fe.Length
	}
	for i, f := range t.Files {
		f.Completed = 0
		fStart, fEnd := starts[i], starts[i]+f.Size
		for pi := 0; pi < t.info.NumPieces(); pi++ {
			if !bm.Has(pi) {
				continue
			}
			pStart := int64(pi) * t.info.PieceLength
			pEnd := pStart + int64(t.info.PieceSize(pi))
			if pEnd <= fStart || pStart >= fEnd {
				continue
			}
			if pStart < fStart {
				pStart = fStart
			}
			if pEnd > fEnd {
				pEnd = fEnd
			}
			f.Completed += pEnd - pStart
		}
		f.Percent = percent(f.Completed, f.Size)
		f.Done = f.Completed == f.Size
	}
}

func percent(n, total int64) float32 {
	if total == 0 {
		return float32(0)
	}
	return float32(int(float64(10000)*(float64(n)/float64(total)))) / 100
}

// announceLoop cycles the torrent's trackers, feeding discovered peers
// to the session loop. It sends the stopped event on shutdown.
func (t *Torrent) announceLoop(ctx context.Context, addrs chan<- string, conf Config) {
	client := tracker.NewClient()
	event := tracker.Started
	sentCompleted := false

	for {
		interval := tracker.DefaultInterval
		for _, u := range t.trackerURLs() {
			resp, err := client.Do(ctx, t.announceReq(u, event, conf))
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				log.Println("[tracker]", t.InfoHash, u, "announce failed:", err)
				continue
			}
			if resp.Interval > 0 && resp.Interval < interval {
				interval = resp.Interval
			}
			for _, pa := range resp.Peers {
				select {
				case addrs <- pa.String():
				default:
				}
			}
		}
		event = tracker.None

		if !sentCompleted {
			t.Lock()
			done := t.Done
			t.Unlock()
			if done {
				sentCompleted = true
				event = tracker.Completed
			}
		}

		select {
		case <-ctx.Done():
			// final announce with a short deadline, best effort
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for _, u := range t.trackerURLs() {
				client.Do(sctx, t.announceReq(u, tracker.Stopped, conf))
			}
			cancel()
			return
		case <-time.After(interval):
		}
	}
}

func (t *Torrent) trackerURLs() []string {
	t.Lock()
	defer t.Unlock()
	return t.trackers
}

func (t *Torrent) announceReq(u string, event tracker.Event, conf Config) tracker.Announce {
	t.Lock()
	downloaded := t.Downloaded
	size := t.Size
	t.Unlock()
	left := size - downloaded
	if left < 0 {
		left = 0
	}
	return tracker.Announce{
		URL:        u,
		InfoHash:   t.hash,
		PeerID:     t.e.peerID,
		Port:       conf.IncomingPort,
		Uploaded:   atomic.LoadInt64(&t.uploadedN),
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		NumWant:    conf.AnnounceNumWant,
	}
}
