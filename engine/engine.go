package engine

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Hila-dev/PyTorrent/metainfo"
	"github.com/Hila-dev/PyTorrent/storage"
	"github.com/Hila-dev/PyTorrent/wire"
)

const clientVersion = "PyTorrent 0.1"

// ErrDuplicateTorrent is returned when adding a torrent whose info-hash
// is already managed.
var ErrDuplicateTorrent = errors.New("torrent already added")

// Engine manages the set of torrent tasks: adds, starts, stops, the
// shared listener for incoming peers and the persisted session state.
type Engine struct {
	mut             sync.Mutex
	config          Config
	peerID          [20]byte
	ts              map[string]*Torrent
	uploadLimiter   *rate.Limiter
	downloadLimiter *rate.Limiter
	listener        net.Listener
	persist         *persistQueue
	hub             *eventHub
	waitList        *syncList
}

func New() *Engine {
	return &Engine{
		ts:       map[string]*Torrent{},
		peerID:   genPeerID(),
		hub:      newEventHub(),
		waitList: NewSyncList(),
	}
}

func (e *Engine) Config() Config {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.config
}

func (e *Engine) PeerID() [20]byte { return e.peerID }

// Configure applies a config, restarting the listener when the port
// changed. Running tasks keep their old settings until restarted.
func (e *Engine) Configure(c Config) error {
	if c.IncomingPort <= 0 {
		return fmt.Errorf("invalid incoming port (%d)", c.IncomingPort)
	}
	for _, dir := range []string{c.DownloadDirectory, c.StateDirectory, c.WatchDirectory} {
		if dir != "" {
			mkdir(dir)
		}
	}

	e.mut.Lock()
	portChanged := e.config.IncomingPort != c.IncomingPort
	e.config = c
	e.uploadLimiter = c.UploadLimiter()
	e.downloadLimiter = c.DownloadLimiter()
	if e.persist == nil {
		e.persist = newPersistQueue(statePath(c.StateDirectory))
	}
	old := e.listener
	e.mut.Unlock()

	if portChanged || old == nil {
		if old != nil {
			old.Close()
		}
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", c.IncomingPort))
		if err != nil {
			return fmt.Errorf("listen on %d: %w", c.IncomingPort, err)
		}
		e.mut.Lock()
		e.listener = l
		e.mut.Unlock()
		go e.acceptLoop(l)
		log.Println("[engine] listening on port", c.IncomingPort)
	}
	return nil
}

// acceptLoop handshakes incoming peers and routes them to the matching
// started task.
func (e *Engine) acceptLoop(l net.Listener) {
	for {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			c, err := wire.Accept(nc, e.peerID, e.acceptsHash)
			if err != nil {
				return
			}
			if !e.deliverConn(c) {
				c.Close()
			}
		}()
	}
}

func (e *Engine) acceptsHash(h [20]byte) bool {
	e.mut.Lock()
	defer e.mut.Unlock()
	t, ok := e.ts[hex.EncodeToString(h[:])]
	return ok && t.cancel != nil
}

func (e *Engine) deliverConn(c *wire.Conn) bool {
	h := c.InfoHash()
	e.mut.Lock()
	t, ok := e.ts[hex.EncodeToString(h[:])]
	joined := t != nil && t.cancel != nil
	var ch chan *wire.Conn
	if joined {
		ch = t.joined
	}
	e.mut.Unlock()
	if !ok || !joined {
		return false
	}
	select {
	case ch <- c:
		return true
	default:
		return false
	}
}

// NewMagnet adds a task from a magnet link. The session starts
// immediately when AutoStart is set and a run slot is free.
func (e *Engine) NewMagnet(magnetURI string) error {
	return e.newMagnet(magnetURI, e.Config().AutoStart)
}

func (e *Engine) newMagnet(magnetURI string, autoStart bool) error {
	m, err := metainfo.ParseMagnet(magnetURI)
	if err != nil {
		return err
	}
	ih := hex.EncodeToString(m.InfoHash[:])

	e.mut.Lock()
	if _, ok := e.ts[ih]; ok {
		e.mut.Unlock()
		return ErrDuplicateTorrent
	}
	stub := m.Stub()
	t := &Torrent{
		InfoHash: ih,
		Name:     stub.Name,
		Magnet:   m.String(),
		hash:     m.InfoHash,
		info:     stub,
		trackers: m.Trackers,
		AddedAt:  time.Now(),
		e:        e,
	}
	e.ts[ih] = t
	e.mut.Unlock()

	log.Println("[engine] added", taskMagnet, ih)
	e.newMagnetCacheFile(m.String(), ih)
	e.requestSave()
	e.pub(EventTorrentAdded, ih)
	if autoStart {
		return e.startOrQueue(ih, taskMagnet)
	}
	return nil
}

// NewTorrentBytes adds a task from raw .torrent file contents.
func (e *Engine) NewTorrentBytes(data []byte) error {
	info, err := metainfo.LoadBytes(data)
	if err != nil {
		return err
	}
	return e.newFromInfo(info, e.Config().AutoStart)
}

// NewTorrentFile adds a task from a .torrent file on disk.
func (e *Engine) NewTorrentFile(path string) error {
	info, err := metainfo.LoadFromFile(path)
	if err != nil {
		return err
	}
	return e.newFromInfo(info, e.Config().AutoStart)
}

func (e *Engine) newFromInfo(info *metainfo.Info, autoStart bool) error {
	ih := info.HexHash()

	e.mut.Lock()
	if existing, ok := e.ts[ih]; ok {
		// a magnet task waiting on metadata can be completed by the
		// .torrent file directly
		existing.Lock()
		partial := existing.info == nil || existing.info.Partial()
		if partial {
			existing.info = info
			existing.Loaded = true
			existing.Name = info.Name
			existing.Size = info.TotalLength
			if len(info.Trackers) > 0 {
				existing.trackers = append(existing.trackers, info.Trackers...)
			}
		}
		running := existing.cancel != nil
		existing.Unlock()
		e.mut.Unlock()
		if !partial {
			return ErrDuplicateTorrent
		}
		log.Println("[engine] magnet task upgraded by torrent file", ih)
		if running {
			// restart so the session picks up the metadata
			e.StopTorrent(ih)
			e.StartTorrent(ih)
		}
		return nil
	}
	t := &Torrent{
		InfoHash: ih,
		Name:     info.Name,
		Loaded:   true,
		Size:     info.TotalLength,
		hash:     info.InfoHash,
		info:     info,
		trackers: info.Trackers,
		AddedAt:  time.Now(),
		e:        e,
	}
	m := metainfo.Magnet{InfoHash: info.InfoHash, DisplayName: info.Name, Trackers: info.Trackers}
	t.Magnet = m.String()
	e.ts[ih] = t
	e.mut.Unlock()

	log.Println("[engine] added", taskTorrent, ih)
	e.saveTorrentCache(info)
	e.requestSave()
	e.pub(EventTorrentAdded, ih)
	if autoStart {
		return e.startOrQueue(ih, taskTorrent)
	}
	return nil
}

// GetTorrents returns the live task map keyed by infohash. Callers must
// treat it as read-only.
func (e *Engine) GetTorrents() map[string]*Torrent {
	e.mut.Lock()
	defer e.mut.Unlock()
	out := make(map[string]*Torrent, len(e.ts))
	for ih, t := range e.ts {
		out[ih] = t
	}
	return out
}

func (e *Engine) getTorrent(infohash string) (*Torrent, error) {
	e.mut.Lock()
	defer e.mut.Unlock()
	t, ok := e.ts[infohash]
	if !ok {
		return nil, fmt.Errorf("missing torrent %s", infohash)
	}
	return t, nil
}

func (e *Engine) runningTasks() int {
	n := 0
	for _, t := range e.ts {
		if t.cancel != nil {
			n++
		}
	}
	return n
}

// startOrQueue starts a task now or parks it on the wait list when
// MaxConcurrentTask is reached.
func (e *Engine) startOrQueue(infohash string, tp taskType) error {
	e.mut.Lock()
	max := e.config.MaxConcurrentTask
	if max > 0 && e.runningTasks() >= max {
		e.waitList.Push(taskElem{ih: infohash, tp: tp})
		e.mut.Unlock()
		log.Println("[engine] task queued", tp, infohash)
		return nil
	}
	e.mut.Unlock()
	return e.StartTorrent(infohash)
}

func (e *Engine) StartTorrent(infohash string) error {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return err
	}
	e.mut.Lock()
	if t.cancel != nil {
		e.mut.Unlock()
		return fmt.Errorf("already started")
	}
	t.start()
	e.mut.Unlock()
	log.Println("[engine] started", infohash)
	e.requestSave()
	e.pub(EventTorrentStarted, infohash)
	return nil
}

func (e *Engine) StopTorrent(infohash string) error {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return err
	}
	e.mut.Lock()
	running := t.cancel != nil
	e.mut.Unlock()
	if !running {
		e.waitList.Remove(infohash)
		return fmt.Errorf("already stopped")
	}
	t.stop()
	log.Println("[engine] stopped", infohash)
	e.requestSave()
	e.pub(EventTorrentStopped, infohash)
	e.nextWaitTask()
	return nil
}

// DeleteTorrent removes a task and its session state. Downloaded data
// stays on disk unless removeData is set.
func (e *Engine) DeleteTorrent(infohash string, removeData bool) error {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return err
	}
	t.stop()
	e.waitList.Remove(infohash)

	e.mut.Lock()
	delete(e.ts, infohash)
	e.mut.Unlock()

	e.removeMagnetCache(infohash)
	e.removeTorrentCache(infohash)
	removeBitmap(e.Config().StateDirectory, infohash)
	if removeData {
		t.Lock()
		info := t.info
		t.Unlock()
		if err := storage.RemoveData(info, e.Config().DownloadDirectory); err != nil {
			log.Println("[engine] data removal failed:", err)
		}
	}
	log.Println("[engine] deleted", infohash)
	e.requestSave()
	e.pub(EventTorrentDeleted, infohash)
	e.nextWaitTask()
	return nil
}

// nextWaitTask starts the oldest queued task if a slot is free.
func (e *Engine) nextWaitTask() {
	e.mut.Lock()
	max := e.config.MaxConcurrentTask
	free := max <= 0 || e.runningTasks() < max
	e.mut.Unlock()
	if !free {
		return
	}
	if v := e.waitList.Pop(); v != nil {
		elm := v.(taskElem)
		log.Println("[engine] starting queued task", elm.tp, elm.ih)
		e.StartTorrent(elm.ih)
	}
}

// Shutdown stops every running task, persisting bitmaps and state.
func (e *Engine) Shutdown() {
	e.mut.Lock()
	l := e.listener
	e.listener = nil
	tasks := make([]*Torrent, 0, len(e.ts))
	for _, t := range e.ts {
		tasks = append(tasks, t)
	}
	e.mut.Unlock()
	if l != nil {
		l.Close()
	}
	for _, t := range tasks {
		t.stop()
	}
	if e.persist != nil {
		e.persist.flush(e.stateRecords())
	}
	log.Println("[engine] shutdown complete")
}
