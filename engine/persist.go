package engine

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Hila-dev/PyTorrent/metainfo"
)

// TaskRecord is the persisted form of one task in state.json.
type TaskRecord struct {
	InfoHash  string    `json:"infoHash"`
	Magnet    string    `json:"magnet"`
	Started   bool      `json:"started"`
	LastError string    `json:"lastError,omitempty"`
	AddedAt   time.Time `json:"addedAt"`
}

type sessionState struct {
	SavedAt time.Time    `json:"savedAt"`
	Tasks   []TaskRecord `json:"tasks"`
}

func statePath(stateDir string) string {
	return filepath.Join(stateDir, "state.json")
}

func removeBitmap(stateDir, infohash string) {
	os.Remove(filepath.Join(stateDir, infohash+".bitmap"))
}

// persistQueue serializes state.json writes. Every task mutation
// writes through immediately so a crash never loses a status
// transition.
type persistQueue struct {
	mu   sync.Mutex
	path string
}

func newPersistQueue(path string) *persistQueue {
	return &persistQueue{path: path}
}

// flush writes the state file atomically via a temp file rename.
func (p *persistQueue) flush(tasks []TaskRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := json.MarshalIndent(sessionState{SavedAt: time.Now(), Tasks: tasks}, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}

func loadState(path string) (*sessionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	st := &sessionState{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (e *Engine) requestSave() {
	if e.persist == nil {
		return
	}
	if err := e.persist.flush(e.stateRecords()); err != nil {
		log.Println("[persist] state save failed:", err)
	}
}

func (e *Engine) stateRecords() []TaskRecord {
	e.mut.Lock()
	defer e.mut.Unlock()
	out := make([]TaskRecord, 0, len(e.ts))
	for _, t := range e.ts {
		t.Lock()
		out = append(out, TaskRecord{
			InfoHash:  t.InfoHash,
			Magnet:    t.Magnet,
			Started:   t.Started,
			LastError: t.LastError,
			AddedAt:   t.AddedAt,
		})
		t.Unlock()
	}
	return out
}

// RestoreSession re-adds tasks recorded in state.json. Cached .torrent
// files in the watch directory win over magnet re-resolution. Each task
// resumes its recorded run state: stopped tasks stay stopped no matter
// what AutoStart says.
func (e *Engine) RestoreSession() error {
	st, err := loadState(statePath(e.Config().StateDirectory))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, rec := range st.Tasks {
		tp := taskMagnet
		if cached := e.torrentCachePath(rec.InfoHash); cached != "" {
			tp = taskTorrent
			info, err := metainfo.LoadFromFile(cached)
			if err != nil {
				log.Println("[persist] restore", rec.InfoHash, "from cache failed:", err)
			} else if err := e.newFromInfo(info, false); err != nil && !errors.Is(err, ErrDuplicateTorrent) {
				log.Println("[persist] restore", rec.InfoHash, "from cache failed:", err)
			}
		} else if rec.Magnet != "" {
			if err := e.newMagnet(rec.Magnet, false); err != nil && !errors.Is(err, ErrDuplicateTorrent) {
				log.Println("[persist] restore", rec.InfoHash, "from magnet failed:", err)
			}
		}
		if rec.LastError != "" {
			if t, err := e.getTorrent(rec.InfoHash); err == nil {
				t.Lock()
				t.LastError = rec.LastError
				t.Unlock()
			}
		}
		if rec.Started {
			if err := e.startOrQueue(rec.InfoHash, tp); err != nil {
				log.Println("[persist] restore", rec.InfoHash, "start failed:", err)
			}
		}
	}
	log.Println("[persist] restored", len(st.Tasks), "tasks")
	return nil
}
