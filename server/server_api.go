package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/Hila-dev/PyTorrent/engine"
)

const maxBodySize = 1 << 20

// api routes /api/ requests. Mutating actions reply "OK" or a plain
// error; queries reply JSON.
func (s *Server) api(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	action := strings.TrimPrefix(r.URL.Path, "/api/")

	if r.Method == http.MethodGet {
		switch action {
		case "torrents":
			s.apiTorrents(w)
		case "stats":
			s.apiStats(w)
		case "files":
			s.apiFiles(w)
		case "configure":
			writeJSON(w, s.conf())
		case "events":
			s.apiEvents(w, r)
		default:
			http.Error(w, "invalid path", http.StatusNotFound)
		}
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "expecting POST", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if err := s.apiPost(action, data); err != nil {
		if errors.Is(err, engine.ErrDuplicateTorrent) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) apiPost(action string, data []byte) error {
	// a torrent URL is fetched then treated as an uploaded file
	if action == "url" {
		remote, err := http.Get(string(data))
		if err != nil {
			return fmt.Errorf("invalid remote torrent URL: %w", err)
		}
		defer remote.Body.Close()
		data, err = io.ReadAll(io.LimitReader(remote.Body, maxBodySize))
		if err != nil {
			return fmt.Errorf("failed to download remote torrent: %w", err)
		}
		action = "torrentfile"
	}

	switch action {
	case "configure":
		return s.apiConfigure(data)
	case "magnet":
		uri := strings.TrimSpace(string(data))
		if !strings.HasPrefix(uri, "magnet:?") {
			return fmt.Errorf("invalid magnet link")
		}
		return s.engine.NewMagnet(uri)
	case "torrentfile":
		return s.engine.NewTorrentBytes(data)
	case "torrent":
		cmd := strings.SplitN(string(data), ":", 2)
		if len(cmd) != 2 {
			return fmt.Errorf("invalid request")
		}
		state, infohash := cmd[0], cmd[1]
		switch state {
		case "start":
			return s.engine.StartTorrent(infohash)
		case "stop":
			return s.engine.StopTorrent(infohash)
		case "delete":
			return s.engine.DeleteTorrent(infohash, false)
		case "deletedata":
			return s.engine.DeleteTorrent(infohash, true)
		default:
			return fmt.Errorf("invalid state: %s", state)
		}
	default:
		return fmt.Errorf("invalid action: %s", action)
	}
}

// apiConfigure applies a runtime config change, honoring the per-field
// restart requirements.
func (s *Server) apiConfigure(data []byte) error {
	cur := s.conf()
	if !cur.AllowRuntimeConfigure {
		return errors.New("runtime configuration is disabled")
	}
	c := cur
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	if _, err := c.NormlizeConfigDir(); err != nil {
		return err
	}
	if reflect.DeepEqual(cur, c) {
		log.Println("[api] configure unchanged")
		return nil
	}
	status := cur.Validate(&c)
	if status&engine.ForbidRuntimeChange > 0 {
		return errors.New("this setting cannot be changed at runtime")
	}
	if status&engine.NeedEngineReConfig > 0 {
		for _, t := range s.engine.GetTorrents() {
			if t.Started {
				return errors.New("all torrents must be stopped to reconfigure")
			}
		}
		if err := s.engine.Configure(c); err != nil {
			return err
		}
		log.Println("[api] torrent engine reconfigured")
	}
	if status&engine.NeedRestartWatch > 0 {
		s.restartWatcher(c.WatchDirectory)
		log.Println("[api] file watcher restarted")
	}
	cur.SyncViper(c)
	s.mut.Lock()
	s.config = c
	s.mut.Unlock()
	if err := c.WriteYaml(); err != nil {
		return err
	}
	log.Println("[api] config saved")
	return nil
}

func (s *Server) apiTorrents(w http.ResponseWriter) {
	ts := s.engine.GetTorrents()
	list := make([]*engine.Torrent, 0, len(ts))
	for _, t := range ts {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].AddedAt.Before(list[j].AddedAt) })
	for _, t := range list {
		t.Lock()
	}
	writeJSON(w, list)
	for _, t := range list {
		t.Unlock()
	}
}

// apiEvents long-polls the engine's event hub: it replies with the
// next lifecycle event, or an empty list after 25s.
func (s *Server) apiEvents(w http.ResponseWriter, r *http.Request) {
	events, cancel := s.engine.Subscribe()
	defer cancel()
	select {
	case ev, ok := <-events:
		if !ok {
			writeJSON(w, []engine.Event{})
			return
		}
		writeJSON(w, []engine.Event{ev})
	case <-time.After(25 * time.Second):
		writeJSON(w, []engine.Event{})
	case <-r.Context().Done():
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("[api] response encode failed:", err)
	}
}
