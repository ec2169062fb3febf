package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/bencode"

	"github.com/Hila-dev/PyTorrent/metainfo"
)

const cacheSavedPrefix = "_PTAUTOSAVED_"

// newMagnetCacheFile drops a .info file holding the magnet URI so a
// metadata-less task survives restarts.
func (e *Engine) newMagnetCacheFile(magnetURI, infohash string) {
	dir := e.Config().WatchDirectory
	if w, err := os.Stat(dir); err != nil || !w.IsDir() {
		return
	}
	cacheInfoPath := filepath.Join(dir,
		fmt.Sprintf("%s%s.info", cacheSavedPrefix, infohash))
	if _, err := os.Stat(cacheInfoPath); os.IsNotExist(err) {
		if err := os.WriteFile(cacheInfoPath, []byte(magnetURI), 0644); err == nil {
			log.Println("created magnet cache info file", infohash)
		}
	}
}

// saveTorrentCache re-renders a .torrent file from the parsed metadata
// so magnet tasks restore without refetching.
func (e *Engine) saveTorrentCache(info *metainfo.Info) {
	dir := e.Config().WatchDirectory
	if w, err := os.Stat(dir); err != nil || !w.IsDir() {
		return
	}
	infohash := info.HexHash()
	cacheFilePath := filepath.Join(dir,
		fmt.Sprintf("%s%s.torrent", cacheSavedPrefix, infohash))
	// avoid recreating cache files during boot import
	if _, err := os.Stat(cacheFilePath); !os.IsNotExist(err) {
		return
	}
	root := map[string]interface{}{
		"info": bencode.Bytes(info.InfoBytes),
	}
	if len(info.Trackers) > 0 {
		root["announce"] = info.Trackers[0]
		list := make([][]string, 0, len(info.Trackers))
		for _, tr := range info.Trackers {
			list = append(list, []string{tr})
		}
		root["announce-list"] = list
	}
	data, err := bencode.Marshal(root)
	if err != nil {
		log.Println("failed to render torrent cache file:", err)
		return
	}
	if err := os.WriteFile(cacheFilePath, data, 0644); err != nil {
		log.Println("failed to create torrent cache file:", err)
		return
	}
	log.Println("created torrent cache file", infohash)
}

func (e *Engine) removeMagnetCache(infohash string) {
	cacheInfoPath := filepath.Join(e.Config().WatchDirectory,
		fmt.Sprintf("%s%s.info", cacheSavedPrefix, infohash))
	if err := os.Remove(cacheInfoPath); err == nil {
		log.Printf("removed magnet info file %s", infohash)
	}
}

func (e *Engine) removeTorrentCache(infohash string) {
	cacheFilePath := filepath.Join(e.Config().WatchDirectory,
		fmt.Sprintf("%s%s.torrent", cacheSavedPrefix, infohash))
	if err := os.Remove(cacheFilePath); err == nil {
		log.Printf("removed torrent cache file %s", infohash)
	}
}

// torrentCachePath returns the cached .torrent path for a task, or ""
// when no cache file exists.
func (e *Engine) torrentCachePath(infohash string) string {
	p := filepath.Join(e.Config().WatchDirectory,
		fmt.Sprintf("%s%s.torrent", cacheSavedPrefix, infohash))
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// RestoreCacheDir imports cache files the watch directory accumulated
// while the engine was down.
func (e *Engine) RestoreCacheDir() {
	dir := e.Config().WatchDirectory
	matches, _ := filepath.Glob(filepath.Join(dir, cacheSavedPrefix+"*"))
	for _, path := range matches {
		name := filepath.Base(path)
		switch {
		case strings.HasSuffix(name, ".torrent"):
			if err := e.NewTorrentFile(path); err != nil && err != ErrDuplicateTorrent {
				log.Println("restore cached torrent failed:", name, err)
			}
		case strings.HasSuffix(name, ".info"):
			uri, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if err := e.NewMagnet(strings.TrimSpace(string(uri))); err != nil && err != ErrDuplicateTorrent {
				log.Println("restore cached magnet failed:", name, err)
			}
		}
	}
}
