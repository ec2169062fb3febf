package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fsNode is one entry of the download directory tree as served by
// /api/files.
type fsNode struct {
	Name     string     `json:"name"`
	Size     int64      `json:"size"`
	Modified time.Time  `json:"modified"`
	Children []*fsNode  `json:"children,omitempty"`
}

func (s *Server) apiFiles(w http.ResponseWriter) {
	root, err := listFiles(s.conf().DownloadDirectory)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, root)
}

func listFiles(dir string) (*fsNode, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	node := &fsNode{Name: info.Name(), Modified: info.ModTime()}
	if !info.IsDir() {
		node.Size = info.Size()
		return node, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, ent := range entries {
		child, err := listFiles(filepath.Join(dir, ent.Name()))
		if err != nil {
			continue
		}
		node.Size += child.Size
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// serveDownload streams or deletes completed files. Paths are confined
// to the download directory.
func (s *Server) serveDownload(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/download/")
	dldir := s.conf().DownloadDirectory
	file := filepath.Join(dldir, filepath.FromSlash(rel))
	// only allow fetches/deletes inside the download dir
	if !strings.HasPrefix(file, dldir+string(os.PathSeparator)) {
		http.Error(w, "path outside download directory", http.StatusBadRequest)
		return
	}
	info, err := os.Stat(file)
	if err != nil {
		http.Error(w, "file stat error: "+err.Error(), http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		if info.IsDir() {
			http.Error(w, "is a directory", http.StatusBadRequest)
			return
		}
		f, err := os.Open(file)
		if err != nil {
			http.Error(w, "file open error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		defer f.Close()
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	case http.MethodDelete:
		if err := os.RemoveAll(file); err != nil {
			http.Error(w, "delete failed: "+err.Error(), http.StatusInternalServerError)
		}
	default:
		http.Error(w, "not allowed", http.StatusMethodNotAllowed)
	}
}
