package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Hila-dev/PyTorrent/engine"
)

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.bin"), make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b.bin"), make([]byte, 50), 0644); err != nil {
		t.Fatal(err)
	}
	root, err := listFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if root.Size != 150 {
		t.Errorf("root size = %d, want 150", root.Size)
	}
	if len(root.Children) != 2 {
		t.Fatalf("got %d children, want 2", len(root.Children))
	}
	for _, c := range root.Children {
		switch c.Name {
		case "a.bin":
			if c.Size != 100 || c.Children != nil {
				t.Errorf("a.bin: %+v", c)
			}
		case "sub":
			if c.Size != 50 || len(c.Children) != 1 {
				t.Errorf("sub: %+v", c)
			}
		default:
			t.Errorf("unexpected child %q", c.Name)
		}
	}
}

func TestListFilesMissingDir(t *testing.T) {
	if _, err := listFiles(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("want error for missing dir")
	}
}

func TestAPIPostRejects(t *testing.T) {
	s := &Server{engine: engine.New()}
	tests := []struct {
		name   string
		action string
		body   string
	}{
		{"bad action", "frobnicate", ""},
		{"bare magnet", "magnet", "not a magnet"},
		{"torrent missing colon", "torrent", "start"},
		{"torrent bad state", "torrent", "pause:" + strings.Repeat("ab", 20)},
		{"torrent unknown hash", "torrent", "start:" + strings.Repeat("ab", 20)},
		{"empty torrentfile", "torrentfile", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.apiPost(tt.action, []byte(tt.body)); err == nil {
				t.Errorf("apiPost(%q, %q) = nil, want error", tt.action, tt.body)
			}
		})
	}
}

func TestAPIPostMagnet(t *testing.T) {
	s := &Server{engine: engine.New()}
	uri := "magnet:?xt=urn:btih:" + strings.Repeat("cd", 20) + "&dn=posted"
	if err := s.apiPost("magnet", []byte(uri+"\n")); err != nil {
		t.Fatal(err)
	}
	if len(s.engine.GetTorrents()) != 1 {
		t.Fatal("task not added")
	}
}
