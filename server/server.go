// Package server exposes the torrent engine over a JSON HTTP API and
// serves completed downloads.
package server

import (
	"compress/gzip"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/fsnotify/fsnotify"
	"github.com/jpillora/cookieauth"
	"github.com/jpillora/requestlog"

	"github.com/Hila-dev/PyTorrent/engine"
	"github.com/Hila-dev/PyTorrent/server/httpmiddleware"
)

const cacheSavedPrefix = "_PTAUTOSAVED_"

// Server is the HTTP front of the engine. The exported fields are
// CLI-configurable flags.
type Server struct {
	Title          string `help:"Title of this instance" env:"TITLE"`
	Port           int    `help:"Listening port" env:"PORT"`
	Host           string `help:"Listening interface (default all)"`
	Auth           string `help:"Optional basic auth in form 'user:password'" env:"AUTH"`
	ConfigPath     string `help:"Configuration file path"`
	KeyPath        string `help:"TLS Key file path"`
	CertPath       string `help:"TLS Certicate file path" short:"r"`
	Log            bool   `help:"Enable request logging"`
	DisableLogTime bool   `help:"Don't print timestamp in log"`

	engine  *engine.Engine
	watcher *fsnotify.Watcher
	version string

	mut    sync.Mutex
	config engine.Config
	stats  sysStats
	uptime time.Time
}

// Run configures the engine, restores the previous session and serves
// until the listener fails.
func (s *Server) Run(version string) error {
	isTLS := s.CertPath != "" || s.KeyPath != ""
	if isTLS && (s.CertPath == "" || s.KeyPath == "") {
		return fmt.Errorf("you must provide both key and cert paths")
	}
	if s.DisableLogTime {
		engine.SetLoggerFlag(0)
		log.SetFlags(0)
	}
	s.version = version
	s.uptime = time.Now()

	c, err := engine.InitConf(s.ConfigPath)
	if err != nil {
		return fmt.Errorf("initial configuration failed: %w", err)
	}

	s.engine = engine.New()
	if err := s.reconfigure(*c); err != nil {
		return fmt.Errorf("initial configure failed: %w", err)
	}

	if err := s.engine.RestoreSession(); err != nil {
		log.Println("session restore failed:", err)
	}
	s.engine.RestoreCacheDir()
	s.importWatchDir(c.WatchDirectory)

	go s.statsRoutine()

	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", host, s.Port)
	proto := "http"
	if isTLS {
		proto += "s"
	}

	// handler chain, innermost first
	h := http.Handler(http.HandlerFunc(s.handle))
	gzipWrap, _ := gziphandler.NewGzipLevelAndMinSize(gzip.DefaultCompression, 0)
	h = gzipWrap(h)
	if s.Auth != "" {
		user := s.Auth
		pass := ""
		if pair := strings.SplitN(s.Auth, ":", 2); len(pair) == 2 {
			user = pair[0]
			pass = pair[1]
		}
		h = cookieauth.New().SetUserPass(user, pass).Wrap(h)
		log.Println("enabled HTTP authentication")
	}
	h = httpmiddleware.Liveness(h)
	if s.Log {
		h = requestlog.Wrap(h)
	}

	log.Printf("listening at %s://%s", proto, addr)
	server := http.Server{
		Addr:    addr,
		Handler: h,
	}
	if isTLS {
		return server.ListenAndServeTLS(s.CertPath, s.KeyPath)
	}
	return server.ListenAndServe()
}

// reconfigure validates and applies a config, restarting the watch-dir
// watcher when its directory moved.
func (s *Server) reconfigure(c engine.Config) error {
	if _, err := c.NormlizeConfigDir(); err != nil {
		return err
	}
	if err := s.engine.Configure(c); err != nil {
		return err
	}
	s.mut.Lock()
	s.config = c
	s.mut.Unlock()
	return s.restartWatcher(c.WatchDirectory)
}

func (s *Server) conf() engine.Config {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.config
}

// importWatchDir adds .torrent files already sitting in the watch
// directory at boot. Cache-saved files are restored, user drops are
// consumed and removed.
func (s *Server) importWatchDir(dir string) {
	tors, _ := filepath.Glob(filepath.Join(dir, "*.torrent"))
	for _, t := range tors {
		if strings.HasPrefix(filepath.Base(t), cacheSavedPrefix) {
			continue // RestoreCacheDir handled these
		}
		if err := s.engine.NewTorrentFile(t); err == nil {
			log.Printf("initial task: added %s, file removed", filepath.Base(t))
			os.Remove(t)
		} else {
			log.Printf("initial task: failed to add %s: %v", filepath.Base(t), err)
		}
	}
}

// restartWatcher watches the watch directory for dropped .torrent files.
func (s *Server) restartWatcher(dir string) error {
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if w, err := os.Stat(dir); err != nil || !w.IsDir() {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	s.watcher = w
	log.Printf("watching for torrent files in %s", dir)

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create == 0 {
					continue
				}
				name := filepath.Base(event.Name)
				if strings.HasPrefix(name, cacheSavedPrefix) || !strings.HasSuffix(name, ".torrent") {
					continue
				}
				// brief delay so the file is fully written
				time.Sleep(200 * time.Millisecond)
				if err := s.engine.NewTorrentFile(event.Name); err == nil {
					log.Printf("watcher: added %s, file removed", name)
					os.Remove(event.Name)
				} else {
					log.Printf("watcher: failed to add %s: %v", name, err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Println("watcher error:", err)
			}
		}
	}()
	return nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/"):
		s.api(w, r)
	case strings.HasPrefix(r.URL.Path, "/download/"):
		s.serveDownload(w, r)
	default:
		http.NotFound(w, r)
	}
}
