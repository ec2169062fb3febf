package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

type sysStats struct {
	Set         bool    `json:"set"`
	CPU         float64 `json:"cpu"`
	DiskUsed    int64   `json:"diskUsed"`
	DiskTotal   int64   `json:"diskTotal"`
	MemoryUsed  int64   `json:"memoryUsed"`
	MemoryTotal int64   `json:"memoryTotal"`
	GoMemory    int64   `json:"goMemory"`
	GoRoutines  int     `json:"goRoutines"`
}

type statsResponse struct {
	Title   string   `json:"title"`
	Version string   `json:"version"`
	Runtime string   `json:"runtime"`
	Uptime  int64    `json:"uptimeSeconds"`
	System  sysStats `json:"system"`
}

// statsRoutine samples system stats every 5 seconds.
func (s *Server) statsRoutine() {
	for {
		st := loadStats(s.conf().DownloadDirectory)
		s.mut.Lock()
		s.stats = st
		s.mut.Unlock()
		time.Sleep(5 * time.Second)
	}
}

func loadStats(diskDir string) sysStats {
	var st sysStats
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		st.CPU = pct[0]
	}
	if stat, err := disk.Usage(diskDir); err == nil {
		st.DiskUsed = int64(stat.Used)
		st.DiskTotal = int64(stat.Total)
	}
	if stat, err := mem.VirtualMemory(); err == nil {
		st.MemoryUsed = int64(stat.Used)
		st.MemoryTotal = int64(stat.Total)
	}
	memStats := runtime.MemStats{}
	runtime.ReadMemStats(&memStats)
	st.GoMemory = int64(memStats.Alloc)
	st.GoRoutines = runtime.NumGoroutine()
	st.Set = true
	return st
}

func (s *Server) apiStats(w http.ResponseWriter) {
	s.mut.Lock()
	st := s.stats
	uptime := s.uptime
	s.mut.Unlock()
	writeJSON(w, statsResponse{
		Title:   s.Title,
		Version: s.version,
		Runtime: runtime.Version(),
		Uptime:  int64(time.Since(uptime).Seconds()),
		System:  st,
	})
}
