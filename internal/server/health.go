package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

type healthResponse struct {
	Status      string  `json:"status"`
	DealLoaded  bool    `json:"deal_loaded"`
	RunActive   bool    `json:"run_active"`
	Goroutines  int     `json:"goroutines"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// handleHealth reports liveness plus basic host stats.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Goroutines: runtime.NumGoroutine(),
	}

	s.mu.RLock()
	resp.DealLoaded = s.current != nil
	resp.RunActive = s.running
	s.mu.RUnlock()

	// 100ms sample keeps the endpoint responsive for pollers.
	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		resp.CPUPercent = pct[0]
	} else if err != nil {
		s.log.Warn().Err(err).Msg("reading CPU usage")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemPercent = vm.UsedPercent
	} else {
		s.log.Warn().Err(err).Msg("reading memory usage")
	}

	if s.dataDir != "" {
		if du, err := disk.Usage(s.dataDir); err == nil {
			resp.DiskPercent = du.UsedPercent
		} else {
			s.log.Warn().Err(err).Msg("reading disk usage")
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
