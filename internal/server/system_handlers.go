package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var startupTime = time.Now().UTC()

// handleSystemHealth reports process health plus host CPU and memory use.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	cpuPct, memPct := s.systemStats()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"service":        "backtester",
		"uptime_seconds": int(time.Since(startupTime).Seconds()),
		"cpu_percent":    cpuPct,
		"memory_percent": memPct,
		"active_runs":    len(s.manager.List()),
	})
}

// systemStats samples CPU over 100ms to keep the endpoint responsive.
func (s *Server) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}
