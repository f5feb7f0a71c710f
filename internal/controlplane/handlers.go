package controlplane

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "cryptodata-platform",
		"uptime":  time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	if err := s.db.HealthCheck(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make([]interface{}, 0)
	for _, c := range s.scheduler.Collectors() {
		statuses = append(statuses, c.StatusSnapshot())
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"collectors":     statuses,
		"updater_state":  s.updater.State().String(),
		"db_stats":       s.db.GetStats(),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleCircuitBreakerStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make(map[string]interface{}, len(s.scheduler.Collectors()))
	for _, c := range s.scheduler.Collectors() {
		snap := c.StatusSnapshot()
		statuses[c.Name()] = map[string]interface{}{
			"breaker_state":  snap.BreakerState,
			"consecutive_ok": snap.ConsecutiveOK,
			"total_failures": snap.TotalFailures,
			"last_error":     snap.LastError,
		}
	}
	s.writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleDataQuality(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	to := time.Now().UTC()
	from := to.Add(-7 * 24 * time.Hour)

	summary, err := s.placeholder.Summarize(ctx, from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	gaps, err := s.placeholder.DetectGaps(ctx, from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(gaps) > 200 {
		gaps = gaps[:200]
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary": summary,
		"gaps":    gaps,
	})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	cpuPercent, _ := cpu.Percent(200*time.Millisecond, false)
	vmem, _ := mem.VirtualMemory()

	resp := map[string]interface{}{
		"goroutines":   runtime.NumGoroutine(),
		"db_stats":     s.db.GetStats(),
		"cpu_percent":  firstOrZero(cpuPercent),
		"memory_used_percent": 0.0,
	}
	if vmem != nil {
		resp["memory_used_percent"] = vmem.UsedPercent
		resp["memory_total_bytes"] = vmem.Total
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfgSnapshot)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	// Logs are shipped to stdout/stderr as structured JSON by zerolog and
	// aggregated externally; this endpoint acknowledges the request rather
	// than tailing a local file the process doesn't keep.
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "logs are emitted as structured JSON on stdout"})
}

type collectRequest struct {
	Collector string `json:"collector"`
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	var req collectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.scheduler.Trigger(req.Collector); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered", "collector": req.Collector})
}

type backfillRequest struct {
	Collector string    `json:"collector"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Symbols   []string  `json:"symbols"`
	Force     bool      `json:"force"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	if err := s.scheduler.Backfill(ctx, req.Collector, req.From, req.To, req.Symbols, req.Force); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "success", "collector": req.Collector})
}

func (s *Server) handleValidateData(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	gaps, err := s.placeholder.DetectGaps(ctx, from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":     len(gaps) == 0,
		"gap_count": len(gaps),
		"gaps":      gaps,
	})
}

type alertRequest struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Source   string `json:"source"`
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	logEvent := s.log.Warn()
	if req.Severity == "critical" {
		logEvent = s.log.Error()
	}
	logEvent.Str("source", req.Source).Str("severity", req.Severity).Msg(req.Message)

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *Server) handleCollectorStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, ok := s.scheduler.Collector(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, errNotFound(name))
		return
	}
	if err := c.Start(); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started", "collector": name})
}

func (s *Server) handleCollectorStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, ok := s.scheduler.Collector(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, errNotFound(name))
		return
	}
	c.Stop()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "collector": name})
}

func (s *Server) handleCollectorRestart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, ok := s.scheduler.Collector(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, errNotFound(name))
		return
	}
	c.Stop()
	if err := c.Start(); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "restarted", "collector": name})
}

func firstOrZero(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[0]
}
