package system

import (
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Stats struct {
	hits atomic.Uint64
	t1   time.Time
}

type StatsReport struct {
	Hits    uint64  `json:"hits"`
	Average float64 `json:"hits-per-second,omitempty"`
	Uptime  float64 `json:"uptime,omitempty"`
}

func (st *Stats) Report() StatsReport {
	report := StatsReport{Hits: st.hits.Load()}
	if !st.t1.IsZero() {
		report.Uptime = time.Since(st.t1).Truncate(time.Second).Seconds()
		if report.Uptime > 0 {
			report.Average = math.Round(float64(report.Hits)/report.Uptime*100) / 100
		}
	}
	return report
}

func (s *System) StatusHandler(w http.ResponseWriter, r *http.Request) {
	serveJSON(w, http.StatusOK, s.Stats.Report())
}

// HitCounter http middleware that logs and counts
func (s *System) HitCounter(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Stats.hits.Add(1)
		t1 := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		h.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("host", r.Host),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("ip", r.RemoteAddr),
			zap.String("ua", truncate(r.UserAgent(), 50)),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(t1)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
