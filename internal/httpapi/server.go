package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hamed0406/canarywatch/internal/aggregator"
	"github.com/hamed0406/canarywatch/internal/alarm"
	"github.com/hamed0406/canarywatch/internal/domain"
	"github.com/hamed0406/canarywatch/internal/engine"
	apimw "github.com/hamed0406/canarywatch/internal/httpapi/middleware"
	"github.com/hamed0406/canarywatch/internal/notify"
	"github.com/hamed0406/canarywatch/internal/repo"
	"github.com/hamed0406/canarywatch/internal/telemetry"
)

// Monitor is the read side of the engine the API serves. *engine.Engine
// satisfies it.
type Monitor interface {
	Alarms() []alarm.Status
	Alarm(id domain.AlarmID) (alarm.Status, error)
	History(ctx context.Context, id domain.AlarmID, limit int) ([]repo.Transition, error)
	Probes() []engine.ProbeStatus
	SuccessPercent(id domain.ProbeID, period time.Duration, count int) ([]aggregator.Datapoint, error)
	Outcomes(ctx context.Context, id domain.ProbeID, limit int) ([]domain.Outcome, error)
	Topics() []notify.TopicInfo
	EvaluateAlarms(ctx context.Context)
}

type Server struct {
	Logger  *zap.Logger
	Monitor Monitor
}

func NewServer(l *zap.Logger, m Monitor) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	return &Server{Logger: l, Monitor: m}
}

// Router mounts health, metrics and the /api routes. API routes need a key
// when keys are configured and are rate limited per client IP.
func (s *Server) Router(keys apimw.Keys, rpm, burst int) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(cors.AllowAll().Handler)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(telemetry.Registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(apimw.RateLimit(rpm, burst))
		r.Use(apimw.RequireAny(keys))

		r.Get("/alarms", s.handleListAlarms)
		r.With(apimw.RequireAdmin(keys)).Post("/alarms/evaluate", s.handleEvaluate)
		r.Get("/alarms/{id}", s.handleGetAlarm)
		r.Get("/alarms/{id}/history", s.handleAlarmHistory)
		r.Get("/probes", s.handleListProbes)
		r.Get("/probes/{id}/success", s.handleSuccess)
		r.Get("/probes/{id}/outcomes", s.handleOutcomes)
		r.Get("/topics", s.handleListTopics)
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Debug("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})
}
