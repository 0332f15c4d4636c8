package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hamed0406/canarywatch/internal/aggregator"
	"github.com/hamed0406/canarywatch/internal/domain"
	"github.com/hamed0406/canarywatch/internal/engine"
)

const (
	defaultPeriod = 60 * time.Second
	defaultCount  = 5
	maxCount      = 1440
)

// datapointView renders NO_DATA periods as a null value; JSON has no NaN.
type datapointView struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Samples   int       `json:"samples"`
	Successes int       `json:"successes"`
	Value     *float64  `json:"value"`
	NoData    bool      `json:"no_data"`
}

func toView(dps []aggregator.Datapoint) []datapointView {
	out := make([]datapointView, 0, len(dps))
	for _, d := range dps {
		v := datapointView{Start: d.Start, End: d.End, Samples: d.Samples, Successes: d.Successes, NoData: d.NoData()}
		if pct, ok := d.Percent(); ok {
			v.Value = &pct
		}
		out = append(out, v)
	}
	return out
}

func (s *Server) handleListAlarms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Monitor.Alarms())
}

func (s *Server) handleGetAlarm(w http.ResponseWriter, r *http.Request) {
	st, err := s.Monitor.Alarm(domain.AlarmID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAlarmHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hist, err := s.Monitor.History(r.Context(), domain.AlarmID(chi.URLParam(r, "id")), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	s.Monitor.EvaluateAlarms(r.Context())
	s.Logger.Info("alarms_evaluated_on_demand")
	writeJSON(w, http.StatusOK, s.Monitor.Alarms())
}

func (s *Server) handleListProbes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Monitor.Probes())
}

func (s *Server) handleSuccess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period, err := parsePeriod(q.Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count, err := parseCount(q.Get("count"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dps, err := s.Monitor.SuccessPercent(domain.ProbeID(chi.URLParam(r, "id")), period, count)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(dps))
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.Monitor.Outcomes(r.Context(), domain.ProbeID(chi.URLParam(r, "id")), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Monitor.Topics())
}

// parsePeriod accepts a Go duration ("60s", "5m") or plain seconds.
func parsePeriod(raw string) (time.Duration, error) {
	if raw == "" {
		return defaultPeriod, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		n, nerr := strconv.Atoi(raw)
		if nerr != nil {
			return 0, fmt.Errorf("period %q: want a duration like 60s", raw)
		}
		d = time.Duration(n) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("period %q must be positive", raw)
	}
	return d, nil
}

func parseCount(raw string) (int, error) {
	if raw == "" {
		return defaultCount, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxCount {
		return 0, fmt.Errorf("count %q must be within [1, %d]", raw, maxCount)
	}
	return n, nil
}

// parseLimit leaves range clamping to the store; it only rejects junk.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit %q must be a non-negative integer", raw)
	}
	return n, nil
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, aggregator.ErrInvalidPeriod):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.Logger.Error("api_error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
