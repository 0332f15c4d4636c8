package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hamed0406/canarywatch/internal/alarm"
	"github.com/hamed0406/canarywatch/internal/engine"
	apimw "github.com/hamed0406/canarywatch/internal/httpapi/middleware"
	"github.com/hamed0406/canarywatch/internal/probe"
)

// ---- test helpers ----

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	mock := clock.NewMock()
	eng := engine.New(engine.Options{Clock: mock})
	t.Cleanup(eng.Stop)

	ok := probe.Func(func(context.Context) probe.Result {
		return probe.Result{Success: true, StatusCode: 200, DurationMS: 3}
	})
	if err := eng.RegisterTopic("actors-topic"); err != nil {
		t.Fatalf("register topic: %v", err)
	}
	if err := eng.RegisterProbe("actors-api", ok, time.Minute, time.Second); err != nil {
		t.Fatalf("register probe: %v", err)
	}
	if _, err := eng.RegisterAlarm(alarm.Config{
		ID: "actors-alarm", ProbeID: "actors-api", Period: time.Minute, EvaluationPeriods: 1,
		Operator: alarm.LessThan, Threshold: 90, Topic: "actors-topic",
	}); err != nil {
		t.Fatalf("register alarm: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// wait for the immediate run to land
	deadline := time.Now().Add(3 * time.Second)
	for {
		out, _ := eng.Outcomes(context.Background(), "actors-api", 0)
		if len(out) == 1 && !eng.Probes()[0].InFlight {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("probe never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mock.Add(time.Second)

	srv := NewServer(zap.NewNop(), eng)
	keys := apimw.Keys{
		Public: []string{"pub_test"},
		Admin:  []string{"adm_test"},
	}
	// very high rate limits to avoid flakiness in tests
	ts := httptest.NewServer(srv.Router(keys, 10_000, 10_000))
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, key string, out any) int {
	t.Helper()
	req, _ := http.NewRequest(method, url, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

type alarmView struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Topic string `json:"topic"`
}

// ---- tests ----

func TestHealthzAndMetrics(t *testing.T) {
	ts := setupServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || string(body) != "ok" {
		t.Fatalf("healthz: %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("metrics: want 200 got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "canarywatch_probe_runs_total") {
		t.Fatal("metrics output is missing probe run counter")
	}
}

func TestAPI_RequiresKey(t *testing.T) {
	ts := setupServer(t)
	if code := do(t, http.MethodGet, ts.URL+"/api/alarms", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("want 401 without key, got %d", code)
	}
	if code := do(t, http.MethodGet, ts.URL+"/api/alarms", "nope", nil); code != http.StatusUnauthorized {
		t.Fatalf("want 401 with bad key, got %d", code)
	}
	if code := do(t, http.MethodGet, ts.URL+"/api/alarms", "pub_test", nil); code != http.StatusOK {
		t.Fatalf("want 200 with public key, got %d", code)
	}
}

func TestAlarmEndpoints(t *testing.T) {
	ts := setupServer(t)

	var list []alarmView
	if code := do(t, http.MethodGet, ts.URL+"/api/alarms", "pub_test", &list); code != 200 {
		t.Fatalf("list alarms: %d", code)
	}
	if len(list) != 1 || list[0].ID != "actors-alarm" || list[0].State != "INSUFFICIENT_DATA" {
		t.Fatalf("unexpected alarms: %+v", list)
	}

	// evaluating on demand is admin only
	if code := do(t, http.MethodPost, ts.URL+"/api/alarms/evaluate", "pub_test", nil); code != http.StatusForbidden {
		t.Fatalf("public evaluate: want 403 got %d", code)
	}
	if code := do(t, http.MethodPost, ts.URL+"/api/alarms/evaluate", "adm_test", &list); code != 200 {
		t.Fatalf("admin evaluate: %d", code)
	}
	if list[0].State != "OK" {
		t.Fatalf("want OK after evaluation, got %s", list[0].State)
	}

	var one alarmView
	if code := do(t, http.MethodGet, ts.URL+"/api/alarms/actors-alarm", "pub_test", &one); code != 200 {
		t.Fatalf("get alarm: %d", code)
	}
	if one.State != "OK" || one.Topic != "actors-topic" {
		t.Fatalf("unexpected alarm: %+v", one)
	}

	var hist []struct {
		ID            string `json:"id"`
		AlarmID       string `json:"alarmId"`
		PreviousState string `json:"previousState"`
		NewState      string `json:"newState"`
		Notified      bool   `json:"notified"`
	}
	if code := do(t, http.MethodGet, ts.URL+"/api/alarms/actors-alarm/history", "pub_test", &hist); code != 200 {
		t.Fatalf("history: %d", code)
	}
	if len(hist) != 1 || hist[0].PreviousState != "INSUFFICIENT_DATA" || hist[0].NewState != "OK" || !hist[0].Notified {
		t.Fatalf("unexpected history: %+v", hist)
	}

	if code := do(t, http.MethodGet, ts.URL+"/api/alarms/missing", "pub_test", nil); code != http.StatusNotFound {
		t.Fatalf("unknown alarm: want 404 got %d", code)
	}
	if code := do(t, http.MethodGet, ts.URL+"/api/alarms/missing/history", "pub_test", nil); code != http.StatusNotFound {
		t.Fatalf("unknown alarm history: want 404 got %d", code)
	}
	if code := do(t, http.MethodGet, ts.URL+"/api/alarms/actors-alarm/history?limit=x", "pub_test", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit: want 400 got %d", code)
	}
}

func TestProbeEndpoints(t *testing.T) {
	ts := setupServer(t)

	var probes []struct {
		ProbeID string `json:"probe_id"`
		Runs    int    `json:"runs"`
	}
	if code := do(t, http.MethodGet, ts.URL+"/api/probes", "pub_test", &probes); code != 200 {
		t.Fatalf("list probes: %d", code)
	}
	if len(probes) != 1 || probes[0].ProbeID != "actors-api" || probes[0].Runs != 1 {
		t.Fatalf("unexpected probes: %+v", probes)
	}

	var points []struct {
		Samples int      `json:"samples"`
		Value   *float64 `json:"value"`
		NoData  bool     `json:"no_data"`
	}
	if code := do(t, http.MethodGet, ts.URL+"/api/probes/actors-api/success?period=60s&count=2", "pub_test", &points); code != 200 {
		t.Fatalf("success: %d", code)
	}
	if len(points) != 2 {
		t.Fatalf("want 2 datapoints, got %d", len(points))
	}
	if !points[0].NoData || points[0].Value != nil {
		t.Fatalf("older period should be NO_DATA with a null value: %+v", points[0])
	}
	if points[1].NoData || points[1].Value == nil || *points[1].Value != 100 || points[1].Samples != 1 {
		t.Fatalf("newest period should be 100%% from one sample: %+v", points[1])
	}

	if code := do(t, http.MethodGet, ts.URL+"/api/probes/actors-api/success?period=bogus", "pub_test", nil); code != http.StatusBadRequest {
		t.Fatalf("bad period: want 400 got %d", code)
	}
	if code := do(t, http.MethodGet, ts.URL+"/api/probes/missing/success", "pub_test", nil); code != http.StatusNotFound {
		t.Fatalf("unknown probe: want 404 got %d", code)
	}

	var outcomes []struct {
		Success       bool   `json:"success"`
		CorrelationID string `json:"correlation_id"`
	}
	if code := do(t, http.MethodGet, ts.URL+"/api/probes/actors-api/outcomes?limit=10", "pub_test", &outcomes); code != 200 {
		t.Fatalf("outcomes: %d", code)
	}
	if len(outcomes) != 1 || !outcomes[0].Success || outcomes[0].CorrelationID == "" {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}

	var topics []struct {
		Name string `json:"name"`
	}
	if code := do(t, http.MethodGet, ts.URL+"/api/topics", "adm_test", &topics); code != 200 {
		t.Fatalf("topics: %d", code)
	}
	if len(topics) != 1 || topics[0].Name != "actors-topic" {
		t.Fatalf("unexpected topics: %+v", topics)
	}
}
