package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gftlab/internal/experiment"
	"gftlab/internal/store"
)

// setupTestServer creates a server backed by a temp database and an
// httptest listener, plus a cleanup function.
func setupTestServer(t *testing.T) (*Server, *httptest.Server, func()) {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "gftlab-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpfile.Close()

	st, err := store.New(tmpfile.Name())
	if err != nil {
		os.Remove(tmpfile.Name())
		t.Fatalf("failed to create store: %v", err)
	}

	srv := NewServer(st, nil)
	ts := httptest.NewServer(srv.Router())

	cleanup := func() {
		srv.Shutdown()
		ts.Close()
		st.Close()
		os.Remove(tmpfile.Name())
	}
	return srv, ts, cleanup
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

// getJSON fetches url and decodes the body into out when the response
// is 200. The response is returned for status checks either way.
func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func waitForStatus(t *testing.T, ts *httptest.Server, id, want string) *store.ExperimentRecord {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		var rec store.ExperimentRecord
		resp := getJSON(t, ts.URL+"/api/experiments/"+id, &rec)
		if resp.StatusCode == http.StatusOK && rec.Status == want {
			return &rec
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("experiment %s never reached status %q", id, want)
	return nil
}

// ==================== HTTP API TESTS ====================

func TestHealthCheck(t *testing.T) {
	_, ts, cleanup := setupTestServer(t)
	defer cleanup()

	var body map[string]string
	resp := getJSON(t, ts.URL+"/api/health", &body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestLaunchExperimentEndToEnd(t *testing.T) {
	_, ts, cleanup := setupTestServer(t)
	defer cleanup()

	resp := postJSON(t, ts.URL+"/api/experiments", LaunchRequest{
		Name:         "api-e2e",
		Horizon:      100,
		Replications: 2,
		Seed:         3,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var launched map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&launched); err != nil {
		t.Fatalf("failed to decode launch response: %v", err)
	}
	id := launched["experiment_id"]
	if id == "" {
		t.Fatal("expected an experiment id")
	}

	rec := waitForStatus(t, ts, id, experiment.StatusDone)
	if rec.Name != "api-e2e" {
		t.Errorf("expected name api-e2e, got %q", rec.Name)
	}
	if rec.CompletedRuns != 2 {
		t.Errorf("expected 2 completed runs, got %d", rec.CompletedRuns)
	}

	var runs []store.RunRecord
	getJSON(t, ts.URL+"/api/experiments/"+id+"/runs", &runs)
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	for i, run := range runs {
		if run.Replication != i {
			t.Errorf("run %d: expected replication %d, got %d", i, i, run.Replication)
		}
	}

	var summary store.RunSummary
	getJSON(t, ts.URL+"/api/experiments/"+id+"/summary", &summary)
	if summary.Runs != 2 {
		t.Errorf("expected a summary over 2 runs, got %d", summary.Runs)
	}

	var list []store.ExperimentRecord
	getJSON(t, ts.URL+"/api/experiments", &list)
	if len(list) != 1 || list[0].ID != id {
		t.Errorf("expected the experiment in the listing, got %+v", list)
	}
}

func TestLaunchValidation(t *testing.T) {
	_, ts, cleanup := setupTestServer(t)
	defer cleanup()

	resp, err := http.Post(ts.URL+"/api/experiments", "application/json", strings.NewReader("not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/experiments", LaunchRequest{Horizon: 2})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("tiny horizon: expected 400, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/experiments", LaunchRequest{
		Constrained: true,
		Horizon:     100,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("constrained without envelope: expected 400, got %d", resp.StatusCode)
	}
}

func TestLaunchConflict(t *testing.T) {
	_, ts, cleanup := setupTestServer(t)
	defer cleanup()

	resp := postJSON(t, ts.URL+"/api/experiments", LaunchRequest{
		Name:         "conflict-long",
		Horizon:      20000,
		Replications: 4,
		Seed:         1,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/experiments", LaunchRequest{
		Name:    "conflict-second",
		Horizon: 100,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 while the first experiment runs, got %d", resp.StatusCode)
	}
}

func TestStateEndpoint(t *testing.T) {
	_, ts, cleanup := setupTestServer(t)
	defer cleanup()

	var state stateResponse
	getJSON(t, ts.URL+"/api/state", &state)
	if state.Running {
		t.Error("expected no running experiment on a fresh server")
	}
	if state.Snapshots == nil {
		t.Error("expected an empty snapshot list, got null")
	}

	resp := postJSON(t, ts.URL+"/api/experiments", LaunchRequest{
		Name:         "state-watch",
		Horizon:      20000,
		Replications: 2,
		Seed:         7,
	})
	defer resp.Body.Close()
	var launched map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&launched); err != nil {
		t.Fatalf("failed to decode launch response: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		getJSON(t, ts.URL+"/api/state", &state)
		if state.Running && len(state.Snapshots) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !state.Running || len(state.Snapshots) == 0 {
		t.Fatal("state never showed the running experiment")
	}
	if state.ExperimentID != launched["experiment_id"] {
		t.Errorf("state reports experiment %s, launch returned %s",
			state.ExperimentID, launched["experiment_id"])
	}
	if state.Name != "state-watch" {
		t.Errorf("expected name state-watch, got %q", state.Name)
	}
	for _, snap := range state.Snapshots {
		if snap.Horizon != 20000 {
			t.Errorf("replication %d reports horizon %d", snap.Replication, snap.Horizon)
		}
	}
}

func TestExperimentNotFound(t *testing.T) {
	_, ts, cleanup := setupTestServer(t)
	defer cleanup()

	for _, path := range []string{
		"/api/experiments/missing",
		"/api/experiments/missing/runs",
		"/api/experiments/missing/summary",
	} {
		resp := getJSON(t, ts.URL+path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

// ==================== WEBSOCKET TESTS ====================

func TestWebSocketReceivesBroadcasts(t *testing.T) {
	srv, ts, cleanup := setupTestServer(t)
	defer cleanup()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// The first message is the state snapshot for late joiners
	var first map[string]interface{}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("failed to read initial message: %v", err)
	}
	if first["type"] != "state" {
		t.Errorf("expected an initial state message, got %v", first["type"])
	}

	srv.Broadcast(experiment.ProgressMessage{
		Type:         "progress",
		ExperimentID: "ws-test",
		Replication:  0,
		Round:        500,
		Horizon:      1000,
		Budget:       1.5,
	})

	var progress map[string]interface{}
	if err := conn.ReadJSON(&progress); err != nil {
		t.Fatalf("failed to read progress message: %v", err)
	}
	if progress["type"] != "progress" {
		t.Errorf("expected a progress message, got %v", progress["type"])
	}
	if round, ok := progress["round"].(float64); !ok || round != 500 {
		t.Errorf("expected round 500, got %v", progress["round"])
	}
}

func TestHubBroadcastAndStop(t *testing.T) {
	hub := NewHub()
	client := &Client{hub: hub, send: make(chan []byte, 4)}

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	hub.Broadcast(map[string]string{"type": "test"})
	select {
	case data := <-client.send:
		if !strings.Contains(string(data), `"type":"test"`) {
			t.Errorf("unexpected payload %s", data)
		}
	default:
		t.Fatal("expected a queued message")
	}

	hub.Stop()
	if hub.ClientCount() != 0 {
		t.Errorf("expected no clients after stop, got %d", hub.ClientCount())
	}
	if _, open := <-client.send; open {
		t.Error("expected the send channel to be closed")
	}

	// Unregister after Stop must not close the channel twice
	hub.Unregister(client)
}

// ==================== METRICS TESTS ====================

func TestMetricsEndpoint(t *testing.T) {
	_, ts, cleanup := setupTestServer(t)
	defer cleanup()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	for _, metric := range []string{"gftlab_trades_total", "gftlab_phase_flips_total"} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("expected %s in the exposition", metric)
		}
	}
}

func TestMetricsObserverTracksRoundDeltas(t *testing.T) {
	o := newMetricsObserver()

	o.observe(experiment.ProgressMessage{ExperimentID: "x", Replication: 1, Round: 500})
	o.observe(experiment.ProgressMessage{ExperimentID: "x", Replication: 1, Round: 1000})
	if got := o.lastRound["x/1"]; got != 1000 {
		t.Errorf("expected last round 1000, got %d", got)
	}

	o.observe(experiment.RunFinishedMessage{
		Type:         "run_finished",
		ExperimentID: "x",
		RunResult:    experiment.RunResult{Replication: 1, RoundsTraded: 400},
	})
	if _, ok := o.lastRound["x/1"]; ok {
		t.Error("expected the replication entry to be dropped after the run finished")
	}
}

// ==================== RATE LIMIT TESTS ====================

func TestLaunchLimiter(t *testing.T) {
	l := newLaunchLimiter(2, time.Hour)
	if !l.Allow("1.2.3.4") || !l.Allow("1.2.3.4") {
		t.Fatal("the first two launches should pass")
	}
	if l.Allow("1.2.3.4") {
		t.Error("a third launch inside the window should be rejected")
	}
	if !l.Allow("5.6.7.8") {
		t.Error("another address should have its own window")
	}
}

func TestLaunchLimiterWindowExpires(t *testing.T) {
	l := newLaunchLimiter(1, 10*time.Millisecond)
	if !l.Allow("1.2.3.4") {
		t.Fatal("the first launch should pass")
	}
	if l.Allow("1.2.3.4") {
		t.Error("an immediate second launch should be rejected")
	}
	time.Sleep(20 * time.Millisecond)
	if !l.Allow("1.2.3.4") {
		t.Error("a launch after the window expired should pass")
	}
}
