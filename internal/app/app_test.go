package app_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/app"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/config"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/observe"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store/memstore"
	ttsmock "github.com/mr-ryan-james/circuit-breaker-sub001/pkg/provider/tts/mock"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

const wait = 2 * time.Second

// closingStore counts Close calls.
type closingStore struct {
	*memstore.Store
	closed atomic.Int32
}

func (s *closingStore) Close() error {
	s.closed.Add(1)
	return nil
}

func testScript() types.Script {
	return types.Script{
		ID:    "duet",
		Title: "A Duet",
		Lines: []types.ScriptLine{
			{Idx: 1, Kind: types.KindScene, Text: "EXT. BRIDGE - DAWN"},
			{Idx: 2, Kind: types.KindDialogue, Speaker: "ANNA", Text: "You came back."},
			{Idx: 3, Kind: types.KindDialogue, Speaker: "BEN", Text: "I never left."},
			{Idx: 4, Kind: types.KindDialogue, Speaker: "ANNA", Text: "Then where were you?"},
		},
		Characters: []types.Character{
			{NormalizedName: "ANNA", DisplayName: "Anna", VoiceID: "va"},
			{NormalizedName: "BEN", DisplayName: "Ben", VoiceID: "vb"},
		},
	}
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.DrainTimeout = time.Second
	cfg.Providers.TTS = config.ProviderEntry{Name: "mock"}
	cfg.Storage.Backend = config.StorageMemory
	cfg.Session.PauseMin = time.Hour
	cfg.Session.PauseMax = time.Hour
	cfg.Session.LineGrace = time.Hour
	return cfg
}

func newApp(t *testing.T, opts ...app.Option) (*app.App, *closingStore) {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	st := &closingStore{Store: memstore.New(testScript())}
	a, err := app.New(context.Background(), testConfig(), app.Deps{
		Store:   st,
		TTS:     &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 0, 2, 0, 3, 0}}},
		Metrics: m,
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a, st
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), app.Deps{}); err == nil {
		t.Fatal("expected error without Store and TTS")
	}
}

func TestCharacters(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scripts/duet/characters", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var body struct {
		ScriptID   string `json:"script_id"`
		Title      string `json:"title"`
		LastIdx    int    `json:"last_idx"`
		Characters []struct {
			Name  string `json:"name"`
			Lines int    `json:"lines"`
		} `json:"characters"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.ScriptID != "duet" || body.Title != "A Duet" || body.LastIdx != 4 || len(body.Characters) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Characters[0].Name != "ANNA" || body.Characters[0].Lines != 2 || body.Characters[1].Lines != 1 {
		t.Errorf("characters = %+v", body.Characters)
	}

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scripts/nope/characters", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown script status = %d", rec.Code)
	}
}

func TestHealthRoutes(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after shutdown = %d, want 503", rec.Code)
	}
}

func TestAudioRoute_Missing(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audio/"+strings.Repeat("ab", 16), nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	var msg map[string]any
	if err := wsjson.Read(ctx, c, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func writeJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := wsjson.Write(ctx, c, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func TestWebSocket_LineAudioIsServed(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	c := dial(t, srv)

	writeJSON(t, c, map[string]any{"type": "start", "script_id": "duet", "self_role": "anna", "from": 3, "to": 3})
	started := readJSON(t, c)
	if started["event"] != "started" || started["self_role"] != "ANNA" {
		t.Fatalf("started = %v", started)
	}

	writeJSON(t, c, map[string]any{"type": "play", "session_id": started["session_id"]})
	line := readJSON(t, c)
	audio, _ := line["audio"].(map[string]any)
	url, _ := audio["url"].(string)
	if line["kind"] != "line" || !strings.HasPrefix(url, "/audio/") {
		t.Fatalf("line = %v", line)
	}

	resp, err := http.Get(srv.URL + url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "audio/wav" || !strings.HasPrefix(string(body), "RIFF") {
		t.Fatalf("audio fetch = %d %q %q", resp.StatusCode, resp.Header.Get("Content-Type"), body[:min(4, len(body))])
	}
}

func TestShutdown_EndsSessionsAndClosesStore(t *testing.T) {
	t.Parallel()
	a, st := newApp(t)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	c := dial(t, srv)

	writeJSON(t, c, map[string]any{"type": "start", "script_id": "duet", "self_role": "BEN"})
	readJSON(t, c)
	if a.Registry().Len() != 1 {
		t.Fatalf("sessions = %d, want 1", a.Registry().Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if a.Registry().Len() != 0 {
		t.Errorf("sessions after shutdown = %d", a.Registry().Len())
	}
	if n := st.closed.Load(); n != 1 {
		t.Errorf("store closed %d times, want 1", n)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if n := st.closed.Load(); n != 1 {
		t.Errorf("store closed %d times after second shutdown", n)
	}
}

func TestOnConfigChange(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	a, _ := newApp(t, app.WithLogLevel(&level))

	old := testConfig()
	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Session.PauseMult = 1.5
	next.Session.DefaultMode = "learn"
	a.OnConfigChange(config.Diff(old, next))

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	cfg := a.Registry().Config()
	if cfg.PauseMult != 1.5 || cfg.DefaultMode != "learn" {
		t.Errorf("session config = %+v", cfg)
	}

	bad := testConfig()
	bad.Session.DefaultMode = "karaoke"
	a.OnConfigChange(config.Diff(next, bad))
	if a.Registry().Config().DefaultMode != "learn" {
		t.Error("invalid session defaults were applied")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()
	var hookCalls atomic.Int32
	a, _ := newApp(t, app.WithCloser(func(context.Context) error {
		hookCalls.Add(1)
		return nil
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	var resp *http.Response
	deadline := time.Now().Add(wait)
	for {
		resp, err = http.Get("http://" + ln.Addr().String() + "/healthz")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v", err)
		}
	case <-time.After(wait):
		t.Fatal("Serve did not return after cancel")
	}

	sctx, scancel := context.WithTimeout(context.Background(), wait)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Fatal(err)
	}
	if hookCalls.Load() != 1 {
		t.Errorf("closer hook called %d times", hookCalls.Load())
	}
}
