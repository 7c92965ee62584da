package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/observe"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/pause"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/session"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store/memstore"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/voicecache"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

// wait bounds every blocking read in these tests.
const wait = 2 * time.Second

// fiveLines is [1:direction, 2:self, 3:other, 4:self, 5:direction] with X as
// the self role.
func fiveLines() types.Script {
	return types.Script{
		ID: "five",
		Lines: []types.ScriptLine{
			{Idx: 1, Kind: types.KindScene, Text: "INT. HALL - NIGHT"},
			{Idx: 2, Kind: types.KindDialogue, Speaker: "X", Text: "Who goes there in the dark"},
			{Idx: 3, Kind: types.KindDialogue, Speaker: "Y", Text: "A friend to this ground."},
			{Idx: 4, Kind: types.KindDialogue, Speaker: "X", Text: "Then stand and unfold yourself."},
			{Idx: 5, Kind: types.KindAction, Text: "They embrace."},
		},
		Characters: []types.Character{
			{NormalizedName: "X", DisplayName: "X", VoiceID: "vx"},
			{NormalizedName: "Y", DisplayName: "Y", VoiceID: "vy", Rate: 1.1},
		},
	}
}

// ackDriven is a config whose pauses, budgets and watchdogs are long enough
// that only explicit acks move the session.
func ackDriven() session.Config {
	cfg := session.DefaultConfig()
	cfg.Pause = pause.Config{WordsPerSecond: 2.5, Min: time.Hour, Max: time.Hour}
	cfg.LineGrace = time.Hour
	cfg.ResolveBudget = time.Hour
	cfg.SynthesisGrace = 20 * time.Millisecond
	return cfg
}

// fakeResolver returns a fixed clip, or Err, after an optional gate.
type fakeResolver struct {
	mu    sync.Mutex
	Clip  voicecache.Clip
	Err   error
	Gate  chan struct{}
	calls []string
}

func (f *fakeResolver) Resolve(ctx context.Context, text string, voice types.VoiceProfile) (voicecache.Clip, error) {
	f.mu.Lock()
	f.calls = append(f.calls, voice.ID+":"+text)
	gate, clip, err := f.Gate, f.Clip, f.Err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return voicecache.Clip{}, ctx.Err()
		}
	}
	if clip.Handle == "" && err == nil {
		clip = voicecache.Clip{Handle: voicecache.Handle(text, voice), Duration: 10 * time.Millisecond}
	}
	return clip, err
}

func (f *fakeResolver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// recorder is a [session.Sink] that queues everything it receives.
type recorder struct {
	ch chan any
}

func newRecorder() *recorder { return &recorder{ch: make(chan any, 256)} }

func (r *recorder) Event(e session.Event)   { r.ch <- e }
func (r *recorder) Notice(n session.Notice) { r.ch <- n }

func (r *recorder) next(t *testing.T) any {
	t.Helper()
	select {
	case v := <-r.ch:
		return v
	case <-time.After(wait):
		t.Fatal("timed out waiting for session output")
		return nil
	}
}

func (r *recorder) event(t *testing.T) session.Event {
	t.Helper()
	v := r.next(t)
	e, ok := v.(session.Event)
	if !ok {
		t.Fatalf("got %+v, want an event", v)
	}
	return e
}

func (r *recorder) notice(t *testing.T, kind session.NoticeKind) session.Notice {
	t.Helper()
	v := r.next(t)
	n, ok := v.(session.Notice)
	if !ok || n.Kind != kind {
		t.Fatalf("got %+v, want %s notice", v, kind)
	}
	return n
}

// quiet asserts nothing arrives for d.
func (r *recorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case v := <-r.ch:
		t.Fatalf("unexpected output %+v", v)
	case <-time.After(d):
	}
}

func expectEvent(t *testing.T, e session.Event, kind session.Kind, idx int) {
	t.Helper()
	if e.Kind() != kind || e.Idx != idx {
		t.Fatalf("event = %s@%d, want %s@%d", e.Kind(), e.Idx, kind, idx)
	}
	if e.ID == "" {
		t.Fatal("event has no ID")
	}
}

type fixture struct {
	reg      *session.Registry
	store    *memstore.Store
	resolver *fakeResolver
}

func newFixture(t *testing.T, cfg session.Config, opts ...session.RegistryOption) *fixture {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	st := memstore.New(fiveLines())
	res := &fakeResolver{}
	reg, err := session.NewRegistry(session.Deps{
		Scripts:  st,
		Resolver: res,
		Progress: st,
		History:  st,
		Metrics:  m,
	}, cfg, opts...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = reg.Drain(ctx)
	})
	return &fixture{reg: reg, store: st, resolver: res}
}

func (f *fixture) start(t *testing.T, req session.StartRequest) (*session.Session, *recorder) {
	t.Helper()
	if req.ScriptID == "" {
		req.ScriptID = "five"
	}
	if req.SelfRole == "" {
		req.SelfRole = "X"
	}
	rec := newRecorder()
	s, err := f.reg.Start(context.Background(), req, rec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.notice(t, session.NoticeStarted)
	return s, rec
}

func ack(t *testing.T, s *session.Session, e session.Event) {
	t.Helper()
	if err := s.Ack(context.Background(), e.ID, session.AckOK); err != nil {
		t.Fatalf("Ack(%s@%d): %v", e.Kind(), e.Idx, err)
	}
}

func play(t *testing.T, s *session.Session) {
	t.Helper()
	if err := s.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}
}

func waitDone(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(wait):
		t.Fatal("session did not end")
	}
}

var errBoom = errors.New("boom")
