package protocol

import (
	"context"
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

const wait = 2 * time.Second

// chanSender queues outbound messages for inspection.
type chanSender struct {
	ch chan any
}

func newChanSender() *chanSender { return &chanSender{ch: make(chan any, 64)} }

func (c *chanSender) Send(msg any) bool {
	select {
	case c.ch <- msg:
		return true
	default:
		return false
	}
}

func (c *chanSender) next(t *testing.T) any {
	t.Helper()
	select {
	case v := <-c.ch:
		return v
	case <-time.After(wait):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func (c *chanSender) session(t *testing.T, event string) SessionMessage {
	t.Helper()
	v := c.next(t)
	m, ok := v.(SessionMessage)
	if !ok || m.Event != event {
		t.Fatalf("got %+v, want session %s", v, event)
	}
	return m
}

func (c *chanSender) event(t *testing.T, kind string, idx int) EventMessage {
	t.Helper()
	v := c.next(t)
	m, ok := v.(EventMessage)
	if !ok || m.Kind != kind || m.Idx != idx {
		t.Fatalf("got %+v, want %s@%d", v, kind, idx)
	}
	return m
}

func (c *chanSender) error(t *testing.T, code string) ErrorMessage {
	t.Helper()
	v := c.next(t)
	m, ok := v.(ErrorMessage)
	if !ok || m.Code != code {
		t.Fatalf("got %+v, want error %s", v, code)
	}
	return m
}

func (c *chanSender) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case v := <-c.ch:
		t.Fatalf("unexpected message %+v", v)
	case <-time.After(d):
	}
}

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, text string, voice types.VoiceProfile) (voicecache.Clip, error) {
	return voicecache.Clip{Handle: voicecache.Handle(text, voice), Duration: 10 * time.Millisecond}, nil
}

func newRegistry(t *testing.T) *session.Registry {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	st := memstore.New(types.Script{
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
			{NormalizedName: "Y", DisplayName: "Y", VoiceID: "vy"},
		},
	})

	cfg := session.DefaultConfig()
	cfg.Pause = pause.Config{WordsPerSecond: 2.5, Min: time.Hour, Max: time.Hour}
	cfg.LineGrace = time.Hour
	cfg.ResolveBudget = time.Hour

	reg, err := session.NewRegistry(session.Deps{
		Scripts:  st,
		Resolver: stubResolver{},
		Progress: st,
		History:  st,
		Metrics:  m,
	}, cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = reg.Drain(ctx)
	})
	return reg
}

func send(a *Adapter, frame string) {
	a.Handle(context.Background(), []byte(frame))
}

func TestAdapter_StartPlayAck(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	out := newChanSender()
	a := NewAdapter(reg, out, AudioURL("http://host"), nil)

	send(a, `{"type":"start","script_id":"five","self_role":"x","from":1,"to":5}`)
	started := out.session(t, "started")
	if started.SelfRole != "X" || started.Mode != "speed_through" || started.From != 1 || started.To != 5 {
		t.Fatalf("started = %+v", started)
	}
	id := started.SessionID

	send(a, `{"type":"play","session_id":"`+id+`"}`)
	out.event(t, "direction", 1)
	p := out.event(t, "pause", 2)
	if p.Text != "" {
		t.Errorf("pause leaked text %q", p.Text)
	}

	send(a, `{"type":"ack","session_id":"`+id+`","event_id":"`+p.EventID+`"}`)
	line := out.event(t, "line", 3)
	if line.Audio == nil || line.Audio.URL != "http://host/audio/"+line.Audio.Handle {
		t.Fatalf("line audio = %+v", line.Audio)
	}

	send(a, `{"type":"stop","session_id":"`+id+`"}`)
	if ended := out.session(t, "ended"); ended.Reason != "stopped" {
		t.Errorf("ended = %+v", ended)
	}
}

func TestAdapter_Errors(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	out := newChanSender()
	a := NewAdapter(reg, out, nil, nil)

	send(a, `not json`)
	out.error(t, session.CodeBadRequest)

	send(a, `{"type":"start","script_id":"missing","self_role":"X"}`)
	out.error(t, session.CodeUnknownScript)

	send(a, `{"type":"start","script_id":"five","self_role":"NOBODY"}`)
	out.error(t, session.CodeUnknownRole)

	send(a, `{"type":"start","script_id":"five","self_role":"X","mode":"karaoke"}`)
	out.error(t, session.CodeInvalidMode)

	send(a, `{"type":"start","script_id":"five","self_role":"X","from":0}`)
	out.error(t, session.CodeInvalidRange)

	send(a, `{"type":"play","session_id":"nope"}`)
	if e := out.error(t, session.CodeUnknownSession); e.SessionID != "nope" {
		t.Errorf("error session_id = %q", e.SessionID)
	}

	send(a, `{"type":"start","script_id":"five","self_role":"X"}`)
	id := out.session(t, "started").SessionID
	send(a, `{"type":"seek","session_id":"`+id+`","from":4,"to":2}`)
	out.error(t, session.CodeInvalidRange)
}

func TestAdapter_NewStartStopsPrevious(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	out := newChanSender()
	a := NewAdapter(reg, out, nil, nil)

	send(a, `{"type":"start","script_id":"five","self_role":"X"}`)
	first := out.session(t, "started").SessionID

	send(a, `{"type":"start","script_id":"five","self_role":"Y"}`)
	ended := out.session(t, "ended")
	if ended.SessionID != first || ended.Reason != "stopped" {
		t.Fatalf("ended = %+v, want first session stopped", ended)
	}
	second := out.session(t, "started")
	if second.SessionID == first {
		t.Fatal("second start reused the session id")
	}
	if _, err := reg.Get(first); err == nil {
		t.Error("first session still registered")
	}
}

func TestAdapter_ReconnectRebinds(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	out1 := newChanSender()
	a1 := NewAdapter(reg, out1, nil, nil)

	send(a1, `{"type":"start","script_id":"five","self_role":"X","from":2,"to":4}`)
	id := out1.session(t, "started").SessionID
	send(a1, `{"type":"play","session_id":"`+id+`"}`)
	first := out1.event(t, "pause", 2)
	a1.Close()

	out2 := newChanSender()
	a2 := NewAdapter(reg, out2, nil, nil)
	send(a2, `{"type":"play","session_id":"`+id+`"}`)
	again := out2.event(t, "pause", 2)
	if again.EventID == first.EventID {
		t.Error("re-emitted pause reused its event id")
	}
	out1.quiet(t, 30*time.Millisecond)

	// The first connection's stale ack is ignored.
	send(a2, `{"type":"ack","session_id":"`+id+`","event_id":"`+first.EventID+`"}`)
	out2.quiet(t, 30*time.Millisecond)

	send(a2, `{"type":"ack","session_id":"`+id+`","event_id":"`+again.EventID+`"}`)
	out2.event(t, "line", 3)
}

func TestAdapter_AddressedMessageStealsSession(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	out1 := newChanSender()
	a1 := NewAdapter(reg, out1, nil, nil)
	send(a1, `{"type":"start","script_id":"five","self_role":"X","from":3,"to":5}`)
	id := out1.session(t, "started").SessionID

	out2 := newChanSender()
	a2 := NewAdapter(reg, out2, nil, nil)
	send(a2, `{"type":"play","session_id":"`+id+`"}`)
	out2.event(t, "line", 3)
	out1.quiet(t, 30*time.Millisecond)

	// Closing the displaced connection leaves the new binding alone.
	a1.Close()
	send(a2, `{"type":"jump","session_id":"`+id+`","target_idx":5}`)
	if j := out2.session(t, "jumped"); j.TargetIdx != 5 {
		t.Errorf("jumped = %+v", j)
	}
	out2.event(t, "direction", 5)
	out2.session(t, "ended")
}
