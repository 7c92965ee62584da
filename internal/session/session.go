// Package session implements the rehearsal session engine: a per-session
// state machine that walks a planned script range and emits one playback
// event at a time, and the registry that owns live sessions.
//
// Each [Session] runs as an actor. Client controls, timer fires and audio
// resolutions are all posted to the session's inbox and applied in order by a
// single goroutine, so a transition is never observed half-applied and a
// stale timer or ack can be recognised by comparing its event ID with the
// pending one.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/planner"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/voicecache"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

// Speed multiplier bounds.
const (
	MinSpeed = 0.5
	MaxSpeed = 3.0
)

const (
	inboxSize = 16

	// recentIDs is how many completed event IDs are remembered so duplicate
	// acks can be told apart from stale ones.
	recentIDs = 16
)

// Resolver turns a line into a cached audio clip.
type Resolver interface {
	Resolve(ctx context.Context, text string, voice types.VoiceProfile) (voicecache.Clip, error)
}

// ClampSpeed clamps m into [MinSpeed, MaxSpeed].
func ClampSpeed(m float64) float64 {
	return min(max(m, MinSpeed), MaxSpeed)
}

func validSpeed(m float64) bool {
	return m > 0 && !math.IsNaN(m) && !math.IsInf(m, 0)
}

// State is a point-in-time snapshot of a session.
type State struct {
	ID             string
	ScriptID       string
	SelfRole       string
	Mode           planner.Mode
	ReadAll        bool
	From           int
	To             int
	Cursor         int
	Status         Status
	SpeedMult      float64
	PendingEventID string
	LastIdx        int
}

// pending is the single in-flight event. While a line is resolving the event
// ID is reserved but nothing has been emitted yet.
type pending struct {
	id      string
	step    planner.Step
	kind    Kind
	emitted bool
	reveal  bool
	cancel  context.CancelFunc
}

// Session is one rehearsal run. All exported methods are safe for concurrent
// use; they post to the session's inbox and wait for the transition to be
// applied.
type Session struct {
	id        string
	scriptID  string
	selfRole  string
	mode      planner.Mode
	startedAt time.Time

	reg    *Registry
	cfg    Config
	est    estimator
	logger *slog.Logger

	inbox chan func()
	done  chan struct{}

	// ctx scopes audio resolutions; cancelled when the session ends.
	ctx    context.Context
	cancel context.CancelFunc

	// detachedAt is the unix-nano time the sink was detached, or 0.
	detachedAt atomic.Int64

	// Fields below are owned by the run goroutine.
	script    *types.Script
	opts      planner.Options
	plan      *planner.Plan
	speed     float64
	pauseMult float64
	cursor    int
	status    Status
	pending   *pending
	timer     *time.Timer
	timerSeq  uint64
	sink      Sink
	recent    [recentIDs]string
	recentPos int
	lastIdx   int
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) run() {
	defer close(s.done)
	for s.status != StatusEnded {
		s.apply(<-s.inbox)
	}
}

func (s *Session) apply(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session: panic in transition", "panic", r, "stack", string(debug.Stack()))
			s.end(EndFailed)
		}
	}()
	fn()
}

// post queues fn for the run goroutine. It reports false if the session has
// already ended.
func (s *Session) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the run goroutine and returns its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.inbox <- func() { reply <- fn() }:
	case <-s.done:
		return fmt.Errorf("%w: %s", ErrUnknownSession, s.id)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return fmt.Errorf("%w: %s", ErrUnknownSession, s.id)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Play starts emitting events from the cursor. It is a no-op while playing.
func (s *Session) Play(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.status == StatusIdle {
			s.status = StatusPlaying
			s.advance()
		}
		return nil
	})
}

// Stop ends the session.
func (s *Session) Stop(ctx context.Context) error {
	return s.stop(ctx, EndStopped)
}

func (s *Session) stop(ctx context.Context, reason EndReason) error {
	return s.do(ctx, func() error {
		s.end(reason)
		return nil
	})
}

// Seek replaces the session's range with [from, to], moves the cursor to
// from and leaves the session idle until the next Play.
func (s *Session) Seek(ctx context.Context, from, to int) error {
	return s.do(ctx, func() error {
		plan, err := planner.New(s.script, from, to, s.opts)
		if err != nil {
			return err
		}
		s.cancelPending()
		s.plan = plan
		s.cursor = from
		s.status = StatusIdle
		s.notify(Notice{
			Kind:   NoticeSeeked,
			From:   from,
			To:     to,
			Cursor: from,
		})
		return nil
	})
}

// Jump moves the cursor to target, clamped into the current range. A playing
// session immediately emits the event at the new cursor.
func (s *Session) Jump(ctx context.Context, target int) error {
	return s.do(ctx, func() error {
		s.cancelPending()
		s.cursor = s.plan.Clamp(target)
		s.notify(Notice{Kind: NoticeJumped, TargetIdx: s.cursor})
		s.advance()
		return nil
	})
}

// SetSpeed sets the speed multiplier for events emitted from now on and
// returns the clamped value.
func (s *Session) SetSpeed(ctx context.Context, mult float64) (float64, error) {
	if !validSpeed(mult) {
		return 0, fmt.Errorf("%w: speed_mult must be a positive number", ErrBadRequest)
	}
	var applied float64
	err := s.do(ctx, func() error {
		s.speed = ClampSpeed(mult)
		applied = s.speed
		s.notify(Notice{Kind: NoticeSpeed, SpeedMult: s.speed})
		return nil
	})
	return applied, err
}

// Ack reports that the client finished the event with the given ID. Acks for
// anything but the pending event are ignored.
func (s *Session) Ack(ctx context.Context, eventID string, status AckStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: unknown ack status %q", ErrBadRequest, status)
	}
	return s.do(ctx, func() error {
		p := s.pending
		if p != nil && p.emitted && p.id == eventID {
			if status == AckError {
				s.logger.Debug("session: client reported playback error", "event_id", eventID, "idx", p.step.Idx)
			}
			if p.kind == KindPause {
				s.pauseElapsed()
			} else {
				s.complete()
			}
			return nil
		}
		if s.seen(eventID) {
			s.logger.Debug("session: duplicate ack", "event_id", eventID)
			return nil
		}
		s.reg.metrics.StaleAcks.Add(ctx, 1)
		s.logger.Debug("session: stale ack", "event_id", eventID)
		return nil
	})
}

// Attach routes the session's output to sink, replacing any previous sink.
func (s *Session) Attach(ctx context.Context, sink Sink) error {
	return s.do(ctx, func() error {
		s.sink = sink
		s.detachedAt.Store(0)
		return nil
	})
}

// Detach disconnects sink if it is the current one. The in-flight event is
// cancelled and the session idles at its cursor until a client reattaches
// and sends Play.
func (s *Session) Detach(sink Sink) {
	s.post(func() {
		if s.sink != sink {
			return
		}
		s.sink = nil
		s.cancelPending()
		if s.status == StatusPlaying {
			s.status = StatusIdle
		}
		s.detachedAt.Store(s.reg.now().UnixNano())
		s.logger.Debug("session: detached", "cursor", s.cursor)
	})
}

// Snapshot returns the session's current state.
func (s *Session) Snapshot(ctx context.Context) (State, error) {
	var st State
	err := s.do(ctx, func() error {
		st = State{
			ID:        s.id,
			ScriptID:  s.scriptID,
			SelfRole:  s.selfRole,
			Mode:      s.mode,
			ReadAll:   s.opts.ReadAll,
			From:      s.plan.From(),
			To:        s.plan.To(),
			Cursor:    s.cursor,
			Status:    s.status,
			SpeedMult: s.speed,
			LastIdx:   s.lastIdx,
		}
		if s.pending != nil && s.pending.emitted {
			st.PendingEventID = s.pending.id
		}
		return nil
	})
	return st, err
}

// detachedSince returns when the session lost its sink, or the zero time.
func (s *Session) detachedSince() time.Time {
	n := s.detachedAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ── transitions (run goroutine only) ─────────────────────────────────────────

// advance emits events from the cursor until one has to wait for an ack, a
// timer or a resolution.
func (s *Session) advance() {
	for s.status == StatusPlaying && s.pending == nil {
		step, ok := s.plan.At(s.cursor)
		if !ok {
			s.end(EndCompleted)
			return
		}
		switch step.Kind {
		case planner.KindDirection:
			id := uuid.NewString()
			s.emit(Event{ID: id, Idx: step.Idx, Payload: Direction{
				LineKind:     step.Line.Kind,
				Text:         step.Line.Text,
				SceneHeading: step.Line.SceneHeading,
			}})
			s.remember(id)
			if !s.moveOn(step.Idx) {
				return
			}
		case planner.KindPause:
			s.beginPause(step)
		case planner.KindLine:
			s.beginLine(step, false)
		default:
			panic(fmt.Sprintf("session: unhandled step kind %q", step.Kind))
		}
	}
}

// moveOn records idx as completed and moves the cursor past it, ending the
// session when the range is exhausted.
func (s *Session) moveOn(idx int) bool {
	s.lastIdx = max(s.lastIdx, idx)
	next, ok := s.plan.Next(s.cursor)
	if !ok {
		s.end(EndCompleted)
		return false
	}
	s.cursor = next
	return true
}

// complete finishes the pending event and continues playback.
func (s *Session) complete() {
	p := s.pending
	s.cancelPending()
	s.remember(p.id)
	if s.moveOn(p.step.Idx) {
		s.advance()
	}
}

func (s *Session) beginPause(step planner.Step) {
	d := s.est.Estimate(step.Line.Text, s.pauseMult, s.speed)
	p := &pending{id: uuid.NewString(), step: step, kind: KindPause, emitted: true}
	s.pending = p
	s.emit(Event{ID: p.id, Idx: step.Idx, Payload: Pause{
		Speaker:     step.Line.Speaker,
		Cue:         step.Cue,
		Duration:    d,
		RevealAfter: step.RevealAfter,
	}})
	s.schedule(d, s.pauseElapsed)
}

// pauseElapsed completes a pause, first playing the line itself when the
// step asks for a reveal.
func (s *Session) pauseElapsed() {
	p := s.pending
	if !p.step.RevealAfter {
		s.complete()
		return
	}
	s.cancelPending()
	s.remember(p.id)
	s.beginLine(p.step, true)
}

// beginLine reserves an event ID and starts resolving the line's audio. The
// event is emitted when the clip arrives, or as a gap once the resolve
// budget runs out.
func (s *Session) beginLine(step planner.Step, reveal bool) {
	ctx, cancel := context.WithCancel(s.ctx)
	p := &pending{id: uuid.NewString(), step: step, kind: KindLine, reveal: reveal, cancel: cancel}
	s.pending = p

	voice := s.voiceFor(step.Line.Speaker)
	text := step.Line.Text
	id := p.id
	go func() {
		clip, err := s.reg.deps.Resolver.Resolve(ctx, text, voice)
		s.post(func() { s.resolved(id, clip, err) })
	}()
	s.schedule(s.cfg.ResolveBudget, s.resolveBudgetExpired)
}

func (s *Session) resolved(id string, clip voicecache.Clip, err error) {
	p := s.pending
	if p == nil || p.id != id || p.emitted {
		return
	}
	p.emitted = true
	line := Line{
		Speaker:      p.step.Line.Speaker,
		Text:         p.step.Line.Text,
		PlaybackRate: s.speed,
		Reveal:       p.reveal,
	}
	if err != nil {
		s.logger.Warn("session: line audio unavailable", "idx", p.step.Idx, "err", err)
		line.Err = err.Error()
		s.emit(Event{ID: p.id, Idx: p.step.Idx, Payload: line})
		s.schedule(s.cfg.SynthesisGrace, s.complete)
		return
	}
	line.Audio = &Audio{Handle: clip.Handle, Duration: clip.Duration}
	s.emit(Event{ID: p.id, Idx: p.step.Idx, Payload: line})

	watchdog := time.Duration(float64(clip.Duration)/s.speed) + s.cfg.LineGrace
	s.schedule(watchdog, func() {
		s.logger.Debug("session: no ack before line watchdog", "event_id", p.id, "idx", p.step.Idx)
		s.complete()
	})
}

func (s *Session) resolveBudgetExpired() {
	p := s.pending
	if p.emitted {
		return
	}
	p.emitted = true
	p.kind = KindGap
	d := s.est.Estimate(p.step.Line.Text, 1, s.speed)
	s.logger.Debug("session: audio not ready, emitting gap", "idx", p.step.Idx, "budget", s.cfg.ResolveBudget)
	s.emit(Event{ID: p.id, Idx: p.step.Idx, Payload: Gap{
		Speaker:  p.step.Line.Speaker,
		Text:     p.step.Line.Text,
		Duration: d,
	}})
	s.schedule(d, s.complete)
}

// schedule arms the session's single timer. When it fires, fn runs on the run
// goroutine unless the timer was re-armed or cancelled in the meantime.
func (s *Session) schedule(d time.Duration, fn func()) {
	s.stopTimer()
	s.timerSeq++
	seq := s.timerSeq
	id := s.pending.id
	s.timer = time.AfterFunc(d, func() {
		s.post(func() {
			if s.timerSeq != seq || s.pending == nil || s.pending.id != id {
				return
			}
			fn()
		})
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// cancelPending drops the in-flight event and its timer. Late fires, acks and
// resolutions for it are ignored from here on.
func (s *Session) cancelPending() {
	s.stopTimer()
	s.timerSeq++
	if p := s.pending; p != nil {
		if p.cancel != nil {
			p.cancel()
		}
		s.pending = nil
	}
}

func (s *Session) end(reason EndReason) {
	if s.status == StatusEnded {
		return
	}
	s.cancelPending()
	s.status = StatusEnded
	s.cancel()
	s.logger.Info("session: ended", "reason", reason, "last_idx", s.lastIdx)
	s.reg.finish(s, summary{
		reason:  reason,
		lastIdx: s.lastIdx,
		from:    s.plan.From(),
		to:      s.plan.To(),
		readAll: s.opts.ReadAll,
	})
	s.notify(Notice{Kind: NoticeEnded, Reason: reason, LastIdx: s.lastIdx})
}

func (s *Session) emit(e Event) {
	e.SessionID = s.id
	s.reg.metrics.RecordEvent(s.ctx, string(e.Kind()))
	if s.sink != nil {
		s.sink.Event(e)
	}
}

func (s *Session) notify(n Notice) {
	n.SessionID = s.id
	if s.sink != nil {
		s.sink.Notice(n)
	}
}

func (s *Session) remember(id string) {
	s.recent[s.recentPos] = id
	s.recentPos = (s.recentPos + 1) % recentIDs
}

func (s *Session) seen(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range s.recent {
		if r == id {
			return true
		}
	}
	return false
}

func (s *Session) voiceFor(speaker string) types.VoiceProfile {
	if c, ok := s.script.Character(speaker); ok {
		return c.Voice()
	}
	return types.VoiceProfile{Name: speaker}
}
