package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/observe"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/pause"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/planner"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/roles"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

// persistTimeout bounds the progress and history writes made when a session
// ends.
const persistTimeout = 10 * time.Second

// Config holds the defaults a session is created with. Changing it through
// [Registry.SetConfig] affects sessions started afterwards only.
type Config struct {
	DefaultMode planner.Mode
	PauseMult   float64
	Pause       pause.Config

	// LineGrace is added to a line's scaled audio duration before the session
	// advances without an ack.
	LineGrace time.Duration

	// SynthesisGrace is how long a line with failed audio stays pending.
	SynthesisGrace time.Duration

	// ResolveBudget is how long a line may wait for audio before a gap is
	// emitted instead.
	ResolveBudget time.Duration

	// IdleTTL is how long a session may stay detached before the reaper
	// stops it.
	IdleTTL time.Duration
}

// DefaultConfig returns the built-in session defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMode:    planner.ModeSpeedThrough,
		PauseMult:      1,
		Pause:          pause.DefaultConfig(),
		LineGrace:      3 * time.Second,
		SynthesisGrace: 2 * time.Second,
		ResolveBudget:  4 * time.Second,
		IdleTTL:        10 * time.Minute,
	}
}

type estimator interface {
	Estimate(text string, pauseMult, speedMult float64) time.Duration
}

type settings struct {
	cfg Config
	est *pause.Estimator
}

// Deps are the collaborators sessions use.
type Deps struct {
	Scripts  store.Scripts
	Resolver Resolver

	// Progress and History are optional. When nil, nothing is persisted.
	Progress store.Progress
	History  store.History

	// Roles resolves self-role names. Defaults to roles.New().
	Roles *roles.Resolver

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// StartRequest describes a new session. Zero values select defaults: From
// resumes after saved progress, To is the script's last line, Mode is the
// configured default, PauseMult is the configured default and SpeedMult is 1.
type StartRequest struct {
	ScriptID    string
	From        int
	To          int
	Mode        planner.Mode
	SelfRole    string
	ReadAll     bool
	PauseMult   float64
	CueWords    *int
	RevealAfter bool
	SpeedMult   float64
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithClock overrides the registry's time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// Registry owns the live sessions of one server. It is safe for concurrent
// use.
type Registry struct {
	deps    Deps
	metrics *observe.Metrics
	roles   *roles.Resolver
	now     func() time.Time
	current atomic.Pointer[settings]

	mu       sync.Mutex
	sessions map[string]*Session
	draining bool

	persist sync.WaitGroup
}

// NewRegistry returns an empty registry.
func NewRegistry(deps Deps, cfg Config, opts ...RegistryOption) (*Registry, error) {
	if deps.Scripts == nil || deps.Resolver == nil {
		return nil, errors.New("session: Scripts and Resolver are required")
	}
	r := &Registry{
		deps:     deps,
		metrics:  deps.Metrics,
		roles:    deps.Roles,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.roles == nil {
		r.roles = roles.New()
	}
	if err := r.SetConfig(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// SetConfig replaces the defaults used for new sessions.
func (r *Registry) SetConfig(cfg Config) error {
	if !cfg.DefaultMode.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, cfg.DefaultMode)
	}
	if cfg.PauseMult <= 0 {
		return fmt.Errorf("session: pause multiplier must be positive, got %v", cfg.PauseMult)
	}
	est, err := pause.New(cfg.Pause)
	if err != nil {
		return err
	}
	r.current.Store(&settings{cfg: cfg, est: est})
	return nil
}

// Config returns the defaults used for new sessions.
func (r *Registry) Config() Config { return r.current.Load().cfg }

// Start validates req, creates a session bound to sink and emits its started
// notice. The session does not emit events until [Session.Play].
func (r *Registry) Start(ctx context.Context, req StartRequest, sink Sink) (*Session, error) {
	if r.isDraining() {
		return nil, ErrDraining
	}
	set := r.current.Load()

	script, err := r.deps.Scripts.Script(ctx, req.ScriptID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScript, req.ScriptID)
	}
	if err != nil {
		return nil, fmt.Errorf("session: load script %q: %w", req.ScriptID, err)
	}

	mode := req.Mode
	if mode == "" {
		mode = set.cfg.DefaultMode
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	if strings.TrimSpace(req.SelfRole) == "" {
		return nil, fmt.Errorf("%w: self_role is required", ErrUnknownRole)
	}
	match, err := r.roles.Resolve(req.SelfRole, script.Characters)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownRole, err)
	}
	selfRole := match.Character.NormalizedName

	cueWords := mode.DefaultCueWords()
	if req.CueWords != nil {
		if *req.CueWords < 0 {
			return nil, fmt.Errorf("%w: cue_words must not be negative", ErrBadRequest)
		}
		cueWords = *req.CueWords
	}
	speed := 1.0
	if req.SpeedMult != 0 {
		if !validSpeed(req.SpeedMult) {
			return nil, fmt.Errorf("%w: speed_mult must be a positive number", ErrBadRequest)
		}
		speed = ClampSpeed(req.SpeedMult)
	}
	pauseMult := set.cfg.PauseMult
	if req.PauseMult != 0 {
		if !validSpeed(req.PauseMult) {
			return nil, fmt.Errorf("%w: pause_mult must be a positive number", ErrBadRequest)
		}
		pauseMult = req.PauseMult
	}

	from, to := r.resolveRange(ctx, &script, req, selfRole)
	opts := planner.Options{
		Mode:        mode,
		SelfRole:    selfRole,
		ReadAll:     req.ReadAll,
		CueWords:    cueWords,
		RevealAfter: req.RevealAfter,
	}
	plan, err := planner.New(&script, from, to, opts)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	sctx, cancel := context.WithCancel(observe.WithSession(context.WithoutCancel(ctx), id))
	s := &Session{
		id:        id,
		scriptID:  script.ID,
		selfRole:  selfRole,
		mode:      mode,
		startedAt: r.now(),
		reg:       r,
		cfg:       set.cfg,
		est:       set.est,
		logger:    slog.With("session_id", id, "script_id", script.ID, "self_role", selfRole),
		inbox:     make(chan func(), inboxSize),
		done:      make(chan struct{}),
		ctx:       sctx,
		cancel:    cancel,
		script:    &script,
		opts:      plan.Options(),
		plan:      plan,
		speed:     speed,
		pauseMult: pauseMult,
		cursor:    from,
		status:    StatusIdle,
		sink:      sink,
	}

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		cancel()
		return nil, ErrDraining
	}
	r.sessions[id] = s
	r.mu.Unlock()

	r.metrics.SessionStarted(ctx, string(mode))
	go s.run()
	s.post(func() {
		s.notify(Notice{
			Kind:      NoticeStarted,
			ScriptID:  s.scriptID,
			SelfRole:  s.selfRole,
			Mode:      string(s.mode),
			From:      from,
			To:        to,
			Cursor:    from,
			SpeedMult: s.speed,
		})
	})
	s.logger.Info("session: started", "mode", mode, "from", from, "to", to, "read_all", s.opts.ReadAll)
	return s, nil
}

// resolveRange fills in omitted bounds. An omitted from resumes after the
// role's saved progress when that still lies inside the range.
func (r *Registry) resolveRange(ctx context.Context, script *types.Script, req StartRequest, selfRole string) (from, to int) {
	from, to = req.From, req.To
	if to == 0 {
		to = script.LastIdx()
	}
	if from != 0 {
		return from, to
	}
	from = script.FirstIdx()
	if r.deps.Progress == nil {
		return from, to
	}
	last, ok, err := r.deps.Progress.LastIdx(ctx, req.ScriptID, selfRole)
	if err != nil {
		slog.Warn("session: could not read progress, starting from the top", "script_id", req.ScriptID, "err", err)
		return from, to
	}
	if ok && last+1 >= from && last+1 <= to {
		from = last + 1
	}
	return from, to
}

// Get returns the live session with the given ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// Remove stops the session with the given ID, which removes it from the
// registry.
func (r *Registry) Remove(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) isDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Reap stops sessions that have been detached for longer than the idle TTL
// and returns how many it stopped.
func (r *Registry) Reap(ctx context.Context) int {
	ttl := r.current.Load().cfg.IdleTTL
	now := r.now()
	var n int
	for _, s := range r.snapshot() {
		since := s.detachedSince()
		if since.IsZero() || now.Sub(since) < ttl {
			continue
		}
		if err := s.stop(ctx, EndIdle); err == nil {
			n++
		}
	}
	if n > 0 {
		slog.Info("session: reaped idle sessions", "count", n)
	}
	return n
}

// RunReaper calls [Registry.Reap] every interval until ctx is cancelled.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Reap(ctx)
		}
	}
}

// Drain refuses new sessions, stops every live session and waits for their
// progress and history writes to finish or ctx to expire.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	live := r.snapshot()
	for _, s := range live {
		if err := s.stop(ctx, EndDrained); err != nil && !errors.Is(err, ErrUnknownSession) {
			slog.Warn("session: stop during drain failed", "session_id", s.id, "err", err)
		}
	}
	// A session's run goroutine exits only after finish has counted its
	// writes, so once every session seen above is done the count is final.
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return fmt.Errorf("session: drain: %w", ctx.Err())
		}
	}

	done := make(chan struct{})
	go func() {
		r.persist.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: drain: %w", ctx.Err())
	}
}

// summary is what a session hands to the registry when it ends.
type summary struct {
	reason  EndReason
	lastIdx int
	from    int
	to      int
	readAll bool
}

// finish removes s and writes its progress and run history in the
// background. Called from s's run goroutine. The pending write is counted
// in the same critical section that removes s, so a Drain that no longer
// sees s in the map is guaranteed to wait for it.
func (r *Registry) finish(s *Session, sum summary) {
	persist := r.deps.Progress != nil || r.deps.History != nil
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	if persist {
		r.persist.Add(1)
	}
	r.mu.Unlock()

	endedAt := r.now()
	r.metrics.SessionEnded(context.Background(), endedAt.Sub(s.startedAt), sum.reason == EndCompleted)

	if !persist {
		return
	}
	run := store.RunRecord{
		SessionID: s.id,
		ScriptID:  s.scriptID,
		SelfRole:  s.selfRole,
		Mode:      string(s.mode),
		From:      sum.from,
		To:        sum.to,
		LastIdx:   sum.lastIdx,
		Completed: sum.reason == EndCompleted,
		ReadAll:   sum.readAll,
		StartedAt: s.startedAt,
		EndedAt:   endedAt,
	}
	go func() {
		defer r.persist.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if r.deps.Progress != nil && !sum.readAll && sum.lastIdx > 0 {
			err := r.deps.Progress.SaveProgress(ctx, store.ProgressRecord{
				ScriptID:  s.scriptID,
				SelfRole:  s.selfRole,
				LastIdx:   sum.lastIdx,
				UpdatedAt: endedAt,
			})
			if err != nil {
				s.logger.Warn("session: save progress failed", "err", err)
			}
		}
		if r.deps.History != nil {
			if err := r.deps.History.RecordRun(ctx, run); err != nil {
				s.logger.Warn("session: record run failed", "err", err)
			}
		}
	}()
}
