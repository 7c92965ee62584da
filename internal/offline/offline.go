// Package offline runs a rehearsal from the terminal: lines are played on the
// local audio device one after another, with no client in the loop.
package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/pause"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/planner"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/roles"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/voicecache"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/audio"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

// Resolver produces line audio. [voicecache.Resolver] implements it.
type Resolver interface {
	Resolve(ctx context.Context, text string, voice types.VoiceProfile) (voicecache.Clip, error)
	Audio(ctx context.Context, handle string) ([]byte, error)
}

// Runner plays scripts through a local [audio.Player].
type Runner struct {
	Scripts  store.Scripts
	Resolver Resolver
	Player   audio.Player
	Pauses   *pause.Estimator

	// Progress and History are optional.
	Progress store.Progress
	History  store.History

	// Roles resolves the self role; nil uses [roles.New] defaults.
	Roles *roles.Resolver

	// Out receives the printed script. Nil discards it.
	Out    io.Writer
	Logger *slog.Logger

	// Sleep waits out pauses and gaps. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// Now is the clock used for run history. Nil uses time.Now.
	Now func() time.Time
}

// Options selects what to rehearse.
type Options struct {
	ScriptID    string
	SelfRole    string
	From        int
	To          int
	Mode        planner.Mode
	ReadAll     bool
	CueWords    *int
	RevealAfter bool
	SpeedMult   float64
	PauseMult   float64
}

// Result summarises a finished run.
type Result struct {
	SelfRole  string
	From      int
	To        int
	LastIdx   int
	Completed bool
}

// Run rehearses opts to the end of its range or until ctx is cancelled.
// Progress is saved either way unless the run read every line.
func (r *Runner) Run(ctx context.Context, opts Options) (Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := r.Out
	if out == nil {
		out = io.Discard
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	rr := r.Roles
	if rr == nil {
		rr = roles.New()
	}

	script, err := r.Scripts.Script(ctx, opts.ScriptID)
	if err != nil {
		return Result{}, fmt.Errorf("offline: load script %q: %w", opts.ScriptID, err)
	}
	match, err := rr.Resolve(opts.SelfRole, script.Characters)
	if err != nil {
		return Result{}, fmt.Errorf("offline: %w", err)
	}
	self := match.Character.NormalizedName

	mode := opts.Mode
	if mode == "" {
		mode = planner.ModeSpeedThrough
	}
	cueWords := mode.DefaultCueWords()
	if opts.CueWords != nil {
		cueWords = *opts.CueWords
	}
	speed := opts.SpeedMult
	if speed <= 0 {
		speed = 1
	}
	pauseMult := opts.PauseMult
	if pauseMult <= 0 {
		pauseMult = 1
	}

	from, to := opts.From, opts.To
	if to == 0 {
		to = script.LastIdx()
	}
	if from == 0 {
		from = script.FirstIdx()
		if r.Progress != nil {
			if last, ok, err := r.Progress.LastIdx(ctx, script.ID, self); err == nil && ok && last+1 >= from && last+1 <= to {
				from = last + 1
			}
		}
	}

	plan, err := planner.New(&script, from, to, planner.Options{
		Mode:        mode,
		SelfRole:    self,
		ReadAll:     opts.ReadAll,
		CueWords:    cueWords,
		RevealAfter: opts.RevealAfter,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{SelfRole: self, From: from, To: to}
	startedAt := now()
	logger.Info("offline: rehearsal started", "script_id", script.ID, "self_role", self, "mode", mode, "from", from, "to", to)

	var runErr error
	for _, step := range plan.Steps() {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		line := step.Line
		switch step.Kind {
		case planner.KindDirection:
			fmt.Fprintf(out, "  [%s] %s\n", line.Kind, line.Text)
		case planner.KindPause:
			cue := step.Cue
			if cue == "" {
				cue = "..."
			} else {
				cue += " ..."
			}
			fmt.Fprintf(out, "> %s: %s\n", line.Speaker, cue)
			if err := sleep(ctx, r.Pauses.Estimate(line.Text, pauseMult, speed)); err != nil {
				runErr = err
			} else if step.RevealAfter {
				fmt.Fprintf(out, "  %s: %s\n", line.Speaker, line.Text)
				runErr = r.speak(ctx, logger, sleep, &script, line, speed)
			}
		case planner.KindLine:
			fmt.Fprintf(out, "  %s: %s\n", line.Speaker, line.Text)
			runErr = r.speak(ctx, logger, sleep, &script, line, speed)
		}
		if runErr != nil {
			break
		}
		res.LastIdx = step.Idx
	}
	res.Completed = runErr == nil && res.LastIdx == to

	r.persist(ctx, logger, store.RunRecord{
		SessionID: uuid.NewString(),
		ScriptID:  script.ID,
		SelfRole:  self,
		Mode:      string(mode),
		From:      from,
		To:        to,
		LastIdx:   res.LastIdx,
		Completed: res.Completed,
		ReadAll:   plan.Options().ReadAll,
		StartedAt: startedAt,
		EndedAt:   now(),
	})
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return res, runErr
	}
	return res, nil
}

// speak plays one line. Synthesis and playback failures are logged and the
// line is skipped; only cancellation stops the run.
func (r *Runner) speak(ctx context.Context, logger *slog.Logger, sleep func(context.Context, time.Duration) error, script *types.Script, line types.ScriptLine, speed float64) error {
	voice := types.VoiceProfile{Name: line.Speaker}
	if c, ok := script.Character(line.Speaker); ok {
		voice = c.Voice()
	}
	clip, err := r.Resolver.Resolve(ctx, line.Text, voice)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("offline: line audio unavailable, reading silently", "idx", line.Idx, "err", err)
		return sleep(ctx, r.Pauses.Estimate(line.Text, 1, speed))
	}
	wav, err := r.Resolver.Audio(ctx, clip.Handle)
	if err != nil {
		logger.Warn("offline: cached clip missing", "idx", line.Idx, "handle", clip.Handle, "err", err)
		return nil
	}
	pcm, format, err := audio.DecodeWAV(wav)
	if err != nil {
		logger.Warn("offline: bad clip", "idx", line.Idx, "handle", clip.Handle, "err", err)
		return nil
	}
	if err := r.Player.Play(ctx, pcm, format, speed); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("offline: playback failed", "idx", line.Idx, "err", err)
	}
	return nil
}

func (r *Runner) persist(ctx context.Context, logger *slog.Logger, run store.RunRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if r.Progress != nil && !run.ReadAll && run.LastIdx > 0 {
		if err := r.Progress.SaveProgress(ctx, store.ProgressRecord{
			ScriptID:  run.ScriptID,
			SelfRole:  run.SelfRole,
			LastIdx:   run.LastIdx,
			UpdatedAt: run.EndedAt,
		}); err != nil {
			logger.Warn("offline: save progress failed", "err", err)
		}
	}
	if r.History != nil {
		if err := r.History.RecordRun(ctx, run); err != nil {
			logger.Warn("offline: record run failed", "err", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Summary formats res for the end of a terminal run.
func Summary(res Result) string {
	if res.Completed {
		return fmt.Sprintf("Finished lines %d-%d as %s.", res.From, res.To, res.SelfRole)
	}
	return fmt.Sprintf("Stopped after line %d of %d-%d as %s.", res.LastIdx, res.From, res.To, res.SelfRole)
}
