package protocol

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/planner"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/session"
)

// Sender queues one outbound message for the connection. Send must not block;
// it reports false when the message could not be queued.
type Sender interface {
	Send(msg any) bool
}

// Adapter binds one client connection to the session engine. It decodes
// client frames into session calls and implements [session.Sink] to encode
// session output back onto the connection.
//
// Handle and Close must be called from a single goroutine, normally the
// connection's read loop. Event and Notice are called by sessions.
type Adapter struct {
	reg      *session.Registry
	out      Sender
	audioURL func(handle string) string
	logger   *slog.Logger

	// current is the session this connection last started or addressed.
	current *session.Session
}

// NewAdapter returns an adapter writing to out. audioURL maps clip handles to
// the URLs sent to the client; see [AudioURL].
func NewAdapter(reg *session.Registry, out Sender, audioURL func(string) string, logger *slog.Logger) *Adapter {
	if audioURL == nil {
		audioURL = AudioURL("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{reg: reg, out: out, audioURL: audioURL, logger: logger}
}

// Event implements [session.Sink].
func (a *Adapter) Event(e session.Event) {
	if !a.out.Send(EncodeEvent(e, a.audioURL)) {
		a.logger.Debug("protocol: event dropped", "session_id", e.SessionID, "event_id", e.ID)
	}
}

// Notice implements [session.Sink].
func (a *Adapter) Notice(n session.Notice) {
	if !a.out.Send(EncodeNotice(n)) {
		a.logger.Debug("protocol: notice dropped", "session_id", n.SessionID, "kind", n.Kind)
	}
}

// Handle decodes one client frame and applies it. Failures are reported to
// the client as error messages; Handle itself never fails.
func (a *Adapter) Handle(ctx context.Context, data []byte) {
	msg, err := DecodeClientMessage(data)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			a.sendError(de.Code, de.Message, de.Param, "")
			return
		}
		a.sendError(session.CodeBadRequest, err.Error(), "", "")
		return
	}

	if start, ok := msg.(Start); ok {
		a.start(ctx, start)
		return
	}

	addressed := msg.(Addressed)
	id := addressed.Session()
	s, err := a.bind(ctx, id)
	if err != nil {
		a.fail(err, id)
		return
	}
	if err := a.apply(ctx, s, msg); err != nil {
		a.fail(err, id)
	}
}

// Close detaches the connection from its session. The session stays alive,
// paused, until another connection addresses it or the idle reaper stops it.
func (a *Adapter) Close() {
	if a.current != nil {
		a.current.Detach(a)
		a.current = nil
	}
}

func (a *Adapter) start(ctx context.Context, m Start) {
	if a.current != nil {
		if err := a.current.Stop(ctx); err != nil && !errors.Is(err, session.ErrUnknownSession) {
			a.logger.Warn("protocol: stop previous session", "session_id", a.current.ID(), "err", err)
		}
		a.current = nil
	}

	req := session.StartRequest{
		ScriptID:    m.ScriptID,
		Mode:        planner.Mode(m.Mode),
		SelfRole:    m.SelfRole,
		ReadAll:     m.ReadAll,
		CueWords:    m.CueWords,
		RevealAfter: m.RevealAfter,
	}
	if m.From != nil {
		req.From = *m.From
	}
	if m.To != nil {
		req.To = *m.To
	}
	if m.PauseMult != nil {
		req.PauseMult = *m.PauseMult
	}
	if m.SpeedMult != nil {
		req.SpeedMult = *m.SpeedMult
	}

	s, err := a.reg.Start(ctx, req, a)
	if err != nil {
		a.fail(err, "")
		return
	}
	a.current = s
}

// bind returns the addressed session, attaching this connection to it when it
// is not already the connection's session.
func (a *Adapter) bind(ctx context.Context, id string) (*session.Session, error) {
	if a.current != nil && a.current.ID() == id {
		return a.current, nil
	}
	s, err := a.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.Attach(ctx, a); err != nil {
		return nil, err
	}
	if a.current != nil {
		a.current.Detach(a)
	}
	a.current = s
	a.logger.Info("protocol: connection bound to session", "session_id", id)
	return s, nil
}

func (a *Adapter) apply(ctx context.Context, s *session.Session, msg ClientMessage) error {
	switch m := msg.(type) {
	case Play:
		return s.Play(ctx)
	case Stop:
		err := s.Stop(ctx)
		if a.current == s {
			a.current = nil
		}
		return err
	case Seek:
		return s.Seek(ctx, *m.From, *m.To)
	case Jump:
		return s.Jump(ctx, *m.TargetIdx)
	case SetSpeed:
		_, err := s.SetSpeed(ctx, *m.SpeedMult)
		return err
	case Ack:
		return s.Ack(ctx, m.EventID, session.AckStatus(m.Status))
	default:
		return session.ErrBadRequest
	}
}

func (a *Adapter) fail(err error, sessionID string) {
	code := session.Code(err)
	if code == session.CodeInternal {
		a.logger.Error("protocol: request failed", "session_id", sessionID, "err", err)
	}
	a.sendError(code, err.Error(), "", sessionID)
}

func (a *Adapter) sendError(code, message, param, sessionID string) {
	a.out.Send(ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Param:     param,
		SessionID: sessionID,
	})
}
