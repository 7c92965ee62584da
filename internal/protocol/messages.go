package protocol

import (
	"fmt"
	"strings"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/session"
)

// SessionMessage carries a session lifecycle notice.
type SessionMessage struct {
	Type      string  `json:"type"`
	Event     string  `json:"event"`
	SessionID string  `json:"session_id"`
	ScriptID  string  `json:"script_id,omitempty"`
	SelfRole  string  `json:"self_role,omitempty"`
	Mode      string  `json:"mode,omitempty"`
	From      int     `json:"from,omitempty"`
	To        int     `json:"to,omitempty"`
	Cursor    int     `json:"cursor,omitempty"`
	TargetIdx int     `json:"target_idx,omitempty"`
	SpeedMult float64 `json:"speed_mult,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	LastIdx   int     `json:"last_idx,omitempty"`
}

// EventMessage carries one playback event.
type EventMessage struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"session_id"`
	EventID      string    `json:"event_id"`
	Kind         string    `json:"kind"`
	Idx          int       `json:"idx"`
	LineKind     string    `json:"line_kind,omitempty"`
	SceneHeading string    `json:"scene_heading,omitempty"`
	Text         string    `json:"text,omitempty"`
	Speaker      string    `json:"speaker,omitempty"`
	Audio        *AudioRef `json:"audio,omitempty"`
	DurationSec  float64   `json:"duration_sec,omitempty"`
	Cue          string    `json:"cue,omitempty"`
	PlaybackRate float64   `json:"playback_rate,omitempty"`
	RevealAfter  bool      `json:"reveal_after,omitempty"`
	Reveal       bool      `json:"reveal,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// AudioRef points the client at a cached clip.
type AudioRef struct {
	Handle      string  `json:"handle"`
	URL         string  `json:"url"`
	DurationSec float64 `json:"duration_sec"`
}

// ErrorMessage reports a failed client request.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Param     string `json:"param,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// AudioURL returns a function mapping a clip handle to its URL below base.
// An empty base yields host-relative URLs.
func AudioURL(base string) func(handle string) string {
	base = strings.TrimRight(base, "/")
	return func(handle string) string {
		return base + "/audio/" + handle
	}
}

// EncodeNotice converts a session notice to its wire form.
func EncodeNotice(n session.Notice) SessionMessage {
	return SessionMessage{
		Type:      TypeSession,
		Event:     string(n.Kind),
		SessionID: n.SessionID,
		ScriptID:  n.ScriptID,
		SelfRole:  n.SelfRole,
		Mode:      n.Mode,
		From:      n.From,
		To:        n.To,
		Cursor:    n.Cursor,
		TargetIdx: n.TargetIdx,
		SpeedMult: n.SpeedMult,
		Reason:    string(n.Reason),
		LastIdx:   n.LastIdx,
	}
}

// EncodeEvent converts a playback event to its wire form. Pause events never
// carry the line's text.
func EncodeEvent(e session.Event, audioURL func(string) string) EventMessage {
	msg := EventMessage{
		Type:      TypeEvent,
		SessionID: e.SessionID,
		EventID:   e.ID,
		Kind:      string(e.Kind()),
		Idx:       e.Idx,
	}
	switch p := e.Payload.(type) {
	case session.Direction:
		msg.LineKind = string(p.LineKind)
		msg.Text = p.Text
		msg.SceneHeading = p.SceneHeading
	case session.Gap:
		msg.Speaker = p.Speaker
		msg.Text = p.Text
		msg.DurationSec = p.Duration.Seconds()
	case session.Pause:
		msg.Speaker = p.Speaker
		msg.Cue = p.Cue
		msg.DurationSec = p.Duration.Seconds()
		msg.RevealAfter = p.RevealAfter
	case session.Line:
		msg.Speaker = p.Speaker
		msg.Text = p.Text
		msg.PlaybackRate = p.PlaybackRate
		msg.Reveal = p.Reveal
		msg.Error = p.Err
		if p.Audio != nil {
			msg.Audio = &AudioRef{
				Handle:      p.Audio.Handle,
				URL:         audioURL(p.Audio.Handle),
				DurationSec: p.Audio.Duration.Seconds(),
			}
			msg.DurationSec = p.Audio.Duration.Seconds()
		}
	default:
		panic(fmt.Sprintf("protocol: unhandled payload %T", p))
	}
	return msg
}
