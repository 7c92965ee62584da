// Package protocol defines the JSON wire format spoken over the rehearsal
// WebSocket and the per-connection adapter that maps it onto the session
// engine.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client message types.
const (
	TypeStart    = "start"
	TypePlay     = "play"
	TypeStop     = "stop"
	TypeSeek     = "seek"
	TypeJump     = "jump"
	TypeSetSpeed = "set_speed"
	TypeAck      = "ack"
)

// Server message types.
const (
	TypeSession = "session"
	TypeEvent   = "event"
	TypeError   = "error"
)

// DecodeError describes a client frame that could not be decoded.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// invalidRange reports an index outside every script. Zero cannot reach the
// planner because an unset from/to also decodes as zero there.
func invalidRange(message, param string) *DecodeError {
	return &DecodeError{Code: "invalid_range", Message: message, Param: param}
}

// ClientMessage is a decoded client frame: one of [Start], [Play], [Stop],
// [Seek], [Jump], [SetSpeed] or [Ack].
type ClientMessage interface {
	MessageType() string
}

// Addressed is implemented by every client message that targets an existing
// session.
type Addressed interface {
	ClientMessage
	Session() string
}

// Start opens a session on a script. Unset fields take the server defaults.
type Start struct {
	Type        string   `json:"type"`
	ScriptID    string   `json:"script_id"`
	From        *int     `json:"from,omitempty"`
	To          *int     `json:"to,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	SelfRole    string   `json:"self_role"`
	ReadAll     bool     `json:"read_all,omitempty"`
	PauseMult   *float64 `json:"pause_mult,omitempty"`
	CueWords    *int     `json:"cue_words,omitempty"`
	RevealAfter bool     `json:"reveal_after,omitempty"`
	SpeedMult   *float64 `json:"speed_mult,omitempty"`
}

// Play resumes event emission from the cursor.
type Play struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// Stop ends the session.
type Stop struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// Seek replaces the session's range and parks it at From.
type Seek struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	From      *int   `json:"from"`
	To        *int   `json:"to"`
}

// Jump moves the cursor to TargetIdx inside the current range.
type Jump struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	TargetIdx *int   `json:"target_idx"`
}

// SetSpeed changes the speed multiplier for events emitted from now on.
type SetSpeed struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	SpeedMult *float64 `json:"speed_mult"`
}

// Ack reports that the client finished presenting an event.
type Ack struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	EventID   string `json:"event_id"`
	Status    string `json:"status,omitempty"`
}

func (Start) MessageType() string    { return TypeStart }
func (Play) MessageType() string     { return TypePlay }
func (Stop) MessageType() string     { return TypeStop }
func (Seek) MessageType() string     { return TypeSeek }
func (Jump) MessageType() string     { return TypeJump }
func (SetSpeed) MessageType() string { return TypeSetSpeed }
func (Ack) MessageType() string      { return TypeAck }

func (m Play) Session() string     { return m.SessionID }
func (m Stop) Session() string     { return m.SessionID }
func (m Seek) Session() string     { return m.SessionID }
func (m Jump) Session() string     { return m.SessionID }
func (m SetSpeed) Session() string { return m.SessionID }
func (m Ack) Session() string      { return m.SessionID }

// DecodeClientMessage decodes and validates one client frame.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeStart:
		var msg Start
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start", "")
		}
		if strings.TrimSpace(msg.ScriptID) == "" {
			return nil, badRequest("start.script_id is required", "script_id")
		}
		if msg.From != nil && *msg.From < 1 {
			return nil, invalidRange("start.from must be >= 1", "from")
		}
		if msg.To != nil && *msg.To < 1 {
			return nil, invalidRange("start.to must be >= 1", "to")
		}
		if msg.CueWords != nil && *msg.CueWords < 0 {
			return nil, badRequest("start.cue_words must be >= 0", "cue_words")
		}
		if msg.PauseMult != nil && *msg.PauseMult <= 0 {
			return nil, badRequest("start.pause_mult must be > 0", "pause_mult")
		}
		if msg.SpeedMult != nil && *msg.SpeedMult <= 0 {
			return nil, badRequest("start.speed_mult must be > 0", "speed_mult")
		}
		return msg, nil
	case TypePlay:
		var msg Play
		if err := decodeAddressed(data, &msg, &msg.SessionID, typ); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeStop:
		var msg Stop
		if err := decodeAddressed(data, &msg, &msg.SessionID, typ); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSeek:
		var msg Seek
		if err := decodeAddressed(data, &msg, &msg.SessionID, typ); err != nil {
			return nil, err
		}
		if msg.From == nil {
			return nil, badRequest("seek.from is required", "from")
		}
		if msg.To == nil {
			return nil, badRequest("seek.to is required", "to")
		}
		return msg, nil
	case TypeJump:
		var msg Jump
		if err := decodeAddressed(data, &msg, &msg.SessionID, typ); err != nil {
			return nil, err
		}
		if msg.TargetIdx == nil {
			return nil, badRequest("jump.target_idx is required", "target_idx")
		}
		return msg, nil
	case TypeSetSpeed:
		var msg SetSpeed
		if err := decodeAddressed(data, &msg, &msg.SessionID, typ); err != nil {
			return nil, err
		}
		if msg.SpeedMult == nil || *msg.SpeedMult <= 0 {
			return nil, badRequest("set_speed.speed_mult must be > 0", "speed_mult")
		}
		return msg, nil
	case TypeAck:
		var msg Ack
		if err := decodeAddressed(data, &msg, &msg.SessionID, typ); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.EventID) == "" {
			return nil, badRequest("ack.event_id is required", "event_id")
		}
		switch msg.Status {
		case "", "ok", "error":
		default:
			return nil, badRequest("ack.status must be ok or error", "status")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func decodeAddressed(data []byte, msg any, sessionID *string, typ string) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return badRequest("invalid "+typ, "")
	}
	if strings.TrimSpace(*sessionID) == "" {
		return badRequest(typ+".session_id is required", "session_id")
	}
	return nil
}
