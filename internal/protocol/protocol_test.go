package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/session"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

func TestDecodeClientMessage_Valid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"start", `{"type":"start","script_id":"s1","self_role":"HAMLET","from":1,"to":4}`, TypeStart},
		{"play", `{"type":"play","session_id":"abc"}`, TypePlay},
		{"stop", `{"type":"stop","session_id":"abc"}`, TypeStop},
		{"seek", `{"type":"seek","session_id":"abc","from":2,"to":3}`, TypeSeek},
		{"jump", `{"type":"jump","session_id":"abc","target_idx":7}`, TypeJump},
		{"set_speed", `{"type":"set_speed","session_id":"abc","speed_mult":1.5}`, TypeSetSpeed},
		{"ack", `{"type":"ack","session_id":"abc","event_id":"e1"}`, TypeAck},
		{"ack error", `{"type":"ack","session_id":"abc","event_id":"e1","status":"error"}`, TypeAck},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := DecodeClientMessage([]byte(tt.in))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg.MessageType() != tt.want {
				t.Fatalf("type = %q, want %q", msg.MessageType(), tt.want)
			}
		})
	}
}

func TestDecodeClientMessage_Fields(t *testing.T) {
	t.Parallel()
	msg, err := DecodeClientMessage([]byte(`{"type":"start","script_id":"s1","self_role":"X","mode":"learn","cue_words":0,"reveal_after":true,"speed_mult":2}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	start := msg.(Start)
	if start.CueWords == nil || *start.CueWords != 0 {
		t.Errorf("cue_words = %v, want explicit 0", start.CueWords)
	}
	if start.From != nil || start.To != nil {
		t.Errorf("from/to = %v/%v, want unset", start.From, start.To)
	}
	if !start.RevealAfter || start.Mode != "learn" || *start.SpeedMult != 2 {
		t.Errorf("start = %+v", start)
	}
}

func TestDecodeClientMessage_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		param string
	}{
		{"not json", `{`, ""},
		{"missing type", `{}`, "type"},
		{"unknown type", `{"type":"rewind"}`, "type"},
		{"start without script", `{"type":"start","self_role":"X"}`, "script_id"},
		{"start negative cue words", `{"type":"start","script_id":"s","cue_words":-1}`, "cue_words"},
		{"play without session", `{"type":"play"}`, "session_id"},
		{"seek without to", `{"type":"seek","session_id":"a","from":1}`, "to"},
		{"jump without target", `{"type":"jump","session_id":"a"}`, "target_idx"},
		{"set_speed zero", `{"type":"set_speed","session_id":"a","speed_mult":0}`, "speed_mult"},
		{"ack without event", `{"type":"ack","session_id":"a"}`, "event_id"},
		{"ack bad status", `{"type":"ack","session_id":"a","event_id":"e","status":"maybe"}`, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeClientMessage([]byte(tt.in))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want *DecodeError", err)
			}
			if de.Code != session.CodeBadRequest || de.Param != tt.param {
				t.Fatalf("error = %+v, want bad_request on %q", de, tt.param)
			}
		})
	}
}

func TestDecodeClientMessage_StartIndexBelowOne(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		param string
	}{
		{"zero from", `{"type":"start","script_id":"s","self_role":"X","from":0}`, "from"},
		{"negative from", `{"type":"start","script_id":"s","self_role":"X","from":-3}`, "from"},
		{"zero to", `{"type":"start","script_id":"s","self_role":"X","to":0}`, "to"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeClientMessage([]byte(tt.in))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want *DecodeError", err)
			}
			if de.Code != session.CodeInvalidRange || de.Param != tt.param {
				t.Fatalf("error = %+v, want invalid_range on %q", de, tt.param)
			}
		})
	}
}

func TestEncodeEvent_PauseHidesText(t *testing.T) {
	t.Parallel()
	msg := EncodeEvent(session.Event{
		SessionID: "s",
		ID:        "e1",
		Idx:       4,
		Payload:   session.Pause{Speaker: "X", Cue: "Then stand", Duration: 1500 * time.Millisecond},
	}, AudioURL(""))
	if msg.Kind != "pause" || msg.Text != "" || msg.Cue != "Then stand" || msg.DurationSec != 1.5 {
		t.Fatalf("pause message = %+v", msg)
	}
}

func TestEncodeEvent_LineAudio(t *testing.T) {
	t.Parallel()
	msg := EncodeEvent(session.Event{
		SessionID: "s",
		ID:        "e2",
		Idx:       3,
		Payload: session.Line{
			Speaker:      "Y",
			Text:         "A friend",
			Audio:        &session.Audio{Handle: "abcd", Duration: 2 * time.Second},
			PlaybackRate: 1.1,
		},
	}, AudioURL("https://rehearse.example/"))
	if msg.Audio == nil || msg.Audio.URL != "https://rehearse.example/audio/abcd" || msg.Audio.DurationSec != 2 {
		t.Fatalf("audio = %+v", msg.Audio)
	}
	if msg.PlaybackRate != 1.1 || msg.Text != "A friend" || msg.Error != "" {
		t.Fatalf("line message = %+v", msg)
	}
}

func TestEncodeEvent_FailedLine(t *testing.T) {
	t.Parallel()
	msg := EncodeEvent(session.Event{
		ID:      "e3",
		Idx:     3,
		Payload: session.Line{Speaker: "Y", Text: "A friend", Err: "synthesis failed"},
	}, AudioURL(""))
	if msg.Audio != nil || msg.Error != "synthesis failed" {
		t.Fatalf("failed line = %+v", msg)
	}
}

func TestEncodeEvent_Direction(t *testing.T) {
	t.Parallel()
	msg := EncodeEvent(session.Event{
		ID:      "e4",
		Idx:     1,
		Payload: session.Direction{LineKind: types.KindScene, Text: "INT. HALL", SceneHeading: "INT. HALL"},
	}, AudioURL(""))
	if msg.Kind != "direction" || msg.LineKind != "scene" || msg.Text != "INT. HALL" {
		t.Fatalf("direction = %+v", msg)
	}
}

func TestEncodeNotice(t *testing.T) {
	t.Parallel()
	msg := EncodeNotice(session.Notice{SessionID: "s", Kind: session.NoticeEnded, Reason: session.EndCompleted, LastIdx: 5})
	if msg.Type != TypeSession || msg.Event != "ended" || msg.Reason != "completed" || msg.LastIdx != 5 {
		t.Fatalf("notice = %+v", msg)
	}
}
