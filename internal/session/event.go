package session

import (
	"time"

	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

// Kind is the wire kind of a playback event.
type Kind string

const (
	KindDirection Kind = "direction"
	KindGap       Kind = "gap"
	KindPause     Kind = "pause"
	KindLine      Kind = "line"
)

// Event is one emitted playback event. ID is fresh on every emission, so
// clients must de-duplicate by ID and never by Idx.
type Event struct {
	SessionID string
	ID        string
	Idx       int
	Payload   Payload
}

// Kind returns the kind of e's payload.
func (e Event) Kind() Kind { return e.Payload.Kind() }

// Payload is the kind-specific body of an [Event]. The set of implementations
// is closed: [Direction], [Gap], [Pause] and [Line].
type Payload interface {
	Kind() Kind
	sealed()
}

// Direction is non-spoken script text. It completes as soon as it is emitted.
type Direction struct {
	LineKind     types.LineKind
	Text         string
	SceneHeading string
}

// Gap stands in for a line whose audio did not resolve in time. The text is
// shown for Duration and then the session moves on.
type Gap struct {
	Speaker  string
	Text     string
	Duration time.Duration
}

// Pause is the self role's turn. It never carries the line's text; Cue holds
// at most the leading words.
type Pause struct {
	Speaker     string
	Cue         string
	Duration    time.Duration
	RevealAfter bool
}

// Line is a spoken line. Audio is nil when synthesis failed, in which case
// Err describes the failure and the session advances on its own after a
// short grace period.
type Line struct {
	Speaker      string
	Text         string
	Audio        *Audio
	PlaybackRate float64

	// Reveal marks the self role's own line played after its pause.
	Reveal bool
	Err    string
}

// Audio references a cached clip.
type Audio struct {
	Handle   string
	Duration time.Duration
}

func (Direction) Kind() Kind { return KindDirection }
func (Gap) Kind() Kind       { return KindGap }
func (Pause) Kind() Kind     { return KindPause }
func (Line) Kind() Kind      { return KindLine }

func (Direction) sealed() {}
func (Gap) sealed()       {}
func (Pause) sealed()     {}
func (Line) sealed()      {}

// NoticeKind names a session lifecycle notice.
type NoticeKind string

const (
	NoticeStarted NoticeKind = "started"
	NoticeEnded   NoticeKind = "ended"
	NoticeSeeked  NoticeKind = "seeked"
	NoticeJumped  NoticeKind = "jumped"
	NoticeSpeed   NoticeKind = "speed"
)

// EndReason says why a session ended.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndStopped   EndReason = "stopped"
	EndIdle      EndReason = "idle"
	EndDrained   EndReason = "shutdown"
	EndFailed    EndReason = "error"
)

// Notice is a session lifecycle message. Fields not relevant to Kind are zero.
type Notice struct {
	SessionID string
	Kind      NoticeKind

	// Started, Seeked
	ScriptID string
	SelfRole string
	Mode     string
	From     int
	To       int
	Cursor   int

	// Jumped
	TargetIdx int

	// Started, Speed
	SpeedMult float64

	// Ended
	Reason  EndReason
	LastIdx int
}

// Sink receives a session's outbound traffic. Calls are made from the
// session's own goroutine and must not block.
type Sink interface {
	Event(Event)
	Notice(Notice)
}

// AckStatus is the completion status a client reports with an ack.
type AckStatus string

const (
	AckOK    AckStatus = "ok"
	AckError AckStatus = "error"
)

// IsValid reports whether s is a known status. The empty status means ok.
func (s AckStatus) IsValid() bool {
	return s == "" || s == AckOK || s == AckError
}

// Status is the coarse session state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPlaying Status = "playing"
	StatusEnded   Status = "ended"
)
