package session

import (
	"errors"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/planner"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/voicecache"
)

var (
	// ErrInvalidRange is returned when from > to or a bound lies outside the
	// script. It is the planner's sentinel so either can be matched.
	ErrInvalidRange = planner.ErrInvalidRange

	// ErrInvalidMode is returned for an unknown practice mode.
	ErrInvalidMode = errors.New("session: invalid mode")

	// ErrUnknownRole is returned when the self role matches no character.
	ErrUnknownRole = errors.New("session: unknown role")

	// ErrUnknownScript is returned when the script does not exist.
	ErrUnknownScript = errors.New("session: unknown script")

	// ErrUnknownSession is returned for a missing or ended session.
	ErrUnknownSession = errors.New("session: unknown session")

	// ErrBadRequest is returned for malformed control arguments.
	ErrBadRequest = errors.New("session: bad request")

	// ErrDraining is returned by [Registry.Start] during shutdown.
	ErrDraining = errors.New("session: registry is draining")
)

// Wire error codes.
const (
	CodeInvalidRange    = "invalid_range"
	CodeInvalidMode     = "invalid_mode"
	CodeUnknownRole     = "unknown_role"
	CodeUnknownScript   = "unknown_script"
	CodeUnknownSession  = "unknown_session"
	CodeSynthesisFailed = "synthesis_failed"
	CodeBadRequest      = "bad_request"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

// Code maps err to its wire error code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRange):
		return CodeInvalidRange
	case errors.Is(err, ErrInvalidMode):
		return CodeInvalidMode
	case errors.Is(err, ErrUnknownRole):
		return CodeUnknownRole
	case errors.Is(err, ErrUnknownScript):
		return CodeUnknownScript
	case errors.Is(err, ErrUnknownSession):
		return CodeUnknownSession
	case errors.Is(err, voicecache.ErrSynthesisFailed):
		return CodeSynthesisFailed
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrDraining):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
