package chat

import (
	"errors"
	"fmt"
)

var (
	ErrAuth           = errors.New("no authenticated identity")
	ErrNotParticipant = errors.New("not an active participant of the conversation")
	ErrNetwork        = errors.New("collaborator request failed")
	ErrAlreadySending = errors.New("already sending")
	ErrInvalidDraft   = errors.New("invalid draft")
	ErrInvalidCursor  = errors.New("invalid cursor")
	ErrNotFound       = errors.New("not found")
)

// ErrorCode is a stable, caller-facing classification of an error.
type ErrorCode string

const (
	CodeOK             ErrorCode = ""
	CodeAuth           ErrorCode = "auth"
	CodeNotParticipant ErrorCode = "not_participant"
	CodeNetwork        ErrorCode = "network"
	CodeAlreadySending ErrorCode = "already_sending"
	CodeInvalidArg     ErrorCode = "invalid_argument"
	CodeNotFound       ErrorCode = "not_found"
	CodeInternal       ErrorCode = "internal"
)

// Code classifies err into one of the error codes.
func Code(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrAuth):
		return CodeAuth
	case errors.Is(err, ErrNotParticipant):
		return CodeNotParticipant
	case errors.Is(err, ErrAlreadySending):
		return CodeAlreadySending
	case errors.Is(err, ErrInvalidDraft), errors.Is(err, ErrInvalidCursor):
		return CodeInvalidArg
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNetwork):
		return CodeNetwork
	default:
		return CodeInternal
	}
}

// NetworkError wraps a collaborator failure so that it classifies as CodeNetwork
// while keeping the original cause inspectable.
func NetworkError(op string, err error) error {
	if err == nil {
		return nil
	} else if errors.Is(err, ErrNetwork) || errors.Is(err, ErrNotParticipant) || errors.Is(err, ErrAuth) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w: %w", op, ErrNetwork, err)
}
