package protocol

import (
	"errors"

	"chunkanchor.ai/internal/anchor"
	"chunkanchor.ai/internal/residency"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Anchor commands.
	ErrBadRequest       = "E_BAD_REQUEST"
	ErrNotFound         = "E_NOT_FOUND"
	ErrAlreadyExists    = "E_ALREADY_EXISTS"
	ErrLimitReached     = "E_LIMIT_REACHED"
	ErrWorldUnavailable = "E_WORLD_UNAVAILABLE"
	ErrInternal         = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrBadRequest:       {},
	ErrNotFound:         {},
	ErrAlreadyExists:    {},
	ErrLimitReached:     {},
	ErrWorldUnavailable: {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps a command error to its wire code. nil maps to "".
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, anchor.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, anchor.ErrAlreadyExists):
		return ErrAlreadyExists
	case errors.Is(err, anchor.ErrLimitReached):
		return ErrLimitReached
	case errors.Is(err, anchor.ErrInvalidPolicy), errors.Is(err, anchor.ErrInvalidName):
		return ErrBadRequest
	case errors.Is(err, residency.ErrWorldUnavailable):
		return ErrWorldUnavailable
	}
	return ErrInternal
}
