package session

import "errors"

var (
	ErrNameInvalid     = errors.New("invalid session name")
	ErrNameTaken       = errors.New("session name already in use")
	ErrUnknownBackend  = errors.New("unknown backend")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBusy     = errors.New("session is busy")
)
