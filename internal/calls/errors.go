package calls

import "errors"

var (
	ErrCallerNotRegistered = errors.New("caller not registered")
	ErrRecipientOffline    = errors.New("recipient offline")
	ErrRecipientBusy       = errors.New("recipient busy")
	ErrCallerBusy          = errors.New("caller already in a call")
	ErrSelfCall            = errors.New("cannot call yourself")
	ErrInvalidCallType     = errors.New("invalid call type")
	ErrSessionNotFound     = errors.New("call session not found")
	ErrInvalidTransition   = errors.New("invalid call status transition")
	ErrNotParticipant      = errors.New("user is not a party of the call")
	ErrPersistence         = errors.New("call session persistence failure")
)
