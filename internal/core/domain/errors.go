package domain

import "errors"

var (
	ErrIdentityTaken        = errors.New("identity already bound")
	ErrSessionEstablishment = errors.New("session establishment failed")
	ErrSessionActive        = errors.New("session already started")
	ErrSessionInactive      = errors.New("session not active")
	ErrPeerNotFound         = errors.New("peer not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrBanned               = errors.New("identity is banned")
	ErrNotAuthorized        = errors.New("not authorized")
	ErrLinkClosed           = errors.New("link closed")
	ErrMalformedMessage     = errors.New("malformed protocol message")
	ErrAssistantUnavailable = errors.New("assistant unavailable")
)
