package coordinator

import "errors"

var (
	ErrEngineUnavailable        = errors.New("coordinator: media engine unavailable")
	ErrTransportNotFound        = errors.New("coordinator: transport not found")
	ErrRecvTransportMissing     = errors.New("coordinator: receive transport not created")
	ErrIncompatibleCapabilities = errors.New("coordinator: peer capabilities cannot consume producer")
	ErrSessionClosed            = errors.New("coordinator: session closed")
	ErrTimedOut                 = errors.New("coordinator: operation timed out")
)
