package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidPosition = errors.New("invalid position parameters")
	ErrInvalidPrice    = errors.New("invalid mark price")
	ErrPositionClosed  = errors.New("position already closed")
	ErrUnknownSymbol   = errors.New("unknown symbol")
	ErrLockHeld        = errors.New("lock already held")
	ErrWSDisconnect    = errors.New("websocket disconnected")
)
