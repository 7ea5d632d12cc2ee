package constants

import "errors"

var (
	ErrIDInUse        = errors.New("id already in use")
	ErrTimeout        = errors.New("timeout")
	ErrNoBaseURL      = errors.New("base url not set")
	ErrClosed         = errors.New("connection closed")
	ErrChannelEnded   = errors.New("channel ended")
	ErrStreamActive   = errors.New("a stream is already active on this socket")
	ErrNotIdempotent  = errors.New("request is not idempotent")
	ErrUnknownRoute   = errors.New("unknown stream route")
	ErrUnknownChannel = errors.New("unknown channel")
)
