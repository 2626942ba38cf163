package tdm

import "errors"

// Errors returned by the core. Callers distinguish them with errors.Is.
var (
	ErrCapacity       = errors.New("capacity exceeded")
	ErrNotConfigured  = errors.New("not configured")
	ErrNotReady       = errors.New("not ready")
	ErrNotOpen        = errors.New("channel not open")
	ErrBusy           = errors.New("all circuits busy")
	ErrAlready        = errors.New("already in requested state")
	ErrNotImplemented = errors.New("method not implemented")
	ErrGlare          = errors.New("glare")
	ErrCancelled      = errors.New("cancelled: call is terminating")
	ErrNotFound       = errors.New("not found")
	ErrAlarmed        = errors.New("channel is alarmed")
	ErrCongested      = errors.New("switch congestion")
	ErrSuspended      = errors.New("suspended")
	ErrInvalidState   = errors.New("invalid state transition")
	ErrCodec          = errors.New("codec error")
	ErrTimeout        = errors.New("timeout")
	ErrDropFrame      = errors.New("frame dropped")
)
