package service

import "errors"

// Sentinel errors surfaced at the HTTP dispatch boundary: the worker maps
// these to status codes before the 200 is sent.
var (
	ErrUnknownService   = errors.New("service: no match for request")
	ErrHostnameMismatch = errors.New("service: hostname mismatch")
	ErrTokenMismatch    = errors.New("service: auth token mismatch")
	ErrMethodUnsupported = errors.New("service: unsupported method")
	ErrWorkerAtCapacity = errors.New("service: worker at capacity")
)
