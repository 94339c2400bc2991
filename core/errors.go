package core

import "net/http"

// APIError is a typed error carrying the HTTP status the peer API surface
// should answer with. Core operations return one of these instead of a
// plain error so the API layer can serialize {error: string} with the
// right code without re-deriving it from error text.
type APIError struct {
	Code int
	Kind string
	msg  string
}

func (e *APIError) Error() string { return e.msg }

func newAPIError(code int, kind, msg string) *APIError {
	return &APIError{Code: code, Kind: kind, msg: msg}
}

// NewMalformedRequest reports a decode failure, a missing required field,
// or a field of the wrong shape. HTTP 400.
func NewMalformedRequest(msg string) *APIError {
	return newAPIError(http.StatusBadRequest, "MalformedRequest", msg)
}

// NewUnknownEntity reports an unknown node or transaction id. HTTP 404.
func NewUnknownEntity(msg string) *APIError {
	return newAPIError(http.StatusNotFound, "UnknownEntity", msg)
}

// NewAlreadyDecided reports a transaction that is already verified or
// rejected (or already included in a finalized block). HTTP 418.
func NewAlreadyDecided(msg string) *APIError {
	return newAPIError(http.StatusTeapot, "AlreadyDecided", msg)
}

// NewNotAuthorized reports a caller that isn't a validator when required,
// or whose source address doesn't match the claimed sender. HTTP 400.
func NewNotAuthorized(msg string) *APIError {
	return newAPIError(http.StatusBadRequest, "NotAuthorized", msg)
}

// NewProtocolViolation reports agreement started twice, a block hash
// mismatch, a vote tally disagreement, or similar. HTTP 400.
func NewProtocolViolation(msg string) *APIError {
	return newAPIError(http.StatusBadRequest, "ProtocolViolation", msg)
}

// NewStorageError reports a disk I/O failure. HTTP 500.
func NewStorageError(msg string) *APIError {
	return newAPIError(http.StatusInternalServerError, "Storage", msg)
}
