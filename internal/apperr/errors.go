// Package apperr defines the error taxonomy shared by the pipeline layers.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrDispatch       = errors.New("dispatch failed")
	ErrRemote         = errors.New("remote request failed")
	ErrBadRequest     = errors.New("bad request")
	ErrNotInitialized = errors.New("client not initialized")
)

// RemoteError carries the status and body of a non-success response from the
// model repository. It matches ErrRemote with errors.Is.
type RemoteError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Is reports whether target is ErrRemote, or ErrNotFound for a 404 response.
func (e *RemoteError) Is(target error) bool {
	if target == ErrRemote {
		return true
	}
	return target == ErrNotFound && e.StatusCode == 404
}
