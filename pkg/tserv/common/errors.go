package common

import "errors"

// Standard errors for use with errors.Is.
var (
	ErrAlreadyStarted = errors.New("server already started")
	ErrNotStarted     = errors.New("server not started")
)
