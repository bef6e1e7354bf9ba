package job

import "errors"

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrTerminal          = errors.New("job is in a terminal state")
)
