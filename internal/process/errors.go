package process

import (
	"errors"
	"fmt"
)

// Error codes are returned to IPC clients verbatim after the "ERR:" prefix.
var (
	ErrInvalidProcess  = errors.New("invalid-process")
	ErrAlreadyExists   = errors.New("process-already-exists")
	ErrInvalidName     = errors.New("invalid-name")
	ErrAlreadyStarted  = errors.New("already-started")
	ErrAlreadyStopped  = errors.New("already-stopped")
	ErrInvalidProperty = errors.New("invalid-property")
	ErrInvalidValue    = errors.New("invalid-value")
	ErrDeserialization = errors.New("deserialization-error")
	ErrNotRunningStdin = fmt.Errorf("%w: no live process handle", ErrInvalidProcess)
	errMissingFilename = errors.New("missing filename")
)

// SpawnError reports that the OS could not launch a process.
type SpawnError struct {
	Name     string
	Filename string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn-error: %s (%s): %v", e.Name, e.Filename, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
