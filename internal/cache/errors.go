package cache

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is returned by operations invoked before a
// successful Init. Callers on the read path treat it as a miss.
var ErrNotInitialized = errors.New("cache not initialized")

// errClosed marks operations arriving after Close, e.g. a background
// sweep racing daemon shutdown. Surfaced wrapped in a StorageError.
var errClosed = errors.New("cache closed")

// StorageError wraps a failure of the underlying store. The loader
// converts these into a network fallback rather than surfacing them.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cache storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
