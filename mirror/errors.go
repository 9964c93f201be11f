package mirror

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrStoreLocked is returned when another process holds the snapshot store.
	ErrStoreLocked = errors.New("snapshot store is locked by another process")

	// ErrSchemaTooNew is returned when the store was written by a newer version.
	ErrSchemaTooNew = errors.New("snapshot store schema is newer than supported")

	// ErrLossyName is returned when a path does not survive conversion to the
	// storage encoding and back.
	ErrLossyName = errors.New("path is not representable in the system encoding")
)

// IsIgnorable reports whether err only means that an entry could not be
// accessed. Such entries are logged and skipped; traversal continues.
func IsIgnorable(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}

// CopyError is a per-entry failure of a merge repair. It never aborts a
// reconciliation; it is logged and published to the report.
type CopyError struct {
	Path string
	Err  error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copy %s: %v", e.Path, e.Err)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether err is a per-entry failure that leaves the
// surrounding operation intact.
func IsRecoverable(err error) bool {
	var ce *CopyError
	return errors.As(err, &ce)
}
