package material

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrSessionUnavailable is returned when the scheduler is asked to start
// without an authenticated automation session.
var ErrSessionUnavailable = errors.New("automation session unavailable or not authenticated")

// ErrRootDirNotConfigured is returned when the scheduler is asked to start
// without a local material root directory.
var ErrRootDirNotConfigured = errors.New("local material root directory not configured")

// RemoteQueryError reports a tracking backend search that failed with a
// backend status code. Callers treat it as "zero tasks this cycle."
type RemoteQueryError struct {
	Code int
	Msg  string
}

func (e *RemoteQueryError) Error() string {
	return fmt.Sprintf("tracking backend query failed: code=%d msg=%s", e.Code, e.Msg)
}

// RemoteUpdateError reports a best-effort status write-back that failed. It
// is logged but never blocks an upload from proceeding.
type RemoteUpdateError struct {
	RecordID string
	Err      error
}

func (e *RemoteUpdateError) Error() string {
	return fmt.Sprintf("tracking backend update failed for record %s: %v", e.RecordID, e.Err)
}

func (e *RemoteUpdateError) Unwrap() error { return e.Err }
