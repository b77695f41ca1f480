// Package pkgerrors provides the error kinds of the Percy concurrency
// engine: canceled tasks, build failures, per-snapshot failures, and
// config/bind problems that callers need to distinguish with
// errors.As.
package pkgerrors

import (
	"errors"
	"fmt"
)

// ErrCanceled is the sentinel wrapped by CanceledError. Compare against
// it with errors.Is rather than type-asserting CanceledError directly.
var ErrCanceled = errors.New("canceled")

// CanceledError is returned by a Task's future when Cancel was called
// before the task settled.
type CanceledError struct {
	TaskID string
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("task %q canceled", e.TaskID)
}

func (e *CanceledError) Unwrap() error { return ErrCanceled }

// BuildError wraps a failure to create a build, or a mid-run rejection
// of the build by the remote service (a poisoning 422).
type BuildError struct {
	Message string
	Err     error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("build error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("build error: %s", e.Message)
}

func (e *BuildError) Unwrap() error { return e.Err }

// SnapshotError wraps a failure to gather or discover resources for a
// single named snapshot. It never terminates the run.
type SnapshotError struct {
	Name string
	Err  error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot %q failed: %v", e.Name, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// UploadError wraps a failure to transmit a single snapshot's
// resources to the remote service.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %q failed: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// ConfigInvalid carries non-fatal validation warnings. Callers log it
// at warn level; it is never returned as a hard failure by itself.
type ConfigInvalid struct {
	Warnings []string
}

func (e *ConfigInvalid) Error() string {
	return fmt.Sprintf("config has %d validation warning(s)", len(e.Warnings))
}

// BindError wraps a server listen failure, typically EADDRINUSE
// remapped into a friendlier message by Core.Start.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("could not bind to %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// IsCanceled reports whether err is, or wraps, a canceled failure.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
