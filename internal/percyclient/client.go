// Package percyclient defines the remote API client boundary (§6) and
// ships an in-memory fake used by internal/percy's tests. A production
// client (real HTTP calls to a Percy-compatible build service) is
// outside this module's scope per §1.
package percyclient

import "context"

// BuildInfo is the {id, number, url} triple returned by CreateBuild.
type BuildInfo struct {
	ID     string
	Number int
	URL    string
}

// SnapshotPayload is the per-snapshot transmission body; its shape is
// opaque to the core beyond the discovered resource list.
type SnapshotPayload struct {
	Name      string
	Resources []string
}

// SourceError is one entry of a client error's `response.body.errors[]`
// (§6), used to detect a build-poisoning 422.
type SourceError struct {
	Pointer string
	Detail  string
}

// Error is the error shape a Client call may return, carrying an
// optional status code and structured source errors so
// _scheduleUpload can detect the "/data/attributes/build" pointer.
type Error struct {
	StatusCode int
	Errors     []SourceError
	Message    string
}

func (e *Error) Error() string { return e.Message }

// BuildPointer reports whether the error carries a source error
// pointing at /data/attributes/build — the build-poisoning signal.
func (e *Error) BuildPointer() (detail string, ok bool) {
	for _, se := range e.Errors {
		if se.Pointer == "/data/attributes/build" {
			return se.Detail, true
		}
	}
	return "", false
}

// Client is the §6 remote API boundary.
type Client interface {
	CreateBuild(ctx context.Context) (BuildInfo, error)
	FinalizeBuild(ctx context.Context, id string) error
	SendSnapshot(ctx context.Context, buildID string, payload SnapshotPayload) error
	AddClientInfo(s string)
	AddEnvironmentInfo(s string)
}
