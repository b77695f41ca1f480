// Package percy implements the top-level state machine (§4.4): it
// owns a snapshots queue and an uploads queue, a build handle, a
// browser handle, and an optional server handle, and exposes
// Start/Snapshot/Flush/Stop/Close, orchestrating build creation,
// per-snapshot discovery, and upload scheduling — including dry-run
// and deferred-upload modes.
//
// The overall lifecycle discipline (composition-root style
// construction, ordered start/stop, structured per-step failure
// handling) is grounded on the teacher's internal/app/bootstrap.go and
// internal/app/lifecycle.go; the step-by-step gather→discover→
// schedule-upload flow inside takeSnapshot follows the
// idempotency-check-then-act, named-failure-path style of
// internal/jobs/vm_create.go.
package percy

import (
	"context"
)

// ReadyState mirrors Percy.readyState (§3): null|0|1|2|3.
type ReadyState int

const (
	ReadyStateUnset    ReadyState = -1
	ReadyStateStarting ReadyState = 0
	ReadyStateRunning  ReadyState = 1
	ReadyStateStopping ReadyState = 2
	ReadyStateStopped  ReadyState = 3
)

func (s ReadyState) String() string {
	switch s {
	case ReadyStateUnset:
		return "unset"
	case ReadyStateStarting:
		return "starting"
	case ReadyStateRunning:
		return "running"
	case ReadyStateStopping:
		return "stopping"
	case ReadyStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Server is the §6 local HTTP/WebSocket server boundary. Defined here
// (rather than imported from internal/percyhttp) so Core depends only
// on the shape it needs; internal/percyhttp.HTTPServer satisfies this
// interface structurally.
type Server interface {
	Listen(ctx context.Context) error
	Close(ctx context.Context) error
	Address() string
}

// Snapshot is one concrete capture request produced by GatherSnapshots
// (§6): {name, meta?, additionalSnapshots?}.
type Snapshot struct {
	Name                string
	Meta                map[string]any
	AdditionalSnapshots []AdditionalSnapshot
}

// AdditionalSnapshot names a sub-snapshot discovered alongside its
// parent (e.g. a responsive-widths variant).
type AdditionalSnapshot struct {
	Name string
}

// SnapshotInput is the caller-facing snapshot() argument. The source
// spec accepts a string URL, a ".xml" sitemap string, an object, or an
// array recursed in parallel; in Go these collapse into one struct
// with a Children slice for the array form. Serve names a local
// directory to serve statically for the duration of this call; BaseURL
// is derived output, not input — Core.Snapshot fills it in from the
// static server's bound address once Serve has been honored, so
// GatherSnapshots can build asset URLs relative to it.
type SnapshotInput struct {
	URL      string
	Sitemap  string
	Name     string
	Meta     map[string]any
	Serve    string
	BaseURL  string
	Children []SnapshotInput
}

// GatherSnapshots produces the concrete snapshot list for one
// SnapshotInput (§6).
type GatherSnapshots func(ctx context.Context, core *Core, opts SnapshotInput) ([]Snapshot, error)

// DiscoverSnapshotResources drives browser-based resource discovery
// for one snapshot, invoking onDone for each completed sub-snapshot
// (the named snapshot itself plus any AdditionalSnapshots) as it
// finishes (§6).
type DiscoverSnapshotResources func(ctx context.Context, core *Core, snap Snapshot, onDone func(sub Snapshot, resources []string) error) error

// ValidateSnapshotOptions normalizes and validates a SnapshotInput,
// returning an error for malformed options (§6).
type ValidateSnapshotOptions func(opts SnapshotInput) (SnapshotInput, error)
