package percy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/percy-io/percy-core/internal/logx"
	"github.com/percy-io/percy-core/internal/percyclient"
	"github.com/percy-io/percy-core/internal/percyconfig"
	"github.com/percy-io/percy-core/internal/pkgerrors"
	"github.com/percy-io/percy-core/internal/queue"
)

// Browser is the §6 headless-browser boundary, re-exported here so
// callers constructing a Core don't need to import internal/browser
// directly for the interface name alone.
type Browser interface {
	Launch(ctx context.Context) error
	Close(ctx context.Context) error
	IsConnected() bool
}

// Core is the top-level state machine (§4.4): Percy's readyState,
// build handle, and the two priority queues it drives.
type Core struct {
	mu         sync.Mutex
	readyState ReadyState
	build      Build
	buildFuture *queue.Future

	cfg     percyconfig.Config
	client  percyclient.Client
	browser Browser
	server  Server
	logger  *logx.Group

	snapshots *queue.Queue
	uploads   *queue.Queue

	staticServers []*staticServer

	gather   GatherSnapshots
	discover DiscoverSnapshotResources
	validate ValidateSnapshotOptions
}

// New wires a Core from its collaborators. gather, discover, and
// validate may be nil; a nil gather/discover makes Snapshot a no-op
// report-only call (useful for dry-run driven integration tests),
// and a nil validate skips normalization.
func New(cfg percyconfig.Config, client percyclient.Client, browser Browser, server Server, gather GatherSnapshots, discover DiscoverSnapshotResources, validate ValidateSnapshotOptions) *Core {
	cfg = cfg.Normalize()
	concurrency := cfg.QueueConcurrency()
	return &Core{
		readyState: ReadyStateUnset,
		cfg:        cfg,
		client:     client,
		browser:    browser,
		server:     server,
		logger:     logx.L().Group("percy:core"),
		snapshots:  queue.New(concurrency),
		uploads:    queue.New(concurrency),
		gather:     gather,
		discover:   discover,
		validate:   validate,
	}
}

// ReadyState reports the current lifecycle phase.
func (c *Core) ReadyState() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyState
}

func (c *Core) setReadyState(s ReadyState) {
	c.mu.Lock()
	c.readyState = s
	c.mu.Unlock()
}

// Build reports a snapshot of the current build handle.
func (c *Core) Build() Build { return c.currentBuild() }

// scheduleUpload pushes one snapshot's upload onto the uploads queue.
// It refuses outright once the build has failed, matching §4.4's "no
// further uploads are attempted once the build is poisoned" rule.
//
// Under skipUploads (including dryRun, which implies it) the task is
// still pushed — its presence in the uploads queue is what lets
// stop()'s dry-run report count "snapshots found" — but the body
// never calls client.SendSnapshot; skipUploads means no network
// traffic at all, not just "don't finalize the build" (§4.4).
func (c *Core) scheduleUpload(name string, payload percyclient.SnapshotPayload) (*queue.Future, error) {
	if err := c.currentBuild().Error; err != nil {
		return nil, err
	}

	// buildID is resolved at execution time, not at schedule time: in
	// deferred mode an upload can be queued before build/create has
	// actually settled.
	id := queue.TaskID("upload/" + name)
	fut := c.uploads.Push(id, queue.NumPriority(1), func(ctx context.Context) (any, error) {
		if c.cfg.SkipUploads {
			return nil, nil
		}
		buildID := c.currentBuild().ID
		err := c.client.SendSnapshot(ctx, buildID, payload)
		if err == nil {
			return nil, nil
		}
		if ce, ok := err.(*percyclient.Error); ok {
			if detail, poisoned := ce.BuildPointer(); poisoned && ce.StatusCode == 422 {
				c.poisonBuild(detail)
				return nil, &pkgerrors.UploadError{Name: name, Err: err}
			}
		}
		return nil, &pkgerrors.UploadError{Name: name, Err: err}
	})
	return fut, nil
}

func newSnapshotID() string {
	return uuid.NewString()
}

func snapshotTaskID(name string) queue.TaskID { return queue.TaskID(fmt.Sprintf("snapshot/%s", name)) }

func uploadTaskID(name string) queue.TaskID { return queue.TaskID(fmt.Sprintf("upload/%s", name)) }
