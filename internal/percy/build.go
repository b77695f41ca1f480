package percy

import (
	"context"

	"github.com/percy-io/percy-core/internal/logx"
	"github.com/percy-io/percy-core/internal/percyclient"
	"github.com/percy-io/percy-core/internal/pkgerrors"
	"github.com/percy-io/percy-core/internal/queue"
)

// Build is the current build handle: identity once CreateBuild
// succeeds, or a poisoning error once the remote service rejects a
// later upload (§4.4, "poisoned build").
type Build struct {
	ID     string
	Number int
	URL    string
	Error  error
	Failed bool
}

const buildCreateTaskID queue.TaskID = "build/create"

// enqueueBuildCreate grants the uploads queue a narrow run/stop window
// of its own just to get the priority-0 build/create task executed,
// then leaves the queue exactly as deferred expects: stopped once the
// build settles, so nothing behind it in the queue is promoted until
// an explicit Flush/Stop runs it again. Push has already synchronously
// promoted build/create to pending by the time it returns, so the
// Stop() right after it only blocks tasks pushed later, never
// build/create itself. In deferred mode (nobody awaits this future
// directly, §4.4) a background watcher records a failure and closes
// Percy itself.
func (c *Core) enqueueBuildCreate(deferred bool) *queue.Future {
	c.uploads.Run()
	fut := c.uploads.Push(buildCreateTaskID, queue.NumPriority(0), c.buildCreateTask)
	c.uploads.Stop()

	c.mu.Lock()
	c.buildFuture = fut
	c.mu.Unlock()

	if deferred {
		go func() {
			_, err := fut.Wait()
			if err != nil && !pkgerrors.IsCanceled(err) {
				c.logger.Error("build creation failed", logx.F("error", err.Error()))
				c.Close()
			}
		}()
	}
	return fut
}

// buildCreateTask creates the build. If uploads aren't deferred, it
// reopens the queue so uploads start flowing the moment a build
// exists; if they are (deferUploads, or skipUploads/dryRun which imply
// it), the queue stays stopped — matching §4.4's "don't run the
// uploads queue until explicitly flushed" — and snapshots accumulate
// in it until Flush/Stop is called.
func (c *Core) buildCreateTask(ctx context.Context) (any, error) {
	defer func() {
		if !c.cfg.DeferUploads {
			c.uploads.Run()
		}
	}()

	info, err := c.client.CreateBuild(ctx)
	if err != nil {
		buildErr := &pkgerrors.BuildError{Message: "create build", Err: err}
		c.setBuildError(buildErr)
		return nil, buildErr
	}
	c.setBuildInfo(info)
	return info, nil
}

func (c *Core) setBuildInfo(info percyclient.BuildInfo) {
	c.mu.Lock()
	c.build = Build{ID: info.ID, Number: info.Number, URL: info.URL}
	c.mu.Unlock()
}

func (c *Core) setBuildError(err error) {
	c.mu.Lock()
	c.build.Error = err
	c.mu.Unlock()
}

// poisonBuild marks the build as failed after a 422 rejection
// referencing /data/attributes/build, then closes Percy (§4.4:
// "a poisoned build tears down the run").
func (c *Core) poisonBuild(detail string) {
	c.mu.Lock()
	c.build.Failed = true
	c.build.Error = &pkgerrors.BuildError{Message: detail}
	c.mu.Unlock()
	c.Close()
}

// currentBuild returns a snapshot of the build handle.
func (c *Core) currentBuild() Build {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.build
}
