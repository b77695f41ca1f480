package percy

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"syscall"

	"github.com/percy-io/percy-core/internal/adapter"
	"github.com/percy-io/percy-core/internal/logx"
	"github.com/percy-io/percy-core/internal/pkgerrors"
	"github.com/percy-io/percy-core/internal/queue"
)

// StartSteps builds the lazy step sequence Start drives (§4.4, §9:
// "two forms — a stepped generator callers can also consume
// directly"). Called a second time on an already-started Core it
// returns an empty sequence, making Start idempotent without needing
// a sentinel value threaded through the chain.
func (c *Core) StartSteps() []adapter.Step {
	if c.ReadyState() != ReadyStateUnset {
		return nil
	}

	return []adapter.Step{
		c.stepMarkStarting,
		c.stepEnqueueBuildCreate,
		c.stepAwaitBuildUnlessDeferred,
		c.stepLaunchBrowser,
		c.stepStartServer,
		c.stepMarkRunning,
	}
}

// Start runs StartSteps to completion. Any step's error aborts the
// remaining steps immediately; steps 4-5 (browser, server) clean up
// after themselves before returning their error (§4.4).
func (c *Core) Start(ctx context.Context) error {
	steps := c.StartSteps()
	if len(steps) == 0 {
		return nil
	}

	_, err := adapter.Stepped(steps).Run(ctx)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if c.cfg.DeferUploads {
			c.revertDeferredStart()
		}
	}
	return err
}

func (c *Core) stepMarkStarting(ctx context.Context) (any, error) {
	c.setReadyState(ReadyStateStarting)
	c.snapshots.Run()
	// The uploads queue is deliberately NOT started here: deferUploads
	// (and skipUploads/dryRun, which imply it) means it stays stopped
	// until an explicit Flush/Stop runs it (queue.Flush's own "ensure
	// running for the duration" semantics). enqueueBuildCreate still
	// needs build/create itself to run even when deferred, so it grants
	// that one task a narrow Run/Stop window of its own (§4.4).
	return nil, nil
}

func (c *Core) stepEnqueueBuildCreate(ctx context.Context) (any, error) {
	c.enqueueBuildCreate(c.cfg.DeferUploads)
	return nil, nil
}

func (c *Core) stepAwaitBuildUnlessDeferred(ctx context.Context) (any, error) {
	if c.cfg.DeferUploads {
		return nil, nil
	}
	c.mu.Lock()
	fut := c.buildFuture
	c.mu.Unlock()
	if fut == nil {
		return nil, nil
	}
	return fut.Wait()
}

func (c *Core) stepLaunchBrowser(ctx context.Context) (any, error) {
	if c.cfg.DryRun || c.browser == nil {
		return nil, nil
	}
	if err := c.browser.Launch(ctx); err != nil {
		c.cleanupFailedStart(ctx)
		return nil, fmt.Errorf("percy: launch browser: %w", err)
	}
	return nil, nil
}

func (c *Core) stepStartServer(ctx context.Context) (any, error) {
	if !c.cfg.Server || c.server == nil {
		return nil, nil
	}
	if err := c.server.Listen(ctx); err != nil {
		c.cleanupFailedStart(ctx)
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, &pkgerrors.BindError{Addr: c.server.Address(), Err: err}
		}
		return nil, fmt.Errorf("percy: start server: %w", err)
	}
	return nil, nil
}

func (c *Core) stepMarkRunning(ctx context.Context) (any, error) {
	c.setReadyState(ReadyStateRunning)
	return nil, nil
}

// cleanupFailedStart closes whatever partially came up in steps 4-5
// and sets readyState to stopped (§4.4: "failures in steps 5-6 close
// server and browser, set readyState=3, and rethrow").
func (c *Core) cleanupFailedStart(ctx context.Context) {
	if c.server != nil {
		c.server.Close(ctx) //nolint:errcheck
	}
	if c.browser != nil {
		c.browser.Close(ctx) //nolint:errcheck
	}
	c.setReadyState(ReadyStateStopped)
}

// revertDeferredStart undoes a deferred start canceled before it
// finished: readyState goes back to null and the build/create task is
// canceled (§3: "0 -> null on cancellation of a deferred start").
func (c *Core) revertDeferredStart() {
	c.uploads.Cancel(buildCreateTaskID)
	c.setReadyState(ReadyStateUnset)
}

// Flush drains the snapshots queue and, unless uploads are skipped, the
// uploads queue, logging progress as it goes. If closeQueues is true,
// each queue is closed (no further pushes accepted) before being
// flushed; a cancellation re-opens both queues before the error is
// returned (§4.4, §9).
func (c *Core) Flush(ctx context.Context, closeQueues bool) error {
	runtime.Gosched()

	if c.snapshots.Size() > 0 {
		if closeQueues {
			c.snapshots.Close(false)
		}
		if err := c.flushOne(ctx, c.snapshots, "Processing %d snapshot(s) in queue..."); err != nil {
			if closeQueues {
				c.snapshots.Open()
			}
			return err
		}
	}

	if !c.cfg.SkipUploads && c.uploads.Size() > 0 {
		if closeQueues {
			c.uploads.Close(false)
		}
		if err := c.flushOne(ctx, c.uploads, "Uploading %d snapshot(s)..."); err != nil {
			if closeQueues {
				c.snapshots.Open()
				c.uploads.Open()
			}
			return err
		}
	}

	return nil
}

func (c *Core) flushOne(ctx context.Context, q *queue.Queue, format string) error {
	handle := q.Flush(ctx, func(ahead int) {
		if ahead > 0 {
			c.logger.Progress(fmt.Sprintf(format, ahead), false)
		}
	})
	return handle.Wait()
}

// Stop drains outstanding work and tears the run down. If force is
// true, both queues are aborted immediately instead of flushed. Stop
// is idempotent: calling it while already stopping or stopped is a
// no-op.
func (c *Core) Stop(ctx context.Context, force bool) error {
	state := c.ReadyState()
	if state == ReadyStateUnset {
		if c.browser != nil && c.browser.IsConnected() {
			return c.browser.Close(ctx)
		}
		return nil
	}
	if state == ReadyStateStopping || state == ReadyStateStopped {
		return nil
	}

	if force {
		c.snapshots.Close(true)
		c.uploads.Close(true)
		return c.finishStop(ctx)
	}

	c.setReadyState(ReadyStateStopping)

	if err := c.Flush(ctx, true); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.setReadyState(ReadyStateRunning)
		}
		return err
	}

	if c.cfg.DryRun {
		remaining := c.uploads.Size()
		if c.uploads.Has(buildCreateTaskID) {
			remaining--
		}
		if remaining > 0 {
			c.logger.Info(fmt.Sprintf("Found %d snapshot(s)", remaining))
		}
	}

	return c.finishStop(ctx)
}

func (c *Core) finishStop(ctx context.Context) error {
	c.closeStaticServers(ctx)

	if c.server != nil {
		if err := c.server.Close(ctx); err != nil {
			c.logger.Warn("error closing server", logx.F("error", err.Error()))
		}
	}
	if c.browser != nil {
		if err := c.browser.Close(ctx); err != nil {
			c.logger.Warn("error closing browser", logx.F("error", err.Error()))
		}
	}

	build := c.currentBuild()
	if build.ID != "" && build.Error == nil && !c.cfg.DryRun && !c.cfg.SkipUploads {
		if err := c.client.FinalizeBuild(ctx, build.ID); err != nil {
			c.logger.Warn("error finalizing build", logx.F("buildID", build.ID), logx.F("error", err.Error()))
		}
	}

	c.setReadyState(ReadyStateStopped)
	return nil
}

// Close tears both queues down immediately: queued work is dropped as
// canceled, and tasks already running are left to finish without being
// waited for. Unlike Stop, it never flushes and never errors.
func (c *Core) Close() {
	c.snapshots.Close(true)
	c.uploads.Close(true)
	c.closeStaticServers(context.Background())
}
