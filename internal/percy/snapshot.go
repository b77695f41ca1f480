package percy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/percy-io/percy-core/internal/logx"
	"github.com/percy-io/percy-core/internal/percyclient"
	"github.com/percy-io/percy-core/internal/pkgerrors"
	"github.com/percy-io/percy-core/internal/queue"
)

// Snapshot validates opts, gathers the concrete snapshot list it
// describes, and schedules discovery for each one. It returns once
// every gathered snapshot has been accepted onto the snapshots queue —
// it does not wait for discovery or upload to finish (§4.4, §6).
//
// The array form (opts.Children non-empty) recurses into every child
// and awaits them in parallel (§4.4 "Forms accepted"); a nil
// GatherSnapshots makes the object/URL/sitemap forms a no-op, but the
// array form still recurses (each child is validated and gathered on
// its own, so a mix of forms at different nesting levels works).
func (c *Core) Snapshot(ctx context.Context, opts SnapshotInput) error {
	if c.ReadyState() != ReadyStateRunning {
		return fmt.Errorf("percy: snapshot() called while not running (state=%s)", c.ReadyState())
	}
	if err := c.currentBuild().Error; err != nil {
		return err
	}

	if len(opts.Children) > 0 {
		return c.snapshotChildren(ctx, opts.Children)
	}

	if c.validate != nil {
		normalized, err := c.validate(opts)
		if err != nil {
			return err
		}
		opts = normalized
	}
	if opts.Name == "" {
		opts.Name = newSnapshotID()
	}

	if opts.Serve != "" {
		baseURL, err := c.startStaticServer(opts.Serve)
		if err != nil {
			return err
		}
		opts.BaseURL = baseURL
	}

	if c.gather == nil {
		return nil
	}
	snaps, err := c.gather(ctx, c, opts)
	if err != nil {
		return err
	}

	for _, s := range snaps {
		c.takeSnapshot(s)
	}
	return nil
}

// snapshotChildren awaits every child's Snapshot call in parallel and
// joins their errors (§4.4: "array (recursed and awaited in
// parallel)").
func (c *Core) snapshotChildren(ctx context.Context, children []SnapshotInput) error {
	errs := make([]error, len(children))
	var wg sync.WaitGroup
	wg.Add(len(children))
	for i, child := range children {
		go func(i int, child SnapshotInput) {
			defer wg.Done()
			errs[i] = c.Snapshot(ctx, child)
		}(i, child)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// takeSnapshot cancels any in-flight snapshot/upload sharing this
// snapshot's name (a re-snapshot supersedes its predecessor, §4.4)
// and pushes a fresh discovery task.
func (c *Core) takeSnapshot(s Snapshot) {
	c.snapshots.Cancel(snapshotTaskID(s.Name))
	c.uploads.Cancel(uploadTaskID(s.Name))
	for _, sub := range s.AdditionalSnapshots {
		c.uploads.Cancel(uploadTaskID(sub.Name))
	}

	c.snapshots.Push(snapshotTaskID(s.Name), queue.NullPriority(), func(ctx context.Context) (any, error) {
		return c.discoverAndUpload(ctx, s)
	})
}

func (c *Core) discoverAndUpload(ctx context.Context, s Snapshot) (any, error) {
	if c.discover == nil {
		return nil, nil
	}
	err := c.discover(ctx, c, s, func(sub Snapshot, resources []string) error {
		_, uerr := c.scheduleUpload(sub.Name, percyclient.SnapshotPayload{Name: sub.Name, Resources: resources})
		return uerr
	})
	if err != nil {
		snapErr := &pkgerrors.SnapshotError{Name: s.Name, Err: err}
		if pkgerrors.IsCanceled(err) {
			c.logger.Debug("duplicate snapshot name, previous discovery was canceled", logx.F("name", s.Name))
		} else {
			c.logger.Error("snapshot discovery failed", logx.F("name", s.Name), logx.F("error", err.Error()))
		}
		return nil, snapErr
	}
	return nil, nil
}
