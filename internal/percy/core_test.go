package percy

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/percy-io/percy-core/internal/browser"
	"github.com/percy-io/percy-core/internal/logx"
	"github.com/percy-io/percy-core/internal/percyclient"
	"github.com/percy-io/percy-core/internal/percyconfig"
)

func baseConfig() percyconfig.Config {
	return percyconfig.Config{Server: false, Discovery: percyconfig.DiscoveryConfig{Concurrency: 2}}
}

func echoGather(names ...string) GatherSnapshots {
	return func(ctx context.Context, core *Core, opts SnapshotInput) ([]Snapshot, error) {
		snaps := make([]Snapshot, len(names))
		for i, n := range names {
			snaps[i] = Snapshot{Name: n}
		}
		return snaps, nil
	}
}

func immediateDiscover() DiscoverSnapshotResources {
	return func(ctx context.Context, core *Core, snap Snapshot, onDone func(Snapshot, []string) error) error {
		return onDone(snap, []string{"/index.html"})
	}
}

func TestStart_IdempotentSecondCallIsNoOp(t *testing.T) {
	client := percyclient.NewFake()
	c := New(baseConfig(), client, &browser.Fake{}, nil, nil, nil, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if c.ReadyState() != ReadyStateRunning {
		t.Fatalf("ReadyState() = %v, want running", c.ReadyState())
	}
	if len(c.StartSteps()) != 0 {
		t.Error("StartSteps() after start should be empty (idempotent)")
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if build := c.Build(); build.Number != 1 {
		t.Errorf("Build() = %+v, want the single build created by the first Start()", build)
	}
}

func TestStart_BuildCreateFailurePropagates(t *testing.T) {
	client := percyclient.NewFake()
	client.CreateErr = errors.New("network down")
	c := New(baseConfig(), client, &browser.Fake{}, nil, nil, nil, nil)

	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("Start() error = nil, want build creation failure")
	}
}

func TestStart_EADDRINUSE_CleansUpBrowser(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()

	cfg := baseConfig()
	cfg.Server = true
	busyServer := &busyServerStub{addr: ln.Addr().String()}
	brws := &browser.Fake{}

	c := New(cfg, percyclient.NewFake(), brws, busyServer, nil, nil, nil)
	err = c.Start(context.Background())
	if err == nil {
		t.Fatal("Start() error = nil, want bind failure")
	}
	if brws.CloseCalls != 1 {
		t.Errorf("browser Close called %d times, want 1", brws.CloseCalls)
	}
	if c.ReadyState() != ReadyStateStopped {
		t.Errorf("ReadyState() = %v, want stopped", c.ReadyState())
	}
}

// busyServerStub simulates a Server whose Listen always fails with
// EADDRINUSE, without needing a real second listener bound to the
// same address (avoids a platform-dependent race).
type busyServerStub struct {
	addr       string
	closeCalls int
}

func (s *busyServerStub) Listen(ctx context.Context) error {
	return &net.OpError{Op: "listen", Err: errSyscallEADDRINUSE{}}
}
func (s *busyServerStub) Close(ctx context.Context) error { s.closeCalls++; return nil }
func (s *busyServerStub) Address() string                 { return s.addr }

type errSyscallEADDRINUSE struct{}

func (errSyscallEADDRINUSE) Error() string { return "address already in use" }
func (errSyscallEADDRINUSE) Is(target error) bool {
	return target == syscall.EADDRINUSE
}

func TestSnapshot_SchedulesUploadsAndPoisonsBuildOn422(t *testing.T) {
	client := percyclient.NewFake()
	client.SendErr = map[string]error{
		"home": &percyclient.Error{
			StatusCode: 422,
			Errors:     []percyclient.SourceError{{Pointer: "/data/attributes/build", Detail: "build is not active"}},
			Message:    "unprocessable",
		},
	}

	c := New(baseConfig(), client, &browser.Fake{}, nil, echoGather("home", "about"), immediateDiscover(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := c.Snapshot(context.Background(), SnapshotInput{}); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if err := c.Flush(context.Background(), false); err != nil {
		// Flush itself only propagates cancellation errors; per-task
		// failures are swallowed into the build's poisoned state.
		t.Fatalf("Flush() error = %v", err)
	}

	build := c.Build()
	if !build.Failed || build.Error == nil {
		t.Fatalf("Build() = %+v, want Failed with a poisoning error", build)
	}

	if err := c.Snapshot(context.Background(), SnapshotInput{}); err == nil {
		t.Error("Snapshot() after a poisoned build should error")
	}
}

func TestStop_DryRunReportsSnapshotsWithoutFinalizing(t *testing.T) {
	cfg := baseConfig()
	cfg.DryRun = true
	client := percyclient.NewFake()

	c := New(cfg, client, &browser.Fake{}, nil, echoGather("home"), immediateDiscover(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Snapshot(context.Background(), SnapshotInput{}); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	logStart := len(logx.L().Query())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Stop(ctx, false); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if c.ReadyState() != ReadyStateStopped {
		t.Errorf("ReadyState() = %v, want stopped", c.ReadyState())
	}
	if len(client.Finalized) != 0 {
		t.Errorf("dry run should never finalize a build, got %v", client.Finalized)
	}
	if len(client.Sent) != 0 {
		t.Errorf("dry run should never send a snapshot upload, got %v", client.SentNames())
	}

	var found int
	for _, entry := range logx.L().Query()[logStart:] {
		if entry.Debug == "percy:core" && entry.Message == "Found 1 snapshot(s)" {
			found++
		}
	}
	if found != 1 {
		t.Errorf("expected exactly one 'Found 1 snapshot(s)' log line, got %d", found)
	}
}

func TestStop_Force_AbortsQueuesImmediately(t *testing.T) {
	client := percyclient.NewFake()
	c := New(baseConfig(), client, &browser.Fake{}, nil, nil, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Stop(context.Background(), true); err != nil {
		t.Fatalf("Stop(force) error = %v", err)
	}
	if c.ReadyState() != ReadyStateStopped {
		t.Errorf("ReadyState() = %v, want stopped", c.ReadyState())
	}
}

func TestStop_NeverStartedIsNoOp(t *testing.T) {
	c := New(baseConfig(), percyclient.NewFake(), &browser.Fake{}, nil, nil, nil, nil)
	if err := c.Stop(context.Background(), false); err != nil {
		t.Fatalf("Stop() on never-started core error = %v", err)
	}
}
