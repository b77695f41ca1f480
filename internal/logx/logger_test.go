package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// pipeSocket is an in-memory Socket used by tests in place of a real
// websocket transport.
type pipeSocket struct {
	mu     sync.Mutex
	state  int
	out    chan []byte
	in     chan []byte
	closed bool
}

func newPipePair() (a, b *pipeSocket) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a = &pipeSocket{state: SocketOpen, out: ab, in: ba}
	b = &pipeSocket{state: SocketOpen, out: ba, in: ab}
	return a, b
}

func (s *pipeSocket) ReadyState() int { return s.state }

func (s *pipeSocket) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.out <- append([]byte(nil), msg...)
	return nil
}

func (s *pipeSocket) Recv() ([]byte, bool) {
	msg, ok := <-s.in
	return msg, ok
}

func (s *pipeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

var errClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "socket closed" }

func newTestLogger(debugEnv, levelEnv string) (*Logger, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return newLogger(debugEnv, levelEnv, &out, &errOut), &out, &errOut
}

// L1: entries outside the namespace filter never reach stdio but are
// still retained.
func TestL1_FilteredEntriesRetainedButNotWritten(t *testing.T) {
	l, out, _ := newTestLogger("percy:queue", "")
	g := l.Group("other:namespace")
	g.Info("should not print")

	if out.Len() != 0 {
		t.Errorf("stdout = %q, want empty (namespace excluded)", out.String())
	}
	entries := l.Query()
	if len(entries) != 1 || entries[0].Message != "should not print" {
		t.Errorf("entries = %v, want the filtered entry still retained", entries)
	}
}

func TestL1_MatchingNamespaceWrites(t *testing.T) {
	l, out, _ := newTestLogger("percy:queue", "")
	g := l.Group("percy:queue")
	g.Info("hello")

	if out.Len() == 0 {
		t.Error("stdout empty, want the matching-namespace entry to be written")
	}
	entries := l.Query()
	if len(entries) != 1 {
		t.Fatalf("entries = %v, want 1", entries)
	}
}

// L2: deprecated dedupes by exact message.
func TestL2_DeprecatedDedupesByMessage(t *testing.T) {
	l, _, errOut := newTestLogger("percy:*", "")
	g := l.Group("percy:core")
	g.Deprecated("old option")
	g.Deprecated("old option")
	g.Deprecated("another option")

	entries := l.Query()
	count := 0
	for _, e := range entries {
		if e.Message == "Warning: old option" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("duplicate 'old option' warnings = %d, want 1", count)
	}
	if errOut.Len() == 0 {
		t.Error("deprecated should write to stderr (warn level)")
	}
}

// L3: after Remote() succeeds, every log call produces exactly one
// socket send and zero stdio writes.
func TestL3_RemoteReplacesLocalWrites(t *testing.T) {
	l, out, errOut := newTestLogger("percy:*", "")
	g := l.Group("percy:core")
	g.Info("before remote")

	serverSide, clientSide := newPipePair()

	err := l.Remote(context.Background(), func(ctx context.Context) (Socket, error) {
		return clientSide, nil
	}, time.Second)
	if err != nil {
		t.Fatalf("Remote() error = %v", err)
	}

	// Drain the initial logAll handshake message.
	data, ok := serverSide.Recv()
	if !ok {
		t.Fatal("server side did not receive the initial logAll message")
	}
	var logAll logAllMessage
	if err := json.Unmarshal(data, &logAll); err != nil {
		t.Fatalf("unmarshal logAll: %v", err)
	}
	if len(logAll.LogAll) != 1 || logAll.LogAll[0].Message != "before remote" {
		t.Errorf("logAll = %v, want the pre-existing entry", logAll.LogAll)
	}

	out.Reset()
	errOut.Reset()
	g.Info("hello")

	data, ok = serverSide.Recv()
	if !ok {
		t.Fatal("server side did not receive the forwarded log message")
	}
	var msg logMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal log message: %v", err)
	}
	if len(msg.Log) != 4 || msg.Log[2] != "hello" {
		t.Errorf("log message = %v, want [debug,level,'hello',meta]", msg.Log)
	}
	if out.Len() != 0 || errOut.Len() != 0 {
		t.Error("stdio should receive zero writes once remote mode is active")
	}
}

// Scenario 6: remote forwarding sends logAll first, then log, stdout
// stays empty throughout.
func TestScenario6_RemoteLogForwarding(t *testing.T) {
	l, out, _ := newTestLogger("percy:*", "")
	serverSide, clientSide := newPipePair()

	if err := l.Remote(context.Background(), func(ctx context.Context) (Socket, error) {
		return clientSide, nil
	}, time.Second); err != nil {
		t.Fatalf("Remote() error = %v", err)
	}
	if _, ok := serverSide.Recv(); !ok {
		t.Fatal("expected initial logAll handshake")
	}

	g := l.Group("x")
	g.Info("hello")

	data, ok := serverSide.Recv()
	if !ok {
		t.Fatal("expected forwarded log message")
	}
	var msg logMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Log[0] != "x" || msg.Log[1] != "info" || msg.Log[2] != "hello" {
		t.Errorf("log message = %v", msg.Log)
	}
	if out.Len() != 0 {
		t.Error("stdout should remain empty under remote forwarding")
	}
}

func TestConnect_SendsEnvSnapshotAndMergesIncoming(t *testing.T) {
	l, _, _ := newTestLogger("percy:*", "")
	serverSide, peer := newPipePair()

	detach := l.Connect(serverSide)
	defer detach()

	data, ok := peer.Recv()
	if !ok {
		t.Fatal("expected env snapshot on connect")
	}
	var env envMessage
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal env: %v", err)
	}
	if env.Env["PERCY_LOGLEVEL"] == "" && env.Env["PERCY_DEBUG"] == "" {
		t.Error("env snapshot carried neither PERCY_DEBUG nor PERCY_LOGLEVEL")
	}

	incoming := logAllMessage{LogAll: []LogEntry{{Debug: "remote:ns", Level: LevelInfo, Message: "from peer", Timestamp: 1}}}
	payload, _ := json.Marshal(incoming)
	if err := peer.Send(payload); err != nil {
		t.Fatalf("peer.Send error = %v", err)
	}

	deadline := time.After(time.Second)
	for {
		entries := l.Query()
		found := false
		for _, e := range entries {
			if e.Message == "from peer" {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("incoming entry never merged into local store")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
