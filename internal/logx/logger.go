// Package logx implements the namespace-filtered structured logger:
// in-memory retention, TTY progress rendering, and optional forwarding
// to a remote peer over a bidirectional message socket (§4.3).
//
// It mirrors the teacher's package-level singleton idiom
// (internal/pkg/logger), with one global level plus per-namespace
// include/exclude regex filtering; both are fixed when the Logger is
// built. Every local entry is appended to the in-memory ring by log()
// whether or not it also reaches stdio; stdio output goes through a
// custom zapcore.Core instead of zap's built-in encoders.
package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mattn/go-isatty"
)

var (
	instance *Logger
	once     sync.Once
)

// L returns the process-singleton Logger, built lazily from
// PERCY_DEBUG / PERCY_LOGLEVEL on first use.
func L() *Logger {
	once.Do(func() {
		instance = newLogger(os.Getenv("PERCY_DEBUG"), os.Getenv("PERCY_LOGLEVEL"), os.Stdout, os.Stderr)
	})
	return instance
}

// Logger is the process-wide log sink: leveled, namespace-filtered,
// retaining every entry in an unbounded in-memory ring for the process
// lifetime (§9 — intentional, not a leak to be "fixed").
type Logger struct {
	mu sync.Mutex

	ns    Namespaces
	level Level

	entries          []LogEntry
	lastLogTimestamp int64
	deprecatedSeen   map[string]bool

	remoteSocket   Socket
	isRemoteClient bool
	serverSocket   Socket

	progressActive  bool
	progressPersist bool

	stdout io.Writer
	stderr io.Writer
	isTTY  bool

	core *ringCore
	zl   *zap.Logger
}

func newLogger(debugEnv, levelEnv string, stdout, stderr io.Writer) *Logger {
	l := &Logger{
		deprecatedSeen: make(map[string]bool),
		stdout:         stdout,
		stderr:         stderr,
	}
	if debugEnv != "" {
		l.ns = ParseNamespaces(debugEnv)
		l.level = LevelDebug
	} else {
		l.ns = ParseNamespaces("percy:*")
		l.level = LevelInfo
		if levelEnv != "" {
			if lvl, err := ParseLevel(levelEnv); err == nil {
				l.level = lvl
			}
		}
	}
	if f, ok := stdout.(*os.File); ok {
		l.isTTY = isatty.IsTerminal(f.Fd())
	}
	l.core = &ringCore{logger: l}
	l.zl = zap.New(l.core)
	return l
}

// writerFor returns stdout for info, stderr for every other level,
// matching §4.3's "stdout (info) or stderr (others)" rule.
func (l *Logger) writerFor(level Level) io.Writer {
	if level == LevelInfo {
		return l.stdout
	}
	return l.stderr
}

// Group returns a namespace-scoped handle for the "debug" label name.
func (l *Logger) Group(name string) *Group {
	return &Group{logger: l, debug: name}
}

// Query returns every retained entry in insertion order.
func (l *Logger) Query() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ShouldLog reports whether a call at (debug,level) would reach stdio:
// level >= currentLevel, no exclude pattern matches, and some include
// pattern matches.
func (l *Logger) ShouldLog(debug string, level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shouldLogLocked(debug, level)
}

func (l *Logger) shouldLogLocked(debug string, level Level) bool {
	if level < l.level {
		return false
	}
	return l.ns.Matches(debug)
}

func cloneMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// log is the single entry point every Group level method funnels
// through, implementing §4.3's three-step log() contract.
func (l *Logger) log(debug string, level Level, message string, fields []Field) {
	meta := fieldsToMeta(fields)

	l.mu.Lock()
	socket := l.remoteSocket
	remote := l.isRemoteClient && socket != nil && socket.ReadyState() == SocketOpen
	if remote {
		l.mu.Unlock()
		l.sendLog(socket, debug, level, message, meta)
		return
	}

	entry := LogEntry{Debug: debug, Level: level, Message: message, Meta: meta, Timestamp: nowMillis()}
	l.entries = append(l.entries, entry)
	should := l.shouldLogLocked(debug, level)
	var elapsed int64 = -1
	if should && l.level == LevelDebug {
		if l.lastLogTimestamp != 0 {
			elapsed = entry.Timestamp - l.lastLogTimestamp
		}
		l.lastLogTimestamp = entry.Timestamp
	}
	if should {
		l.progressActive = false
	}
	l.mu.Unlock()

	if should {
		zfields := []zapcore.Field{zap.String("debug", debug)}
		if elapsed >= 0 {
			zfields = append(zfields, zap.Int64("elapsedMs", elapsed))
		}
		if ce := l.zl.Check(zapLevelOf(level), message); ce != nil {
			ce.Write(zfields...)
		}
	}
}

func (l *Logger) sendLog(socket Socket, debug string, level Level, message string, meta map[string]any) {
	remoteMeta := cloneMeta(meta)
	remoteMeta["remote"] = true
	payload := logMessage{Log: []any{debug, level.String(), message, remoteMeta}}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = socket.Send(data)
}

// deprecated emits msg at warn level with a "Warning: " prefix, at
// most once per exact message for this logger's lifetime (§L2).
func (l *Logger) deprecated(debug, msg string) {
	l.mu.Lock()
	if l.deprecatedSeen[msg] {
		l.mu.Unlock()
		return
	}
	l.deprecatedSeen[msg] = true
	l.mu.Unlock()
	l.log(debug, LevelWarn, "Warning: "+msg, nil)
}

// progress renders a TTY progress line (rewriting the current line) or,
// on a non-TTY, writes once and suppresses duplicates until the next
// non-progress log call. persist is recorded but does not change
// rendering: an ordinary write ends the progress line either way and
// the line is not redrawn after it.
func (l *Logger) progress(debug, msg string, persist bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isTTY {
		if l.progressActive {
			return
		}
		l.progressActive = true
		l.progressPersist = persist
		fmt.Fprintln(l.stdout, msg)
		return
	}
	// cursor-to-column-0, clear-to-end-of-line, then the new text.
	fmt.Fprintf(l.stdout, "\r\x1b[K%s", msg)
	l.progressActive = true
	l.progressPersist = persist
}

// Connect attaches socket as the server side of the remote protocol:
// pushes an env snapshot, then merges incoming {log} / {logAll}
// messages into the local store. Returns a detach function.
func (l *Logger) Connect(conn Socket) (detach func()) {
	l.mu.Lock()
	l.serverSocket = conn
	l.mu.Unlock()

	env := envMessage{Env: map[string]string{
		"PERCY_DEBUG":    l.ns.Spec,
		"PERCY_LOGLEVEL": l.level.String(),
	}}
	if data, err := json.Marshal(env); err == nil {
		_ = conn.Send(data)
	}

	stop := make(chan struct{})
	go l.serverReadLoop(conn, stop)

	return func() {
		close(stop)
		l.mu.Lock()
		if l.serverSocket == conn {
			l.serverSocket = nil
		}
		l.mu.Unlock()
	}
}

func (l *Logger) serverReadLoop(conn Socket, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		data, ok := conn.Recv()
		if !ok {
			return
		}
		l.mergeIncoming(data)
	}
}

func (l *Logger) mergeIncoming(data []byte) {
	var logAll logAllMessage
	if err := json.Unmarshal(data, &logAll); err == nil && len(logAll.LogAll) > 0 {
		l.mu.Lock()
		l.entries = append(l.entries, logAll.LogAll...)
		l.mu.Unlock()
		return
	}
	var one logMessage
	if err := json.Unmarshal(data, &one); err == nil && len(one.Log) == 4 {
		debug, _ := one.Log[0].(string)
		levelStr, _ := one.Log[1].(string)
		message, _ := one.Log[2].(string)
		meta, _ := one.Log[3].(map[string]any)
		level, err := ParseLevel(levelStr)
		if err != nil {
			return
		}
		l.mu.Lock()
		l.entries = append(l.entries, LogEntry{Debug: debug, Level: level, Message: message, Meta: meta, Timestamp: nowMillis()})
		l.mu.Unlock()
	}
}

// Remote attaches as the client side: races dial against timeout; on
// success, flushes the entire local store as one {logAll} message
// (each entry's meta gaining remote:true) and switches subsequent
// local log() calls to send over the socket instead of stdio/ring. On
// failure it logs two debug lines and returns the error, leaving the
// logger in local mode.
func (l *Logger) Remote(ctx context.Context, dial func(context.Context) (Socket, error), timeout time.Duration) error {
	if timeout <= 0 {
		timeout = time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		sock Socket
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		sock, err := dial(dialCtx)
		ch <- result{sock, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-dialCtx.Done():
		res = result{nil, dialCtx.Err()}
	}

	g := l.Group("logger")
	if res.err != nil {
		g.Debug("remote logger connection failed")
		g.Debug(res.err.Error())
		return res.err
	}

	l.mu.Lock()
	entries := make([]LogEntry, len(l.entries))
	copy(entries, l.entries)
	for i := range entries {
		entries[i].Meta = cloneMeta(entries[i].Meta)
		entries[i].Meta["remote"] = true
	}
	l.remoteSocket = res.sock
	l.isRemoteClient = true
	l.mu.Unlock()

	payload := logAllMessage{LogAll: entries}
	if data, err := json.Marshal(payload); err == nil {
		_ = res.sock.Send(data)
	}

	go l.clientReadLoop(res.sock)
	return nil
}

func (l *Logger) clientReadLoop(sock Socket) {
	for {
		data, ok := sock.Recv()
		if !ok {
			return
		}
		var env envMessage
		if err := json.Unmarshal(data, &env); err == nil && env.Env != nil {
			// Environment updates from the server are observational
			// only in this port; nothing downstream reads them back.
			continue
		}
	}
}

// Group is a namespace-scoped handle returned by Logger.Group.
type Group struct {
	logger *Logger
	debug  string
}

func (g *Group) Debug(msg string, fields ...Field) { g.logger.log(g.debug, LevelDebug, msg, fields) }
func (g *Group) Info(msg string, fields ...Field)  { g.logger.log(g.debug, LevelInfo, msg, fields) }
func (g *Group) Warn(msg string, fields ...Field)  { g.logger.log(g.debug, LevelWarn, msg, fields) }
func (g *Group) Error(msg string, fields ...Field) { g.logger.log(g.debug, LevelError, msg, fields) }

func (g *Group) Deprecated(msg string) { g.logger.deprecated(g.debug, msg) }

func (g *Group) ShouldLog(level Level) bool { return g.logger.ShouldLog(g.debug, level) }

func (g *Group) Progress(msg string, persist bool) { g.logger.progress(g.debug, msg, persist) }
