package percyhttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/percy-io/percy-core/internal/logx"
)

func TestServer_ListenAddressAndClose(t *testing.T) {
	srv := NewHTTPServer("127.0.0.1:0", nil)
	ctx := context.Background()
	if err := srv.Listen(ctx); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if srv.Address() == "127.0.0.1:0" {
		t.Error("Address() should report the bound ephemeral port, not the wildcard")
	}

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := srv.Close(closeCtx); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestServer_EADDRINUSE(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	defer ln.Close()
	addr := ln.Addr().String()

	srv := NewHTTPServer(addr, nil)
	err = srv.Listen(context.Background())
	if err == nil {
		t.Fatal("Listen() on an already-bound address should error")
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		t.Errorf("Listen() error = %v, want EADDRINUSE", err)
	}
}

func TestWSSocket_RoundTripsThroughLoggerConnect(t *testing.T) {
	l := logx.L()

	srv := NewHTTPServer("127.0.0.1:0", func(sock logx.Socket) (detach func()) {
		return l.Connect(sock)
	})
	ctx := context.Background()
	if err := srv.Listen(ctx); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		srv.Close(closeCtx)
	}()

	url := fmt.Sprintf("ws://%s/percy/logger", srv.Address())
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	sock, err := DialWSSocket(dialCtx, url)
	if err != nil {
		t.Fatalf("DialWSSocket() error = %v", err)
	}
	defer sock.Close()

	if sock.ReadyState() != logx.SocketOpen {
		t.Errorf("ReadyState() = %d, want %d", sock.ReadyState(), logx.SocketOpen)
	}

	data, ok := sock.Recv()
	if !ok {
		t.Fatal("expected an initial env snapshot message from the server")
	}
	if len(data) == 0 {
		t.Error("env snapshot payload was empty")
	}
}
