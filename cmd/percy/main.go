// Package main is the entry point for the Percy concurrency engine
// standalone process: load config, wire the core's collaborators,
// start it, and run until SIGINT or SIGTERM asks it to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/percy-io/percy-core/internal/browser"
	"github.com/percy-io/percy-core/internal/logx"
	"github.com/percy-io/percy-core/internal/percy"
	"github.com/percy-io/percy-core/internal/percyclient"
	"github.com/percy-io/percy-core/internal/percyconfig"
	"github.com/percy-io/percy-core/internal/percyhttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to percy.yaml (defaults to ./percy.yaml if present)")
	flag.Parse()

	cfg, err := percyconfig.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logx.L()
	core := log.Group("percy:main")
	core.Info("starting percy", logx.F("loglevel", cfg.LogLevel), logx.F("port", cfg.Port))

	client := percyclient.NewFake()
	if cfg.ClientInfo != "" {
		client.AddClientInfo(cfg.ClientInfo)
	}
	if cfg.EnvironmentInfo != "" {
		client.AddEnvironmentInfo(cfg.EnvironmentInfo)
	}

	brws := &browser.Fake{}
	var httpServer *percyhttp.HTTPServer
	var server percy.Server
	if cfg.Server {
		httpServer = percyhttp.NewHTTPServer(fmt.Sprintf(":%d", cfg.Port), func(sock logx.Socket) (detach func()) {
			return log.Connect(sock)
		})
		server = httpServer
	}

	p := percy.New(cfg, client, brws, server, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start percy: %w", err)
	}
	if httpServer != nil {
		core.Info("server listening", logx.F("addr", httpServer.Address()))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	core.Info("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := p.Stop(stopCtx, false); err != nil {
		return fmt.Errorf("stop percy: %w", err)
	}

	core.Info("percy stopped gracefully")
	return nil
}
