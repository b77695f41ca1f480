// Package percyhttp ships the one non-fake §6 collaborator: a real
// net/http listener (gin + gorilla/websocket) that cmd/percy wires as
// its Server; this package's own tests exercise its listen/EADDRINUSE
// path and the logger's remote-socket path end-to-end. Routing and CORS
// setup are grounded on the teacher's internal/app/router.go; the
// websocket half is grounded on the Chartly2.0 crypto-stream dialer.
package percyhttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/percy-io/percy-core/internal/logx"
)

// Server is the §6 local HTTP/WebSocket server boundary.
type Server interface {
	Listen(ctx context.Context) error
	Close(ctx context.Context) error
	Address() string
}

// HTTPServer is the reference Server implementation: a gin engine with
// permissive local-dev CORS and a /percy/logger websocket upgrade
// route, mirroring the shape (if not the auth/OpenAPI layers) of the
// teacher's internal/app router.
type HTTPServer struct {
	addr     string
	engine   *gin.Engine
	upgrader websocket.Upgrader
	srv      *http.Server
	listener net.Listener

	onLoggerConnect func(logx.Socket) (detach func())
}

// NewHTTPServer builds a Server listening on addr (e.g. ":5338"). If
// onLoggerConnect is non-nil, GET /percy/logger upgrades to a
// websocket and hands the wrapped connection to it, mirroring the
// remote-logger "connect as server side" path of §4.3.
func NewHTTPServer(addr string, onLoggerConnect func(logx.Socket) (detach func())) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		MaxAge:          12 * time.Hour,
	}))

	s := &HTTPServer{
		addr:            addr,
		engine:          engine,
		upgrader:        websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		onLoggerConnect: onLoggerConnect,
	}

	engine.GET("/percy/healthcheck", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	if onLoggerConnect != nil {
		engine.GET("/percy/logger", s.handleLoggerUpgrade)
	}
	return s
}

func (s *HTTPServer) handleLoggerUpgrade(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sock := &WSSocket{conn: conn, up: 1}
	s.onLoggerConnect(sock)
}

// Listen binds addr and starts serving in the background. EADDRINUSE
// is surfaced as a plain error; §4.4's friendlier remap happens in
// internal/percy.Core.Start, which is the only caller that knows it's
// a "friendlier message" situation.
func (s *HTTPServer) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return err
		}
		return fmt.Errorf("percyhttp: listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{Handler: s.engine}
	go s.srv.Serve(ln) //nolint:errcheck
	return nil
}

// Close shuts the server down gracefully.
func (s *HTTPServer) Close(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Address returns the bound listener's address, or the configured
// addr before Listen is called.
func (s *HTTPServer) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
