package percy

import (
	"context"
	"fmt"
	"net"
	"net/http"
)

// staticServer is the optional local file server behind
// SnapshotInput.Serve (§4.4 step 1: "optionally spins up a static
// server if options.serve is present; baseUrl is derived from its
// address"). net/http.FileServer is stdlib; nothing in the example
// pack ships a static-asset server worth grounding this on instead,
// and Core deliberately doesn't depend on internal/percyhttp's gin
// engine just to serve a directory.
type staticServer struct {
	srv *http.Server
	ln  net.Listener
}

func (c *Core) startStaticServer(dir string) (baseURL string, err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("percy: serve %s: %w", dir, err)
	}
	srv := &http.Server{Handler: http.FileServer(http.Dir(dir))}
	go srv.Serve(ln) //nolint:errcheck

	c.mu.Lock()
	c.staticServers = append(c.staticServers, &staticServer{srv: srv, ln: ln})
	c.mu.Unlock()

	return fmt.Sprintf("http://%s", ln.Addr().String()), nil
}

// closeStaticServers shuts down every static server started by a
// Serve option over this Core's lifetime.
func (c *Core) closeStaticServers(ctx context.Context) {
	c.mu.Lock()
	servers := c.staticServers
	c.staticServers = nil
	c.mu.Unlock()

	for _, s := range servers {
		s.srv.Shutdown(ctx) //nolint:errcheck
	}
}
