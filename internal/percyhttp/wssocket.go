package percyhttp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/percy-io/percy-core/internal/logx"
)

// WSSocket adapts a github.com/gorilla/websocket connection to the
// logx.Socket interface. The readiness/reconnect idiom (an atomic
// "up" flag flipped around the connection's lifetime) is grounded on
// the Chartly2.0 crypto-stream service's runWS dialer loop, adapted
// from a one-way market-data feed to logx's two-way protocol.
type WSSocket struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	up      uint32
}

var _ logx.Socket = (*WSSocket)(nil)

// DialWSSocket connects to url as the client side of the remote-logger
// protocol (the peer of percyhttp.HTTPServer's /percy/logger route).
func DialWSSocket(ctx context.Context, url string) (*WSSocket, error) {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	s := &WSSocket{conn: conn}
	atomic.StoreUint32(&s.up, 1)
	return s, nil
}

// ReadyState reports logx.SocketOpen while the underlying connection
// is up, 0 otherwise.
func (s *WSSocket) ReadyState() int {
	if atomic.LoadUint32(&s.up) == 1 {
		return logx.SocketOpen
	}
	return 0
}

func (s *WSSocket) Send(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		atomic.StoreUint32(&s.up, 0)
		return err
	}
	return nil
}

func (s *WSSocket) Recv() ([]byte, bool) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		atomic.StoreUint32(&s.up, 0)
		return nil, false
	}
	return data, true
}

func (s *WSSocket) Close() error {
	atomic.StoreUint32(&s.up, 0)
	return s.conn.Close()
}
