package logx

// Socket is the bidirectional message transport the remote logger
// forwards over (§6). ReadyState follows the widely-used convention
// where 1 means "open"; production code implements this over
// github.com/gorilla/websocket (internal/percyhttp.WSSocket), tests
// over an in-memory pipe.
type Socket interface {
	ReadyState() int
	Send(msg []byte) error
	Recv() ([]byte, bool)
	Close() error
}

// SocketOpen is the ReadyState value meaning the transport is usable.
const SocketOpen = 1

type envMessage struct {
	Env map[string]string `json:"env,omitempty"`
}

type logMessage struct {
	Log []any `json:"log,omitempty"`
}

type logAllMessage struct {
	LogAll []LogEntry `json:"logAll,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}
