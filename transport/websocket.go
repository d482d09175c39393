package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"bft2f/cluster"
)

const wsPath = "/bft2f"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
}

// WS is a WebSocket transport adapter: each replica listens on its
// configured address and dials peers lazily. Connections that fail are
// dropped and re-dialed on the next send, which keeps the best-effort
// contract: no retries, no ordering promises.
type WS struct {
	self   uint64
	cfg    *cluster.Config
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[uint64]*websocket.Conn
	server *http.Server
	inC    chan Inbound
	doneC  chan struct{}
}

// NewWS creates a WebSocket transport for the replica self.
func NewWS(self uint64, cfg *cluster.Config, logger *zap.Logger) *WS {
	return &WS{
		self:   self,
		cfg:    cfg,
		logger: logger,
		conns:  make(map[uint64]*websocket.Conn),
		inC:    make(chan Inbound, 4096),
		doneC:  make(chan struct{}),
	}
}

// Start implements Transport: it begins listening on this replica's
// configured address.
func (w *WS) Start() error {
	addr := w.cfg.AddressOf(w.self)
	if addr == "" {
		return errors.Errorf("no address configured for replica %d", w.self)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, w.handleInbound)
	w.server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.Warn("transport listener stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop implements Transport.
func (w *WS) Stop() error {
	close(w.doneC)
	w.mu.Lock()
	for id, conn := range w.conns {
		conn.Close()
		delete(w.conns, id)
	}
	w.mu.Unlock()
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

func (w *WS) handleInbound(rw http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(rw, req, nil)
	if err != nil {
		w.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	go func() {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case w.inC <- Inbound{Data: data}:
			case <-w.doneC:
				return
			default:
				// Full queue: best-effort transport drops.
			}
		}
	}()
}

func (w *WS) conn(dest uint64) (*websocket.Conn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if conn, ok := w.conns[dest]; ok {
		return conn, nil
	}
	addr := w.cfg.AddressOf(dest)
	if addr == "" {
		return nil, errors.Errorf("no address for node %d", dest)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial("ws://"+addr+wsPath, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial node %d", dest)
	}
	w.conns[dest] = conn
	return conn, nil
}

// Send implements Transport.
func (w *WS) Send(dest uint64, data []byte) {
	conn, err := w.conn(dest)
	if err != nil {
		w.logger.Debug("send skipped", zap.Uint64("dest", dest), zap.Error(err))
		return
	}
	w.mu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, data)
	if err != nil {
		conn.Close()
		delete(w.conns, dest)
	}
	w.mu.Unlock()
}

// Broadcast implements Transport.
func (w *WS) Broadcast(data []byte) {
	for _, id := range w.cfg.ReplicaIDs() {
		if id == w.self {
			continue
		}
		w.Send(id, data)
	}
}

// Receive implements Transport.
func (w *WS) Receive() <-chan Inbound {
	return w.inC
}
