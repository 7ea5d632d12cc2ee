package gateway

import (
	"errors"
	"net"
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"
	"github.com/lxzan/gws"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clusterui/realtime/internal/codec"
	"github.com/clusterui/realtime/pkg/constants"
	"github.com/clusterui/realtime/pkg/logger"
)

// Server exposes the socket endpoint together with health and metrics
// endpoints. It implements http.Handler.
type Server struct {
	router   *Router
	upgrader *gws.Upgrader
	mux      *mux.Router
	logger   logger.Logger

	mu          sync.RWMutex
	connections map[*gws.Conn]*Connection
}

// handler implements gws.Event for the server's sockets.
type handler struct {
	server *Server
}

func NewServer(router *Router, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		router:      router,
		mux:         mux.NewRouter(),
		logger:      log,
		connections: make(map[*gws.Conn]*Connection),
	}

	s.upgrader = gws.NewUpgrader(&handler{server: s}, &gws.ServerOption{
		SubProtocols: []string{constants.CBORSubprotocol},
	})

	s.mux.HandleFunc(constants.SocketPath, s.serveSocket)
	s.mux.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	socket, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Warn("socket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	go socket.ReadLoop()
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.Connections(),
	})
}

// Connections returns the number of open sockets.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Close closes every open socket. Their connections are torn down as the
// read loops exit.
func (s *Server) Close() {
	s.mu.RLock()
	sockets := make([]*gws.Conn, 0, len(s.connections))
	for socket := range s.connections {
		sockets = append(sockets, socket)
	}
	s.mu.RUnlock()

	for _, socket := range sockets {
		socket.WriteClose(constants.CloseMessageCode, nil)
	}
}

func (h *handler) OnOpen(socket *gws.Conn) {
	id := uuid.Must(uuid.NewV4()).String()
	c := codec.ForSubprotocol(socket.SubProtocol())
	conn := NewConnection(id, h.server.router, socket, c, h.server.logger)

	h.server.mu.Lock()
	h.server.connections[socket] = conn
	h.server.mu.Unlock()

	openConnections.Inc()
	h.server.logger.Info("socket opened", "connection", id, "remote", socket.RemoteAddr().String(), "subprotocol", socket.SubProtocol())
}

func (h *handler) OnClose(socket *gws.Conn, err error) {
	h.server.mu.Lock()
	conn, ok := h.server.connections[socket]
	delete(h.server.connections, socket)
	h.server.mu.Unlock()
	if !ok {
		return
	}

	openConnections.Dec()
	conn.Close()

	if err != nil && !isExpectedClose(err) {
		h.server.logger.Warn("socket closed", "connection", conn.ID, "error", err)
		return
	}
	h.server.logger.Info("socket closed", "connection", conn.ID)
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		h.server.logger.Debug("failed to write pong", "error", err)
	}
}

func (h *handler) OnPong(*gws.Conn, []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	h.server.mu.RLock()
	conn, ok := h.server.connections[socket]
	h.server.mu.RUnlock()
	if !ok {
		return
	}
	conn.HandleFrame(message.Bytes())
}

func isExpectedClose(err error) bool {
	var closeErr *gws.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == constants.CloseMessageCode || closeErr.Code == 1001
	}
	return errors.Is(err, net.ErrClosed)
}
