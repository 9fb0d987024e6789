// Package server is the WebSocket ingress: one connection per examinee,
// JSON envelopes in both directions, decoded frames routed to the session
// manager. The connection ID doubles as the session ID.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/proctorly/engine/internal/config"
	"github.com/proctorly/engine/internal/health"
	"github.com/proctorly/engine/internal/logging"
	"github.com/proctorly/engine/internal/manager"
)

var log = logging.L("server")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Frames arrive as base64 data URLs, so the read limit is sized for a
	// full-resolution screen capture, not a control message.
	maxMessageSize = 16 * 1024 * 1024

	sendQueueSize = 256

	// Client capture timestamps further than this from server time are
	// treated as bogus (wrong unit, broken clock) and replaced by the
	// arrival time.
	maxTimestampSkew = 5 * time.Minute
)

// Server accepts proctoring connections and routes their frames.
type Server struct {
	cfg      *config.Config
	mgr      *manager.Manager
	monitor  *health.Monitor
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	httpSrv  *http.Server
}

// New wires the ingress against the session manager.
func New(cfg *config.Config, mgr *manager.Manager, monitor *health.Monitor) *Server {
	s := &Server{
		cfg:     cfg,
		mgr:     mgr,
		monitor: monitor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Exam clients connect from arbitrary LMS origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Serve listens on the configured address until ctx is cancelled. The
// listener is capped at MaxConnections so overload refuses new exams
// instead of degrading running ones.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	ln = netutil.LimitListener(ln, s.cfg.MaxConnections)

	s.httpSrv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", "addr", ln.Addr().String(), "maxConnections", s.cfg.MaxConnections)
	s.monitor.Update("server", health.Healthy, "")

	if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		s.monitor.Update("server", health.Unhealthy, err.Error())
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade failed", "remote", r.RemoteAddr, logging.KeyError, err)
		return
	}

	c := newConn(ws, s.mgr)
	log.Info("connection opened", logging.KeySessionID, c.id, "remote", r.RemoteAddr)

	c.push(connectionResponse{Type: "connection_response", Status: "connected", SessionID: c.id})

	go c.writePump()
	c.readLoop()
	c.shutdown()

	log.Info("connection closed", logging.KeySessionID, c.id)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	summary := s.monitor.Summary()
	summary["activeSessions"] = s.mgr.ActiveSessions()

	w.Header().Set("Content-Type", "application/json")
	if s.monitor.Overall() == health.Unhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(summary)
}
