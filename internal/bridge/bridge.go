// Package bridge exposes the relay to message-oriented clients over
// WebSocket. Bridge users register in the same directory as TCP users, so
// both worlds share one roster and exchange messages freely.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"

	"github.com/Midori31/SimpleChatApp/internal/dispatch"
	"github.com/Midori31/SimpleChatApp/pkg/directory"
)

type Server struct {
	logger     *slog.Logger
	dir        *directory.Directory
	dispatcher *dispatch.Dispatcher
	http       *http.Server
	ln         net.Listener
	wg         *sync.WaitGroup

	ctx context.Context
}

// New builds the bridge server. Sessions live on ctx, which the relay app
// keeps alive until its shutdown sequence has broadcast the farewell notice.
func New(logger *slog.Logger, ctx context.Context, addr string, dir *directory.Directory, dispatcher *dispatch.Dispatcher, wg *sync.WaitGroup) *Server {
	s := &Server{
		logger:     logger.With(slog.String("component", "bridge")),
		dir:        dir,
		dispatcher: dispatcher,
		wg:         wg,
		ctx:        ctx,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ws", s.handleWS)

	s.http = &http.Server{Addr: addr, Handler: r, BaseContext: func(l net.Listener) context.Context {
		return ctx
	}}
	return s
}

// Start binds the bridge listener. A bind failure is fatal, same as the TCP
// listener.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		s.logger.Info("Bridge listening", slog.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Bridge HTTP server failed", slog.Any("error", err))
		}
	}()
	return nil
}

// Addr reports the bound bridge address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

type healthResponse struct {
	Status    string    `json:"status"`
	Online    int       `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "UP",
		Online:    s.dir.Len(),
		Timestamp: time.Now(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	sess := newSession(s, wsConn, r.RemoteAddr)
	sess.run(r.Context())
}
