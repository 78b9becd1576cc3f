// Package api exposes the read-only admin surface: account, trades,
// percentile table, scheduler status, and a WebSocket update feed.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Hasnain410/forex-live-trader/internal/store"
	"github.com/Hasnain410/forex-live-trader/internal/trading"
)

var upgrader = websocket.Upgrader{
	// Read-only local dashboard; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves the admin endpoints and pushes updates to WS clients.
type Server struct {
	st   *store.Store
	orch *trading.Orchestrator
	http *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// New builds the server on host:port.
func New(host string, port int, st *store.Store, orch *trading.Orchestrator) *Server {
	s := &Server{
		st:      st,
		orch:    orch,
		clients: make(map[*websocket.Conn]bool),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/account", s.handleAccount).Methods(http.MethodGet)
	r.HandleFunc("/api/trades", s.handleTrades).Methods(http.MethodGet)
	r.HandleFunc("/api/percentiles", s.handlePercentiles).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.http.Addr).Msg("Admin server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener and closes WS clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.mu.Unlock()
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	snap, err := s.st.AccountSnapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	trades, err := s.st.RecentTrades(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handlePercentiles(w http.ResponseWriter, r *http.Request) {
	stats, err := s.st.AllStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Dashboard client connected")

	// Reader goroutine exists only to notice the close.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.sendSnapshot(conn)
}

type wsMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func (s *Server) sendSnapshot(conn *websocket.Conn) {
	snap, err := s.st.AccountSnapshot()
	if err != nil {
		return
	}
	conn.WriteJSON(wsMessage{Type: "account", Payload: snap})
	conn.WriteJSON(wsMessage{Type: "status", Payload: s.orch.Status()})
}

// Broadcast pushes the latest account and status to every WS client.
// Wired as the orchestrator's update hook.
func (s *Server) Broadcast() {
	snap, err := s.st.AccountSnapshot()
	if err != nil {
		return
	}
	trades, _ := s.st.RecentTrades(10)

	msgs := []wsMessage{
		{Type: "account", Payload: snap},
		{Type: "status", Payload: s.orch.Status()},
		{Type: "trades", Payload: trades},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		for _, m := range msgs {
			if err := conn.WriteJSON(m); err != nil {
				conn.Close()
				delete(s.clients, conn)
				break
			}
		}
	}
}
