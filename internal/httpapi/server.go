package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/telecare/internal/calls"
	"github.com/antoniostano/telecare/internal/config"
	"github.com/antoniostano/telecare/internal/gateway"
	"github.com/antoniostano/telecare/internal/hub"
	"github.com/antoniostano/telecare/internal/observability"
	"github.com/antoniostano/telecare/internal/presence"
	"github.com/antoniostano/telecare/internal/protocol"
	"github.com/antoniostano/telecare/internal/rooms"
)

// Deps are the long-lived components the HTTP layer serves.
type Deps struct {
	Presence    *presence.Registry
	Rooms       *rooms.Tracker
	Coordinator *calls.Coordinator
	Hub         *hub.Hub
	Dispatcher  *gateway.Dispatcher
	StoreMode   string
}

type Server struct {
	cfg      config.Config
	deps     Deps
	metrics  *observability.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps, metrics *observability.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		metrics: metrics,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/signal/ws", s.handleSignalWS)
		r.Get("/perf/latency", s.handlePerfLatency)
		r.Get("/ice-servers", s.handleICEServers)
		r.Get("/presence", s.handlePresence)
		r.Get("/rooms", s.handleRooms)

		r.Get("/calls/active", s.handleActiveCalls)
		r.Get("/calls/history/{userId}", s.handleCallHistory)
		r.Get("/calls/missed/{userId}", s.handleMissedCalls)
		r.Get("/calls/statistics/{userId}", s.handleCallStatistics)
		r.Get("/calls/{id}", s.handleGetCall)
		r.Post("/calls/{id}/missed", s.handleMarkMissed)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"store_mode":  s.storeMode(),
		"connections": s.deps.Hub.Count(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"store_mode":   s.storeMode(),
		"online_users": s.deps.Presence.Count(),
	})
}

func (s *Server) handleSignalWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	connID, outbound := s.deps.Hub.Attach()
	log := s.log.With("conn", connID)
	ctx = observability.WithLogger(ctx, log)

	readTimeout := s.cfg.WSReadTimeout
	if readTimeout <= 0 {
		readTimeout = 120 * time.Second
	}

	// Media flows peer to peer during a call, so the signaling socket can sit
	// idle. Pings keep the pong handler extending the read deadline.
	pings := time.NewTicker(pingInterval(readTimeout))
	defer pings.Stop()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-pings.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					log.Debug("websocket ping failed", "err", err)
					cancel()
					_ = conn.Close()
					return
				}
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					log.Debug("websocket write failed", "err", err)
					cancel()
					_ = conn.Close()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.metrics.ObserveMessage("outbound", string(t))
				}
			}
		}
	}()

	s.deps.Dispatcher.Connected(connID)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.deps.Dispatcher.Invalid(connID, err)
			continue
		}
		s.deps.Dispatcher.Handle(ctx, connID, parsed)
	}

	s.deps.Dispatcher.Disconnect(ctx, connID)
	s.deps.Hub.Detach(connID)
	cancel()
	<-writerDone
}

// pingInterval leaves a tenth of the read timeout for the pong to arrive.
func pingInterval(readTimeout time.Duration) time.Duration {
	interval := readTimeout * 9 / 10
	if interval <= 0 {
		interval = readTimeout
	}
	return interval
}

func (s *Server) handleICEServers(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"iceServers": s.cfg.ICEServers})
}

func (s *Server) handlePresence(w http.ResponseWriter, _ *http.Request) {
	users := s.deps.Presence.List()
	respondJSON(w, http.StatusOK, map[string]any{"count": len(users), "users": users})
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := s.deps.Rooms.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{"count": len(rooms), "rooms": rooms})
}

// requestLogger tags each request with an X-Request-Id and logs it once
// served. Websocket upgrades are logged when the socket closes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		log := s.log.With("request_id", reqID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r.WithContext(observability.WithLogger(r.Context(), log)))

		log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) storeMode() string {
	if mode := strings.TrimSpace(s.deps.StoreMode); mode != "" {
		return mode
	}
	return s.cfg.StoreMode()
}
