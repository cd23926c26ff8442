package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cloakchat/cloakchat/internal/config"
	"github.com/cloakchat/cloakchat/internal/history"
	"github.com/cloakchat/cloakchat/internal/presence"
)

// RelayServer wires dependencies and hosts the websocket listener plus
// the admin HTTP surface.
type RelayServer struct {
	cfg      config.Config
	log      *zap.Logger
	history  history.Store
	presence *presence.Registry
	relay    *RelayService
	metrics  *relayMetrics

	httpServer *http.Server
	adminHTTP  *http.Server
	ready      atomic.Bool
}

// NewRelayServer constructs a server with its dependencies.
func NewRelayServer(cfg config.Config, logger *zap.Logger, store history.Store) *RelayServer {
	return &RelayServer{
		cfg:      cfg,
		log:      logger,
		history:  store,
		presence: presence.NewRegistry(),
	}
}

// Start boots the listeners and blocks until shutdown.
func (s *RelayServer) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = newRelayMetrics(reg)

	var auth Authenticator
	if secret := s.cfg.AuthSecret(); len(secret) > 0 {
		auth = NewTokenAuthenticator(secret)
	} else {
		s.log.Warn("auth secret unset; accepting any identity claim")
	}

	s.relay = NewRelayService(s.log, s.presence, s.history, RelayOptions{
		Metrics:    s.metrics,
		Auth:       auth,
		SendBuffer: s.cfg.Relay.SendBuffer,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", NewWSHandler(s.log, s.relay, s.cfg.Relay.MaxFrameBytes, s.cfg.Relay.WriteTimeout))

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}
	s.startAdminServer(reg)

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening",
		zap.String("address", s.cfg.ListenAddress),
		zap.Bool("tls", s.cfg.TLSEnabled()))
	s.ready.Store(true)

	var err error
	if s.cfg.TLSEnabled() {
		err = s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

// NewWSHandler adapts the relay to a websocket endpoint.
func NewWSHandler(log *zap.Logger, relay *RelayService, maxFrameBytes int64, writeTimeout time.Duration) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		if maxFrameBytes > 0 {
			ws.SetReadLimit(maxFrameBytes)
		}

		stream := &wsStream{ws: ws, writeTimeout: writeTimeout}
		if err := relay.Open(r.Context(), stream); err != nil {
			log.Debug("connection closed", zap.Error(err))
		}
		_ = ws.Close()
	}
}

func (s *RelayServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.Admin.Address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})
	mux.HandleFunc("/admin/stats", s.handleAdminStats)
	mux.HandleFunc("/admin/messages", s.handleAdminRecent)
	mux.HandleFunc("/admin/messages/", s.handleAdminPair)

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

func (s *RelayServer) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.relay.Stats(r.Context())
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

// handleAdminRecent serves the newest stored envelopes. Payloads stay
// encrypted; the operator sees routing metadata and ciphertext only.
func (s *RelayServer) handleAdminRecent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"))
	envs, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, envelopesJSON(envs))
}

func (s *RelayServer) handleAdminPair(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/messages/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "expected /admin/messages/{a}/{b}", http.StatusBadRequest)
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"))
	envs, err := s.history.Between(r.Context(), parts[0], parts[1], limit)
	if err != nil {
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, envelopesJSON(envs))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown timed out; forcing stop")
		_ = s.httpServer.Close()
		return
	}
	s.log.Info("relay stopped")
}

// wsStream adapts a websocket connection to the relay's Stream.
// The relay's sender goroutine is the only writer after connect.
type wsStream struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsStream) Recv() ([]byte, error) {
	_, raw, err := w.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return raw, nil
}

func (w *wsStream) Send(raw []byte) error {
	if w.writeTimeout > 0 {
		_ = w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.ws.WriteMessage(websocket.TextMessage, raw)
}

func (w *wsStream) Close() error {
	return w.ws.Close()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
	}
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0
	}
	return n
}

type envelopeJSON struct {
	MessageID  string    `json:"message_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Ciphertext []byte    `json:"ciphertext"`
	Nonce      []byte    `json:"nonce"`
	Tag        []byte    `json:"tag,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func envelopesJSON(envs []history.Envelope) []envelopeJSON {
	out := make([]envelopeJSON, 0, len(envs))
	for _, env := range envs {
		out = append(out, envelopeJSON{
			MessageID:  env.MessageID,
			From:       env.From,
			To:         env.To,
			Ciphertext: env.Ciphertext,
			Nonce:      env.Nonce,
			Tag:        env.Tag,
			CreatedAt:  env.CreatedAt,
		})
	}
	return out
}
