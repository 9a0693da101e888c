// Package server exposes the proxy's ingress surfaces: HTTP (plain, MCP,
// A2A, OpenAPI bodies) and WebSocket, plus the health endpoint. Transport
// concerns end here; everything else speaks canonical messages.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/orchix-ai/orchix/internal/codec"
	"github.com/orchix-ai/orchix/internal/config"
	"github.com/orchix-ai/orchix/internal/domain"
	"github.com/orchix-ai/orchix/internal/engine"
)

const maxBodyBytes = 8 << 20

type Server struct {
	cfg      config.ServerConfig
	engine   *engine.Engine
	codecs   *codec.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.ServerConfig, eng *engine.Engine, codecs *codec.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		engine: eng,
		codecs: codecs,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the ingress routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(CorrelationIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	if s.cfg.RequestTimeout > 0 {
		r.Use(TimeoutMiddleware(s.cfg.RequestTimeout))
	}

	r.Get("/health", s.handleHealth)
	r.Post("/v1/chat", s.ingress(domain.ProtocolHTTP))
	r.Post("/mcp", s.ingress(domain.ProtocolMCP))
	r.Post("/a2a", s.ingress(domain.ProtocolA2A))
	r.Post("/openapi/call", s.ingress(domain.ProtocolOpenAPI))
	r.Get("/ws", s.handleWebSocket)

	return otelhttp.NewHandler(r, "orchix")
}

// Run serves until the context is cancelled, then drains.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// ingress returns the handler for one protocol's HTTP surface. The body is
// the wire frame; the engine owns decoding.
func (s *Server) ingress(origin domain.Protocol) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, `{"error":"read_failed"}`, http.StatusBadRequest)
			return
		}

		headers := domain.Headers{}
		for name, values := range r.Header {
			if len(values) > 0 {
				headers.Set(name, values[0])
			}
		}

		eg := &httpEgress{w: w}
		eg.flusher, _ = w.(http.Flusher)
		eg.codec, err = s.codecs.Get(origin)
		if err != nil {
			http.Error(w, `{"error":"unsupported_protocol"}`, http.StatusNotFound)
			return
		}

		err = s.engine.Handle(r.Context(), origin, CorrelationID(r.Context()), r.URL.Path, headers, body, eg)
		if err != nil && !eg.wrote {
			http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		}
	}
}

// httpEgress writes engine output to the HTTP response: a single JSON body,
// or an SSE stream once the first chunk arrives.
type httpEgress struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	codec     codec.Codec
	streaming bool
	wrote     bool
}

func (e *httpEgress) Send(_ context.Context, msg *domain.CanonicalMessage) error {
	if msg.Kind == domain.KindStreamChunk || e.streaming {
		return e.sendChunk(msg)
	}

	data, err := e.codec.EncodeResponse(msg)
	if err != nil {
		return err
	}
	e.w.Header().Set("Content-Type", "application/json")
	if msg.Kind == domain.KindError {
		e.w.WriteHeader(statusFor(msg))
	}
	e.wrote = true
	_, err = e.w.Write(data)
	return err
}

func (e *httpEgress) sendChunk(msg *domain.CanonicalMessage) error {
	if !e.streaming {
		e.w.Header().Set("Content-Type", "text/event-stream")
		e.w.Header().Set("Cache-Control", "no-cache")
		e.w.WriteHeader(http.StatusOK)
		e.streaming = true
		e.wrote = true
	}
	data, err := e.codec.EncodeStreamChunk(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// statusFor maps an engine error message to an HTTP status. Policy
// rejections are 403; malformed input is the caller's fault; everything else
// is an upstream or proxy fault.
func statusFor(msg *domain.CanonicalMessage) int {
	name, _ := msg.Payload.GetString("error")
	switch name {
	case "blocked":
		return http.StatusForbidden
	case "decode_error":
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// handleWebSocket serves the WebSocket ingress. Each inbound frame is one
// exchange; responses and stream chunks go back as canonical envelopes on
// the same connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	c, err := s.codecs.Get(domain.ProtocolWebSocket)
	if err != nil {
		s.logger.Error("websocket codec missing", slog.String("error", err.Error()))
		return
	}

	headers := domain.Headers{}
	for name, values := range r.Header {
		if len(values) > 0 {
			headers.Set(name, values[0])
		}
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		correlationID := uuid.New().String()
		eg := &wsEgress{conn: conn, codec: c}
		if err := s.engine.Handle(r.Context(), domain.ProtocolWebSocket, correlationID, r.URL.Path, headers, frame, eg); err != nil {
			s.logger.Warn("websocket exchange failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()))
		}
	}
}

type wsEgress struct {
	conn  *websocket.Conn
	codec codec.Codec
}

func (e *wsEgress) Send(_ context.Context, msg *domain.CanonicalMessage) error {
	var (
		data []byte
		err  error
	)
	if msg.Kind == domain.KindStreamChunk {
		data, err = e.codec.EncodeStreamChunk(msg)
	} else {
		data, err = e.codec.EncodeResponse(msg)
	}
	if err != nil {
		return err
	}
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

var _ engine.Egress = (*httpEgress)(nil)
var _ engine.Egress = (*wsEgress)(nil)
