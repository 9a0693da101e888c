package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/orchix-ai/orchix/internal/codec"
	"github.com/orchix-ai/orchix/internal/config"
	"github.com/orchix-ai/orchix/internal/domain"
)

// Backend dispatches an encoded request to one upstream and delivers the
// decoded canonical messages it answers with. Streamed backends deliver
// multiple chunks ending with a terminal one.
type Backend interface {
	Name() string
	Protocol() domain.Protocol
	Dispatch(ctx context.Context, msg *domain.CanonicalMessage, deliver func(*domain.CanonicalMessage) error) error
}

// BuildBackends constructs the configured backend set. HTTP-family backends
// share one instrumented client; WebSocket backends dial per exchange.
func BuildBackends(cfgs []config.BackendConfig, codecs *codec.Registry) (map[string]Backend, error) {
	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	backends := make(map[string]Backend, len(cfgs))
	for _, bc := range cfgs {
		proto, err := domain.ParseProtocol(bc.Protocol)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", bc.Name, err)
		}
		c, err := codecs.Get(proto)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", bc.Name, err)
		}
		timeout := bc.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		switch proto {
		case domain.ProtocolWebSocket:
			backends[bc.Name] = &WSBackend{name: bc.Name, url: bc.URL, codec: c, timeout: timeout}
		default:
			backends[bc.Name] = &HTTPBackend{name: bc.Name, url: bc.URL, protocol: proto, codec: c, client: client, timeout: timeout}
		}
	}
	return backends, nil
}

// HTTPBackend posts the encoded request and decodes either a single JSON
// response or an SSE stream.
type HTTPBackend struct {
	name     string
	url      string
	protocol domain.Protocol
	codec    codec.Codec
	client   *http.Client
	timeout  time.Duration
}

func (b *HTTPBackend) Name() string { return b.name }

func (b *HTTPBackend) Protocol() domain.Protocol { return b.protocol }

func (b *HTTPBackend) Dispatch(ctx context.Context, msg *domain.CanonicalMessage, deliver func(*domain.CanonicalMessage) error) error {
	body, err := b.codec.EncodeRequest(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return &domain.DispatchError{Kind: domain.DispatchConnectionFailed, Backend: b.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		return b.classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &domain.DispatchError{
			Kind:    domain.DispatchConnectionFailed,
			Backend: b.name,
			Err:     fmt.Errorf("upstream status %d", resp.StatusCode),
		}
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return b.readStream(resp.Body, msg.CorrelationID, deliver)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return b.classify(err)
	}
	out, err := b.codec.DecodeResponse(data)
	if err != nil {
		return err
	}
	out.CorrelationID = msg.CorrelationID
	return deliver(out)
}

// readStream consumes SSE data lines, assigning each chunk its arrival
// sequence.
func (b *HTTPBackend) readStream(r io.Reader, correlationID string, deliver func(*domain.CanonicalMessage) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var seq uint64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		chunk, err := b.codec.DecodeStreamChunk([]byte(data))
		if err != nil {
			return err
		}
		chunk.CorrelationID = correlationID
		chunk.Sequence = seq
		seq++
		if err := deliver(chunk); err != nil {
			return err
		}
		if chunk.Terminal {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return b.classify(err)
	}
	// Stream ended without a terminal marker; synthesize one so the session
	// can flush.
	end := &domain.CanonicalMessage{
		Kind:           domain.KindStreamChunk,
		Headers:        domain.Headers{},
		OriginProtocol: b.protocol,
		CorrelationID:  correlationID,
		Sequence:       seq,
		Terminal:       true,
	}
	return deliver(end)
}

func (b *HTTPBackend) classify(err error) error {
	kind := domain.DispatchConnectionFailed
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		kind = domain.DispatchBackendTimeout
	}
	return &domain.DispatchError{Kind: kind, Backend: b.name, Err: err}
}

// WSBackend dials the upstream per exchange, writes the encoded request, and
// reads frames until a terminal one.
type WSBackend struct {
	name    string
	url     string
	codec   codec.Codec
	timeout time.Duration
}

func (b *WSBackend) Name() string { return b.name }

func (b *WSBackend) Protocol() domain.Protocol { return domain.ProtocolWebSocket }

func (b *WSBackend) Dispatch(ctx context.Context, msg *domain.CanonicalMessage, deliver func(*domain.CanonicalMessage) error) error {
	body, err := b.codec.EncodeRequest(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return &domain.DispatchError{Kind: domain.DispatchConnectionFailed, Backend: b.name, Err: err}
	}
	defer conn.Close()

	// Cancellation tears the connection down, unblocking the read loop.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return &domain.DispatchError{Kind: domain.DispatchConnectionFailed, Backend: b.name, Err: err}
	}

	var seq uint64
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return &domain.DispatchError{Kind: domain.DispatchBackendTimeout, Backend: b.name, Err: ctx.Err()}
			}
			return &domain.DispatchError{Kind: domain.DispatchConnectionFailed, Backend: b.name, Err: err}
		}
		chunk, err := b.codec.DecodeStreamChunk(frame)
		if err != nil {
			return err
		}
		chunk.CorrelationID = msg.CorrelationID
		chunk.Sequence = seq
		seq++
		if err := deliver(chunk); err != nil {
			return err
		}
		if chunk.Terminal {
			return nil
		}
	}
}

var _ Backend = (*HTTPBackend)(nil)
var _ Backend = (*WSBackend)(nil)
