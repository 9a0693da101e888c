package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orchix-ai/orchix/internal/cache"
	"github.com/orchix-ai/orchix/internal/codec"
	"github.com/orchix-ai/orchix/internal/codec/a2a"
	"github.com/orchix-ai/orchix/internal/codec/httpx"
	"github.com/orchix-ai/orchix/internal/codec/mcp"
	"github.com/orchix-ai/orchix/internal/codec/openapi"
	"github.com/orchix-ai/orchix/internal/codec/wsx"
	"github.com/orchix-ai/orchix/internal/config"
	"github.com/orchix-ai/orchix/internal/engine"
	"github.com/orchix-ai/orchix/internal/guardrail"
	"github.com/orchix-ai/orchix/internal/mediator"
	"github.com/orchix-ai/orchix/internal/registry"
	"github.com/orchix-ai/orchix/internal/router"
	"github.com/orchix-ai/orchix/internal/stream"
)

func newTestServer(t *testing.T, backendBody string, streamed bool) *httptest.Server {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if streamed {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"content\":\"chunk one \"}\n\n")
			fmt.Fprint(w, "data: {\"content\":\"chunk two\"}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, backendBody)
	}))
	t.Cleanup(upstream.Close)

	codecs := codec.NewRegistry()
	codecs.Register(httpx.New())
	codecs.Register(mcp.New("2024-11-05", 0))
	codecs.Register(a2a.New("0.2"))
	codecs.Register(openapi.New())
	codecs.Register(wsx.New(1 << 20))

	pipe, err := guardrail.Build(config.GuardrailConfig{
		Chain: []string{"pii"},
		PII:   config.PIIConfig{Enabled: true},
	}, nil, nil, nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	backends := []config.BackendConfig{{Name: "upstream", URL: upstream.URL, Protocol: "http"}}
	snap, err := router.Compile(config.RoutingConfig{DefaultBackend: "upstream", OnNoMatch: "default"}, backends)
	if err != nil {
		t.Fatal(err)
	}
	built, err := engine.BuildBackends(backends, codecs)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := registry.New(config.RegistryConfig{}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	eng := engine.New(engine.Options{
		Codecs:   codecs,
		Pipeline: pipe,
		Router:   router.New(snap, nil),
		Mediator: mediator.New(reg),
		Analyzer: stream.NewAnalyzer(config.StreamConfig{
			IdleTimeout:      10 * time.Second,
			ReorderBound:     16,
			MaxToolCallBytes: 64 << 10,
		}, pipe, slog.Default()),
		Backends: built,
		Cache:    cache.New(config.CacheConfig{MaxEntries: 16, TTL: time.Minute}),
	})

	srv := httptest.NewServer(New(config.ServerConfig{Port: 0}, eng, codecs, slog.Default()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, `{"content":"ok"}`, false)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"ok"`) {
		t.Errorf("body = %s", body)
	}
}

func TestChatIngressRoundTrip(t *testing.T) {
	srv := newTestServer(t, `{"content":"the answer"}`, false)

	resp, err := http.Post(srv.URL+"/v1/chat", "application/json",
		strings.NewReader(`{"model":"gpt-4o","content":"question"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("no correlation ID echoed")
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "the answer") {
		t.Errorf("body = %s", body)
	}
}

func TestCorrelationIDPreserved(t *testing.T) {
	srv := newTestServer(t, `{"content":"ok"}`, false)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("X-Correlation-ID", "client-chosen-id")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-ID"); got != "client-chosen-id" {
		t.Errorf("correlation id = %q", got)
	}
}

func TestStreamedIngressSendsSSE(t *testing.T) {
	srv := newTestServer(t, "", true)

	resp, err := http.Post(srv.URL+"/v1/chat", "application/json",
		strings.NewReader(`{"content":"hi","stream":true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	if !strings.Contains(text, "chunk one") || !strings.Contains(text, "chunk two") {
		t.Errorf("stream body = %s", text)
	}
	if !strings.Contains(text, "data: [DONE]") {
		t.Errorf("no terminal marker in %s", text)
	}
}

func TestMalformedBodyIs400(t *testing.T) {
	srv := newTestServer(t, `{"content":"ok"}`, false)

	resp, err := http.Post(srv.URL+"/v1/chat", "application/json", strings.NewReader(`{broken`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebSocketIngress(t *testing.T) {
	srv := newTestServer(t, `{"content":"ws answer"}`, false)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	frame := `{"kind":"request","payload":{"content":"question"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(reply), "ws answer") {
		t.Errorf("reply = %s", reply)
	}
}
