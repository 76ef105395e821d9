package mcp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/carla-mcp/mcp"
	"github.com/tmaxmax/go-sse"
)

type sseHarness struct {
	t       *testing.T
	httpSrv *httptest.Server
	events  chan sse.Event
	cancel  context.CancelFunc

	endpoint string
}

func startSSEServer(t *testing.T, options ...mcp.ServerOption) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	httpSrv := httptest.NewServer(mux)

	transport := mcp.NewSSEServer(httpSrv.URL + "/message")
	mux.Handle("/sse", transport.HandleSSE())
	mux.Handle("/message", transport.HandleMessage())

	options = append([]mcp.ServerOption{mcp.WithServerPingInterval(time.Hour)}, options...)
	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, transport, options...)
	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		<-served
		httpSrv.Close()
	})

	return httpSrv
}

func connectSSE(t *testing.T, httpSrv *httptest.Server) *sseHarness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/sse", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := httpSrv.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	h := &sseHarness{t: t, httpSrv: httpSrv, events: make(chan sse.Event, 20), cancel: cancel}
	go func() {
		defer resp.Body.Close()
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			h.events <- ev
		}
	}()
	t.Cleanup(cancel)

	ev := h.nextEvent()
	if ev.Type != "endpoint" {
		t.Fatalf("first event type = %q, want endpoint", ev.Type)
	}
	h.endpoint = ev.Data

	return h
}

func (h *sseHarness) nextEvent() sse.Event {
	h.t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for event")
	}
	return sse.Event{}
}

func (h *sseHarness) post(url, body string) int {
	h.t.Helper()
	resp, err := h.httpSrv.Client().Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		h.t.Fatalf("failed to post: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func (h *sseHarness) message() wireMessage {
	h.t.Helper()
	ev := h.nextEvent()
	if ev.Type != "message" {
		h.t.Fatalf("event type = %q, want message", ev.Type)
	}
	var msg wireMessage
	if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
		h.t.Fatalf("invalid message %q: %v", ev.Data, err)
	}
	return msg
}

func TestSSESession(t *testing.T) {
	httpSrv := startSSEServer(t, mcp.WithToolServer(&mockToolServer{}))
	h := connectSSE(t, httpSrv)

	if !strings.HasPrefix(h.endpoint, httpSrv.URL+"/message?sessionID=") {
		t.Fatalf("endpoint = %s", h.endpoint)
	}

	status := h.post(h.endpoint,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05",`+
			`"capabilities":{},"clientInfo":{"name":"sse-client","version":"1.0"}}}`)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", status)
	}
	msg := h.message()
	if string(msg.ID) != "1" || msg.Error != nil {
		t.Fatalf("initialize response = %+v", msg)
	}

	h.post(h.endpoint, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	h.post(h.endpoint, `{"jsonrpc":"2.0","id":"t1","method":"tools/call","params":{"name":"echo","arguments":{"text":"over sse"}}}`)

	msg = h.message()
	if string(msg.ID) != `"t1"` {
		t.Fatalf("response id = %s", msg.ID)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "over sse" {
		t.Errorf("result = %+v", result)
	}
}

func TestSSEMessageErrors(t *testing.T) {
	httpSrv := startSSEServer(t)
	h := connectSSE(t, httpSrv)

	tests := []struct {
		name string
		url  string
		body string
		want int
	}{
		{name: "missing session", url: httpSrv.URL + "/message", body: `{}`, want: http.StatusBadRequest},
		{name: "unknown session", url: httpSrv.URL + "/message?sessionID=nope", body: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, want: http.StatusNotFound},
		{name: "invalid body", url: h.endpoint, body: `{not json`, want: http.StatusBadRequest},
		{name: "valid", url: h.endpoint, body: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, want: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.post(tt.url, tt.body); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSSEMultipleClients(t *testing.T) {
	httpSrv := startSSEServer(t)
	first := connectSSE(t, httpSrv)
	second := connectSSE(t, httpSrv)

	if first.endpoint == second.endpoint {
		t.Fatal("clients share a session")
	}

	first.post(first.endpoint, `{"jsonrpc":"2.0","id":"a","method":"ping"}`)
	second.post(second.endpoint, `{"jsonrpc":"2.0","id":"b","method":"ping"}`)

	if msg := first.message(); string(msg.ID) != `"a"` {
		t.Errorf("first client got id %s", msg.ID)
	}
	if msg := second.message(); string(msg.ID) != `"b"` {
		t.Errorf("second client got id %s", msg.ID)
	}
}

func TestSSEClientDisconnect(t *testing.T) {
	disconnected := make(chan string, 1)
	httpSrv := startSSEServer(t, mcp.WithServerOnClientDisconnected(func(id string) { disconnected <- id }))
	h := connectSSE(t, httpSrv)

	h.cancel()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("session was not closed after the client went away")
	}

	// Once the session is gone its endpoint is unknown.
	deadline := time.Now().Add(5 * time.Second)
	for {
		status := h.post(h.endpoint, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		if status == http.StatusNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %d, want 404", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
