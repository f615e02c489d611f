package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ArrHarper/harpMCP"
	"github.com/tmaxmax/go-sse"
)

type sseEvent struct {
	typ  string
	data string
}

// connectSSE opens the event stream and returns its events.
func connectSSE(ctx context.Context, t *testing.T, url string) <-chan sseEvent {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}

	events := make(chan sseEvent, 10)
	go func() {
		defer resp.Body.Close()
		defer close(events)
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			events <- sseEvent{typ: ev.Type, data: ev.Data}
		}
	}()
	return events
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return sseEvent{}
}

func firstSession(t *testing.T, sessions iter.Seq[mcp.Session]) mcp.Session {
	t.Helper()

	ch := make(chan mcp.Session, 1)
	go func() {
		for s := range sessions {
			ch <- s
		}
	}()

	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for session")
	}
	return nil
}

func TestSSEServerRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	testServer := httptest.NewServer(mux)
	defer testServer.Close()

	server := mcp.NewSSEServer(testServer.URL + "/message")
	mux.Handle("/sse", server.HandleSSE())
	mux.Handle("/message", server.HandleMessage())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := connectSSE(ctx, t, testServer.URL+"/sse")

	endpoint := nextEvent(t, events)
	if endpoint.typ != "endpoint" {
		t.Fatalf("got event %q, want endpoint", endpoint.typ)
	}
	if !strings.HasPrefix(endpoint.data, testServer.URL+"/message?sessionID=") {
		t.Fatalf("got endpoint %q", endpoint.data)
	}

	sess := firstSession(t, server.Sessions())
	if !strings.HasSuffix(endpoint.data, sess.ID()) {
		t.Errorf("endpoint %q does not carry session %q", endpoint.data, sess.ID())
	}

	received := make(chan mcp.JSONRPCMessage, 1)
	go func() {
		for msg := range sess.Messages() {
			received <- msg
		}
	}()

	body := `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`
	resp, err := http.Post(endpoint.data, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to post message: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("got status %d, want 202", resp.StatusCode)
	}

	select {
	case msg := <-received:
		if msg.Method != mcp.MethodToolsList || msg.ID != "3" {
			t.Errorf("got %s with id %s", msg.Method, msg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for posted message")
	}

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer sendCancel()
	if err := sess.Send(sendCtx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "3",
		Result:  json.RawMessage(`{"tools":[]}`),
	}); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	ev := nextEvent(t, events)
	if ev.typ != "message" {
		t.Fatalf("got event %q, want message", ev.typ)
	}
	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(ev.data), &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	if msg.ID != "3" || string(msg.Result) != `{"tools":[]}` {
		t.Errorf("got %+v", msg)
	}

	cancel()
	sess.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		t.Errorf("failed to shutdown: %v", err)
	}
}

func TestSSEServerHandleMessageErrors(t *testing.T) {
	server := mcp.NewSSEServer("/message")
	testServer := httptest.NewServer(server.HandleMessage())
	defer testServer.Close()

	go func() {
		for range server.Sessions() {
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	tests := []struct {
		name   string
		method string
		query  string
		body   string
		want   int
	}{
		{name: "wrong method", method: http.MethodGet, query: "?sessionID=x", want: http.StatusMethodNotAllowed},
		{name: "missing session", method: http.MethodPost, body: `{"jsonrpc":"2.0"}`, want: http.StatusBadRequest},
		{name: "bad body", method: http.MethodPost, query: "?sessionID=x", body: `{`, want: http.StatusBadRequest},
		{
			name:   "unknown session",
			method: http.MethodPost,
			query:  "?sessionID=unknown",
			body:   `{"jsonrpc":"2.0","method":"ping","id":1}`,
			want:   http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, testServer.URL+tt.query, strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("failed to create request: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("failed to send request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("got status %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
