package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ArrHarper/harpMCP"
	"github.com/ArrHarper/harpMCP/servers/docs"
)

// testClient speaks newline-delimited JSON-RPC to a Server over a pair of pipes.
type testClient struct {
	t      *testing.T
	writer *io.PipeWriter

	lock      sync.Mutex
	responses map[mcp.RequestID]chan mcp.JSONRPCMessage
	requests  chan mcp.JSONRPCMessage
}

// newDocsServer serves a docs registry over stdio pipes and returns a client connected
// to it. files are written into the documentation root; preamble.md is used as the
// prompt preamble when present.
func newDocsServer(t *testing.T, files map[string]string, options ...mcp.ServerOption) *testClient {
	t.Helper()

	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
	}

	resolver, err := docs.NewResolver(os.DirFS(root), filepath.Join(root, "preamble.md"),
		docs.WithExclude("preamble.md"))
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	vocab := docs.MustVocabulary(docs.AuroraTopics, docs.AuroraDefaultTopic)

	registry := docs.NewRegistry()
	if err := docs.Register(registry, docs.NewHandlers(resolver, vocab, "Aurora"),
		docs.Options{Scheme: "aurora"}); err != nil {
		t.Fatalf("failed to register handlers: %v", err)
	}

	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	opts := append([]mcp.ServerOption{
		mcp.WithResourceServer(registry),
		mcp.WithToolServer(registry),
		mcp.WithPromptServer(registry),
		mcp.WithServerPingInterval(time.Hour),
	}, options...)
	srv := mcp.NewServer(mcp.Info{Name: "harpMCP", Version: "1.0.0"}, mcp.NewStdIO(serverReader, serverWriter),
		opts...)
	go srv.Serve()

	c := &testClient{
		t:         t,
		writer:    clientWriter,
		responses: make(map[mcp.RequestID]chan mcp.JSONRPCMessage),
		requests:  make(chan mcp.JSONRPCMessage, 10),
	}
	go c.listen(clientReader)

	t.Cleanup(func() {
		clientWriter.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		clientReader.Close()
	})

	return c
}

func (c *testClient) listen(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Method != "" {
			c.requests <- msg
			continue
		}
		c.lock.Lock()
		ch, ok := c.responses[msg.ID]
		c.lock.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *testClient) writeLine(line string) {
	c.t.Helper()
	if _, err := io.WriteString(c.writer, line+"\n"); err != nil {
		c.t.Fatalf("failed to write message: %v", err)
	}
}

// call sends a request with the raw JSON id and waits for its response.
func (c *testClient) call(id, method string, params any) mcp.JSONRPCMessage {
	c.t.Helper()

	ch := make(chan mcp.JSONRPCMessage, 1)
	c.lock.Lock()
	c.responses[mcp.RequestID(id)] = ch
	c.lock.Unlock()

	paramsBs, err := json.Marshal(params)
	if err != nil {
		c.t.Fatalf("failed to marshal params: %v", err)
	}
	c.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"method":%q,"params":%s}`, id, method, paramsBs))

	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		c.t.Fatalf("timeout waiting for %s response", method)
	}
	return mcp.JSONRPCMessage{}
}

func (c *testClient) notify(method string) {
	c.t.Helper()
	c.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","method":%q}`, method))
}

// initialize performs the handshake and returns the initialize result.
func (c *testClient) initialize() json.RawMessage {
	c.t.Helper()

	resp := c.call("0", "initialize", map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0"},
	})
	if resp.Error != nil {
		c.t.Fatalf("initialize failed: %v", resp.Error)
	}
	c.notify("notifications/initialized")
	return resp.Result
}

func decodeResult[T any](t *testing.T, msg mcp.JSONRPCMessage) T {
	t.Helper()

	var v T
	if msg.Error != nil {
		t.Fatalf("unexpected error response: %v", msg.Error)
	}
	if err := json.Unmarshal(msg.Result, &v); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	return v
}
