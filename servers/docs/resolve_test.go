package docs

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, files map[string]string, opts ...ResolverOption) *Resolver {
	t.Helper()

	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}

	r, err := NewResolver(os.DirFS(root), filepath.Join(root, "preamble.md"), opts...)
	require.NoError(t, err)
	return r
}

func TestResolverFile(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"embeds.md":       "# Embeds\n",
		"guides/react.md": "# React\n",
	})

	res := r.File(context.Background(), "embeds.md")
	require.True(t, res.OK())
	assert.Equal(t, "# Embeds\n", res.Content)
	assert.Equal(t, "text/markdown", res.MimeType)

	res = r.File(context.Background(), filepath.Join("guides", "react.md"))
	require.True(t, res.OK())
	assert.Equal(t, "# React\n", res.Content)
}

func TestResolverFileMissing(t *testing.T) {
	r := newTestResolver(t, nil)

	res := r.File(context.Background(), "missing.md")
	require.False(t, res.OK())
	assert.True(t, errors.Is(res.Err, ErrArtifactNotFound))
	assert.Equal(t, "missing.md", res.Err.Target)
	assert.Contains(t, res.Err.Message, "missing.md")
	assert.NotContains(t, res.Err.Message, "no such file")
	assert.NotContains(t, res.Err.Message, os.TempDir())
}

func TestResolverFileOutsideRoot(t *testing.T) {
	r := newTestResolver(t, map[string]string{"embeds.md": "# Embeds\n"})

	for _, docFile := range []string{"../secret.md", "/etc/passwd", "."} {
		res := r.File(context.Background(), docFile)
		require.False(t, res.OK(), docFile)
		assert.True(t, errors.Is(res.Err, ErrArtifactNotFound), docFile)
	}
}

func TestResolverList(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"b.md":        "b",
		"a.md":        "a",
		"c.md":        "c",
		"notes.tmp":   "tmp",
		"preamble.md": "preamble",
	}, WithExclude("*.tmp", "preamble.md"))

	res := r.List(context.Background())
	require.True(t, res.OK())
	assert.Equal(t, "# Available Aurora Documentation Files\n\n- a.md\n- b.md\n- c.md", res.Content)
	assert.Equal(t, "text/markdown", res.MimeType)
}

func TestResolverListProduct(t *testing.T) {
	r, err := NewResolver(fstest.MapFS{"x.md": {Data: []byte("x")}}, "", WithProduct("Harp"))
	require.NoError(t, err)

	res := r.List(context.Background())
	require.True(t, res.OK())
	assert.Equal(t, "# Available Harp Documentation Files\n\n- x.md", res.Content)
}

func TestResolverListUnreadableRoot(t *testing.T) {
	r, err := NewResolver(os.DirFS(filepath.Join(t.TempDir(), "missing")), "")
	require.NoError(t, err)

	res := r.List(context.Background())
	require.False(t, res.OK())
	assert.True(t, errors.Is(res.Err, ErrArtifactNotFound))
	assert.Contains(t, res.Err.Message, "Unable to list documentation files")
}

func TestWithExcludeInvalidPattern(t *testing.T) {
	_, err := NewResolver(fstest.MapFS{}, "", WithExclude("[a-"))
	assert.Error(t, err)
}

func TestResolverTitle(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"embeds.md": "intro text\n\n## Embed *API*\n\nbody\n",
		"plain.md":  "no heading here\n",
	})

	assert.Equal(t, "Embed API", r.Title(context.Background(), "embeds.md"))
	assert.Equal(t, "", r.Title(context.Background(), "plain.md"))
	assert.Equal(t, "", r.Title(context.Background(), "missing.md"))
}

func TestResolverFetch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><h1>Events</h1></body></html>"))
	}))
	defer srv.Close()

	r := newTestResolver(t, nil, WithHTTPClient(srv.Client()))

	res := r.Fetch(context.Background(), srv.URL+"/player-events")
	require.True(t, res.OK())
	assert.Equal(t, "<html><body><h1>Events</h1></body></html>", res.Content)
	assert.Equal(t, "text/html", res.MimeType)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolverFetchNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r := newTestResolver(t, nil, WithHTTPClient(srv.Client()))

	docURL := srv.URL + "/missing"
	res := r.Fetch(context.Background(), docURL)
	require.False(t, res.OK())
	assert.True(t, errors.Is(res.Err, ErrFetchFailed))
	assert.Equal(t, docURL, res.Err.Target)
	assert.Equal(t, "Unable to fetch documentation for "+docURL+": Failed to fetch documentation: Not Found",
		res.Err.Message)
	assert.Equal(t, int32(1), calls.Load())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestResolverFetchKeepsReasonPhrase(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusServiceUnavailable,
			Status:     "503 Docs Are Napping",
			Body:       io.NopCloser(strings.NewReader("")),
			Request:    req,
		}, nil
	})}
	r := newTestResolver(t, nil, WithHTTPClient(client))

	res := r.Fetch(context.Background(), "https://docs.example.com/page")
	require.False(t, res.OK())
	assert.True(t, errors.Is(res.Err, ErrFetchFailed))
	assert.Contains(t, res.Err.Message, "Failed to fetch documentation: Docs Are Napping")
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		status string
		want   string
	}{
		{name: "server phrase", code: 404, status: "404 Nope", want: "Nope"},
		{name: "canonical phrase", code: 404, status: "404 Not Found", want: "Not Found"},
		{name: "no phrase", code: 502, status: "502", want: "Bad Gateway"},
		{name: "empty status", code: 500, status: "", want: "Internal Server Error"},
		{name: "unknown code", code: 599, status: "599", want: "599"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.code, Status: tt.status}
			assert.Equal(t, tt.want, statusText(resp))
		})
	}
}

func TestResolverFetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	docURL := srv.URL + "/gone"
	srv.Close()

	r := newTestResolver(t, nil)

	res := r.Fetch(context.Background(), docURL)
	require.False(t, res.OK())
	assert.True(t, errors.Is(res.Err, ErrFetchFailed))
	assert.Contains(t, res.Err.Message, docURL)
}

func TestResolverFetchReadable(t *testing.T) {
	page := `<html><head><title>Player Events</title></head><body>
<article><h1>Player Events</h1>
<p>The player emits events whenever its state changes. Bind to them with the embed handle to react to
playback, volume changes, and the end of a video. Every event carries the video it was emitted for.</p>
<p>Events are delivered in the order they happen, and handlers bound after an event fired are not called
for it. Unbind handlers you no longer need so they stop receiving events from the player.</p>
<p>Some events carry extra data, such as the new volume or the number of seconds watched so far. Read the
reference below for the arguments passed to each handler, and for the events that can be cancelled by
returning a value from the handler.</p>
</article></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	r := newTestResolver(t, nil, WithHTTPClient(srv.Client()))

	res := r.FetchReadable(context.Background(), srv.URL+"/player-events")
	require.True(t, res.OK())
	assert.Equal(t, "text/plain", res.MimeType)
	assert.Contains(t, res.Content, "The player emits events")
	assert.NotContains(t, res.Content, "<p>")
}

func TestResolverPreamble(t *testing.T) {
	r := newTestResolver(t, map[string]string{"preamble.md": "You are an Aurora expert.\n"})

	res := r.Preamble(context.Background())
	require.True(t, res.OK())
	assert.Equal(t, "You are an Aurora expert.\n", res.Content)

	missing := newTestResolver(t, nil)
	res = missing.Preamble(context.Background())
	require.False(t, res.OK())
	assert.True(t, errors.Is(res.Err, ErrPreambleUnavailable))
	assert.NotContains(t, res.Err.Message, "no such file")
}
