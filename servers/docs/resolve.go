package docs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/gobwas/glob"
)

// Resolver turns logical identifiers into documentation content. It implements the
// local-file, remote-fetch, listing and preamble strategies; every strategy reports
// failures through Result.Err instead of returning an error.
//
// A Resolver holds no mutable state and is safe for concurrent use.
type Resolver struct {
	root     fs.FS
	preamble string
	product  string
	client   *http.Client
	exclude  []glob.Glob
	logger   *slog.Logger
}

// ResolverOption represents the options for the Resolver.
type ResolverOption func(*Resolver) error

// NewResolver creates a Resolver serving artifacts from root. preamblePath is the file
// read by Preamble.
func NewResolver(root fs.FS, preamblePath string, options ...ResolverOption) (*Resolver, error) {
	r := &Resolver{
		root:     root,
		preamble: preamblePath,
		product:  "Aurora",
		// No timeout: a slow documentation host blocks only the request that hit it.
		client: &http.Client{},
		logger: slog.Default(),
	}
	for _, opt := range options {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// WithHTTPClient sets the client used by the remote-fetch strategy.
func WithHTTPClient(client *http.Client) ResolverOption {
	return func(r *Resolver) error {
		r.client = client
		return nil
	}
}

// WithProduct sets the product name used in listing headers.
func WithProduct(product string) ResolverOption {
	return func(r *Resolver) error {
		r.product = product
		return nil
	}
}

// WithExclude hides root entries whose names match any of the glob patterns from listings.
func WithExclude(patterns ...string) ResolverOption {
	return func(r *Resolver) error {
		for _, pattern := range patterns {
			g, err := glob.Compile(pattern, '/')
			if err != nil {
				return fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
			}
			r.exclude = append(r.exclude, g)
		}
		return nil
	}
}

// WithResolverLogger sets the logger for the resolver.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) error {
		r.logger = logger.With(slog.String("component", "resolver"))
		return nil
	}
}

// File reads the artifact at docFile, a path relative to the documentation root.
func (r *Resolver) File(_ context.Context, docFile string) Result {
	name := filepath.ToSlash(docFile)
	if !fs.ValidPath(name) || name == "." {
		return failed(ErrArtifactNotFound, docFile,
			fmt.Sprintf("Unable to fetch documentation file %s: path is outside the documentation root", docFile))
	}

	content, err := fs.ReadFile(r.root, name)
	if err != nil {
		r.logger.Warn("failed to read documentation file",
			slog.String("file", name),
			slog.String("err", err.Error()))
		return failed(ErrArtifactNotFound, docFile,
			fmt.Sprintf("Unable to fetch documentation file %s: %s", docFile, describeFSError(err)))
	}

	return ok(string(content), mimeMarkdown)
}

// Title returns the first markdown heading of docFile, or "" if it has none or cannot
// be read.
func (r *Resolver) Title(ctx context.Context, docFile string) string {
	res := r.File(ctx, docFile)
	if !res.OK() {
		return ""
	}
	return markdownTitle([]byte(res.Content))
}

// Names returns the entries of the documentation root in directory order, without the
// excluded ones.
func (r *Resolver) Names(_ context.Context) ([]string, error) {
	entries, err := fs.ReadDir(r.root, ".")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if r.excluded(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// List renders the documentation root as a markdown bullet list.
func (r *Resolver) List(ctx context.Context) Result {
	names, err := r.Names(ctx)
	if err != nil {
		r.logger.Warn("failed to list documentation root", slog.String("err", err.Error()))
		return failed(ErrArtifactNotFound, ".",
			fmt.Sprintf("Unable to list documentation files: %s", describeFSError(err)))
	}

	lines := make([]string, len(names))
	for i, name := range names {
		lines[i] = "- " + name
	}

	return ok(fmt.Sprintf("# Available %s Documentation Files\n\n%s", r.product, strings.Join(lines, "\n")),
		mimeMarkdown)
}

// Fetch performs one GET request to docURL and returns the body as HTML. It never retries.
func (r *Resolver) Fetch(ctx context.Context, docURL string) Result {
	body, res := r.get(ctx, docURL)
	if !res.OK() {
		return res
	}
	return ok(string(body), mimeHTML)
}

// FetchReadable is like Fetch but extracts the readable text of the page. Pages without an
// extractable article fall back to the raw HTML.
func (r *Resolver) FetchReadable(ctx context.Context, docURL string) Result {
	body, res := r.get(ctx, docURL)
	if !res.OK() {
		return res
	}

	parsedURL, _ := url.Parse(docURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return ok(strings.TrimSpace(article.TextContent), mimePlain)
	}
	if err != nil {
		r.logger.Debug("readability extraction failed", slog.String("url", docURL), slog.String("err", err.Error()))
	}
	return ok(string(body), mimeHTML)
}

func (r *Resolver) get(ctx context.Context, docURL string) ([]byte, Result) {
	fail := func(reason string) Result {
		return failed(ErrFetchFailed, docURL,
			fmt.Sprintf("Unable to fetch documentation for %s: %s", docURL, reason))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fail(err.Error())
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("documentation fetch failed", slog.String("url", docURL), slog.String("err", err.Error()))
		return nil, fail(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail("Failed to fetch documentation: " + statusText(resp))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fail(err.Error())
	}
	return body, Result{}
}

// Preamble reads the system preamble used by the assistant prompt.
func (r *Resolver) Preamble(_ context.Context) Result {
	content, err := os.ReadFile(r.preamble)
	if err != nil {
		r.logger.Warn("failed to read prompt preamble",
			slog.String("file", r.preamble),
			slog.String("err", err.Error()))
		return failed(ErrPreambleUnavailable, r.preamble,
			fmt.Sprintf("Unable to read prompt preamble %s: %s", filepath.Base(r.preamble), describeFSError(err)))
	}
	return ok(string(content), mimeMarkdown)
}

func (r *Resolver) excluded(name string) bool {
	for _, g := range r.exclude {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// statusText returns the reason phrase sent by the server, or the canonical one when the
// server sent none.
func statusText(resp *http.Response) string {
	if text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); text != "" &&
		text != resp.Status {
		return text
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}

// describeFSError reports a file system failure without the OS error text.
func describeFSError(err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "file does not exist"
	case errors.Is(err, fs.ErrPermission):
		return "permission denied"
	case errors.Is(err, fs.ErrInvalid):
		return "invalid path"
	default:
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) && strings.Contains(pathErr.Err.Error(), "directory") {
			return "not a regular file"
		}
		return "file could not be read"
	}
}
