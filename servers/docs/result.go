package docs

import "errors"

// Kinds of routine resolution failures. They are carried inside a *ResolveError and
// matched with errors.Is.
var (
	ErrTopicNotFound       = errors.New("topic not found")
	ErrArtifactNotFound    = errors.New("artifact not found")
	ErrFetchFailed         = errors.New("fetch failed")
	ErrPreambleUnavailable = errors.New("preamble unavailable")
	ErrInvalidArguments    = errors.New("invalid arguments")
)

// ResolveError is a failure to resolve a piece of documentation. Message is the text
// shown to the caller and always names Target, the identifier that failed.
type ResolveError struct {
	Kind    error
	Target  string
	Message string
}

// Result is the outcome of a resolution strategy: either Content with its MimeType, or
// Err. Strategies never panic and never return a bare error.
type Result struct {
	Content  string
	MimeType string
	Err      *ResolveError
}

const (
	mimeMarkdown = "text/markdown"
	mimeHTML     = "text/html"
	mimePlain    = "text/plain"
)

func (e *ResolveError) Error() string { return e.Message }

func (e *ResolveError) Unwrap() error { return e.Kind }

// OK reports whether the resolution succeeded.
func (r Result) OK() bool { return r.Err == nil }

func ok(content, mimeType string) Result {
	return Result{Content: content, MimeType: mimeType}
}

func failed(kind error, target, message string) Result {
	return Result{Err: &ResolveError{Kind: kind, Target: target, Message: message}}
}
