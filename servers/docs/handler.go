package docs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ArrHarper/harpMCP"
	"github.com/qri-io/jsonschema"
)

// Handlers implements the documentation request handlers. Each handler parses its
// parameters, resolves them through the Vocabulary or the Resolver, and shapes the outcome
// into exactly one response; failures become error content, never protocol errors.
type Handlers struct {
	resolver *Resolver
	vocab    *Vocabulary
	product  string
}

// TopicArgs is the arguments for the documentation-topic-lookup tool.
type TopicArgs struct {
	Topic string `json:"topic"`
}

// FetchArgs is the arguments for the documentation-fetch tool.
type FetchArgs struct {
	Topic  string `json:"topic"`
	Format string `json:"format"`
}

const (
	fetchFormatHTML = "html"
	fetchFormatText = "text"

	apologyTemplate = "I'm having trouble accessing the %s API documentation. Could you please help me with: %s"
)

// NewHandlers creates the handlers for product's documentation.
func NewHandlers(resolver *Resolver, vocab *Vocabulary, product string) *Handlers {
	return &Handlers{resolver: resolver, vocab: vocab, product: product}
}

// DocByFile serves a documentation file named by the docFile placeholder.
func (h *Handlers) DocByFile(ctx context.Context, uri string, params map[string]string) mcp.ReadResourceResult {
	docFile, ok := params[placeholderDocFile]
	if !ok || docFile == "" {
		return resourceError(uri, fmt.Sprintf("Unable to fetch documentation file: %s names no file", uri))
	}
	return resourceResult(uri, h.resolver.File(ctx, docFile))
}

// DocList serves the listing of the documentation root.
func (h *Handlers) DocList(ctx context.Context, uri string, _ map[string]string) mcp.ReadResourceResult {
	return resourceResult(uri, h.resolver.List(ctx))
}

// TopicLookup returns the documentation URL of a topic. It never fetches the URL.
func (h *Handlers) TopicLookup(_ context.Context, args ToolArguments) mcp.CallToolResult {
	var in TopicArgs
	if err := decodeArgs(args.Raw, &in); err != nil {
		return toolError(fmt.Sprintf("Error: %s: %s", ErrInvalidArguments, err))
	}

	topic, docURL, err := h.vocab.Resolve(in.Topic)
	if err != nil {
		return toolFailure(err)
	}
	if violations := topicViolations(args.Violations, in.Topic); len(violations) > 0 {
		return toolError(fmt.Sprintf("Error: %s: %s", ErrInvalidArguments, describeViolations(violations)))
	}

	return toolText(fmt.Sprintf("Documentation for '%s': %s", topic, docURL))
}

// Fetch retrieves the documentation page of a topic from its URL.
func (h *Handlers) Fetch(ctx context.Context, args ToolArguments) mcp.CallToolResult {
	var in FetchArgs
	if err := decodeArgs(args.Raw, &in); err != nil {
		return toolError(fmt.Sprintf("Error: %s: %s", ErrInvalidArguments, err))
	}

	_, docURL, err := h.vocab.Resolve(in.Topic)
	if err != nil {
		return toolFailure(err)
	}
	if violations := topicViolations(args.Violations, in.Topic); len(violations) > 0 {
		return toolError(fmt.Sprintf("Error: %s: %s", ErrInvalidArguments, describeViolations(violations)))
	}

	var res Result
	switch in.Format {
	case "", fetchFormatHTML:
		res = h.resolver.Fetch(ctx, docURL)
	case fetchFormatText:
		res = h.resolver.FetchReadable(ctx, docURL)
	default:
		return toolError(fmt.Sprintf("Error: %s: unknown format %q", ErrInvalidArguments, in.Format))
	}
	if !res.OK() {
		return toolFailure(res.Err)
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{{
			Type: mcp.ContentTypeResource,
			Resource: &mcp.ResourceContents{
				URI:      docURL,
				MimeType: res.MimeType,
				Text:     res.Content,
			},
		}},
	}
}

// APIAssistant renders the assistant prompt: the system preamble followed directly by the
// user's question. Without a preamble it degrades to an apology that still carries the
// question.
func (h *Handlers) APIAssistant(ctx context.Context, args map[string]string) mcp.GetPromptResult {
	question := args[argUserQuestion]

	text := fmt.Sprintf(apologyTemplate, h.product, question)
	if preamble := h.resolver.Preamble(ctx); preamble.OK() {
		text = preamble.Content + question
	}

	return mcp.GetPromptResult{
		Description: fmt.Sprintf("%s API assistant", h.product),
		Messages:    []mcp.PromptMessage{userMessage(text)},
	}
}

// ListDocs lists every documentation file as a concrete doc-by-file resource, titled by its
// first heading when it has one.
func (h *Handlers) ListDocs(tmpl *Template) ResourceLister {
	return func(ctx context.Context) ([]mcp.Resource, error) {
		names, err := h.resolver.Names(ctx)
		if err != nil {
			return nil, err
		}

		resources := make([]mcp.Resource, 0, len(names))
		for _, name := range names {
			uri, err := tmpl.Expand(map[string]string{placeholderDocFile: name})
			if err != nil {
				return nil, err
			}
			title := h.resolver.Title(ctx, name)
			if title == "" {
				title = name
			}
			resources = append(resources, mcp.Resource{
				URI:         uri,
				Name:        title,
				Description: fmt.Sprintf("%s documentation file %s", h.product, name),
				MimeType:    mimeMarkdown,
			})
		}
		return resources, nil
	}
}

// CompleteDocFile suggests documentation file names starting with value.
func (h *Handlers) CompleteDocFile(ctx context.Context, placeholder, value string) ([]string, error) {
	if placeholder != placeholderDocFile {
		return nil, nil
	}
	names, err := h.resolver.Names(ctx)
	if err != nil {
		return nil, err
	}

	var values []string
	for _, name := range names {
		if strings.HasPrefix(name, value) {
			values = append(values, name)
		}
	}
	return values, nil
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return fmt.Errorf("%s must be a %s", typeErr.Field, typeErr.Type)
		}
		return fmt.Errorf("arguments must be a JSON object")
	}
	return nil
}

// topicViolations drops the enum violation of an empty topic, which stands for the
// default topic.
func topicViolations(violations []jsonschema.KeyError, topic string) []jsonschema.KeyError {
	if topic != "" {
		return violations
	}
	kept := violations[:0:0]
	for _, v := range violations {
		if strings.TrimPrefix(v.PropertyPath, "/") == "topic" {
			continue
		}
		kept = append(kept, v)
	}
	return kept
}

func resourceResult(uri string, res Result) mcp.ReadResourceResult {
	if !res.OK() {
		return resourceError(uri, res.Err.Message)
	}
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{
			URI:      uri,
			MimeType: res.MimeType,
			Text:     res.Content,
		}},
	}
}

func resourceError(uri, message string) mcp.ReadResourceResult {
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{
			URI:      uri,
			MimeType: mimePlain,
			Text:     "Error: " + message,
		}},
		IsError: true,
	}
}

func toolText(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
	}
}

func toolError(text string) mcp.CallToolResult {
	res := toolText(text)
	res.IsError = true
	return res
}

// toolFailure shapes a resolution error. Unknown topics are reported with the bare
// vocabulary message; everything else is prefixed with "Error: ".
func toolFailure(err error) mcp.CallToolResult {
	if errors.Is(err, ErrTopicNotFound) {
		return toolError(err.Error())
	}
	return toolError("Error: " + err.Error())
}

func userMessage(text string) mcp.PromptMessage {
	return mcp.PromptMessage{
		Role:    mcp.RoleUser,
		Content: mcp.Content{Type: mcp.ContentTypeText, Text: text},
	}
}
