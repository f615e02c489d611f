package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ArrHarper/harpMCP"
	"github.com/qri-io/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ResourceHandler resolves a resource URI whose template parameters were already
// extracted. It must always return a well-formed result.
type ResourceHandler func(ctx context.Context, uri string, params map[string]string) mcp.ReadResourceResult

// ResourceLister returns the concrete resources behind a template, for resources/list.
type ResourceLister func(ctx context.Context) ([]mcp.Resource, error)

// ResourceCompleter suggests values for a template placeholder.
type ResourceCompleter func(ctx context.Context, placeholder, value string) ([]string, error)

// Resource binds a handler to a URI template.
type Resource struct {
	Name        string
	Description string
	MimeType    string
	Template    *Template
	Handler     ResourceHandler
	List        ResourceLister
	Complete    ResourceCompleter
}

// ToolArguments carries the raw tool arguments together with the schema violations found
// in them, so the handler can phrase the rejection.
type ToolArguments struct {
	Raw        json.RawMessage
	Violations []jsonschema.KeyError
}

// ToolHandler runs a tool. It must always return a result; failures set IsError.
type ToolHandler func(ctx context.Context, args ToolArguments) mcp.CallToolResult

// PromptHandler renders a prompt from arguments that satisfied its declaration.
type PromptHandler func(ctx context.Context, args map[string]string) mcp.GetPromptResult

// Registry maps request identifiers to handlers and serves them to the MCP server as its
// mcp.ResourceServer, mcp.ToolServer and mcp.PromptServer. Registration happens before
// serving; afterwards the Registry is read-only.
type Registry struct {
	resources []Resource
	tools     []registeredTool
	prompts   []registeredPrompt

	logger    *slog.Logger
	metrics   *Metrics
	clientLog *ClientLog
	tracer    trace.Tracer
}

// RegistryOption represents the options for the Registry.
type RegistryOption func(*Registry)

type registeredTool struct {
	tool    mcp.Tool
	schema  *jsonschema.Schema
	handler ToolHandler
}

type registeredPrompt struct {
	prompt  mcp.Prompt
	schema  *jsonschema.Schema
	handler PromptHandler
}

const (
	kindResource = "resource"
	kindTool     = "tool"
	kindPrompt   = "prompt"

	pageSize = 50

	tracerName = "github.com/ArrHarper/harpMCP/servers/docs"
)

// NewRegistry creates an empty Registry.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithLogger sets the logger for the registry.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.With(slog.String("component", "registry"))
	}
}

// WithMetrics records every dispatch in m.
func WithMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithClientLog mirrors dispatch records to MCP clients through l.
func WithClientLog(l *ClientLog) RegistryOption {
	return func(r *Registry) {
		r.clientLog = l
	}
}

// WithTracerProvider sets the provider of the tracer used for dispatch spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) RegistryOption {
	return func(r *Registry) {
		r.tracer = tp.Tracer(tracerName)
	}
}

// AddResource registers a resource. Names must be unique.
func (r *Registry) AddResource(res Resource) error {
	if res.Name == "" || res.Template == nil || res.Handler == nil {
		return fmt.Errorf("resource %q: name, template and handler are required", res.Name)
	}
	for _, existing := range r.resources {
		if existing.Name == res.Name {
			return fmt.Errorf("resource %q already registered", res.Name)
		}
	}
	r.resources = append(r.resources, res)
	return nil
}

// AddTool registers a tool. Its InputSchema is compiled and used to validate arguments.
func (r *Registry) AddTool(tool mcp.Tool, handler ToolHandler) error {
	if tool.Name == "" || handler == nil {
		return fmt.Errorf("tool %q: name and handler are required", tool.Name)
	}
	for _, existing := range r.tools {
		if existing.tool.Name == tool.Name {
			return fmt.Errorf("tool %q already registered", tool.Name)
		}
	}

	schema := &jsonschema.Schema{}
	if err := json.Unmarshal(tool.InputSchema, schema); err != nil {
		return fmt.Errorf("tool %q: invalid input schema: %w", tool.Name, err)
	}

	r.tools = append(r.tools, registeredTool{tool: tool, schema: schema, handler: handler})
	return nil
}

// AddPrompt registers a prompt. Its declared arguments are turned into a schema that
// requires the arguments marked Required.
func (r *Registry) AddPrompt(prompt mcp.Prompt, handler PromptHandler) error {
	if prompt.Name == "" || handler == nil {
		return fmt.Errorf("prompt %q: name and handler are required", prompt.Name)
	}
	for _, existing := range r.prompts {
		if existing.prompt.Name == prompt.Name {
			return fmt.Errorf("prompt %q already registered", prompt.Name)
		}
	}

	schema, err := promptSchema(prompt)
	if err != nil {
		return fmt.Errorf("prompt %q: %w", prompt.Name, err)
	}

	r.prompts = append(r.prompts, registeredPrompt{prompt: prompt, schema: schema, handler: handler})
	return nil
}

func promptSchema(prompt mcp.Prompt) (*jsonschema.Schema, error) {
	properties := make(map[string]any, len(prompt.Arguments))
	required := []string{}
	for _, arg := range prompt.Arguments {
		properties[arg.Name] = map[string]any{"type": "string"}
		if arg.Required {
			required = append(required, arg.Name)
		}
	}
	schemaBs, err := json.Marshal(map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	})
	if err != nil {
		return nil, err
	}

	schema := &jsonschema.Schema{}
	if err := json.Unmarshal(schemaBs, schema); err != nil {
		return nil, fmt.Errorf("invalid argument schema: %w", err)
	}
	return schema, nil
}

// ListResources implements mcp.ResourceServer interface. List-form templates are listed
// as concrete resources, followed by whatever the registered listers return.
func (r *Registry) ListResources(ctx context.Context, params mcp.ListResourcesParams) (mcp.ListResourcesResult, error) {
	var all []mcp.Resource
	for _, res := range r.resources {
		if res.Template.IsList() {
			all = append(all, mcp.Resource{
				URI:         res.Template.String(),
				Name:        res.Name,
				Description: res.Description,
				MimeType:    res.MimeType,
			})
		}
		if res.List == nil {
			continue
		}
		listed, err := res.List(ctx)
		if err != nil {
			return mcp.ListResourcesResult{}, fmt.Errorf("failed to list %s: %w", res.Name, err)
		}
		all = append(all, listed...)
	}

	page, next, err := paginate(all, params.Cursor)
	if err != nil {
		return mcp.ListResourcesResult{}, err
	}
	return mcp.ListResourcesResult{Resources: page, NextCursor: next}, nil
}

// ReadResource implements mcp.ResourceServer interface. Among the templates matching the
// URI, the one with the longest literal prefix wins.
func (r *Registry) ReadResource(ctx context.Context, params mcp.ReadResourceParams) (result mcp.ReadResourceResult,
	err error,
) {
	res, uriParams, ok := r.matchResource(params.URI)
	if !ok {
		return mcp.ReadResourceResult{}, mcp.JSONRPCError{
			Code:    mcp.CodeResourceNotFound,
			Message: fmt.Sprintf("resource not found: %s", params.URI),
			Data:    map[string]any{"uri": params.URI},
		}
	}

	ctx, finish := r.start(ctx, kindResource, res.Name)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("resource handler panicked",
				slog.String("resource", res.Name),
				slog.Any("panic", p))
			result = resourceError(params.URI, fmt.Sprintf("Unable to read %s: internal error", params.URI))
		}
		finish(result.IsError)
	}()

	return res.Handler(ctx, params.URI, uriParams), nil
}

func (r *Registry) matchResource(uri string) (Resource, map[string]string, bool) {
	var (
		best       Resource
		bestParams map[string]string
		bestLen    = -1
	)
	for _, res := range r.resources {
		params, ok := res.Template.Match(uri)
		if !ok {
			continue
		}
		if n := len(res.Template.Prefix()); n > bestLen {
			best, bestParams, bestLen = res, params, n
		}
	}
	return best, bestParams, bestLen >= 0
}

// ListResourceTemplates implements mcp.ResourceServer interface.
func (r *Registry) ListResourceTemplates(
	_ context.Context,
	_ mcp.ListResourceTemplatesParams,
) (mcp.ListResourceTemplatesResult, error) {
	templates := []mcp.ResourceTemplate{}
	for _, res := range r.resources {
		if res.Template.IsList() {
			continue
		}
		templates = append(templates, mcp.ResourceTemplate{
			URITemplate: res.Template.String(),
			Name:        res.Name,
			Description: res.Description,
			MimeType:    res.MimeType,
		})
	}
	return mcp.ListResourceTemplatesResult{Templates: templates}, nil
}

// CompletesResourceTemplate implements mcp.ResourceServer interface.
func (r *Registry) CompletesResourceTemplate(
	ctx context.Context,
	params mcp.CompletesCompletionParams,
) (mcp.CompletionResult, error) {
	for _, res := range r.resources {
		if res.Template.String() != params.Ref.URI {
			continue
		}
		if res.Complete == nil {
			return mcp.CompletionResult{Completion: mcp.Completion{Values: []string{}}}, nil
		}
		values, err := res.Complete(ctx, params.Argument.Name, params.Argument.Value)
		if err != nil {
			return mcp.CompletionResult{}, fmt.Errorf("failed to complete %s: %w", params.Argument.Name, err)
		}
		return completion(values), nil
	}
	return mcp.CompletionResult{}, fmt.Errorf("resource template not found: %s", params.Ref.URI)
}

// ListTools implements mcp.ToolServer interface.
func (r *Registry) ListTools(_ context.Context, params mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	tools := make([]mcp.Tool, len(r.tools))
	for i, t := range r.tools {
		tools[i] = t.tool
	}
	page, next, err := paginate(tools, params.Cursor)
	if err != nil {
		return mcp.ListToolsResult{}, err
	}
	return mcp.ListToolsResult{Tools: page, NextCursor: next}, nil
}

// CallTool implements mcp.ToolServer interface. Arguments are validated against the
// tool's schema and the verdict is handed to the handler.
func (r *Registry) CallTool(ctx context.Context, params mcp.CallToolParams) (result mcp.CallToolResult, err error) {
	tool, ok := r.tool(params.Name)
	if !ok {
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}

	ctx, finish := r.start(ctx, kindTool, params.Name)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked",
				slog.String("tool", params.Name),
				slog.Any("panic", p))
			result = toolError(fmt.Sprintf("Error: tool %s failed: internal error", params.Name))
		}
		finish(result.IsError)
	}()

	raw := params.Arguments
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}
	violations, vErr := tool.schema.ValidateBytes(ctx, raw)
	if vErr != nil {
		return toolError(fmt.Sprintf("Error: %s: arguments are not a JSON object", params.Name)), nil
	}

	return tool.handler(ctx, ToolArguments{Raw: raw, Violations: violations}), nil
}

func (r *Registry) tool(name string) (registeredTool, bool) {
	for _, t := range r.tools {
		if t.tool.Name == name {
			return t, true
		}
	}
	return registeredTool{}, false
}

// ListPrompts implements mcp.PromptServer interface.
func (r *Registry) ListPrompts(_ context.Context, params mcp.ListPromptsParams) (mcp.ListPromptResult, error) {
	prompts := make([]mcp.Prompt, len(r.prompts))
	for i, p := range r.prompts {
		prompts[i] = p.prompt
	}
	page, next, err := paginate(prompts, params.Cursor)
	if err != nil {
		return mcp.ListPromptResult{}, err
	}
	return mcp.ListPromptResult{Prompts: page, NextCursor: next}, nil
}

// GetPrompt implements mcp.PromptServer interface. Arguments that do not satisfy the
// prompt's declaration are rejected before the handler runs.
func (r *Registry) GetPrompt(ctx context.Context, params mcp.GetPromptParams) (result mcp.GetPromptResult,
	err error,
) {
	prompt, ok := r.prompt(params.Name)
	if !ok {
		return mcp.GetPromptResult{}, fmt.Errorf("prompt not found: %s", params.Name)
	}

	args := params.Arguments
	if args == nil {
		args = map[string]string{}
	}
	argsBs, _ := json.Marshal(args)
	violations, err := prompt.schema.ValidateBytes(ctx, argsBs)
	if err != nil {
		return mcp.GetPromptResult{}, fmt.Errorf("failed to validate arguments: %w", err)
	}
	if len(violations) > 0 {
		return mcp.GetPromptResult{}, mcp.JSONRPCError{
			Code:    mcp.CodeInvalidParams,
			Message: fmt.Sprintf("%s: %s: %s", ErrInvalidArguments, params.Name, describeViolations(violations)),
		}
	}

	ctx, finish := r.start(ctx, kindPrompt, params.Name)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("prompt handler panicked",
				slog.String("prompt", params.Name),
				slog.Any("panic", p))
			result = mcp.GetPromptResult{Messages: []mcp.PromptMessage{userMessage(
				fmt.Sprintf("The %s prompt could not be rendered.", params.Name))}}
			err = nil
		}
		finish(false)
	}()

	return prompt.handler(ctx, args), nil
}

func (r *Registry) prompt(name string) (registeredPrompt, bool) {
	for _, p := range r.prompts {
		if p.prompt.Name == name {
			return p, true
		}
	}
	return registeredPrompt{}, false
}

// CompletesPrompt implements mcp.PromptServer interface. Prompt arguments are free text,
// so no values are suggested.
func (r *Registry) CompletesPrompt(_ context.Context, params mcp.CompletesCompletionParams) (mcp.CompletionResult,
	error,
) {
	if _, ok := r.prompt(params.Ref.Name); !ok {
		return mcp.CompletionResult{}, fmt.Errorf("prompt not found: %s", params.Ref.Name)
	}
	return completion(nil), nil
}

// start opens a span for one dispatch and returns the function that closes it, records
// metrics, and logs the outcome.
func (r *Registry) start(ctx context.Context, kind, name string) (context.Context, func(isError bool)) {
	begin := time.Now()
	ctx, span := r.tracer.Start(ctx, kind+" "+name,
		trace.WithAttributes(
			attribute.String("mcp.kind", kind),
			attribute.String("mcp.name", name),
		))

	return ctx, func(isError bool) {
		elapsed := time.Since(begin)
		r.metrics.observe(kind, name, isError, elapsed)

		fields := map[string]string{"kind": kind, "name": name, "elapsed": elapsed.String()}
		if isError {
			span.SetStatus(codes.Error, "resolution failed")
			r.logger.Warn("request resolved with error",
				slog.String("kind", kind),
				slog.String("name", name),
				slog.Duration("elapsed", elapsed))
			r.clientLog.Log(mcp.LogLevelWarning, "request resolved with error", fields)
		} else {
			r.logger.Debug("request resolved",
				slog.String("kind", kind),
				slog.String("name", name),
				slog.Duration("elapsed", elapsed))
			r.clientLog.Log(mcp.LogLevelDebug, "request resolved", fields)
		}
		span.End()
	}
}

func paginate[T any](items []T, cursor string) ([]T, string, error) {
	start := 0
	if cursor != "" {
		var err error
		start, err = strconv.Atoi(cursor)
		if err != nil || start < 0 || start > len(items) {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
	}
	end := min(start+pageSize, len(items))

	next := ""
	if end < len(items) {
		next = strconv.Itoa(end)
	}

	page := make([]T, end-start)
	copy(page, items[start:end])
	return page, next, nil
}

func completion(values []string) mcp.CompletionResult {
	if values == nil {
		values = []string{}
	}
	total := len(values)
	hasMore := false
	if len(values) > 100 {
		values, hasMore = values[:100], true
	}
	return mcp.CompletionResult{Completion: mcp.Completion{Values: values, HasMore: hasMore, Total: total}}
}

func describeViolations(violations []jsonschema.KeyError) string {
	msgs := make([]string, len(violations))
	for i, v := range violations {
		if v.PropertyPath != "" && v.PropertyPath != "/" {
			msgs[i] = v.PropertyPath + ": " + v.Message
			continue
		}
		msgs[i] = v.Message
	}
	return strings.Join(msgs, "; ")
}
