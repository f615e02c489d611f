package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection. The implementation must
	// guarantee that each session ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport. The implementations should not
	// stop the sessions it produced, the caller already did that before calling this method.
	// The caller is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID returns the unique identifier for this session. The value must stay the same
	// for the whole lifetime of the session.
	ID() string

	// Send transmits a message to the client.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the client.
	// The implementations should exit the iteration if the session is stopped or the
	// underlying connection is gone.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The caller is guaranteed to call this method once.
	Stop()
}

// PromptServer defines the interface for serving prompts in the MCP protocol.
type PromptServer interface {
	// ListPrompts returns a paginated list of available prompts.
	ListPrompts(context.Context, ListPromptsParams) (ListPromptResult, error)

	// GetPrompt renders a specific prompt by name with the given arguments.
	// Returns error only if the prompt is not registered.
	GetPrompt(context.Context, GetPromptParams) (GetPromptResult, error)

	// CompletesPrompt provides completion suggestions for a prompt argument.
	CompletesPrompt(context.Context, CompletesCompletionParams) (CompletionResult, error)
}

// ResourceServer defines the interface for serving resources in the MCP protocol.
type ResourceServer interface {
	// ListResources returns a paginated list of concrete resources.
	ListResources(context.Context, ListResourcesParams) (ListResourcesResult, error)

	// ReadResource retrieves a specific resource by its URI. Returns error only if no
	// registered resource handles the URI; read failures are reported in the result.
	ReadResource(context.Context, ReadResourceParams) (ReadResourceResult, error)

	// ListResourceTemplates returns all available resource templates.
	ListResourceTemplates(context.Context, ListResourceTemplatesParams) (ListResourceTemplatesResult, error)

	// CompletesResourceTemplate provides completion suggestions for a resource template argument.
	CompletesResourceTemplate(context.Context, CompletesCompletionParams) (CompletionResult, error)
}

// ToolServer defines the interface for serving tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns a paginated list of available tools.
	ListTools(context.Context, ListToolsParams) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments. Tool failures are
	// reported through CallToolResult.IsError; a returned error is turned into an
	// error result by the server.
	CallTool(context.Context, CallToolParams) (CallToolResult, error)
}

// LogHandler provides an interface for streaming log messages from the MCP server to connected clients.
type LogHandler interface {
	// LogStreams returns an iterator that emits log messages with metadata.
	LogStreams() iter.Seq[LogParams]

	// SetLogLevel configures the minimum severity level for emitted log messages.
	// Messages below this level are filtered out.
	SetLogLevel(level LogLevel)
}
