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

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The implementations should not
	// close the sessions it produced, the caller already does that before calling this method. The caller
	// is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the client.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the client.
	// The implementations should exit the iteration if the session is closed or the
	// client goes away.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The caller is guaranteed to call this method once.
	Stop()
}

// PromptServer defines the interface for managing prompts in the MCP protocol.
type PromptServer interface {
	// ListPrompts returns a paginated list of available prompts.
	ListPrompts(context.Context, ListPromptsParams, ProgressReporter) (ListPromptResult, error)

	// GetPrompt retrieves a specific prompt by name, rendered with the given arguments.
	// Returns error if prompt not found, arguments are invalid, or context is cancelled.
	GetPrompt(context.Context, GetPromptParams, ProgressReporter) (GetPromptResult, error)

	// CompletesPrompt provides completion suggestions for a prompt argument.
	CompletesPrompt(context.Context, CompletesCompletionParams) (CompletionResult, error)
}

// ResourceServer defines the interface for managing resources in the MCP protocol.
type ResourceServer interface {
	// ListResources returns a paginated list of available resources.
	ListResources(context.Context, ListResourcesParams, ProgressReporter) (ListResourcesResult, error)

	// ReadResource retrieves a specific resource by its URI.
	// Returns error if resource not found, cannot be read, or context is cancelled.
	ReadResource(context.Context, ReadResourceParams, ProgressReporter) (ReadResourceResult, error)

	// ListResourceTemplates returns all available resource templates.
	ListResourceTemplates(context.Context, ListResourceTemplatesParams, ProgressReporter) (
		ListResourceTemplatesResult, error)

	// CompletesResourceTemplate provides completion suggestions for a resource template argument.
	CompletesResourceTemplate(context.Context, CompletesCompletionParams) (CompletionResult, error)
}

// ResourceListUpdater provides an interface for monitoring changes to the available resources list.
//
// The notifications are used by the MCP server to inform connected clients about resource list
// changes. Clients can then refresh their cached resource lists by calling ListResources again.
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
type ResourceListUpdater interface {
	ResourceListUpdates() iter.Seq[struct{}]
}

// ResourceSubscriptionHandler defines the interface for handling subscription for resources.
type ResourceSubscriptionHandler interface {
	// SubscribeResource subscribes to a resource.
	SubscribeResource(SubscribeResourceParams)
	// UnsubscribeResource unsubscribes from a resource.
	UnsubscribeResource(UnsubscribeResourceParams)
	// SubscribedResourceUpdates returns an iterator that emits the URI of a subscribed resource
	// whenever it changes.
	SubscribedResourceUpdates() iter.Seq[string]
}

// ToolServer defines the interface for managing tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns a paginated list of available tools.
	ListTools(context.Context, ListToolsParams, ProgressReporter) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments. The ProgressReporter
	// can be used to report operation progress.
	// Returns error if tool not found, arguments are invalid, execution fails, or context is cancelled.
	// The error is reported to the client as a tool result with IsError set.
	CallTool(context.Context, CallToolParams, ProgressReporter) (CallToolResult, error)
}

// LogHandler provides an interface for streaming log messages from the MCP server to connected clients.
type LogHandler interface {
	// LogStreams returns an iterator that emits log messages with metadata.
	LogStreams() iter.Seq[LogParams]

	// SetLogLevel configures the minimum severity level for emitted log messages.
	// Messages below this level are filtered out.
	SetLogLevel(level LogLevel)
}

// ProgressReporter is a function type used to report progress updates for long-running operations.
// Server implementations use this callback to inform clients about operation progress. The
// progress token is filled in by the server from the request's _meta; when the client did not
// ask for progress the reporter does nothing.
type ProgressReporter func(progress ProgressParams)
