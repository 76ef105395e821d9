package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MustString holds fields that can be either a string or an integer in the protocol, such as
// request IDs and progress tokens. Integers are kept as their decimal text and written back
// as JSON numbers. String values that would read as an integer, or that start with a quote,
// are kept as their quoted JSON token, so every id is echoed in the type the client used.
type MustString string

// JSONRPCMessage is one line of the wire. Requests carry an ID and a Method, responses an ID
// and a Result or an Error, notifications a Method only.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      MustString      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the error object of a JSON-RPC response.
type JSONRPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// ListPromptsParams is the params of prompts/list.
type ListPromptsParams struct {
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ListPromptResult represents the list of prompts returned by ListPrompts.
type ListPromptResult struct {
	Prompts []Prompt `json:"prompts"`
}

// GetPromptParams is the params of prompts/get.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
	Meta      ParamsMeta        `json:"_meta,omitempty"`
}

// GetPromptResult is the result of prompts/get.
type GetPromptResult struct {
	Messages    []PromptMessage `json:"messages"`
	Description string          `json:"description,omitempty"`
}

// ListResourcesParams is the params of resources/list.
type ListResourcesParams struct {
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ListResourcesResult represents the list of resources returned by ListResources.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// ReadResourceParams is the params of resources/read.
type ReadResourceParams struct {
	URI  string     `json:"uri"`
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ReadResourceResult is the result of resources/read.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ListResourceTemplatesParams is the params of resources/templates/list.
type ListResourceTemplatesParams struct {
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ListResourceTemplatesResult is the result of resources/templates/list.
type ListResourceTemplatesResult struct {
	Templates []ResourceTemplate `json:"resourceTemplates"`
}

// SubscribeResourceParams is the params of resources/subscribe.
type SubscribeResourceParams struct {
	URI string `json:"uri"`
}

// UnsubscribeResourceParams is the params of resources/unsubscribe.
type UnsubscribeResourceParams struct {
	URI string `json:"uri"`
}

// ListToolsParams is the params of tools/list.
type ListToolsParams struct {
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ListToolsResult represents the list of tools returned by ListTools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams is the params of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Meta      ParamsMeta      `json:"_meta,omitempty"`
}

// CallToolResult is the result of tools/call. A failed tool sets IsError and explains the
// failure in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// LogParams is the params of notifications/message.
type LogParams struct {
	Level  LogLevel        `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// SetLogLevelParams contains the parameters of a logging/setLevel request.
type SetLogLevelParams struct {
	Level LogLevel `json:"level"`
}

// ServerCapabilities is announced in the initialize result. Nil members are not supported.
type ServerCapabilities struct {
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// PromptsCapability marks prompt support.
type PromptsCapability struct{}

// ResourcesCapability marks resource support and its optional features.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability marks tool support.
type ToolsCapability struct{}

// LoggingCapability marks log forwarding support.
type LoggingCapability struct{}

// Info names a server or client implementation.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Prompt is a prompt template as listed by prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument is one named argument of a Prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Role is the speaker of a PromptMessage.
type Role string

// Content is a piece of text content. Only text content is produced by this server.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// ContentType tags a Content.
type ContentType string

// ResourceContents is the text of a read resource.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// CompletesCompletionParams is the params of completion/complete.
type CompletesCompletionParams struct {
	Ref      CompletionRef      `json:"ref"`
	Argument CompletionArgument `json:"argument"`
}

// CompletionResult is the result of completion/complete. Total and HasMore describe values
// that were cut off.
type CompletionResult struct {
	Completion struct {
		Values  []string `json:"values"`
		HasMore bool     `json:"hasMore,omitempty"`
		Total   int      `json:"total,omitempty"`
	} `json:"completion"`
}

// CompletionRef points at a prompt (Type ref/prompt, by Name) or a resource template (Type
// ref/resource, by URI).
type CompletionRef struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// CompletionArgument is the argument being completed and its partial value.
type CompletionArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Resource is a readable resource as listed by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate is an RFC 6570 URI template of readable resources.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Tool is a callable tool. InputSchema is the JSON Schema of its arguments.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// LogLevel represents the severity level of log messages, using the syslog names of RFC 5424.
type LogLevel string

// ProgressParams is the params of notifications/progress.
type ProgressParams struct {
	ProgressToken MustString `json:"progressToken"`
	Progress      float64    `json:"progress"`
	Total         float64    `json:"total,omitempty"`
}

// ParamsMeta is the _meta member of request params. A ProgressToken asks for progress
// notifications.
type ParamsMeta struct {
	ProgressToken MustString `json:"progressToken,omitempty"`
}

// requestMeta extracts the _meta of any request's params.
type requestMeta struct {
	Meta ParamsMeta `json:"_meta"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      Info   `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type notificationsCancelledParams struct {
	RequestID MustString `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

type notificationsResourcesUpdatedParams struct {
	URI string `json:"uri"`
}

// Roles.
const (
	RoleUser Role = "user"
)

// Content types.
const (
	ContentTypeText ContentType = "text"
)

// Log levels, lowest first.
const (
	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"
)

var logLevelSeverity = map[LogLevel]int{
	LogLevelDebug:     0,
	LogLevelInfo:      1,
	LogLevelNotice:    2,
	LogLevelWarning:   3,
	LogLevelError:     4,
	LogLevelCritical:  5,
	LogLevelAlert:     6,
	LogLevelEmergency: 7,
}

const (
	JSONRPCVersion = "2.0"

	MethodPromptsList = "prompts/list"
	MethodPromptsGet  = "prompts/get"

	MethodResourcesList          = "resources/list"
	MethodResourcesRead          = "resources/read"
	MethodResourcesTemplatesList = "resources/templates/list"
	MethodResourcesSubscribe     = "resources/subscribe"
	MethodResourcesUnsubscribe   = "resources/unsubscribe"

	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"

	MethodCompletionComplete = "completion/complete"

	MethodLoggingSetLevel = "logging/setLevel"

	CompletionRefPrompt   = "ref/prompt"
	CompletionRefResource = "ref/resource"

	protocolVersion = "2024-11-05"

	methodPing       = "ping"
	methodInitialize = "initialize"

	methodNotificationsInitialized          = "notifications/initialized"
	methodNotificationsCancelled            = "notifications/cancelled"
	methodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	methodNotificationsResourcesUpdated     = "notifications/resources/updated"
	methodNotificationsProgress             = "notifications/progress"
	methodNotificationsMessage              = "notifications/message"

	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
)

// Severity orders the levels from debug (0) to emergency (7). Unknown levels return -1.
func (l LogLevel) Severity() int {
	sev, ok := logLevelSeverity[l]
	if !ok {
		return -1
	}
	return sev
}

// Valid reports whether l is one of the protocol's levels.
func (l LogLevel) Valid() bool {
	return l.Severity() >= 0
}

// UnmarshalJSON implements json.Unmarshaler, accepting JSON strings and integers.
func (m *MustString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if !ambiguousString(str) {
			*m = MustString(str)
			return nil
		}
		quoted, err := json.Marshal(str)
		if err != nil {
			return err
		}
		*m = MustString(quoted)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid type: %s", data)
	}
	i, err := n.Int64()
	if err != nil {
		return fmt.Errorf("invalid integer: %s", n)
	}
	*m = MustString(strconv.FormatInt(i, 10))

	return nil
}

// MarshalJSON implements json.Marshaler. Values holding decimal integers are written as
// JSON numbers, quoted tokens as they are, anything else as a JSON string.
func (m MustString) MarshalJSON() ([]byte, error) {
	if isDecimalInteger(string(m)) || isQuotedToken(string(m)) {
		return []byte(m), nil
	}
	return json.Marshal(string(m))
}

// ambiguousString reports whether a string id must keep its quotes to survive a round
// trip.
func ambiguousString(s string) bool {
	return isDecimalInteger(s) || strings.HasPrefix(s, `"`)
}

func isQuotedToken(s string) bool {
	if len(s) < 2 || s[0] != '"' {
		return false
	}
	var    str string
	return json.Unmarshal([]byte(s), &str) == nil
}

func isDecimalInteger(s string) bool {
	if s == "" || len(s) > 19 {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
		if s == "" {
			return false
		}
	}
	if len(s) > 1 && s[0] == '0' {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
