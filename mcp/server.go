package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server that exposes tools, resources,
// prompts and logs to LLM clients. It manages the connection lifecycle, handles protocol
// messages, and routes requests to the configured capability implementations.
type Server struct {
	info Info

	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport

	promptServer PromptServer

	resourceServer              ResourceServer
	resourceListUpdater         ResourceListUpdater
	resourceSubscriptionHandler ResourceSubscriptionHandler

	toolServer ToolServer

	logHandler LogHandler

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup

	done                     chan struct{}
	resourceListClosed       chan struct{}
	resourceSubscribedClosed chan struct{}
	logClosed                chan struct{}
}

type serverSession struct {
	session Session
	logger  *slog.Logger

	serverCap    ServerCapabilities
	serverInfo   Info
	instructions string

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	promptServer                PromptServer
	resourceServer              ResourceServer
	toolServer                  ToolServer
	resourceSubscriptionHandler ResourceSubscriptionHandler
	logHandler                  LogHandler

	onInitialized func(Info)
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second

	errInvalidJSON = errors.New("invalid json")
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:                     info,
		transport:                transport,
		logger:                   slog.Default(),
		sessionsWaitGroup:        &sync.WaitGroup{},
		done:                     make(chan struct{}),
		resourceListClosed:       make(chan struct{}),
		resourceSubscribedClosed: make(chan struct{}),
		logClosed:                make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	// Prepares the server's capabilities based on the provided server implementations.

	s.capabilities = ServerCapabilities{}

	if s.promptServer != nil {
		s.capabilities.Prompts = &PromptsCapability{}
	}
	if s.resourceServer != nil {
		s.capabilities.Resources = &ResourcesCapability{}
		if s.resourceListUpdater != nil {
			s.capabilities.Resources.ListChanged = true
		}
		if s.resourceSubscriptionHandler != nil {
			s.capabilities.Resources.Subscribe = true
		}
	}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
	}
	if s.logHandler != nil {
		s.capabilities.Logging = &LoggingCapability{}
	}

	return s
}

// WithPromptServer returns a ServerOption that configures the prompt server implementation.
func WithPromptServer(srv PromptServer) ServerOption {
	return func(s *Server) {
		s.promptServer = srv
	}
}

// WithResourceServer returns a ServerOption that configures the resource server implementation.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(s *Server) {
		s.resourceServer = srv
	}
}

// WithResourceListUpdater returns a ServerOption that configures the resource list updater implementation.
func WithResourceListUpdater(updater ResourceListUpdater) ServerOption {
	return func(s *Server) {
		s.resourceListUpdater = updater
	}
}

// WithResourceSubscriptionHandler returns a ServerOption that configures
// the resource subscription handler implementation.
func WithResourceSubscriptionHandler(handler ResourceSubscriptionHandler) ServerOption {
	return func(s *Server) {
		s.resourceSubscriptionHandler = handler
	}
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithLogHandler returns a ServerOption that configures the log handler implementation.
func WithLogHandler(handler LogHandler) ServerOption {
	return func(s *Server) {
		s.logHandler = handler
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval returns a ServerOption that configures the server's ping interval.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive ping timeouts exceeds the threshold, the server will close the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client completes the initialization
// handshake. The callback's parameters are the session ID and the client's Info.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the ID of the session.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve starts the MCP server and manages its lifecycle. It handles client connections,
// protocol messages, and server capabilities according to the MCP specification.
//
// Serve blocks until the transport stops yielding sessions, either because Shutdown was
// called or because the transport's only session ended.
func (s Server) Serve() {
	broadcasts := make(chan JSONRPCMessage, 10)

	if s.resourceListUpdater != nil {
		go s.listenResourceListUpdates(broadcasts)
	} else {
		close(s.resourceListClosed)
	}

	if s.resourceSubscriptionHandler != nil {
		go s.listenSubcribedResources(broadcasts)
	} else {
		close(s.resourceSubscribedClosed)
	}

	if s.logHandler != nil {
		go s.listenLogs(broadcasts)
	} else {
		close(s.logClosed)
	}

	s.start(broadcasts)
}

// Shutdown gracefully shuts down the server by terminating all active clients and cleaning up resources.
// It returns an error if the shutdown process fails or if the context is cancelled before the shutdown completes.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and terminates all sessions
	close(s.done)

	// Wait for all sessions to finish
	s.sessionsWaitGroup.Wait()

	// Close the transport so the Sessions loop in the start function breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	// Wait for all goroutines to finish

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close ResourceListUpdater: %w", ctx.Err())
	case <-s.resourceListClosed:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close ResourceSubscriptionHandler: %w", ctx.Err())
	case <-s.resourceSubscribedClosed:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close LogHandler: %w", ctx.Err())
	case <-s.logClosed:
	}

	return nil
}

func (s Server) start(broadcasts <-chan JSONRPCMessage) {
	// These channels are used to send broadcasts to all sessions in the goroutine below.
	sessions := make(chan serverSession, 5)
	removedSessions := make(chan string, 5)

	go s.broadcast(broadcasts, sessions, removedSessions)

	// This loop would break when the transport is closed.
	for sess := range s.transport.Sessions() {
		ss := serverSession{
			session:                     sess,
			logger:                      s.logger.With(slog.String("sessionID", sess.ID())),
			serverCap:                   s.capabilities,
			serverInfo:                  s.info,
			instructions:                s.instructions,
			pingInterval:                s.pingInterval,
			pingTimeout:                 s.pingTimeout,
			pingTimeoutThreshold:        s.pingTimeoutThreshold,
			sendTimeout:                 s.sendTimeout,
			promptServer:                s.promptServer,
			resourceServer:              s.resourceServer,
			toolServer:                  s.toolServer,
			resourceSubscriptionHandler: s.resourceSubscriptionHandler,
			logHandler:                  s.logHandler,
		}
		if s.onClientConnected != nil {
			ss.onInitialized = func(client Info) { s.onClientConnected(sess.ID(), client) }
		}
		// Updates the broadcaster about new sessions
		select {
		case <-s.done:
			sess.Stop()
			continue
		case sessions <- ss:
		}

		s.sessionsWaitGroup.Add(1)

		// This session would close itself when the client goes away or when consecutive
		// pings fail beyond threshold.
		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.start(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}

			// Notify the broadcaster about removed sessions
			select {
			case <-s.done:
			case removedSessions <- ss.session.ID():
			}
		}()
	}
}

func (s Server) broadcast(messages <-chan JSONRPCMessage, sessions <-chan serverSession, removedSession <-chan string) {
	// Store all active sessions in a map for easy lookup
	sessMap := make(map[string]serverSession)

	for {
		select {
		case <-s.done:
			return
		case sess := <-sessions:
			sessMap[sess.session.ID()] = sess
		case sessID := <-removedSession:
			delete(sessMap, sessID)
		case msg := <-messages:
			ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
			// Broadcast the message to all active sessions
			for _, sess := range sessMap {
				if err := sess.session.Send(ctx, msg); err != nil {
					sess.logger.Error("failed to send message",
						slog.String("method", msg.Method),
						slog.String("err", err.Error()))
				}
			}
			cancel()
		}
	}
}

func (s Server) listenResourceListUpdates(messages chan<- JSONRPCMessage) {
	defer close(s.resourceListClosed)

	for range s.resourceListUpdater.ResourceListUpdates() {
		msg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsResourcesListChanged,
		}
		select {
		case <-s.done:
			return
		case messages <- msg:
		}
	}
}

func (s Server) listenSubcribedResources(messages chan<- JSONRPCMessage) {
	defer close(s.resourceSubscribedClosed)

	for uri := range s.resourceSubscriptionHandler.SubscribedResourceUpdates() {
		params := notificationsResourcesUpdatedParams{
			URI: uri,
		}
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal resources updated params", "err", err)
			continue
		}
		msg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsResourcesUpdated,
			Params:  paramsBs,
		}
		select {
		case <-s.done:
			return
		case messages <- msg:
		}
	}
}

func (s Server) listenLogs(messages chan<- JSONRPCMessage) {
	defer close(s.logClosed)

	for params := range s.logHandler.LogStreams() {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal log params", "err", err)
			continue
		}
		msg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsMessage,
			Params:  paramsBs,
		}
		select {
		case <-s.done:
			return
		case messages <- msg:
		}
	}
}

func (s serverSession) start(done <-chan struct{}) {
	// This channel is used to feed the ping goroutine a message ID we received from the client.
	pingMessageIDs := make(chan MustString, 10)
	// Closed when the client stops sending messages, so the ping goroutine stops the session.
	messagesClosed := make(chan struct{})
	pingClosed := make(chan struct{})
	// Spawn a goroutine to handle the session's lifetime with ping.
	go func() {
		defer close(pingClosed)
		s.ping(pingMessageIDs, done, messagesClosed)
	}()
	// This map is used to store the cancellation for the request
	// we receive from the client and forwards to server implementation.
	var cancelsLock sync.Mutex
	ctxCancels := make(map[MustString]context.CancelFunc)
	// This base context is to make sure all the operations in the loop below is cancelled
	// when the loop is broken.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	var requests sync.WaitGroup
	// This flag indicates whether we already established the session with the client.
	// Before this flag is set to true, other than ping and initialization message,
	// we should ignore any other messages from the client.
	initialized := false

	// This loops would break when the session is closed
	for msg := range s.session.Messages() {
		// Validate JSON-RPC version before processing any message
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.Any("message", msg),
				slog.String("err", errInvalidJSON.Error()),
			)
			continue
		}
		switch msg.Method {
		case methodPing:
			go func(msgID MustString) {
				// Send pong back to the client
				pongCtx, pongCancel := context.WithTimeout(context.Background(), s.pingTimeout)
				defer pongCancel()
				if err := s.session.Send(pongCtx, JSONRPCMessage{
					JSONRPC: JSONRPCVersion,
					ID:      msgID,
					Result:  json.RawMessage("{}"),
				}); err != nil {
					s.logger.Error("failed to send pong", slog.String("err", err.Error()))
				}
			}(msg.ID)
		case methodInitialize:
			// Handle initialization request.
			go s.handleInitializeRequest(msg)
		case methodNotificationsInitialized:
			// Successfully established the session with the client
			initialized = true
		case methodNotificationsCancelled:
			if !initialized {
				continue
			}
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Warn("invalid cancellation", slog.String("err", err.Error()))
				continue
			}
			// Lookup the context cancellation for message ID
			cancelsLock.Lock()
			cancel, ok := ctxCancels[params.RequestID]
			cancelsLock.Unlock()
			if ok {
				s.logger.Debug("request cancelled by client",
					slog.String("requestID", string(params.RequestID)),
					slog.String("reason", params.Reason))
				cancel()
			}
		case "":
			// This is a response from the client, only pings are expected.
			if msg.Error != nil {
				s.logger.Warn("received error from client", slog.String("err", msg.Error.Error()))
			}
			// Feed the ping goroutine with the message ID we received from the client.
			select {
			case <-done:
			case <-pingClosed:
			case pingMessageIDs <- msg.ID:
			}
		default:
			if !initialized {
				continue
			}
			if isNotification(msg) {
				s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
				continue
			}
			// All the methods are cancellable, so we register the cancellation in the map,
			// so we can cancel it if the client requests it.
			serverCtx, serverCancel := context.WithCancel(baseCtx)
			cancelsLock.Lock()
			ctxCancels[msg.ID] = serverCancel
			cancelsLock.Unlock()

			requests.Add(1)
			go func() {
				defer requests.Done()
				defer func() {
					cancelsLock.Lock()
					delete(ctxCancels, msg.ID)
					cancelsLock.Unlock()
					serverCancel()
				}()
				s.handleServerImplementationMessage(serverCtx, msg)
			}()
		}
	}
	// Cancel all the contexts that we created
	baseCancel()
	requests.Wait()
	// Let the ping goroutine stop the session.
	close(messagesClosed)
	<-pingClosed
}

// isNotification reports whether a message expects no response. Client requests always
// carry an id.
func isNotification(msg JSONRPCMessage) bool {
	return msg.ID == ""
}

func (s serverSession) handleInitializeRequest(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	// Verify client's initialization request
	res, client, err := s.initializationHandshake(msg)
	if err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		// Initialization failed, send the error to the client to notify them to close the session.
		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: jsonRPCInvalidParamsCode, Message: err.Error()}
		}
		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Error:   &jsonErr,
		}); err != nil {
			s.logger.Error("failed to send initialization error", slog.String("err", err.Error()))
		}
		return
	}
	resBs, _ := json.Marshal(res)
	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  resBs,
	}); err != nil {
		s.logger.Error("failed to send initialization result", slog.String("err", err.Error()))
		return
	}

	s.logger.Info("client initialized",
		slog.String("client", client.Name),
		slog.String("clientVersion", client.Version))
	if s.onInitialized != nil {
		s.onInitialized(client)
	}
}

func (s serverSession) ping(messageIDs <-chan MustString, done, messagesClosed <-chan struct{}) {
	defer s.session.Stop()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0
	awaiting := false
	var msgID MustString

	for {
		select {
		case <-done:
			return
		case <-messagesClosed:
			return
		case id := <-messageIDs:
			// Received id from client response, check whether it's the same as the one we sent.
			if id != msgID {
				continue
			}
			s.logger.Debug("received ping response, resetting failed ping counter")
			failedPings = 0
			awaiting = false
			continue
		case <-pingTicker.C:
		}

		// The previous ping was never answered.
		if awaiting {
			failedPings++
		}
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session", slog.Int("failedPings", failedPings))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)

		msgID = MustString(uuid.New().String())
		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msgID,
			Method:  methodPing,
		}); err != nil {
			s.logger.Warn("failed to send ping to client",
				slog.String("err", err.Error()))
			failedPings++
			awaiting = false
		} else {
			awaiting = true
		}
		cancel()
	}
}

func (s serverSession) handleServerImplementationMessage(ctx context.Context, msg JSONRPCMessage) {
	// This variables is used to store all the result from the server implementation
	// to be sent back to the client below.
	var result any
	// The err is should always an instance of JSONRPCError, we declare it as an error type,
	// is for the nil-check feature.
	var err error

	switch msg.Method {
	case MethodPromptsList:
		result, err = s.callListPrompts(ctx, msg)
	case MethodPromptsGet:
		result, err = s.callGetPrompt(ctx, msg)
	case MethodResourcesList:
		result, err = s.callListResources(ctx, msg)
	case MethodResourcesRead:
		result, err = s.callReadResource(ctx, msg)
	case MethodResourcesTemplatesList:
		result, err = s.callListResourceTemplates(ctx, msg)
	case MethodResourcesSubscribe:
		result, err = s.callSubscribeResource(msg)
	case MethodResourcesUnsubscribe:
		result, err = s.callUnsubscribeResource(msg)
	case MethodToolsList:
		result, err = s.callListTools(ctx, msg)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, msg)
	case MethodCompletionComplete:
		result, err = s.callComplete(ctx, msg)
	case MethodLoggingSetLevel:
		result, err = s.callSetLogLevel(msg)
	default:
		err = JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}
	}

	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}

	if err != nil {
		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		}
		s.logger.Error("failed to call server implementation",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		resMsg.Error = &jsonErr
	} else {
		resMsg.Result, err = json.Marshal(result)
		if err != nil {
			resMsg.Result = nil
			resMsg.Error = &JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Sprintf("failed to marshal result: %s", err),
			}
		}
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(sendCtx, resMsg); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (s serverSession) initializationHandshake(msg JSONRPCMessage) (initializeResult, Info, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, Info{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	if params.ProtocolVersion != protocolVersion {
		return initializeResult{}, Info{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion),
		}
	}

	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	}, params.ClientInfo, nil
}

// progressReporter returns a reporter that sends notifications/progress for the request's
// progress token, or does nothing when the client did not supply one.
func (s serverSession) progressReporter(msg JSONRPCMessage) ProgressReporter {
	var meta requestMeta
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &meta)
	}
	token := meta.Meta.ProgressToken
	if token == "" {
		return func(ProgressParams) {}
	}

	return func(params ProgressParams) {
		params.ProgressToken = token
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal progress params", "err", err)
			return
		}

		notif := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsProgress,
			Params:  paramsBs,
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		defer cancel()

		if err := s.session.Send(ctx, notif); err != nil {
			s.logger.Error("failed to send progress", "err", err)
		}
	}
}

func unmarshalParams(msg JSONRPCMessage, params any) error {
	if len(msg.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Params, params); err != nil {
		return JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}
	return nil
}

func notSupported(what string) error {
	return JSONRPCError{
		Code:    jsonRPCMethodNotFoundCode,
		Message: what + " not supported by server",
	}
}

func internalError(err error) error {
	return JSONRPCError{
		Code:    jsonRPCInternalErrorCode,
		Message: err.Error(),
	}
}

func (s serverSession) callListPrompts(ctx context.Context, msg JSONRPCMessage) (ListPromptResult, error) {
	if s.promptServer == nil {
		return ListPromptResult{}, notSupported("prompts")
	}

	var params ListPromptsParams
	if err := unmarshalParams(msg, &params); err != nil {
		return ListPromptResult{}, err
	}

	ps, err := s.promptServer.ListPrompts(ctx, params, s.progressReporter(msg))
	if err != nil {
		return ListPromptResult{}, internalError(fmt.Errorf("failed to list prompts: %w", err))
	}

	return ps, nil
}

func (s serverSession) callGetPrompt(ctx context.Context, msg JSONRPCMessage) (GetPromptResult, error) {
	if s.promptServer == nil {
		return GetPromptResult{}, notSupported("prompts")
	}

	var params GetPromptParams
	if err := unmarshalParams(msg, &params); err != nil {
		return GetPromptResult{}, err
	}

	p, err := s.promptServer.GetPrompt(ctx, params, s.progressReporter(msg))
	if err != nil {
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to get prompt: %w", err).Error(),
		}
	}

	return p, nil
}

func (s serverSession) callListResources(ctx context.Context, msg JSONRPCMessage) (ListResourcesResult, error) {
	if s.resourceServer == nil {
		return ListResourcesResult{}, notSupported("resources")
	}

	var params ListResourcesParams
	if err := unmarshalParams(msg, &params); err != nil {
		return ListResourcesResult{}, err
	}

	rs, err := s.resourceServer.ListResources(ctx, params, s.progressReporter(msg))
	if err != nil {
		return ListResourcesResult{}, internalError(fmt.Errorf("failed to list resources: %w", err))
	}

	return rs, nil
}

func (s serverSession) callReadResource(ctx context.Context, msg JSONRPCMessage) (ReadResourceResult, error) {
	if s.resourceServer == nil {
		return ReadResourceResult{}, notSupported("resources")
	}

	var params ReadResourceParams
	if err := unmarshalParams(msg, &params); err != nil {
		return ReadResourceResult{}, err
	}

	r, err := s.resourceServer.ReadResource(ctx, params, s.progressReporter(msg))
	if err != nil {
		return ReadResourceResult{}, internalError(fmt.Errorf("failed to read resource: %w", err))
	}

	return r, nil
}

func (s serverSession) callListResourceTemplates(
	ctx context.Context,
	msg JSONRPCMessage,
) (ListResourceTemplatesResult, error) {
	if s.resourceServer == nil {
		return ListResourceTemplatesResult{}, notSupported("resources")
	}

	var params ListResourceTemplatesParams
	if err := unmarshalParams(msg, &params); err != nil {
		return ListResourceTemplatesResult{}, err
	}

	ts, err := s.resourceServer.ListResourceTemplates(ctx, params, s.progressReporter(msg))
	if err != nil {
		return ListResourceTemplatesResult{}, internalError(fmt.Errorf("failed to list resource templates: %w", err))
	}

	return ts, nil
}

func (s serverSession) callSubscribeResource(msg JSONRPCMessage) (struct{}, error) {
	if s.resourceSubscriptionHandler == nil {
		return struct{}{}, notSupported("resources subscription")
	}

	var params SubscribeResourceParams
	if err := unmarshalParams(msg, &params); err != nil {
		return struct{}{}, err
	}

	s.resourceSubscriptionHandler.SubscribeResource(params)

	return struct{}{}, nil
}

func (s serverSession) callUnsubscribeResource(msg JSONRPCMessage) (struct{}, error) {
	if s.resourceSubscriptionHandler == nil {
		return struct{}{}, notSupported("resources subscription")
	}

	var params UnsubscribeResourceParams
	if err := unmarshalParams(msg, &params); err != nil {
		return struct{}{}, err
	}

	s.resourceSubscriptionHandler.UnsubscribeResource(params)

	return struct{}{}, nil
}

func (s serverSession) callComplete(ctx context.Context, msg JSONRPCMessage) (CompletionResult, error) {
	var params CompletesCompletionParams
	if err := unmarshalParams(msg, &params); err != nil {
		return CompletionResult{}, err
	}

	var (
		result CompletionResult
		err    error
	)
	switch params.Ref.Type {
	case CompletionRefPrompt:
		if s.promptServer == nil {
			return CompletionResult{}, notSupported("prompts")
		}
		result, err = s.promptServer.CompletesPrompt(ctx, params)
	case CompletionRefResource:
		if s.resourceServer == nil {
			return CompletionResult{}, notSupported("resources")
		}
		result, err = s.resourceServer.CompletesResourceTemplate(ctx, params)
	default:
		return CompletionResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("unknown completion reference type %q", params.Ref.Type),
		}
	}
	if err != nil {
		return CompletionResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to complete: %w", err).Error(),
		}
	}
	if result.Completion.Values == nil {
		result.Completion.Values = []string{}
	}

	return result, nil
}

func (s serverSession) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, notSupported("tools")
	}

	var params ListToolsParams
	if err := unmarshalParams(msg, &params); err != nil {
		return ListToolsResult{}, err
	}

	ts, err := s.toolServer.ListTools(ctx, params, s.progressReporter(msg))
	if err != nil {
		return ListToolsResult{}, internalError(fmt.Errorf("failed to list tools: %w", err))
	}

	return ts, nil
}

func (s serverSession) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, notSupported("tools")
	}

	var params CallToolParams
	if err := unmarshalParams(msg, &params); err != nil {
		return CallToolResult{}, err
	}

	result, err := s.toolServer.CallTool(ctx, params, s.progressReporter(msg))
	if err != nil {
		result = CallToolResult{
			Content: []Content{
				{
					Type: ContentTypeText,
					Text: err.Error(),
				},
			},
			IsError: true,
		}
	}

	return result, nil
}

func (s serverSession) callSetLogLevel(msg JSONRPCMessage) (struct{}, error) {
	if s.logHandler == nil {
		return struct{}{}, notSupported("logging")
	}

	var params SetLogLevelParams
	if err := unmarshalParams(msg, &params); err != nil {
		return struct{}{}, err
	}
	if !params.Level.Valid() {
		return struct{}{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("unknown log level %q", params.Level),
		}
	}

	s.logHandler.SetLogLevel(params.Level)

	return struct{}{}, nil
}
