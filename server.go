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

// Server implements a Model Context Protocol (MCP) server. It accepts sessions from a
// ServerTransport, performs the initialization handshake, dispatches requests to the
// configured PromptServer, ResourceServer and ToolServer, and forwards log records from
// an optional LogHandler to every connected client.
type Server struct {
	info Info

	capabilities ServerCapabilities
	transport    ServerTransport

	promptServer   PromptServer
	resourceServer ResourceServer
	toolServer     ToolServer
	logHandler     LogHandler

	pingInterval time.Duration
	sendTimeout  time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup

	done      chan struct{}
	logClosed chan struct{}
}

type serverSession struct {
	session Session
	logger  *slog.Logger

	serverCap  ServerCapabilities
	serverInfo Info

	pingInterval time.Duration
	sendTimeout  time.Duration

	promptServer   PromptServer
	resourceServer ResourceServer
	toolServer     ToolServer
	logHandler     LogHandler

	onInitialized func(Info)
}

// inflight tracks the cancel functions of requests that are still being served, so a
// notifications/cancelled from the client can abort them.
type inflight struct {
	mu      sync.Mutex
	cancels map[RequestID]context.CancelFunc
}

var (
	defaultServerPingInterval = 30 * time.Second
	defaultServerSendTimeout  = 30 * time.Second

	errInvalidJSON = errors.New("invalid json")
)

// maxFailedPings is how many consecutive undelivered pings a session survives.
const maxFailedPings = 3

// NewServer creates a new MCP server that serves sessions from transport.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
		logClosed:         make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	s.capabilities = ServerCapabilities{}

	if s.promptServer != nil {
		s.capabilities.Prompts = &PromptsCapability{}
	}
	if s.resourceServer != nil {
		s.capabilities.Resources = &ResourcesCapability{}
	}
	if s.promptServer != nil || s.resourceServer != nil {
		s.capabilities.Completions = &CompletionsCapability{}
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

// WithServerPingInterval returns a ServerOption that configures the server's ping interval.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerSendTimeout bounds every message the server sends: replies, pings and log
// notifications. Zero keeps the default.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback invoked once a client completes the
// initialize request. The callback receives the session ID and the client's Info.
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

// Serve starts accepting sessions from the transport and serves them until the
// transport stops yielding sessions, which happens after Shutdown or, for single-session
// transports such as StdIO, once that session ends.
func (s Server) Serve() {
	broadcasts := make(chan JSONRPCMessage, 10)

	if s.logHandler != nil {
		go s.listenLogs(broadcasts)
	} else {
		close(s.logClosed)
	}

	s.start(broadcasts)
}

// Shutdown gracefully shuts down the server by terminating all active sessions and cleaning up resources.
// It returns an error if the context is cancelled before the shutdown completes.
func (s Server) Shutdown(ctx context.Context) error {
	close(s.done)

	s.sessionsWaitGroup.Wait()

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close LogHandler: %w", ctx.Err())
	case <-s.logClosed:
	}

	return nil
}

func (s Server) start(broadcasts <-chan JSONRPCMessage) {
	sessions := make(chan serverSession, 5)
	removedSessions := make(chan string, 5)

	go s.broadcast(broadcasts, sessions, removedSessions)

	// This loop breaks when the transport stops producing sessions.
	for sess := range s.transport.Sessions() {
		ss := serverSession{
			session:        sess,
			logger:         s.logger.With(slog.String("sessionID", sess.ID())),
			serverCap:      s.capabilities,
			serverInfo:     s.info,
			pingInterval:   s.pingInterval,
			sendTimeout:    s.sendTimeout,
			promptServer:   s.promptServer,
			resourceServer: s.resourceServer,
			toolServer:     s.toolServer,
			logHandler:     s.logHandler,
		}
		if s.onClientConnected != nil {
			ss.onInitialized = func(client Info) {
				s.onClientConnected(sess.ID(), client)
			}
		}

		select {
		case <-s.done:
			// Shutting down: drain the session so Stop can complete.
			go func() {
				for range sess.Messages() {
				}
			}()
			sess.Stop()
			continue
		case sessions <- ss:
		}

		s.sessionsWaitGroup.Add(1)

		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.start(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}

			select {
			case <-s.done:
			case removedSessions <- ss.session.ID():
			}
		}()
	}
}

func (s Server) broadcast(messages <-chan JSONRPCMessage, sessions <-chan serverSession, removedSession <-chan string) {
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

func (s Server) listenLogs(messages chan<- JSONRPCMessage) {
	defer close(s.logClosed)

	for params := range s.logHandler.LogStreams() {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal log params", slog.String("err", err.Error()))
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
	// Feeds the ping goroutine with response IDs received from the client.
	pingMessageIDs := make(chan RequestID, 10)
	messagesDone := make(chan struct{})
	pingClosed := make(chan struct{})
	go func() {
		defer close(pingClosed)
		s.ping(pingMessageIDs, done, messagesDone)
	}()

	requests := &inflight{cancels: make(map[RequestID]context.CancelFunc)}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	// Other than ping and initialize, requests are ignored until the client
	// sends notifications/initialized.
	initialized := false

	for msg := range s.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.String("method", msg.Method),
				slog.String("err", errInvalidJSON.Error()),
			)
			continue
		}
		switch msg.Method {
		case methodPing:
			go s.reply(msg.ID, json.RawMessage(`{}`), nil)
		case methodInitialize:
			go s.handleInitializeRequest(msg)
		case MethodPromptsList, MethodPromptsGet, MethodResourcesList, MethodResourcesRead,
			MethodResourcesTemplatesList, MethodToolsList, MethodToolsCall, MethodCompletionComplete,
			MethodLoggingSetLevel:
			if !initialized {
				s.logger.Warn("request before initialization", slog.String("method", msg.Method))
				go s.reply(msg.ID, nil, &JSONRPCError{
					Code:    jsonRPCInvalidRequestCode,
					Message: "session is not initialized",
				})
				continue
			}
			ctx := requests.begin(baseCtx, msg.ID)
			go func() {
				defer requests.end(msg.ID)
				s.handleServerImplementationMessage(ctx, msg)
			}()
		case methodNotificationsInitialized:
			initialized = true
		case methodNotificationsCancelled:
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Warn("invalid cancellation", slog.String("err", err.Error()))
				continue
			}
			requests.cancel(params.RequestID)
		case "":
			// A response from the client. The only requests we send are pings.
			if msg.Error != nil {
				s.logger.Warn("client responded with error", slog.String("err", msg.Error.Error()))
			}
			select {
			case <-done:
			case pingMessageIDs <- msg.ID:
			default:
			}
		default:
			if msg.ID == "" {
				continue
			}
			go s.reply(msg.ID, nil, &JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: fmt.Sprintf("method not found: %s", msg.Method),
			})
		}
	}

	baseCancel()
	close(messagesDone)
	<-pingClosed
}

func (f *inflight) begin(parent context.Context, id RequestID) context.Context {
	ctx, cancel := context.WithCancel(parent)
	f.mu.Lock()
	f.cancels[id] = cancel
	f.mu.Unlock()
	return ctx
}

func (f *inflight) end(id RequestID) {
	f.mu.Lock()
	cancel, ok := f.cancels[id]
	delete(f.cancels, id)
	f.mu.Unlock()
	if ok {
		cancel()
	}
}

func (f *inflight) cancel(id RequestID) {
	f.mu.Lock()
	cancel, ok := f.cancels[id]
	f.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s serverSession) reply(id RequestID, result json.RawMessage, rpcErr *JSONRPCError) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
		Error:   rpcErr,
	}); err != nil {
		s.logger.Error("failed to send response", slog.String("err", err.Error()))
	}
}

func (s serverSession) handleInitializeRequest(msg JSONRPCMessage) {
	res, err := s.initializationHandshake(msg)
	if err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		jsonErr := JSONRPCError{}
		errors.As(err, &jsonErr)
		s.reply(msg.ID, nil, &jsonErr)
		return
	}
	resBs, _ := json.Marshal(res)
	s.reply(msg.ID, resBs, nil)
}

// ping sends a ping every pingInterval and stops the session once too many pings could
// not be delivered, the server shuts down, or the client stops sending messages.
func (s serverSession) ping(messageIDs <-chan RequestID, done, messagesDone <-chan struct{}) {
	defer s.session.Stop()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0
	var msgID RequestID

	for {
		if failedPings > maxFailedPings {
			s.logger.Warn("too many pings failed, closing session")
			return
		}

		select {
		case <-done:
			return
		case <-messagesDone:
			return
		case id := <-messageIDs:
			if id != msgID {
				continue
			}
			s.logger.Debug("received ping response, resetting failed ping counter")
			failedPings = 0
			continue
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)

		msgID = NewRequestID(uuid.New().String())

		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msgID,
			Method:  methodPing,
		}); err != nil {
			s.logger.Warn("failed to send ping to client",
				slog.String("err", err.Error()))
			failedPings++
		}
		cancel()
	}
}

func (s serverSession) handleServerImplementationMessage(ctx context.Context, msg JSONRPCMessage) {
	var result any
	// err is always a JSONRPCError, declared as error for the nil-check.
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
	case MethodToolsList:
		result, err = s.callListTools(ctx, msg)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, msg)
	case MethodCompletionComplete:
		result, err = s.callComplete(ctx, msg)
	case MethodLoggingSetLevel:
		result, err = s.callSetLogLevel(msg)
	default:
		return
	}

	if msg.ID == "" {
		// A request sent as a notification gets no response.
		return
	}

	if err != nil {
		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		}
		s.logger.Error("failed to call server implementation",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		s.reply(msg.ID, nil, &jsonErr)
		return
	}

	resBs, mErr := json.Marshal(result)
	if mErr != nil {
		s.reply(msg.ID, nil, &JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Errorf("failed to marshal result: %w", mErr).Error(),
		})
		return
	}
	s.reply(msg.ID, resBs, nil)
}

// initializationHandshake answers with the server's own protocol revision whatever the
// client asked for; no version negotiation takes place.
func (s serverSession) initializationHandshake(msg JSONRPCMessage) (initializeResult, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	if params.ProtocolVersion != ProtocolVersion {
		s.logger.Info("client requested a different protocol version",
			slog.String("requested", params.ProtocolVersion),
			slog.String("served", ProtocolVersion))
	}
	if s.onInitialized != nil {
		s.onInitialized(params.ClientInfo)
	}

	return initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
	}, nil
}

func unmarshalParams(msg JSONRPCMessage, v any) error {
	if len(msg.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Params, v); err != nil {
		return JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}
	return nil
}

func internalError(action string, err error) error {
	var jsonErr JSONRPCError
	if errors.As(err, &jsonErr) {
		return jsonErr
	}
	return JSONRPCError{
		Code:    jsonRPCInternalErrorCode,
		Message: fmt.Errorf("failed to %s: %w", action, err).Error(),
	}
}

func (s serverSession) callListPrompts(ctx context.Context, msg JSONRPCMessage) (ListPromptResult, error) {
	if s.promptServer == nil {
		return ListPromptResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "prompts not supported by server",
		}
	}

	var params ListPromptsParams
	if err := unmarshalParams(msg, &params); err != nil {
		return ListPromptResult{}, err
	}

	ps, err := s.promptServer.ListPrompts(ctx, params)
	if err != nil {
		return ListPromptResult{}, internalError("list prompts", err)
	}

	return ps, nil
}

func (s serverSession) callGetPrompt(ctx context.Context, msg JSONRPCMessage) (GetPromptResult, error) {
	if s.promptServer == nil {
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "prompts not supported by server",
		}
	}

	var params GetPromptParams
	if err := unmarshalParams(msg, &params); err != nil {
		return GetPromptResult{}, err
	}

	p, err := s.promptServer.GetPrompt(ctx, params)
	if err != nil {
		return GetPromptResult{}, internalError("get prompt", err)
	}

	return p, nil
}

func (s serverSession) callListResources(ctx context.Context, msg JSONRPCMessage) (ListResourcesResult, error) {
	if s.resourceServer == nil {
		return ListResourcesResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ListResourcesParams
	if err := unmarshalParams(msg, &params); err != nil {
		return ListResourcesResult{}, err
	}

	rs, err := s.resourceServer.ListResources(ctx, params)
	if err != nil {
		return ListResourcesResult{}, internalError("list resources", err)
	}

	return rs, nil
}

func (s serverSession) callReadResource(ctx context.Context, msg JSONRPCMessage) (ReadResourceResult, error) {
	if s.resourceServer == nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ReadResourceParams
	if err := unmarshalParams(msg, &params); err != nil {
		return ReadResourceResult{}, err
	}

	r, err := s.resourceServer.ReadResource(ctx, params)
	if err != nil {
		return ReadResourceResult{}, internalError("read resource", err)
	}

	return r, nil
}

func (s serverSession) callListResourceTemplates(
	ctx context.Context,
	msg JSONRPCMessage,
) (ListResourceTemplatesResult, error) {
	if s.resourceServer == nil {
		return ListResourceTemplatesResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ListResourceTemplatesParams
	if err := unmarshalParams(msg, &params); err != nil {
		return ListResourceTemplatesResult{}, err
	}

	ts, err := s.resourceServer.ListResourceTemplates(ctx, params)
	if err != nil {
		return ListResourceTemplatesResult{}, internalError("list resource templates", err)
	}

	return ts, nil
}

func (s serverSession) callComplete(ctx context.Context, msg JSONRPCMessage) (CompletionResult, error) {
	var params CompletesCompletionParams
	if err := unmarshalParams(msg, &params); err != nil {
		return CompletionResult{}, err
	}

	switch params.Ref.Type {
	case CompletionRefPrompt:
		if s.promptServer == nil {
			return CompletionResult{}, JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: "prompts not supported by server",
			}
		}
		result, err := s.promptServer.CompletesPrompt(ctx, params)
		if err != nil {
			return CompletionResult{}, internalError("complete prompt", err)
		}
		return result, nil
	case CompletionRefResource:
		if s.resourceServer == nil {
			return CompletionResult{}, JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: "resources not supported by server",
			}
		}
		result, err := s.resourceServer.CompletesResourceTemplate(ctx, params)
		if err != nil {
			return CompletionResult{}, internalError("complete resource template", err)
		}
		return result, nil
	default:
		return CompletionResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("unknown completion reference type: %q", params.Ref.Type),
		}
	}
}

func (s serverSession) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params ListToolsParams
	if err := unmarshalParams(msg, &params); err != nil {
		return ListToolsResult{}, err
	}

	ts, err := s.toolServer.ListTools(ctx, params)
	if err != nil {
		return ListToolsResult{}, internalError("list tools", err)
	}

	return ts, nil
}

func (s serverSession) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params CallToolParams
	if err := unmarshalParams(msg, &params); err != nil {
		return CallToolResult{}, err
	}

	result, err := s.toolServer.CallTool(ctx, params)
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
		return struct{}{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "logging not supported by server",
		}
	}

	var params SetLogLevelParams
	if err := unmarshalParams(msg, &params); err != nil {
		return struct{}{}, err
	}

	s.logHandler.SetLogLevel(params.Level)

	return struct{}{}, nil
}
