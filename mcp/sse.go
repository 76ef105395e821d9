package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server for managing
// bidirectional client communication. It handles server-to-client streaming through SSE
// and client-to-server messaging via HTTP POST endpoints.
//
// The server provides connection management, message distribution, and session tracking
// capabilities through its HandleSSE and HandleMessage http.Handlers. These handlers can
// be integrated with any HTTP framework.
//
// Instances should be created using NewSSEServer and shut down through the Server that
// serves them.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions         chan sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done   chan struct{}
	closed chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger

	// gone is closed when the client drops the SSE stream.
	gone     chan struct{}
	done     chan struct{}
	stopOnce *sync.Once

	sendClosed chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    JSONRPCMessage
	found  chan<- bool
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

var errSessionClosed = errors.New("session is closed")

// NewSSEServer creates and initializes a new SSE server that tells clients to post their
// messages to messageURL. The server is immediately operational upon creation.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		sessions:         make(chan sseServerSession, 5),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "sse"),
		)
	}
}

// Sessions returns an iterator over active client sessions. The iterator yields new
// Session instances as clients connect to the server.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Store all active sessions in a map for easy lookup when we receive a new message.
		sessionsMap := make(map[string]sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				sessionsMap[sess.id] = sess

				// Forward the session to the caller.
				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case msg := <-s.receivedMessages:
				session, ok := sessionsMap[msg.sessID]
				msg.found <- ok
				if !ok {
					continue
				}

				select {
				case <-s.done:
					return
				case <-session.done:
				case <-session.gone:
				case session.receivedMsgs <- msg.msg:
				}
			}
		}
	}
}

// Shutdown stops the Sessions loop. It blocks until the loop is done or ctx expires.
func (s SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique session IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects or the session is stopped.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Use the type "endpoint" to indicate the URL the client posts its messages to.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID))
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write SSE URL", "err", err)
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush SSE", "err", err)
			return
		}

		srvSession := sseServerSession{
			id:           sessID,
			sess:         sess,
			logger:       s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:     make(chan sseServerSessionSendMsg, 5),
			receivedMsgs: make(chan JSONRPCMessage, 5),
			gone:         make(chan struct{}),
			done:         make(chan struct{}),
			stopOnce:     &sync.Once{},
			sendClosed:   make(chan struct{}),
		}
		go srvSession.processSendMessages()

		select {
		case <-s.done:
			srvSession.Stop()
			return
		case <-r.Context().Done():
			srvSession.Stop()
			return
		case s.sessions <- srvSession:
		}

		s.logger.Debug("sse session opened", slog.String("sessionID", sessID))

		// Hold the connection open until the session stops. A client that goes away ends
		// the session's Messages, which makes the Server stop the session.
		select {
		case <-srvSession.done:
		case <-r.Context().Done():
			close(srvSession.gone)
			<-srvSession.done
		}
		<-srvSession.sendClosed

		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
		s.logger.Debug("sse session closed", slog.String("sessionID", sessID))
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionID query parameter and a JSON-encoded message
// body. Accepted messages are answered with 202; the response travels over the SSE stream.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		found := make(chan bool, 1)
		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		case s.receivedMessages <- sseSessionMessage{sessID: sessID, msg: msg, found: found}:
		}

		if !<-found {
			http.Error(w, fmt.Sprintf("session %s not found", sessID), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func (s sseServerSession) ID() string { return s.id }

func (s sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message for sending to avoid race in the sse library
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionClosed
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionClosed
	}
}

func (s sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.gone:
				return
			case <-s.done:
				return
			}
		}
	}
}

func (s sseServerSession) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	<-s.sendClosed
}

func (s sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			err := s.sess.Send(sm.msg)
			if err == nil {
				err = s.sess.Flush()
			}
			if err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
			}
			sm.errs <- err
		case <-s.gone:
			// The stream is gone, drain until stopped so senders fail fast.
			for {
				select {
				case sm := <-s.sendMsgs:
					sm.errs <- errSessionClosed
				case <-s.done:
					return
				}
			}
		case <-s.done:
			return
		}
	}
}
