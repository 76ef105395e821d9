package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// StdIO implements a standard input/output transport layer for MCP communication using
// newline-delimited JSON-RPC messages over stdin/stdout or similar io.Reader/io.Writer pairs.
// It provides a single persistent session and writes messages sequentially.
//
// The session ends when the reader reaches EOF, at which point Sessions returns and the
// Server's Serve call finishes. Proper initialization requires using the NewStdIO
// constructor function to create new instances.
type StdIO struct {
	sess   stdIOSession
	closed chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	done          chan struct{}
	writeClosed   chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		sess: stdIOSession{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			writeMessages: make(chan stdIOMessage),
			done:          make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "stdio"),
		)
	}
}

// Sessions implements the ServerTransport interface by providing an iterator that yields
// a single persistent session. This session remains active throughout the lifetime of
// the StdIO instance.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.processWriteMessages()

		// StdIO only supports a single session, so we yield it and wait until it's done.
		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface. It waits until the Sessions loop is done.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

func (s stdIOSession) ID() string {
	return s.id
}

func (s stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so writes never interleave.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Debug("session is closed while feeding writeMessages channel", slog.String("message", string(msgBs)))
		return nil
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("get error result from write", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

func (s stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		type lineWithErr struct {
			line string
			err  error
		}

		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(s.reader)
		lines := make(chan lineWithErr, 1)

		// A single reader goroutine, so we can listen to the done channel while a read blocks.
		go func() {
			for {
				line, err := reader.ReadString('\n')
				if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
					select {
					case lines <- lineWithErr{err: err}:
					case <-s.done:
					}
					return
				}
				select {
				case lines <- lineWithErr{line: strings.TrimSpace(line)}:
				case <-s.done:
					return
				}
				if err != nil {
					select {
					case lines <- lineWithErr{err: err}:
					case <-s.done:
					}
					return
				}
			}
		}()

		for {
			var lwe lineWithErr
			select {
			case <-s.done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) {
					s.logger.Error("failed to read message", "err", lwe.err)
				}
				return
			}

			if lwe.line == "" {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
				s.logger.Warn("failed to unmarshal message", "err", err)
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s stdIOSession) Stop() {
	close(s.done)
	<-s.writeClosed
}

func (s stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process writing the message queue until the session is closed.
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
