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

// StdIO implements the server transport for newline-delimited JSON-RPC messages over a
// reader/writer pair, typically os.Stdin and os.Stdout. It yields exactly one session and
// stops yielding once that session ends, either because the reader hit EOF or because the
// server shut down.
//
// Nothing but protocol messages may be written to the writer; diagnostics belong on a
// different stream.
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
	readClosed    chan struct{}
	writeClosed   chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO transport reading requests from reader and writing
// responses to writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		sess: stdIOSession{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			writeMessages: make(chan stdIOMessage),
			done:          make(chan struct{}),
			readClosed:    make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStdIOLogger sets the logger for the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "stdio"),
		)
	}
}

// Sessions implements the ServerTransport interface by yielding the single stdio session
// and returning once it is stopped.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.processWriteMessages()

		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the Sessions loop to end.
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
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Writes are serialized through processWriteMessages so concurrent responses never interleave.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while queueing message", slog.String("method", msg.Method))
		return nil
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
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
		defer close(s.readClosed)

		type lineWithErr struct {
			line string
			err  error
		}

		// bufio.Reader instead of bufio.Scanner avoids the max token size limit.
		reader := bufio.NewReader(s.reader)
		lines := make(chan lineWithErr, 1)

		// A single reader goroutine feeds lines so the loop below can also watch done.
		go func() {
			for {
				line, err := reader.ReadString('\n')
				if err != nil && line == "" {
					select {
					case lines <- lineWithErr{err: err}:
					case <-s.done:
					}
					return
				}
				select {
				case lines <- lineWithErr{line: strings.TrimRight(line, "\r\n")}:
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
					s.logger.Error("failed to read message", slog.String("err", lwe.err.Error()))
				}
				return
			}

			if strings.TrimSpace(lwe.line) == "" {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				s.writeParseError(err)
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

// writeParseError answers an undecodable line with a JSON-RPC parse error. The request ID
// is unknown, so the response carries a null ID.
func (s stdIOSession) writeParseError(err error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultServerSendTimeout)
		defer cancel()

		_ = s.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      "null",
			Error: &JSONRPCError{
				Code:    jsonRPCParseErrorCode,
				Message: fmt.Sprintf("parse error: %s", err.Error()),
			},
		})
	}()
}

func (s stdIOSession) Stop() {
	close(s.done)
	<-s.readClosed
	<-s.writeClosed
}

func (s stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
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
