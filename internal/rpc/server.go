// Package rpc is the local command surface: newline-delimited JSON over a
// unix socket. One line in is one command envelope; one line out is its
// response. Every state change in the system enters through this surface or
// through the background loops.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/merger"
	"github.com/zjrosen/maestro/internal/store"
)

// MaxLineBytes caps a single request line. A client that exceeds it gets an
// error response and its connection closed; nothing oversized is buffered.
const MaxLineBytes = 1 << 20

// writeTimeout bounds a response write so one stuck client cannot pin a
// handler goroutine forever.
const writeTimeout = 10 * time.Second

// Server accepts connections on the coordinator socket.
type Server struct {
	handler    HandlerFunc
	socketPath string
	projectDir string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// ServerConfig holds server construction parameters.
type ServerConfig struct {
	Handlers   *Handlers
	SocketPath string
	ProjectDir string        // for the socket hint file; empty skips the hint
	Tracer     trace.Tracer  // nil disables span creation
	DedupTTL   time.Duration // zero uses DefaultDedupTTL
}

// NewServer builds the middleware chain around the command catalog.
func NewServer(cfg ServerConfig) *Server {
	dedup := NewDedupMiddleware(cfg.DedupTTL)
	handler := ChainMiddleware(
		cfg.Handlers.Dispatch,
		LoggingMiddleware(),
		TracingMiddleware(cfg.Tracer),
		dedup.Middleware(),
	)
	return &Server{
		handler:    handler,
		socketPath: cfg.SocketPath,
		projectDir: cfg.ProjectDir,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Listen binds the unix socket with owner-only permissions and records the
// hint file next to it. A stale socket from a dead daemon is removed first.
func (s *Server) Listen() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	if s.projectDir != "" {
		if err := store.WriteSocketHint(s.projectDir, s.socketPath); err != nil {
			log.Warn(log.CatRPC, "socket hint write failed", "error", err)
		}
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.Info(log.CatRPC, "listening", "socket", s.socketPath)
	return nil
}

// Serve accepts connections until ctx is cancelled or the listener closes.
// Listen must have succeeded first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("rpc: Serve before Listen")
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting, closes open connections and removes the socket.
func (s *Server) Close() {
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.untrack(conn)
	defer func() { _ = conn.Close() }()

	// Handlers run under a per-connection context. The read goroutine sees
	// the peer hang up even while a command is in flight and cancels, so a
	// blocking inbox stops polling instead of consuming mail addressed to a
	// client that can no longer read it.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-connCtx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		cancel()
	}()

	for line := range lines {
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError(conn, "malformed request: "+err.Error())
			return
		}
		if req.Command == "" {
			s.writeError(conn, "missing command")
			continue
		}

		args, err := Validate(req.Command, req.Args)
		if err != nil {
			s.writeError(conn, err.Error())
			continue
		}
		req.Args = args

		result, err := s.handler(connCtx, &req)
		if err != nil {
			s.writeError(conn, publicError(err))
			continue
		}
		s.writeResult(conn, result)
	}

	select {
	case err := <-readErr:
		if err == nil {
			return
		}
		if errors.Is(err, bufio.ErrTooLong) {
			// Oversized line: respond and drop the connection, since the
			// rest of the stream is unparseable.
			s.writeError(conn, fmt.Sprintf("request exceeds %d bytes", MaxLineBytes))
			log.Warn(log.CatRPC, "oversized request dropped")
			return
		}
		log.Debug(log.CatRPC, "connection read ended", "error", err)
	default:
	}
}

func (s *Server) writeResult(conn net.Conn, result map[string]any) {
	response := make(map[string]any, len(result)+1)
	for k, v := range result {
		response[k] = v
	}
	response["ok"] = true
	s.writeLine(conn, response)
}

func (s *Server) writeError(conn net.Conn, msg string) {
	s.writeLine(conn, map[string]any{"ok": false, "error": msg})
}

func (s *Server) writeLine(conn net.Conn, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.ErrorErr(log.CatRPC, "response marshal failed", err)
		data = []byte(`{"ok":false,"error":"internal error"}`)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		log.Debug(log.CatRPC, "response write failed", "error", err)
	}
}

// publicError maps handler errors to wire messages. Expected domain errors
// pass through verbatim; anything else becomes a generic message so internal
// details stay in the log.
func publicError(err error) string {
	var invalid *InvalidInputError
	var constraint *store.ConstraintError
	switch {
	case errors.As(err, &invalid),
		errors.As(err, &constraint),
		errors.Is(err, merger.ErrInvalidInput),
		store.IsConflict(err),
		errors.Is(err, store.ErrRequestNotFound),
		errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrWorkerNotFound),
		errors.Is(err, store.ErrMergeNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err.Error()
	default:
		log.ErrorErr(log.CatRPC, "command error", err)
		return "internal error"
	}
}
