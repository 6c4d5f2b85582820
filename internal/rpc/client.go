package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// DefaultDialTimeout bounds the socket connect.
const DefaultDialTimeout = 3 * time.Second

// CommandError is a failure response from the daemon.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string {
	return e.Message
}

// Client is a one-connection-per-call socket client. CLI invocations are
// short-lived, so there is nothing to pool.
type Client struct {
	socketPath  string
	dialTimeout time.Duration
}

// NewClient creates a client for the coordinator socket.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, dialTimeout: DefaultDialTimeout}
}

// Call sends one command and decodes its response. A response with ok=false
// becomes a *CommandError. The context bounds the whole round trip, which is
// what a blocking inbox call relies on.
func (c *Client) Call(ctx context.Context, command string, args map[string]any) (map[string]any, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Cancellation unblocks the read below by closing the connection.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	payload, err := json.Marshal(Request{Command: command, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
	if !scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, errors.New("connection closed without response")
	}

	var response map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if ok, _ := response["ok"].(bool); !ok {
		msg, _ := response["error"].(string)
		if msg == "" {
			msg = "command failed"
		}
		return nil, &CommandError{Message: msg}
	}
	delete(response, "ok")
	return response, nil
}
