package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func countingHandler(counter *int) HandlerFunc {
	return func(ctx context.Context, req *Request) (map[string]any, error) {
		*counter++
		return map[string]any{"count": *counter}, nil
	}
}

func TestDedupAbsorbsDuplicates(t *testing.T) {
	var calls int
	handler := ChainMiddleware(countingHandler(&calls), NewDedupMiddleware(time.Minute).Middleware())

	req := &Request{Command: "request", Args: map[string]any{"description": "same thing"}}
	first, err := handler(context.Background(), req)
	require.NoError(t, err)
	second, err := handler(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, 1, calls)
	require.Equal(t, first, second)
}

func TestDedupDistinguishesArgs(t *testing.T) {
	var calls int
	handler := ChainMiddleware(countingHandler(&calls), NewDedupMiddleware(time.Minute).Middleware())

	_, err := handler(context.Background(), &Request{
		Command: "request", Args: map[string]any{"description": "first"},
	})
	require.NoError(t, err)
	_, err = handler(context.Background(), &Request{
		Command: "request", Args: map[string]any{"description": "second"},
	})
	require.NoError(t, err)

	require.Equal(t, 2, calls)
}

func TestDedupExemptCommandsRepeat(t *testing.T) {
	var calls int
	handler := ChainMiddleware(countingHandler(&calls), NewDedupMiddleware(time.Minute).Middleware())

	req := &Request{Command: "heartbeat", Args: map[string]any{"worker_id": int64(1)}}
	for i := 0; i < 3; i++ {
		_, err := handler(context.Background(), req)
		require.NoError(t, err)
	}
	require.Equal(t, 3, calls)
}

func TestDedupSkipsFailedResults(t *testing.T) {
	var calls int
	failing := func(ctx context.Context, req *Request) (map[string]any, error) {
		calls++
		return nil, errors.New("transient")
	}
	handler := ChainMiddleware(failing, NewDedupMiddleware(time.Minute).Middleware())

	req := &Request{Command: "request", Args: map[string]any{"description": "retry me"}}
	_, err := handler(context.Background(), req)
	require.Error(t, err)
	_, err = handler(context.Background(), req)
	require.Error(t, err)

	// Failures are not cached; the retry reaches the handler.
	require.Equal(t, 2, calls)
}

func TestContentHashIgnoresKeyOrder(t *testing.T) {
	a := &Request{Command: "assign-task", Args: map[string]any{"task_id": 1, "worker_id": 2}}
	b := &Request{Command: "assign-task", Args: map[string]any{"worker_id": 2, "task_id": 1}}
	require.Equal(t, contentHash(a), contentHash(b))

	c := &Request{Command: "assign-task", Args: map[string]any{"task_id": 1, "worker_id": 3}}
	require.NotEqual(t, contentHash(a), contentHash(c))
}

func TestChainMiddlewareOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) (map[string]any, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	handler := ChainMiddleware(func(ctx context.Context, req *Request) (map[string]any, error) {
		order = append(order, "handler")
		return nil, nil
	}, tag("outer"), tag("inner"))

	_, err := handler(context.Background(), &Request{Command: "ping"})
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner", "handler"}, order)
}
