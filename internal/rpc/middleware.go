package rpc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/maestro/internal/log"
)

// Request is one decoded command envelope.
type Request struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// HandlerFunc executes one validated command.
type HandlerFunc func(ctx context.Context, req *Request) (map[string]any, error)

// Middleware wraps a HandlerFunc to add cross-cutting behavior.
type Middleware func(HandlerFunc) HandlerFunc

// ChainMiddleware applies middlewares in reverse order, so the first listed
// is the outermost wrapper: ChainMiddleware(h, a, b) runs a(b(h)).
func ChainMiddleware(handler HandlerFunc, middlewares ...Middleware) HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// LoggingMiddleware logs every command with its duration and outcome.
func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (map[string]any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			duration := time.Since(start)

			if err != nil {
				log.Warn(log.CatRPC, "command failed",
					"command", req.Command, "duration", duration, "error", err.Error())
			} else {
				log.Debug(log.CatRPC, "command completed",
					"command", req.Command, "duration", duration)
			}
			return result, err
		}
	}
}

// DefaultDedupTTL is the window in which an identical mutating command is
// treated as a retry of the first.
const DefaultDedupTTL = 5 * time.Second

// dedupExempt lists commands that legitimately repeat with identical
// arguments: reads, polls and the heartbeat.
var dedupExempt = map[string]bool{
	"status":           true,
	"log":              true,
	"my-task":          true,
	"heartbeat":        true,
	"inbox":            true,
	"inbox-block":      true,
	"ready-tasks":      true,
	"worker-status":    true,
	"check-completion": true,
	"release-worker":   true,
	"repair":           true,
	"ping":             true,
}

// DedupMiddleware absorbs duplicate mutating commands inside the TTL window.
// A duplicate gets the cached response of the original instead of a second
// state change; a retried "request" after a dropped reply then creates one
// request, not two.
type DedupMiddleware struct {
	seen *cache.Cache
	ttl  time.Duration
}

// NewDedupMiddleware creates a DedupMiddleware with the given TTL
// (DefaultDedupTTL when zero).
func NewDedupMiddleware(ttl time.Duration) *DedupMiddleware {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &DedupMiddleware{
		seen: cache.New(ttl, ttl),
		ttl:  ttl,
	}
}

// Middleware returns the wrapping function.
func (d *DedupMiddleware) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (map[string]any, error) {
			if dedupExempt[req.Command] {
				return next(ctx, req)
			}

			key := contentHash(req)
			if cached, found := d.seen.Get(key); found {
				log.Warn(log.CatRPC, "duplicate command absorbed",
					"command", req.Command, "hash", key[:16])
				if result, ok := cached.(map[string]any); ok {
					return result, nil
				}
				return map[string]any{}, nil
			}

			result, err := next(ctx, req)
			if err == nil {
				d.seen.Set(key, result, d.ttl)
			}
			return result, err
		}
	}
}

// contentHash hashes the command name and its canonical JSON args.
// encoding/json sorts map keys, so equal args hash equal regardless of the
// client's field order.
func contentHash(req *Request) string {
	h := sha256.New()
	h.Write([]byte(req.Command))
	h.Write([]byte{0})
	if data, err := json.Marshal(req.Args); err == nil {
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TracingMiddleware creates a span per command. A nil tracer yields a
// pass-through.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	if tracer == nil {
		return func(next HandlerFunc) HandlerFunc {
			return next
		}
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (map[string]any, error) {
			ctx, span := tracer.Start(ctx, "rpc."+req.Command,
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()
			span.SetAttributes(attribute.String("rpc.command", req.Command))

			result, err := next(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return result, err
		}
	}
}
