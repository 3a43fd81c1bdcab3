// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values.
//
// Middleware sets values; services read them. Keeping this package free of
// net/http lets services import only what they need.
//
// Usage in services (read values):
//
//	actorID := requestcontext.ActorID(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
//	ctx = requestcontext.WithActorID(ctx, actor)
package requestcontext

import (
	"context"
	"time"

	id "canopy/pkg/domain"
)

// Context key types (unexported for encapsulation).
type (
	actorIDKey     struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
	clientIPKey    struct{}
	userAgentKey   struct{}
)

// ActorID retrieves the authenticated actor from the context.
// Returns the zero value (nil UUID) if not set.
func ActorID(ctx context.Context) id.ActorID {
	if actor, ok := ctx.Value(actorIDKey{}).(id.ActorID); ok {
		return actor
	}
	return id.ActorID{}
}

// WithActorID injects an actor identity into the context.
func WithActorID(ctx context.Context, actor id.ActorID) context.Context {
	return context.WithValue(ctx, actorIDKey{}, actor)
}

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// Now retrieves the request-scoped time from context. All store writes within
// one request observe the same timestamp. Falls back to time.Now() for
// non-HTTP contexts (workers, CLI, tests that don't care).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestTimeKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context. Useful for service unit
// tests that don't run the HTTP middleware chain, and for workers that need
// consistent time within a batch.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey{}, t)
}

// ClientIP retrieves the client IP address from the context.
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok {
		return ip
	}
	return ""
}

// UserAgent retrieves the parsed User-Agent summary from the context.
func UserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(userAgentKey{}).(string); ok {
		return ua
	}
	return ""
}

// WithClientMetadata injects client IP and User-Agent into a context.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey{}, clientIP)
	return context.WithValue(ctx, userAgentKey{}, userAgent)
}
