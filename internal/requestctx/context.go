// Package requestctx carries the execution context of an operation: whether
// it is serving a client request or running as background work. The origin
// is established once at the entry point (HTTP middleware, scheduler tick,
// CLI command) and inherited unchanged by everything called from there.
// Decryption of sealed patterns is only permitted outside request scope, so
// code that cannot find an execution context must treat itself as serving.
package requestctx

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Origin identifies why code is running.
type Origin string

const (
	OriginRequest    Origin = "REQUEST"
	OriginBackground Origin = "BACKGROUND"
)

// ErrOriginConflict is returned when nested code tries to switch the origin
// established by its caller.
var ErrOriginConflict = errors.New("execution origin already established")

// ExecutionContext is the ambient origin and correlation id.
type ExecutionContext struct {
	Origin    Origin
	RequestID string
}

type contextKey struct{}

var (
	execKey  = &contextKey{}
	actorKey = &contextKey{}
)

// NewRequestID returns a random correlation id drawn from crypto/rand.
func NewRequestID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating request id: %w", err)
	}
	return id.String(), nil
}

// From returns the execution context stored in ctx.
func From(ctx context.Context) (ExecutionContext, bool) {
	ec, ok := ctx.Value(execKey).(ExecutionContext)
	return ec, ok
}

// RunInContext establishes origin for the duration of fn. If ctx already
// carries the same origin it is reused unchanged; a different origin is
// refused with ErrOriginConflict and fn is not called.
func RunInContext(ctx context.Context, origin Origin, fn func(context.Context) error) error {
	if origin != OriginRequest && origin != OriginBackground {
		return fmt.Errorf("unknown execution origin %q", origin)
	}
	if existing, ok := From(ctx); ok {
		if existing.Origin != origin {
			return fmt.Errorf("%w: %s cannot become %s", ErrOriginConflict, existing.Origin, origin)
		}
		return fn(ctx)
	}
	id, err := NewRequestID()
	if err != nil {
		return err
	}
	return fn(context.WithValue(ctx, execKey, ExecutionContext{Origin: origin, RequestID: id}))
}

// WithRequest marks ctx as serving a client request. An existing
// background context is never upgraded; the request origin wins.
func WithRequest(ctx context.Context) (context.Context, ExecutionContext, error) {
	if existing, ok := From(ctx); ok && existing.Origin == OriginRequest {
		return ctx, existing, nil
	}
	id, err := NewRequestID()
	if err != nil {
		return ctx, ExecutionContext{}, err
	}
	ec := ExecutionContext{Origin: OriginRequest, RequestID: id}
	return context.WithValue(ctx, execKey, ec), ec, nil
}

// WithBackground marks ctx as background work. It fails if ctx is already
// serving a request.
func WithBackground(ctx context.Context) (context.Context, ExecutionContext, error) {
	if existing, ok := From(ctx); ok {
		if existing.Origin != OriginBackground {
			return ctx, existing, fmt.Errorf("%w: %s cannot become %s", ErrOriginConflict, existing.Origin, OriginBackground)
		}
		return ctx, existing, nil
	}
	id, err := NewRequestID()
	if err != nil {
		return ctx, ExecutionContext{}, err
	}
	ec := ExecutionContext{Origin: OriginBackground, RequestID: id}
	return context.WithValue(ctx, execKey, ec), ec, nil
}

// SetActor stores the operator identity used in audit records.
func SetActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// Actor returns the operator identity from context, or "" if not set.
func Actor(ctx context.Context) string {
	v, _ := ctx.Value(actorKey).(string)
	return v
}
