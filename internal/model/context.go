package model

import (
	"context"
	"time"
)

// ExecutionContext identifies the execution a call is made on behalf of.
// It is immutable; sub-calls derive child contexts instead of editing it.
type ExecutionContext struct {
	TenantID    string
	SessionID   string
	ExecutionID string
	Deadline    time.Time
}

type executionKey struct{}

// WithExecution attaches ec to parent and applies ec.Deadline, if set.
// The returned cancel func must be called to release resources.
func WithExecution(parent context.Context, ec ExecutionContext) (context.Context, context.CancelFunc) {
	ctx := context.WithValue(parent, executionKey{}, ec)
	if ec.Deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, ec.Deadline)
}

// ExecutionFrom returns the ExecutionContext carried by ctx.
func ExecutionFrom(ctx context.Context) (ExecutionContext, bool) {
	ec, ok := ctx.Value(executionKey{}).(ExecutionContext)
	return ec, ok
}
