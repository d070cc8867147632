package core

import "context"

// Caller describes who triggered a service call. Audit entries copy it.
type Caller struct {
	Operator  Operator
	IPAddress string
	UserAgent string
}

type callerKey struct{}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached by WithCaller, or the zero Caller.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// OperatorFromContext is shorthand for CallerFrom(ctx).Operator.
func OperatorFromContext(ctx context.Context) Operator {
	return CallerFrom(ctx).Operator
}
