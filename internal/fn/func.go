package fn

import "context"

// Func is a single input/output operation used by the low-level connection
// helpers in package netutil, such as [netutil.CancelWatchFunc]: accept one
// input, produce one result or an error.
//
// Resource cleanup contract: when a Func receives a closeable resource as
// input and returns an error, it is responsible for closing that resource
// before returning, so a caller chaining several of these never leaks a
// socket on partial failure.
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}

// FuncAdapter wraps a plain function as a [Func], the same role
// [http.HandlerFunc] plays for [http.Handler].
type FuncAdapter[A, B any] func(ctx context.Context, input A) (B, error)

// Call implements [Func].
func (f FuncAdapter[A, B]) Call(ctx context.Context, input A) (B, error) {
	return f(ctx, input)
}
