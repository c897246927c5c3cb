// Package llm turns free-form completion output into typed results. Every
// caller of the completion gateway handles a malformed answer in one place:
// the Result it gets back is either the parsed value, the caller's
// conservative default, or an error.
package llm

// Kind tags a Result.
type Kind int

const (
	// KindOk means the completion parsed into the target type.
	KindOk Kind = iota
	// KindFallback means the completion was unusable and the default was returned.
	KindFallback
	// KindErr means the gateway call itself failed.
	KindErr
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindFallback:
		return "fallback"
	default:
		return "err"
	}
}

// Result is the outcome of a structured completion.
type Result[T any] struct {
	Kind   Kind
	Value  T
	Reason string // why a fallback was taken
	Err    error
	Usage  Usage
}

// Usage is the token accounting of the call that produced a Result.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Ok wraps a parsed value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Kind: KindOk, Value: v}
}

// Fallback wraps the default used when the completion could not be parsed.
func Fallback[T any](def T, reason string) Result[T] {
	return Result[T]{Kind: KindFallback, Value: def, Reason: reason}
}

// Err wraps a gateway failure. Value is left at its zero value.
func Err[T any](err error) Result[T] {
	return Result[T]{Kind: KindErr, Err: err}
}

// IsOk reports whether the completion parsed.
func (r Result[T]) IsOk() bool { return r.Kind == KindOk }

// IsFallback reports whether the default was substituted.
func (r Result[T]) IsFallback() bool { return r.Kind == KindFallback }

// IsErr reports whether the gateway call failed.
func (r Result[T]) IsErr() bool { return r.Kind == KindErr }

// ValueOr returns the parsed or fallback value, or def when the call failed.
func (r Result[T]) ValueOr(def T) T {
	if r.Kind == KindErr {
		return def
	}
	return r.Value
}
