package validation

import "context"

// Result is the outcome of a validation pipeline. Request holds the state the pipeline
// reached, including on failure.
type Result[T any] struct {
	Request *T
	Error   *Error
}

// IsError reports whether validation failed with a protocol error.
func (r *Result[T]) IsError() bool {
	return r != nil && r.Error != nil
}

func valid[T any](req T) *Result[T] {
	return &Result[T]{Request: &req}
}

func invalid[T any](req T, perr *Error) *Result[T] {
	return &Result[T]{Request: &req, Error: perr}
}

// step advances the request state or stops the pipeline with a protocol error.
// A non-nil error means validity could not be determined.
type step[S any] func(ctx context.Context, state S) (S, *Error, error)

// runPipeline applies steps in order and stops at the first protocol error or failure.
// On a protocol error the state returned by the failing step is kept.
func runPipeline[S any](ctx context.Context, state S, steps ...step[S]) (S, *Error, error) {
	for _, next := range steps {
		if err := ctx.Err(); err != nil {
			return state, nil, err
		}
		out, perr, err := next(ctx, state)
		if err != nil {
			return state, nil, err
		}
		if perr != nil {
			return out, perr, nil
		}
		state = out
	}
	return state, nil, nil
}
