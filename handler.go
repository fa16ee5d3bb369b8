package meshroute

import (
	"context"
	"fmt"
	"regexp"
)

const MaxPathLength = 255

var invalidPathChars = regexp.MustCompile(`[^\x21-\x7E]`)

// Handler serves the calls made to a service path.
//
// Serve is invoked once per call and its return is the single response of
// that call. It may block (e.g. waiting on I/O) but should honour ctx: once
// the caller's deadline is gone, the result is discarded.
type Handler interface {
	Serve(ctx context.Context, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to a `Handler`.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (fn HandlerFunc) Serve(ctx context.Context, payload []byte) ([]byte, error) {
	return fn(ctx, payload)
}

// ValidatePath reports whether path can be registered: printable ASCII
// without spaces, non-empty, at most `MaxPathLength` bytes.
func ValidatePath(path string) bool {
	return path != "" && len(path) <= MaxPathLength && !invalidPathChars.MatchString(path)
}

// invoke runs the handler and turns a panic into an error.
func invoke(ctx context.Context, handler Handler, payload []byte) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			body = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Serve(ctx, payload)
}

// serve runs handler under ctx. If the handler does not return before ctx is
// done, its result is discarded and ctx.Err() is returned.
func serve(ctx context.Context, handler Handler, payload []byte) ([]byte, error) {
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := invoke(ctx, handler, payload)
		done <- result{body, err}
	}()

	select {
	case res := <-done:
		return res.body, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
