package generator

import (
	"context"
	"slices"
	"sync"
)

// Fake is a scripted Generator for tests. Handler, when set, answers every
// call; otherwise Responses are returned in order and the last one repeats.
type Fake struct {
	Handler   func(msgs []Message) (Response, error)
	Responses []Response

	mu    sync.Mutex
	calls [][]Message
	next  int
}

// Generate implements Generator.
func (f *Fake) Generate(ctx context.Context, msgs []Message) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, slices.Clone(msgs))
	handler := f.Handler
	var resp Response
	if handler == nil {
		if len(f.Responses) == 0 {
			f.mu.Unlock()
			return Response{}, ErrEmptyResponse
		}
		resp = f.Responses[min(f.next, len(f.Responses)-1)]
		f.next++
	}
	f.mu.Unlock()

	if handler != nil {
		return handler(msgs)
	}
	return resp, nil
}

// Calls returns the prompts received so far.
func (f *Fake) Calls() [][]Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}
