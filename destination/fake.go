package destination

import (
	"context"
	"net/http"
	"sync"
)

// Fake is an in-memory Destination for tests. Handler decides each reply;
// with no handler every call returns 200 with an empty JSON object.
type Fake struct {
	Handler func(ctx context.Context, req *Request) (*Response, error)

	mu    sync.Mutex
	calls []Request
}

var _ Destination = (*Fake)(nil)

// Name implements Destination
func (f *Fake) Name() string { return "fake" }

// Do implements Destination
func (f *Fake) Do(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *req)
	f.mu.Unlock()

	if f.Handler == nil {
		return &Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(`{}`)}, nil
	}
	return f.Handler(ctx, req)
}

// Calls returns a copy of the recorded requests
func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns the number of calls so far
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
