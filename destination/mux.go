package destination

import (
	"context"
	"fmt"
	"strings"
)

// Mux picks a destination by the route target's URL scheme
type Mux struct {
	byScheme map[string]Destination
}

var _ Destination = (*Mux)(nil)

// NewMux creates an empty Mux
func NewMux() *Mux {
	return &Mux{byScheme: make(map[string]Destination)}
}

// Handle registers d for the given schemes
func (m *Mux) Handle(d Destination, schemes ...string) *Mux {
	for _, s := range schemes {
		m.byScheme[strings.ToLower(s)] = d
	}
	return m
}

// Name implements Destination
func (m *Mux) Name() string { return "mux" }

// For returns the destination serving target
func (m *Mux) For(target string) (Destination, bool) {
	scheme, _, ok := strings.Cut(target, "://")
	if !ok {
		return nil, false
	}
	d, ok := m.byScheme[strings.ToLower(scheme)]
	return d, ok
}

// Do implements Destination
func (m *Mux) Do(ctx context.Context, req *Request) (*Response, error) {
	d, ok := m.For(req.Route.TargetBase)
	if !ok {
		return nil, &Error{Kind: KindUnavailable, Err: fmt.Errorf("no destination for target %q", req.Route.TargetBase)}
	}
	return d.Do(ctx, req)
}
