package destination

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	entries []*api.ServiceEntry
	err     error
	calls   atomic.Int32
	tag     string
}

func (f *fakeCatalog) Service(service, tag string, passingOnly bool, _ *api.QueryOptions) ([]*api.ServiceEntry, *api.QueryMeta, error) {
	f.calls.Add(1)
	f.tag = tag
	if !passingOnly {
		return nil, nil, stderrors.New("expected passing-only query")
	}
	return f.entries, &api.QueryMeta{}, f.err
}

func instance(t *testing.T, name string) (*api.ServiceEntry, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, name+":"+r.URL.Path)
	}))
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return &api.ServiceEntry{
		Node:    &api.Node{Address: host},
		Service: &api.AgentService{Service: "users", Port: p},
	}, srv
}

func TestConsul_RoundRobin(t *testing.T) {
	a, _ := instance(t, "a")
	b, _ := instance(t, "b")
	catalog := &fakeCatalog{entries: []*api.ServiceEntry{a, b}}
	c := newConsul(catalog, NewHTTP(WithRetry(fastRetry())), ConsulConfig{Tag: "v2"}, nil)

	var bodies []string
	for i := 0; i < 3; i++ {
		resp, err := c.Do(context.Background(), newReq(http.MethodGet, "consul://users/api", "/list"))
		require.NoError(t, err)
		bodies = append(bodies, string(resp.Body))
	}

	assert.Equal(t, []string{"a:/api/list", "b:/api/list", "a:/api/list"}, bodies)
	assert.Equal(t, int32(1), catalog.calls.Load(), "instance list reused within the refresh interval")
	assert.Equal(t, "v2", catalog.tag)
}

func TestConsul_Refresh(t *testing.T) {
	a, _ := instance(t, "a")
	catalog := &fakeCatalog{entries: []*api.ServiceEntry{a}}
	c := newConsul(catalog, NewHTTP(), ConsulConfig{RefreshInterval: time.Minute}, nil)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	_, err := c.Do(context.Background(), newReq(http.MethodGet, "consul://users", "/"))
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = c.Do(context.Background(), newReq(http.MethodGet, "consul://users", "/"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), catalog.calls.Load())
}

func TestConsul_Unavailable(t *testing.T) {
	tests := []struct {
		name    string
		catalog *fakeCatalog
	}{
		{name: "lookup error", catalog: &fakeCatalog{err: stderrors.New("agent down")}},
		{name: "no passing instances", catalog: &fakeCatalog{}},
		{name: "instance without port", catalog: &fakeCatalog{entries: []*api.ServiceEntry{
			{Node: &api.Node{Address: "10.0.0.1"}, Service: &api.AgentService{Service: "users"}},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newConsul(tt.catalog, NewHTTP(), ConsulConfig{}, nil)
			_, err := c.Do(context.Background(), newReq(http.MethodGet, "consul://users", "/"))
			de := AsError(err)
			assert.Equal(t, KindUnavailable, de.Kind)
			assert.Equal(t, http.StatusServiceUnavailable, de.HTTPStatus())
		})
	}
}

func TestConsul_FailedInstanceForcesLookup(t *testing.T) {
	a, srv := instance(t, "a")
	srv.Close()
	catalog := &fakeCatalog{entries: []*api.ServiceEntry{a}}
	c := newConsul(catalog, NewHTTP(WithRetry(fastRetry())), ConsulConfig{RefreshInterval: time.Hour}, nil)

	_, err := c.Do(context.Background(), newReq(http.MethodGet, "consul://users", "/"))
	require.Error(t, err)

	_, err = c.Do(context.Background(), newReq(http.MethodGet, "consul://users", "/"))
	require.Error(t, err)
	assert.Equal(t, int32(2), catalog.calls.Load())
}
