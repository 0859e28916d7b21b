package agent

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/chutney/internal/actions"
	"github.com/rendis/chutney/internal/delegation"
	"github.com/rendis/chutney/internal/engine"
	"github.com/rendis/chutney/internal/expressions"
	"github.com/rendis/chutney/internal/logging"
	"github.com/rendis/chutney/pkg/schema"
)

// lateServer is an httptest server whose handler is set after its address is known.
type lateServer struct {
	*httptest.Server
	mu      sync.RWMutex
	handler http.Handler
}

func newLateServer(t *testing.T) *lateServer {
	t.Helper()
	s := &lateServer{handler: http.NotFoundHandler()}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		h := s.handler
		s.mu.RUnlock()
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *lateServer) set(h http.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *lateServer) agent(t *testing.T, name string) schema.NamedHostAndPort {
	t.Helper()
	u, err := url.Parse(s.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return schema.NamedHostAndPort{Name: name, Host: u.Hostname(), Port: port}
}

func builtinRegistry(t *testing.T) *actions.Registry {
	t.Helper()
	reg := actions.NewRegistry()
	for _, tmpl := range actions.Builtins(actions.BuiltinDeps{Expr: expressions.NewExprEngine()}) {
		require.NoError(t, reg.Register(tmpl))
	}
	return reg
}

// newDelegationService wires a delegation service for an agent named name
// whose remote calls go over HTTP.
func newDelegationService(t *testing.T, name string) *delegation.Service {
	t.Helper()
	return delegation.NewService(delegation.Options{
		Local:  engine.NewLocalStepExecutor(builtinRegistry(t), name),
		Client: NewHTTPClient(2 * time.Second),
		Logger: logging.Discard(),
	})
}
