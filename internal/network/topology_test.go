package network

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chutney/internal/logging"
	"github.com/rendis/chutney/pkg/schema"
)

// mesh routes discovery calls to in-process topologies.
type mesh struct {
	mu       sync.Mutex
	nodes    map[string]*Topology
	down     map[string]bool
	explored map[string]int
	wrapped  map[string]int
}

func newMesh() *mesh {
	return &mesh{
		nodes:    make(map[string]*Topology),
		down:     make(map[string]bool),
		explored: make(map[string]int),
		wrapped:  make(map[string]int),
	}
}

func (m *mesh) node(agent schema.NamedHostAndPort) (*Topology, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[agent.Name]
	if !ok || m.down[agent.Name] {
		return nil, errors.New("connection refused")
	}
	return n, nil
}

func (m *mesh) Explore(ctx context.Context, agent schema.NamedHostAndPort, req *schema.ExploreRequest) (*schema.ExploreResult, error) {
	n, err := m.node(agent)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.explored[agent.Name]++
	m.mu.Unlock()
	return n.HandleExplore(ctx, req)
}

func (m *mesh) WrapUp(_ context.Context, agent schema.NamedHostAndPort, desc *schema.NetworkDescription) error {
	n, err := m.node(agent)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.wrapped[agent.Name]++
	m.mu.Unlock()
	return n.HandleWrapUp(desc)
}

func agentInfo(name string) schema.NamedHostAndPort {
	return schema.NamedHostAndPort{Name: name, Host: name + ".local", Port: 8080}
}

// reachAll is a prober for which every target in reach is reachable.
func reachAll(reach ...string) TargetProber {
	set := make(map[string]bool)
	for _, r := range reach {
		set[r] = true
	}
	return ProberFunc(func(_ context.Context, target schema.Target) bool { return set[target.Name] })
}

func (m *mesh) add(name string, prober TargetProber, neighbours ...string) *Topology {
	infos := make([]schema.NamedHostAndPort, 0, len(neighbours))
	for _, n := range neighbours {
		infos = append(infos, agentInfo(n))
	}
	if prober == nil {
		prober = reachAll()
	}
	t := NewTopology(Options{
		Self:       agentInfo(name),
		Neighbours: infos,
		Client:     m,
		Prober:     prober,
		Logger:     logging.Discard(),
	})
	m.nodes[name] = t
	return t
}

func linkSet(g schema.AgentGraph) map[schema.AgentLink]bool {
	links := make(map[schema.AgentLink]bool)
	for _, a := range g.Agents {
		for _, d := range a.ReachableAgents {
			links[schema.AgentLink{Source: a.Info.Name, Destination: d}] = true
		}
	}
	return links
}

func TestCanChangeTo(t *testing.T) {
	tests := []struct {
		from, to ConfigurationState
		want     bool
	}{
		{StateNotStarted, StateExploring, true},
		{StateExploring, StateWrapingUp, true},
		{StateWrapingUp, StateFinished, true},
		{StateNotStarted, StateWrapingUp, false},
		{StateNotStarted, StateFinished, false},
		{StateExploring, StateNotStarted, false},
		{StateExploring, StateFinished, false},
		{StateWrapingUp, StateExploring, false},
		{StateFinished, StateNotStarted, false},
		{StateFinished, StateExploring, false},
		{StateExploring, StateExploring, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanChangeTo(tt.to))
		})
	}
}

func TestInvalidTransitionError(t *testing.T) {
	topo := NewTopology(Options{Self: agentInfo("a"), Logger: logging.Discard()})

	err := topo.transition(StateFinished)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, StateNotStarted, topo.State())
}

func TestConfigureCycleTerminates(t *testing.T) {
	m := newMesh()
	a := m.add("a", nil, "b")
	m.add("b", nil, "c")
	m.add("c", nil, "a")

	desc, err := a.Configure(context.Background(), a.Configuration())
	require.NoError(t, err)

	links := linkSet(desc.Graph)
	assert.Len(t, links, 3)
	assert.True(t, links[schema.AgentLink{Source: "a", Destination: "b"}])
	assert.True(t, links[schema.AgentLink{Source: "b", Destination: "c"}])
	assert.True(t, links[schema.AgentLink{Source: "c", Destination: "a"}])
	assert.Equal(t, 3, desc.Graph.LinkCount())

	assert.Equal(t, 1, m.explored["b"])
	assert.Equal(t, 1, m.explored["c"])
	assert.Zero(t, m.explored["a"])
	assert.Equal(t, StateFinished, a.State())
}

func TestConfigureWrapsUpEveryAgent(t *testing.T) {
	m := newMesh()
	a := m.add("a", nil, "b", "c")
	b := m.add("b", reachAll("db"), "c")
	c := m.add("c", nil)

	cfg := a.Configuration()
	cfg.Targets = []schema.Target{{Name: "db", URL: "tcp://db:5432"}}
	desc, err := a.Configure(context.Background(), cfg)
	require.NoError(t, err)

	assert.Zero(t, m.wrapped["a"])
	assert.Equal(t, 1, m.wrapped["b"])
	assert.Equal(t, 1, m.wrapped["c"])

	for _, n := range []*Topology{b, c} {
		got, ok := n.Current()
		require.True(t, ok)
		assert.Equal(t, desc, got)
		assert.Equal(t, StateFinished, n.State())
	}

	node, ok := desc.Graph.Agent("b")
	require.True(t, ok)
	assert.Equal(t, []string{"db"}, node.ReachableTargets)
	assert.Equal(t, []string{"c"}, node.ReachableAgents)
	assert.Equal(t, agentInfo("b"), node.Info)

	// c was visited through b first, a still records its direct link.
	links := linkSet(desc.Graph)
	assert.True(t, links[schema.AgentLink{Source: "a", Destination: "c"}])
	assert.Equal(t, 1, m.explored["c"])
}

func TestConfigureExcludesUnreachable(t *testing.T) {
	m := newMesh()
	a := m.add("a", nil, "b", "x")
	m.add("b", nil)
	m.down["x"] = true

	desc, err := a.Configure(context.Background(), a.Configuration())
	require.NoError(t, err)

	_, ok := desc.Graph.Agent("x")
	assert.False(t, ok)
	assert.Len(t, desc.Graph.Agents, 2)
}

func TestRouteToThroughIntermediateAgents(t *testing.T) {
	m := newMesh()
	a := m.add("a", nil, "b")
	m.add("b", nil, "c")
	m.add("c", reachAll("db"))

	cfg := a.Configuration()
	cfg.Targets = []schema.Target{{Name: "db"}}
	_, err := a.Configure(context.Background(), cfg)
	require.NoError(t, err)

	hops, ok := a.RouteTo("db")
	require.True(t, ok)
	assert.Equal(t, []schema.NamedHostAndPort{agentInfo("b"), agentInfo("c")}, hops)
}

func TestConfigureRejectsConcurrentBuild(t *testing.T) {
	m := newMesh()
	a := m.add("a", nil)

	a.building.Lock()
	_, err := a.Configure(context.Background(), a.Configuration())
	a.building.Unlock()

	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestConfigureCancelled(t *testing.T) {
	m := newMesh()
	a := m.add("a", nil, "b")
	m.add("b", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Configure(ctx, a.Configuration())
	require.ErrorIs(t, err, context.Canceled)

	_, ok := a.Current()
	assert.False(t, ok)
}

func TestConfigureKeepsPreviousUntilFinished(t *testing.T) {
	m := newMesh()
	a := m.add("a", nil, "b")
	m.add("b", nil)

	first, err := a.Configure(context.Background(), a.Configuration())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Configure(ctx, a.Configuration())
	require.Error(t, err)

	got, ok := a.Current()
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestRouteToLocalTarget(t *testing.T) {
	m := newMesh()
	a := m.add("a", reachAll("db"))

	cfg := a.Configuration()
	cfg.Targets = []schema.Target{{Name: "db"}}
	_, err := a.Configure(context.Background(), cfg)
	require.NoError(t, err)

	hops, ok := a.RouteTo("db")
	assert.True(t, ok)
	assert.Empty(t, hops)

	_, ok = a.RouteTo("unknown")
	assert.False(t, ok)
}

func TestRouteToWithoutDescription(t *testing.T) {
	a := NewTopology(Options{Self: agentInfo("a"), Logger: logging.Discard()})
	_, ok := a.RouteTo("db")
	assert.False(t, ok)
}

func TestHandleExploreSkipsVisited(t *testing.T) {
	m := newMesh()
	b := m.add("b", reachAll("db"), "a", "c")
	m.add("c", nil)

	res, err := b.HandleExplore(context.Background(), &schema.ExploreRequest{
		Origin:        "a",
		Agent:         agentInfo("b"),
		Configuration: schema.NetworkConfiguration{Targets: []schema.Target{{Name: "db"}, {Name: "mq"}}},
		Visited:       []string{"a"},
	})
	require.NoError(t, err)

	assert.Zero(t, m.explored["a"])
	assert.Equal(t, 1, m.explored["c"])
	assert.ElementsMatch(t, []schema.AgentLink{
		{Source: "b", Destination: "a"},
		{Source: "b", Destination: "c"},
	}, res.AgentLinks)
	assert.Equal(t, []schema.TargetLink{{Source: "b", Target: "db"}}, res.TargetLinks)
	assert.Equal(t, []string{"a", "b", "c"}, res.Visited)
}

func TestConfigureExploresConfiguredAgents(t *testing.T) {
	m := newMesh()
	a := m.add("a", nil)
	m.add("b", reachAll("db"))

	cfg := schema.NetworkConfiguration{
		Agents:  []schema.NamedHostAndPort{agentInfo("a"), agentInfo("b")},
		Targets: []schema.Target{{Name: "db"}},
	}
	desc, err := a.Configure(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 1, m.explored["b"])
	assert.Equal(t, 1, m.wrapped["b"])
	assert.True(t, linkSet(desc.Graph)[schema.AgentLink{Source: "a", Destination: "b"}])

	hops, ok := a.RouteTo("db")
	require.True(t, ok)
	assert.Equal(t, []schema.NamedHostAndPort{agentInfo("b")}, hops)
}

// exploreHook runs before every explore call routed through the mesh.
type exploreHook struct {
	*mesh
	before func()
}

func (h exploreHook) Explore(ctx context.Context, agent schema.NamedHostAndPort, req *schema.ExploreRequest) (*schema.ExploreResult, error) {
	h.before()
	return h.mesh.Explore(ctx, agent, req)
}

func TestWrapUpDuringLocalBuild(t *testing.T) {
	m := newMesh()
	m.add("b", nil)
	foreign := &schema.NetworkDescription{Coordinator: "z"}

	var a *Topology
	a = NewTopology(Options{
		Self:       agentInfo("a"),
		Neighbours: []schema.NamedHostAndPort{agentInfo("b")},
		Client: exploreHook{mesh: m, before: func() {
			require.NoError(t, a.HandleWrapUp(foreign))
			assert.Equal(t, StateExploring, a.State())
		}},
		Prober: reachAll(),
		Logger: logging.Discard(),
	})

	desc, err := a.Configure(context.Background(), a.Configuration())
	require.NoError(t, err)
	assert.Equal(t, "a", desc.Coordinator)
	assert.Equal(t, StateFinished, a.State())

	got, ok := a.Current()
	require.True(t, ok)
	assert.Same(t, desc, got)
}

func TestWrapUpWhenIdle(t *testing.T) {
	a := NewTopology(Options{Self: agentInfo("a"), Logger: logging.Discard()})
	desc := &schema.NetworkDescription{Coordinator: "z"}

	require.NoError(t, a.HandleWrapUp(desc))
	assert.Equal(t, StateFinished, a.State())
	got, ok := a.Current()
	require.True(t, ok)
	assert.Same(t, desc, got)
}

func TestHandleWrapUpRequiresDescription(t *testing.T) {
	a := NewTopology(Options{Self: agentInfo("a"), Logger: logging.Discard()})
	err := a.HandleWrapUp(nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestConfigureWithoutClient(t *testing.T) {
	a := NewTopology(Options{Self: agentInfo("a"), Logger: logging.Discard()})
	_, err := a.Configure(context.Background(), a.Configuration())
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestDialAddress(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"http://example.com", "example.com:80", true},
		{"https://example.com:8443/path", "example.com:8443", true},
		{"tcp://db:5432", "db:5432", true},
		{"amqp://broker", "broker:5672", true},
		{"tcp://db", "", false},
		{"", "", false},
		{"::bad", "", false},
	}
	for _, tt := range tests {
		got, ok := dialAddress(tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}
