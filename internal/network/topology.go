package network

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rendis/chutney/internal/metrics"
	"github.com/rendis/chutney/pkg/schema"
)

// Client carries discovery calls to remote agents.
type Client interface {
	Explore(ctx context.Context, agent schema.NamedHostAndPort, req *schema.ExploreRequest) (*schema.ExploreResult, error)
	WrapUp(ctx context.Context, agent schema.NamedHostAndPort, desc *schema.NetworkDescription) error
}

// Options configures a Topology.
type Options struct {
	Self       schema.NamedHostAndPort
	Neighbours []schema.NamedHostAndPort
	Targets    []schema.Target
	Client     Client
	Prober     TargetProber
	Logger     *slog.Logger
}

// Topology discovers the agent network and keeps the last converged description.
type Topology struct {
	self       schema.NamedHostAndPort
	neighbours []schema.NamedHostAndPort
	targets    []schema.Target
	client     Client
	prober     TargetProber
	logger     *slog.Logger

	building sync.Mutex

	mu      sync.RWMutex
	state   ConfigurationState
	current *schema.NetworkDescription
}

// NewTopology creates a Topology for the local agent.
func NewTopology(opts Options) *Topology {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Prober == nil {
		opts.Prober = TCPProber{}
	}
	return &Topology{
		self:       opts.Self,
		neighbours: slices.Clone(opts.Neighbours),
		targets:    slices.Clone(opts.Targets),
		client:     opts.Client,
		prober:     opts.Prober,
		logger:     opts.Logger.With(slog.String("agent", opts.Self.Name)),
		state:      StateNotStarted,
	}
}

// Self returns the local agent.
func (t *Topology) Self() schema.NamedHostAndPort { return t.self }

// State returns the state of the current or last build.
func (t *Topology) State() ConfigurationState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Current returns the last converged description.
func (t *Topology) Current() (*schema.NetworkDescription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, t.current != nil
}

// Configuration returns the network configuration known locally.
func (t *Topology) Configuration() schema.NetworkConfiguration {
	agents := make([]schema.NamedHostAndPort, 0, len(t.neighbours)+1)
	agents = append(agents, t.self)
	for _, n := range t.neighbours {
		if n.Name != t.self.Name {
			agents = append(agents, n)
		}
	}
	return schema.NetworkConfiguration{
		CreatedAt: time.Now().UTC(),
		Agents:    agents,
		Targets:   slices.Clone(t.targets),
	}
}

// RouteTo returns the hops leading to an agent that reaches target.
func (t *Topology) RouteTo(target string) ([]schema.NamedHostAndPort, bool) {
	desc, ok := t.Current()
	if !ok {
		return nil, false
	}
	return desc.Graph.RouteTo(t.self.Name, target)
}

// Configure runs a full build with this agent as coordinator. The previous
// description stays current until the new one is finished.
func (t *Topology) Configure(ctx context.Context, cfg schema.NetworkConfiguration) (*schema.NetworkDescription, error) {
	if t.client == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "network client is not configured")
	}
	if !t.building.TryLock() {
		return nil, schema.NewError(schema.ErrCodeConflict, "network build already in progress")
	}
	defer t.building.Unlock()

	desc, err := t.configure(ctx, cfg)
	metrics.IncNetworkBuild(err == nil)
	if err != nil {
		t.logger.Error("network build failed", slog.String("error", err.Error()))
		return nil, err
	}
	t.logger.Info("network build finished",
		slog.Int("agents", len(desc.Graph.Agents)),
		slog.Int("links", desc.Graph.LinkCount()),
	)
	return desc, nil
}

func (t *Topology) configure(ctx context.Context, cfg schema.NetworkConfiguration) (*schema.NetworkDescription, error) {
	t.mu.Lock()
	t.state = StateNotStarted
	t.mu.Unlock()

	if err := t.transition(StateExploring); err != nil {
		return nil, err
	}

	ev := newEvidence(t.self)
	ev.addTargets(t.probeTargets(ctx, cfg.Targets))
	failed := make(map[string]bool)
	direct := t.directAgents(cfg)
	for {
		added, err := t.exploreNeighbours(ctx, t.self.Name, direct, cfg, ev, failed)
		if err != nil {
			return nil, err
		}
		if added == 0 {
			break
		}
	}

	if err := t.transition(StateWrapingUp); err != nil {
		return nil, err
	}
	desc := &schema.NetworkDescription{
		Coordinator:   t.self.Name,
		Configuration: cfg,
		Graph:         ev.graph(cfg),
	}
	for _, a := range desc.Graph.Agents {
		if a.Info.Name == t.self.Name {
			continue
		}
		if err := t.client.WrapUp(ctx, a.Info, desc); err != nil {
			t.logger.Warn("wrap-up failed",
				slog.String("destination", a.Info.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.CanChangeTo(StateFinished) {
		return nil, invalidStateTransition(t.state, StateFinished)
	}
	t.state = StateFinished
	t.current = desc
	return desc, nil
}

// HandleExplore answers an explore call from another agent. Agents already in
// req.Visited are linked but never queried again.
func (t *Topology) HandleExplore(ctx context.Context, req *schema.ExploreRequest) (*schema.ExploreResult, error) {
	if req == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "explore request is required")
	}
	ev := newEvidence(t.self)
	for _, name := range req.Visited {
		ev.visited[name] = true
	}
	for _, a := range req.Configuration.Agents {
		if ev.visited[a.Name] {
			ev.agents[a.Name] = a
		}
	}
	ev.addTargets(t.probeTargets(ctx, req.Configuration.Targets))

	if t.client != nil {
		if _, err := t.exploreNeighbours(ctx, req.Origin, t.neighbours, req.Configuration, ev, make(map[string]bool)); err != nil {
			return nil, err
		}
	}
	return ev.result(), nil
}

// HandleWrapUp stores the description pushed by the coordinator. While a
// local build is running the description is kept but the state belongs to
// that build.
func (t *Topology) HandleWrapUp(desc *schema.NetworkDescription) error {
	if desc == nil {
		return schema.NewError(schema.ErrCodeValidation, "network description is required")
	}
	idle := t.building.TryLock()
	if idle {
		defer t.building.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = desc
	if idle {
		t.state = StateFinished
	}
	t.logger.Info("network description received",
		slog.String("coordinator", desc.Coordinator),
		slog.Int("agents", len(desc.Graph.Agents)),
	)
	return nil
}

// directAgents lists the agents a coordinator explores itself: the agents of
// cfg other than self, or the configured neighbours when cfg names none.
func (t *Topology) directAgents(cfg schema.NetworkConfiguration) []schema.NamedHostAndPort {
	var direct []schema.NamedHostAndPort
	for _, a := range cfg.Agents {
		if a.Name != "" && a.Name != t.self.Name {
			direct = append(direct, a)
		}
	}
	if len(direct) == 0 {
		return t.neighbours
	}
	return direct
}

// exploreNeighbours runs one pass over neighbours and returns the number of
// new links it produced.
func (t *Topology) exploreNeighbours(ctx context.Context, origin string, neighbours []schema.NamedHostAndPort, cfg schema.NetworkConfiguration, ev *evidence, failed map[string]bool) (int, error) {
	added := 0
	for _, n := range neighbours {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		if n.Name == t.self.Name || failed[n.Name] {
			continue
		}
		if ev.visited[n.Name] {
			added += ev.addAgentLink(t.self.Name, n.Name)
			continue
		}

		res, err := t.client.Explore(ctx, n, &schema.ExploreRequest{
			Origin:        origin,
			Agent:         n,
			Configuration: cfg,
			Visited:       ev.visitedNames(),
		})
		if err != nil {
			failed[n.Name] = true
			t.logger.Warn("agent unreachable",
				slog.String("destination", n.Name),
				slog.String("address", n.Address()),
				slog.String("error", err.Error()),
			)
			continue
		}
		ev.addAgent(n)
		added += ev.addAgentLink(t.self.Name, n.Name)
		added += ev.merge(res)
	}
	return added, nil
}

func (t *Topology) probeTargets(ctx context.Context, targets []schema.Target) []string {
	var reached []string
	for _, target := range targets {
		if target.Name == "" {
			continue
		}
		if t.prober.Probe(ctx, target) {
			reached = append(reached, target.Name)
		} else {
			t.logger.Debug("target unreachable", slog.String("target", target.Name))
		}
	}
	return reached
}

func (t *Topology) transition(next ConfigurationState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.CanChangeTo(next) {
		return invalidStateTransition(t.state, next)
	}
	t.state = next
	return nil
}
