package network

import (
	"cmp"
	"slices"

	"github.com/rendis/chutney/pkg/schema"
)

// evidence accumulates the links observed during one explore walk.
type evidence struct {
	self        string
	visited     map[string]bool
	agents      map[string]schema.NamedHostAndPort
	agentLinks  map[schema.AgentLink]bool
	targetLinks map[schema.TargetLink]bool
}

func newEvidence(self schema.NamedHostAndPort) *evidence {
	return &evidence{
		self:        self.Name,
		visited:     map[string]bool{self.Name: true},
		agents:      map[string]schema.NamedHostAndPort{self.Name: self},
		agentLinks:  make(map[schema.AgentLink]bool),
		targetLinks: make(map[schema.TargetLink]bool),
	}
}

func (e *evidence) addAgent(a schema.NamedHostAndPort) {
	e.visited[a.Name] = true
	e.agents[a.Name] = a
}

func (e *evidence) addAgentLink(source, destination string) int {
	l := schema.AgentLink{Source: source, Destination: destination}
	if e.agentLinks[l] {
		return 0
	}
	e.agentLinks[l] = true
	return 1
}

func (e *evidence) addTargets(targets []string) {
	for _, name := range targets {
		e.targetLinks[schema.TargetLink{Source: e.self, Target: name}] = true
	}
}

func (e *evidence) merge(res *schema.ExploreResult) int {
	if res == nil {
		return 0
	}
	added := 0
	for _, name := range res.Visited {
		e.visited[name] = true
	}
	for _, a := range res.Agents {
		e.addAgent(a)
	}
	for _, l := range res.AgentLinks {
		added += e.addAgentLink(l.Source, l.Destination)
	}
	for _, l := range res.TargetLinks {
		if !e.targetLinks[l] {
			e.targetLinks[l] = true
			added++
		}
	}
	return added
}

func (e *evidence) visitedNames() []string {
	names := make([]string, 0, len(e.visited))
	for name := range e.visited {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (e *evidence) result() *schema.ExploreResult {
	res := &schema.ExploreResult{Visited: e.visitedNames()}
	for l := range e.agentLinks {
		res.AgentLinks = append(res.AgentLinks, l)
	}
	slices.SortFunc(res.AgentLinks, func(a, b schema.AgentLink) int {
		return cmp.Or(cmp.Compare(a.Source, b.Source), cmp.Compare(a.Destination, b.Destination))
	})
	for l := range e.targetLinks {
		res.TargetLinks = append(res.TargetLinks, l)
	}
	slices.SortFunc(res.TargetLinks, func(a, b schema.TargetLink) int {
		return cmp.Or(cmp.Compare(a.Source, b.Source), cmp.Compare(a.Target, b.Target))
	})
	for _, name := range res.Visited {
		if a, ok := e.agents[name]; ok {
			res.Agents = append(res.Agents, a)
		}
	}
	return res
}

// graph builds the reachability graph over every visited agent.
func (e *evidence) graph(cfg schema.NetworkConfiguration) schema.AgentGraph {
	nodes := make(map[string]*schema.Agent)
	for _, name := range e.visitedNames() {
		info, ok := e.agents[name]
		if !ok {
			if info, ok = cfg.Agent(name); !ok {
				info = schema.NamedHostAndPort{Name: name}
			}
		}
		nodes[name] = &schema.Agent{Info: info}
	}
	for l := range e.agentLinks {
		if n, ok := nodes[l.Source]; ok {
			n.ReachableAgents = append(n.ReachableAgents, l.Destination)
		}
	}
	for l := range e.targetLinks {
		if n, ok := nodes[l.Source]; ok {
			n.ReachableTargets = append(n.ReachableTargets, l.Target)
		}
	}

	g := schema.AgentGraph{Agents: make([]schema.Agent, 0, len(nodes))}
	for _, name := range e.visitedNames() {
		n := nodes[name]
		slices.Sort(n.ReachableAgents)
		slices.Sort(n.ReachableTargets)
		g.Agents = append(g.Agents, *n)
	}
	return g
}
