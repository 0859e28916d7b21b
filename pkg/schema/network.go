package schema

import "time"

// Agent is one node of the reachability graph.
type Agent struct {
	Info             NamedHostAndPort `json:"info"`
	ReachableAgents  []string         `json:"reachable_agents,omitempty"`
	ReachableTargets []string         `json:"reachable_targets,omitempty"`
}

// AgentLink is a directed reachability edge between two agents.
type AgentLink struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// TargetLink records that an agent can reach a target.
type TargetLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// NetworkConfiguration is the input of a topology build.
type NetworkConfiguration struct {
	CreatedAt time.Time          `json:"created_at"`
	Agents    []NamedHostAndPort `json:"agents"`
	Targets   []Target           `json:"targets,omitempty"`
}

// Agent returns the configured agent with the given name.
func (c NetworkConfiguration) Agent(name string) (NamedHostAndPort, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return NamedHostAndPort{}, false
}

// ExploreRequest is sent to an agent to explore the network from its side.
type ExploreRequest struct {
	Origin        string               `json:"origin"`
	Agent         NamedHostAndPort     `json:"agent"`
	Configuration NetworkConfiguration `json:"configuration"`
	Visited       []string             `json:"visited,omitempty"`
}

// ExploreResult is the evidence returned by one explore call.
// Agents carries the address of every agent visited so the caller can route to it.
type ExploreResult struct {
	AgentLinks  []AgentLink        `json:"agent_links,omitempty"`
	TargetLinks []TargetLink       `json:"target_links,omitempty"`
	Visited     []string           `json:"visited,omitempty"`
	Agents      []NamedHostAndPort `json:"agents,omitempty"`
}

// NetworkDescription is the converged view pushed to every agent at wrap-up.
type NetworkDescription struct {
	Coordinator   string               `json:"coordinator"`
	Configuration NetworkConfiguration `json:"configuration"`
	Graph         AgentGraph           `json:"graph"`
}

// AgentGraph is a directed reachability graph of agents.
type AgentGraph struct {
	Agents []Agent `json:"agents"`
}

// Agent returns the node with the given name.
func (g AgentGraph) Agent(name string) (Agent, bool) {
	for _, a := range g.Agents {
		if a.Info.Name == name {
			return a, true
		}
	}
	return Agent{}, false
}

// LinkCount returns the number of agent links in the graph.
func (g AgentGraph) LinkCount() int {
	n := 0
	for _, a := range g.Agents {
		n += len(a.ReachableAgents)
	}
	return n
}

// RouteTo returns the shortest list of hops leading from the agent named from
// to an agent that reaches target. The starting agent is not part of the route.
// An empty route with ok=true means from reaches the target itself.
func (g AgentGraph) RouteTo(from, target string) ([]NamedHostAndPort, bool) {
	type visit struct {
		name string
		path []string
	}

	seen := map[string]bool{from: true}
	queue := []visit{{name: from}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		node, ok := g.Agent(cur.name)
		if !ok {
			continue
		}
		for _, t := range node.ReachableTargets {
			if t == target {
				hops := make([]NamedHostAndPort, 0, len(cur.path))
				for _, name := range cur.path {
					a, _ := g.Agent(name)
					hops = append(hops, a.Info)
				}
				return hops, true
			}
		}
		for _, next := range node.ReachableAgents {
			if seen[next] {
				continue
			}
			seen[next] = true
			path := append(append([]string(nil), cur.path...), next)
			queue = append(queue, visit{name: next, path: path})
		}
	}
	return nil, false
}
