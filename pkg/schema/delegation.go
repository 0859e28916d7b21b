package schema

import (
	"fmt"
	"net"
	"strconv"
)

// NamedHostAndPort identifies one agent in the network.
type NamedHostAndPort struct {
	Name string `json:"name" yaml:"name"`
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Address returns the host:port pair of the agent.
func (n NamedHostAndPort) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// BaseURL returns the http base URL of the agent.
func (n NamedHostAndPort) BaseURL() string {
	return fmt.Sprintf("http://%s", n.Address())
}

// Route is an immutable cursor over the agent hops of a target.
// Next is the index of the first hop that has not been consumed yet.
type Route struct {
	Agents []NamedHostAndPort `json:"agents,omitempty"`
	Next   int                `json:"next,omitempty"`
}

// NewRoute builds a route positioned on the first hop.
func NewRoute(agents []NamedHostAndPort) Route {
	cp := make([]NamedHostAndPort, len(agents))
	copy(cp, agents)
	return Route{Agents: cp}
}

// Exhausted reports whether every hop has been consumed.
func (r Route) Exhausted() bool {
	return r.Next >= len(r.Agents)
}

// Remaining returns the hops not consumed yet.
func (r Route) Remaining() []NamedHostAndPort {
	if r.Exhausted() {
		return nil
	}
	return r.Agents[r.Next:]
}

// NextHop returns the next hop to forward to, if any.
func (r Route) NextHop() (NamedHostAndPort, bool) {
	if r.Exhausted() {
		return NamedHostAndPort{}, false
	}
	return r.Agents[r.Next], true
}

// Advance returns a copy of the route with the next hop consumed.
func (r Route) Advance() Route {
	if r.Exhausted() {
		return r
	}
	return Route{Agents: r.Agents, Next: r.Next + 1}
}

// StepCall is the unit of work handed to a step executor, locally or over the wire.
type StepCall struct {
	ExecutionID int64          `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Target      *Target        `json:"target,omitempty"`
	Route       Route          `json:"route"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

// Forward returns a copy of the call whose route has consumed one hop.
func (c *StepCall) Forward() *StepCall {
	cp := *c
	cp.Route = c.Route.Advance()
	return &cp
}

// StepOutcome is the result of executing one step call.
type StepOutcome struct {
	Status      Status          `json:"status"`
	Outputs     map[string]any  `json:"outputs,omitempty"`
	Errors      []string        `json:"errors,omitempty"`
	Information []string        `json:"information,omitempty"`
	Finally     []FinallyAction `json:"finally,omitempty"`
	Agent       string          `json:"agent,omitempty"`
}

// Failed builds a FAILURE outcome carrying the given messages.
func Failed(messages ...string) *StepOutcome {
	return &StepOutcome{Status: StatusFailure, Errors: messages}
}

// FinallyAction is a deferred cleanup action queued during execution.
// Identifier is the dedup key.
type FinallyAction struct {
	Identifier string         `json:"identifier"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Target     *Target        `json:"target,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}

// DelegationRequest is the body posted to a remote agent's execution endpoint.
type DelegationRequest struct {
	ExecutionID int64          `json:"execution_id"`
	Step        StepCall       `json:"step"`
	Environment map[string]any `json:"environment,omitempty"`
}
