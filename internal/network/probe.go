package network

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/rendis/chutney/pkg/schema"
)

// TargetProber decides whether the local agent reaches a target.
type TargetProber interface {
	Probe(ctx context.Context, target schema.Target) bool
}

// TCPProber opens a TCP connection to the host and port of the target URL.
type TCPProber struct {
	Timeout time.Duration
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ssh":   "22",
	"amqp":  "5672",
	"amqps": "5671",
}

// Probe implements TargetProber.
func (p TCPProber) Probe(ctx context.Context, target schema.Target) bool {
	addr, ok := dialAddress(target.URL)
	if !ok {
		return false
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func dialAddress(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	port := u.Port()
	if port == "" {
		port = defaultPorts[u.Scheme]
	}
	if port == "" {
		return "", false
	}
	return net.JoinHostPort(u.Hostname(), port), true
}

// ProberFunc adapts a function to TargetProber.
type ProberFunc func(ctx context.Context, target schema.Target) bool

// Probe implements TargetProber.
func (f ProberFunc) Probe(ctx context.Context, target schema.Target) bool { return f(ctx, target) }
