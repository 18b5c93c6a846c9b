// Package netstate reports whether the remote store is reachable and
// notifies subscribers when that changes.
package netstate

import (
	"context"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// Static is a connectivity signal set by hand. Used for tests and when no
// probe address is configured.
type Static struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]func(bool)
	next      int
}

// NewStatic creates a signal with the given initial state.
func NewStatic(online bool) *Static {
	return &Static{online: online, listeners: make(map[int]func(bool))}
}

// Online reports the current state.
func (s *Static) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set changes the state. Subscribers are notified only on a change.
func (s *Static) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Subscribe registers fn for state changes.
func (s *Static) Subscribe(fn func(online bool)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// ProbeConfig holds configuration for the TCP probe.
type ProbeConfig struct {
	// Address is the host:port dialed to test reachability
	Address string

	// Interval between probes
	Interval time.Duration

	// Timeout for one dial
	Timeout time.Duration

	// Logger for state changes
	Logger *log.Logger
}

// DefaultProbeConfig returns sensible defaults.
func DefaultProbeConfig() *ProbeConfig {
	return &ProbeConfig{
		Interval: 15 * time.Second,
		Timeout:  3 * time.Second,
		Logger:   log.New(os.Stderr, "[netstate] ", log.LstdFlags),
	}
}

// Probe dials a TCP address periodically and reports reachability.
type Probe struct {
	*Static
	config *ProbeConfig
	dial   func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewProbe creates a probe. It starts optimistic (online) until the first
// probe says otherwise.
func NewProbe(config *ProbeConfig) *Probe {
	if config == nil {
		config = DefaultProbeConfig()
	}
	defaults := DefaultProbeConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	d := &net.Dialer{}
	return &Probe{Static: NewStatic(true), config: config, dial: d.DialContext}
}

// Check runs one probe and updates the state.
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.config.Address)
	online := err == nil
	if conn != nil {
		_ = conn.Close()
	}
	if online != p.Online() {
		if online {
			p.config.Logger.Printf("%s reachable", p.config.Address)
		} else {
			p.config.Logger.Printf("%s unreachable: %v", p.config.Address, err)
		}
	}
	p.Set(online)
	return online
}

// Run probes until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) error {
	p.Check(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
