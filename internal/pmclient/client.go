// Package pmclient is the processor side of the IPI protocol used to request
// power-state transitions from the platform power-management controller.
//
// A Client is bound to one calling core. All clients of a cluster share the
// same Bus, Registry and Lock; the Lock serializes every mailbox exchange and
// every read-modify-write of the power-control register.
package pmclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tinyrange/zynqpm/internal/mmio"
)

// CPUInterface is the calling core's local interrupt-controller interface.
type CPUInterface interface {
	// Deactivate stops interrupt delivery to the current core.
	Deactivate()
	// Setup reinitializes interrupt delivery to the current core.
	Setup()
}

// WaitPolicy bounds the busy-wait on the channel's observation register.
type WaitPolicy struct {
	// MaxPolls is the number of OBS reads before giving up. Zero polls until
	// the context is done.
	MaxPolls int
	// Interval paces successive reads. Zero spins.
	Interval time.Duration
}

// BreakerPolicy configures fail-fast behaviour of Call after repeated timeouts.
type BreakerPolicy struct {
	// TripAfter consecutive timeouts open the breaker. Zero disables it.
	TripAfter uint32
	// Cooldown is how long the breaker stays open before a probe is allowed.
	Cooldown time.Duration
}

// Config wires a Client to its collaborators.
type Config struct {
	Bus      mmio.Bus
	Registry *Registry
	Layout   Layout
	// Lock is shared by every client of the cluster.
	Lock sync.Locker
	// CPU is the local interrupt interface of the core this client runs on.
	CPU CPUInterface
	// CPUID labels log records.
	CPUID int

	Wait    WaitPolicy
	Breaker BreakerPolicy
	Logger  *slog.Logger
}

// Client performs mailbox exchanges and power hooks on behalf of one core.
type Client struct {
	bus      mmio.Bus
	registry *Registry
	layout   Layout
	lock     sync.Locker
	cpu      CPUInterface
	wait     WaitPolicy
	breaker  *gobreaker.CircuitBreaker
	log      *slog.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("pmclient: bus is nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("pmclient: registry is nil")
	}
	if cfg.Lock == nil {
		return nil, fmt.Errorf("pmclient: lock is nil")
	}
	if cfg.CPU == nil {
		return nil, fmt.Errorf("pmclient: cpu interface is nil")
	}
	if cfg.Wait.MaxPolls < 0 || cfg.Wait.Interval < 0 {
		return nil, fmt.Errorf("pmclient: negative wait policy %+v", cfg.Wait)
	}
	layout := cfg.Layout
	if layout == (Layout{}) {
		layout = DefaultLayout()
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("cpu", cfg.CPUID)

	c := &Client{
		bus:      cfg.Bus,
		registry: cfg.Registry,
		layout:   layout,
		lock:     cfg.Lock,
		cpu:      cfg.CPU,
		wait:     cfg.Wait,
		log:      logger,
	}
	if cfg.Breaker.TripAfter > 0 {
		c.breaker = newBreaker(fmt.Sprintf("pm-ipi-cpu%d", cfg.CPUID), cfg.Breaker, logger)
	}
	return c, nil
}

// Registry returns the processor table this client was built with.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Proc is shorthand for Registry().Proc.
func (c *Client) Proc(cpu int) (Proc, bool) {
	return c.registry.Proc(cpu)
}

// ProcByNode is shorthand for Registry().ProcByNode.
func (c *Client) ProcByNode(node NodeID) (Proc, bool) {
	return c.registry.ProcByNode(node)
}

func newBreaker(name string, policy BreakerPolicy, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     policy.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= policy.TripAfter
		},
		// Controller status codes are the caller's business, and so is a
		// caller giving up; only an undrained channel counts against the
		// controller.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("controller breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}
