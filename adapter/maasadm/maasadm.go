// Package maasadm guards a MaaS transport with a circuit breaker. MaaS
// region controllers fall over under bursts of commissioning calls; once
// the breaker opens, callers see a transient "maas_busy" fault and back off
// instead of piling on. HTTPTransport is the stock transport, speaking the
// region's 2.0 REST API.
package maasadm

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/pkg/faults"
)

const (
	defaultTripAfter = 5
	defaultOpenFor   = 30 * time.Second
)

// Transport is the raw MaaS API surface the breaker wraps. Implementations
// classify their own transport errors into faults kinds.
type Transport interface {
	adapter.MaaS
}

type Config struct {
	Transport Transport
	Log       logr.Logger
	// TripAfter is how many consecutive failures open the breaker.
	TripAfter uint32
	// OpenFor is how long the breaker stays open before probing again.
	OpenFor time.Duration
}

// Client implements adapter.MaaS over Config.Transport.
type Client struct {
	transport Transport
	cb        *gobreaker.CircuitBreaker
	log       logr.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, faults.Errorf(faults.KindValidation, "maasadm.New", "nil transport")
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = defaultTripAfter
	}
	if cfg.OpenFor == 0 {
		cfg.OpenFor = defaultOpenFor
	}
	log := cfg.Log
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "maas",
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.TripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerTransitions.WithLabelValues(to.String()).Inc()
			log.Info("maas circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{transport: cfg.Transport, cb: cb, log: log}, nil
}

func (c *Client) ListMachines(ctx context.Context) ([]adapter.MachineInfo, error) {
	v, err := c.exec("maas.list_machines", func() (any, error) {
		return c.transport.ListMachines(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]adapter.MachineInfo), nil
}

func (c *Client) Machine(ctx context.Context, systemID string) (adapter.MachineInfo, error) {
	v, err := c.exec("maas.machine", func() (any, error) {
		return c.transport.Machine(ctx, systemID)
	})
	if err != nil {
		return adapter.MachineInfo{}, err
	}
	return v.(adapter.MachineInfo), nil
}

func (c *Client) Commission(ctx context.Context, systemID string) error {
	_, err := c.exec("maas.commission", func() (any, error) {
		return nil, c.transport.Commission(ctx, systemID)
	})
	return err
}

func (c *Client) Release(ctx context.Context, systemID string) error {
	_, err := c.exec("maas.release", func() (any, error) {
		return nil, c.transport.Release(ctx, systemID)
	})
	return err
}

func (c *Client) Tag(ctx context.Context, systemID string, tags []string) error {
	_, err := c.exec("maas.tag", func() (any, error) {
		return nil, c.transport.Tag(ctx, systemID, tags)
	})
	return err
}

// State exposes the breaker state for status surfaces.
func (c *Client) State() gobreaker.State {
	return c.cb.State()
}

func (c *Client) exec(op string, fn func() (any, error)) (any, error) {
	v, err := c.cb.Execute(fn)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, faults.Errorf(faults.KindTransient, op, "maas_busy: circuit breaker open")
	}
	// Keep the transport's classification, add the operation.
	return nil, faults.E(faults.KindOf(err), op, err)
}

var breakerTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "metalforge_maas_breaker_transitions_total",
		Help: "Count of MaaS circuit breaker state transitions, by new state.",
	},
	[]string{"to"},
)
