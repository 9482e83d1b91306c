// Package natsrelay republishes workflow progress events to a NATS
// server, so consumers outside the process can follow runs without
// holding a control API connection. The relay is best effort: it never
// feeds backpressure or errors into the engine.
package natsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/metalforge/metalforge/bus"
	"github.com/metalforge/metalforge/pkg/faults"
)

type Config struct {
	// URL of the NATS server, e.g. "nats://broker.lab:4222".
	URL string
	// Stream is the subject namespace; events go out on
	// <stream>.<workflow_id>.events. Empty means "metalforge".
	Stream string
	Bus    *bus.Bus
	Log    logr.Logger
}

// Start connects and relays the firehose topic until ctx ends. The
// connection retries forever in the background; events published while
// disconnected ride the client's reconnect buffer or are dropped.
func Start(ctx context.Context, cfg Config) error {
	if cfg.URL == "" || cfg.Bus == nil {
		return faults.Errorf(faults.KindValidation, "natsrelay.start",
			"a nats url and a bus are required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "metalforge"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("metalforge-relay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return faults.E(faults.KindValidation, "natsrelay.start", err)
	}
	cfg.Log.Info("nats relay started", "url", cfg.URL, "stream", cfg.Stream)

	go func() {
		defer nc.Close()
		relay(ctx, cfg, nc)
	}()
	return nil
}

// publisher is the slice of nats.Conn the relay loop uses.
type publisher interface {
	PublishMsg(*nats.Msg) error
}

func relay(ctx context.Context, cfg Config, nc publisher) {
	for ev := range cfg.Bus.Subscribe(ctx, bus.TopicAll) {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		msg := &nats.Msg{
			Subject: fmt.Sprintf("%s.%s.events", cfg.Stream, subjectToken(ev.WorkflowID)),
			Data:    payload,
		}
		if err := nc.PublishMsg(msg); err != nil {
			relayDropped.Inc()
			cfg.Log.V(1).Info("relay publish failed", "subject", msg.Subject, "error", err)
			continue
		}
		relayPublished.Inc()
	}
}

// subjectToken makes a workflow id safe as one NATS subject token.
// Server ids can carry dots (hostnames), which would otherwise split
// the token.
func subjectToken(id string) string {
	return strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-").Replace(id)
}

var (
	relayPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metalforge_natsrelay_events_relayed_total",
		Help: "Progress events republished to NATS.",
	})
	relayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metalforge_natsrelay_events_dropped_total",
		Help: "Progress events the relay failed to publish.",
	})
)
