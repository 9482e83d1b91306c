package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/oklog/ulid/v2"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/adapter/bmc"
	"github.com/metalforge/metalforge/adapter/ipmicli"
	"github.com/metalforge/metalforge/adapter/maasadm"
	"github.com/metalforge/metalforge/adapter/sshexec"
	"github.com/metalforge/metalforge/adapter/vendortool"
	"github.com/metalforge/metalforge/bus"
	"github.com/metalforge/metalforge/bus/natsrelay"
	"github.com/metalforge/metalforge/catalog"
	"github.com/metalforge/metalforge/cmd/metalforge/flag"
	"github.com/metalforge/metalforge/engine"
	"github.com/metalforge/metalforge/history"
	"github.com/metalforge/metalforge/manager"
	"github.com/metalforge/metalforge/pkg/config"
	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/inspect"
	"github.com/metalforge/metalforge/pkg/otel"
	"github.com/metalforge/metalforge/planner"
	"github.com/metalforge/metalforge/steps"
)

// run provisions one server end to end: it assembles the whole stack,
// creates a workflow from the request flags and streams its progress
// events to stdout as JSON lines until the workflow is terminal. The
// process exits zero only for a completed workflow.
func (c *cli) run(ctx context.Context, _ []string) error {
	log := c.log
	cfg := c.cfg

	req := c.request.Convert()
	if req.CorrelationID == "" {
		req.CorrelationID = ulid.Make().String()
	}

	cat, err := catalog.FromFile(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	if cfg.Catalog.Watch {
		go func() {
			if err := cat.Watch(ctx, log); err != nil {
				log.Error(err, "catalog watch stopped")
			}
		}()
	}

	hist, err := history.Open(cfg.History.Path, log)
	if err != nil {
		return err
	}
	defer hist.Close()

	b := bus.New()

	if cfg.NATS.URL != "" {
		if err := natsrelay.Start(ctx, natsrelay.Config{
			URL:    cfg.NATS.URL,
			Stream: cfg.NATS.Stream,
			Bus:    b,
			Log:    log,
		}); err != nil {
			return err
		}
	}

	stopTraces, err := otel.Init(ctx, otel.Config{
		Endpoint: cfg.Otel.Endpoint,
		Insecure: cfg.Otel.Insecure,
		Log:      log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := stopTraces(context.WithoutCancel(ctx)); err != nil {
			log.Error(err, "trace exporter shutdown")
		}
	}()

	adapters, closeAdapters, err := buildAdapters(ctx, cfg, c.request, log)
	if err != nil {
		return err
	}
	defer closeAdapters()

	pl, err := planner.New(planner.Config{
		Catalog:              cat,
		Log:                  log,
		FallbackBIOSTemplate: cfg.Planner.FallbackBIOSTemplate,
	})
	if err != nil {
		return err
	}
	reg := steps.Builtin(steps.Deps{Planner: pl, LocalFacts: inspect.Facts})
	if err := tuneSteps(reg, cfg.Engine); err != nil {
		return err
	}
	factory, err := planner.NewFactory(reg, cat, pl)
	if err != nil {
		return err
	}
	if cfg.Planner.TemplateDir != "" {
		n, err := factory.LoadTemplateDir(cfg.Planner.TemplateDir)
		if err != nil {
			return err
		}
		log.Info("custom templates loaded", "dir", cfg.Planner.TemplateDir, "count", n)
	}

	eng, err := engine.New(engine.Config{
		Bus:         b,
		History:     hist,
		Log:         log,
		StepTimeout: cfg.Engine.StepTimeout,
		CancelGrace: cfg.Engine.CancelGrace,
	})
	if err != nil {
		return err
	}
	mgr, err := manager.New(manager.Config{
		Factory:       factory,
		Engine:        eng,
		Bus:           b,
		History:       hist,
		Adapters:      adapters,
		Catalog:       cat,
		Log:           log,
		ShutdownGrace: cfg.Manager.ShutdownGrace,
		RetireAfter:   cfg.Manager.RetireAfter,
		CleanupEvery:  cfg.Manager.CleanupEvery,
	})
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}

	id, err := mgr.Create(ctx, req)
	if err != nil {
		return err
	}
	log.Info("workflow created", "workflowID", id, "serverID", req.ServerID)

	// The stream hangs off its own context: an operator interrupt cancels
	// the workflow but keeps draining events until the engine concludes.
	streamCtx, stopStream := context.WithCancel(context.Background())
	defer stopStream()
	events := mgr.Subscribe(streamCtx, id)

	enc := json.NewEncoder(os.Stdout)
	interrupted := ctx.Done()
stream:
	for {
		select {
		case <-interrupted:
			log.Info("interrupt, cancelling workflow", "workflowID", id)
			mgr.Cancel(id)
			interrupted = nil
		case ev, ok := <-events:
			if !ok {
				break stream
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
			if ev.Kind == data.EventWorkflowEnd {
				break stream
			}
		}
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Manager.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := mgr.Shutdown(sctx); err != nil {
		log.Error(err, "shutdown incomplete")
	}

	wf, err := mgr.Get(id)
	if err != nil {
		return err
	}
	if wf.State != data.WorkflowStateCompleted {
		return fmt.Errorf("workflow %s %s: %s", id, wf.State, wf.Error)
	}
	log.Info("workflow completed", "workflowID", id,
		"steps", wf.StepsCompleted, "duration", wf.EndedAt.Sub(wf.CreatedAt).String())
	return nil
}

// tuneSteps applies the per-step timeout and retry overrides from the
// configuration onto the registry.
func tuneSteps(reg *steps.Registry, ec config.EngineConfig) error {
	for name, timeout := range ec.StepTimeouts {
		if err := reg.Tune(name, timeout, nil); err != nil {
			return err
		}
	}
	for name, count := range ec.StepRetries {
		if err := reg.Tune(name, 0, &steps.RetryPolicy{Count: count}); err != nil {
			return err
		}
	}
	return nil
}

// buildAdapters dials whatever the flags and configuration name. Every
// adapter is optional; steps skip or downgrade work the set cannot do.
func buildAdapters(ctx context.Context, cfg *config.Config, rc *flag.RequestConfig, log logr.Logger) (adapter.Set, func(), error) {
	var set adapter.Set
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.MaaS.Endpoint != "" {
		transport, err := maasadm.NewHTTPTransport(maasadm.TransportConfig{
			Endpoint: cfg.MaaS.Endpoint,
			APIKey:   cfg.MaaS.APIKey,
			Log:      log.WithValues("adapter", "maas"),
		})
		if err != nil {
			return adapter.Set{}, nil, err
		}
		client, err := maasadm.New(maasadm.Config{
			Transport: transport,
			Log:       log.WithValues("adapter", "maas"),
			TripAfter: cfg.MaaS.TripAfter,
			OpenFor:   cfg.MaaS.OpenFor,
		})
		if err != nil {
			return adapter.Set{}, nil, err
		}
		set.MaaS = client
	}

	runner := vendortool.New(vendortool.Config{
		Env:      cfg.VendorTool.Env,
		Attempts: uint(cfg.VendorTool.InstallAttempts),
		Delay:    cfg.VendorTool.InstallDelay,
		Log:      log.WithValues("adapter", "vendortool"),
	})

	if rc.BMCIP.IsValid() && cfg.BMC.Username != "" {
		ep := data.BMCEndpoint{
			Host:     rc.BMCIP.String(),
			Username: cfg.BMC.Username,
			Password: cfg.BMC.Password,
		}
		opts := &bmc.Options{
			RedfishPort: cfg.BMC.RedfishPort,
			HTTPProxy:   cfg.BMC.HTTPProxy,
			InsecureTLS: cfg.BMC.InsecureTLS,
		}
		conn, err := bmc.Connect(ctx, log.WithValues("adapter", "bmc"), ep,
			bmc.NewClientFunc(cfg.BMC.ConnectTimeout, cfg.BMC.HTTPProxy), opts)
		if err != nil {
			closeAll()
			return adapter.Set{}, nil, err
		}
		set.BMC = conn
		closers = append(closers, func() {
			if err := conn.Close(context.Background()); err != nil {
				log.V(1).Info("bmc close failed", "error", err)
			}
		})

		ipmi, err := ipmicli.New(runner, ep, log.WithValues("adapter", "ipmi"))
		if err != nil {
			closeAll()
			return adapter.Set{}, nil, err
		}
		set.IPMI = ipmi

		sum, err := vendortool.NewSum(runner, ep, log.WithValues("adapter", "sum"))
		if err != nil {
			closeAll()
			return adapter.Set{}, nil, err
		}
		set.VendorTool = sum
	}

	if rc.SSHHost != "" {
		sc := sshexec.Config{
			Host:     rc.SSHHost,
			Port:     cfg.SSH.Port,
			User:     cfg.SSH.User,
			Password: cfg.SSH.Password,
			Timeout:  cfg.SSH.ConnectTimeout,
			Log:      log.WithValues("adapter", "ssh"),
		}
		if cfg.SSH.PrivateKeyFile != "" {
			key, err := os.ReadFile(cfg.SSH.PrivateKeyFile)
			if err != nil {
				closeAll()
				return adapter.Set{}, nil, fmt.Errorf("reading ssh key: %w", err)
			}
			sc.PrivateKey = key
		}
		client, err := sshexec.Dial(ctx, sc)
		if err != nil {
			closeAll()
			return adapter.Set{}, nil, err
		}
		set.SSH = client
		closers = append(closers, func() {
			if err := client.Close(); err != nil {
				log.V(1).Info("ssh close failed", "error", err)
			}
		})
	}

	return set, closeAll, nil
}
