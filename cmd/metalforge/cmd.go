package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/peterbourgon/ff/v4/ffval"

	"github.com/metalforge/metalforge/cmd/metalforge/flag"
	"github.com/metalforge/metalforge/pkg/config"
)

// cli holds the parsed configuration shared by the subcommand Execs.
type cli struct {
	globals  *flag.GlobalConfig
	cfg      *config.Config
	request  *flag.RequestConfig
	classify *classifyConfig
	catalog  *catalogConfig
	history  *historyConfig
	log      logr.Logger
}

type classifyConfig struct {
	FactsFile string
	Local     bool
	JSON      bool
}

type catalogConfig struct {
	Validate bool
	Search   string
}

type historyConfig struct {
	WorkflowID string
	ServerID   string
	State      string
	Limit      int
}

func Execute(ctx context.Context, args []string) error {
	globals := &flag.GlobalConfig{ConfigPath: configPathFrom(args)}

	// The config file loads before flag registration so flag defaults show
	// the layered values and unset flags keep them.
	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		return err
	}

	c := &cli{
		globals:  globals,
		cfg:      &cfg,
		request:  &flag.RequestConfig{},
		classify: &classifyConfig{},
		catalog:  &catalogConfig{},
		history:  &historyConfig{Limit: 20},
	}

	// order here determines the help output.
	mfs := ff.NewFlagSet("maas")
	bfs := ff.NewFlagSet("bmc").SetParent(mfs)
	sshfs := ff.NewFlagSet("ssh").SetParent(bfs)
	ofs := ff.NewFlagSet("relay and tracing").SetParent(sshfs)
	svfs := ff.NewFlagSet("service").SetParent(ofs)
	gfs := ff.NewFlagSet("globals").SetParent(svfs)
	flag.RegisterMaaSFlags(&flag.Set{FlagSet: mfs}, &cfg.MaaS)
	flag.RegisterBMCFlags(&flag.Set{FlagSet: bfs}, &cfg.BMC)
	flag.RegisterSSHFlags(&flag.Set{FlagSet: sshfs}, &cfg.SSH)
	flag.RegisterRelayFlags(&flag.Set{FlagSet: ofs}, &cfg.NATS)
	flag.RegisterOtelFlags(&flag.Set{FlagSet: ofs}, &cfg.Otel)
	flag.RegisterServiceFlags(&flag.Set{FlagSet: svfs}, &cfg)
	flag.RegisterGlobal(&flag.Set{FlagSet: gfs}, globals)

	runFS := ff.NewFlagSet("run").SetParent(gfs)
	flag.RegisterRequestFlags(&flag.Set{FlagSet: runFS}, c.request)

	classifyFS := ff.NewFlagSet("classify").SetParent(gfs)
	cls := &flag.Set{FlagSet: classifyFS}
	cls.Register(flag.Config{Name: "facts", Usage: "path of a hardware facts JSON document"},
		ffval.NewValueDefault(&c.classify.FactsFile, c.classify.FactsFile))
	cls.Register(flag.Config{Name: "local", Usage: "inspect the host this process runs on"},
		ffval.NewValueDefault(&c.classify.Local, c.classify.Local))
	cls.Register(flag.Config{Name: "json", Usage: "emit the classification as one JSON document"},
		ffval.NewValueDefault(&c.classify.JSON, c.classify.JSON))

	catalogFS := ff.NewFlagSet("catalog").SetParent(gfs)
	cat := &flag.Set{FlagSet: catalogFS}
	cat.Register(flag.Config{Name: "validate", Usage: "load the catalog and report problems"},
		ffval.NewValueDefault(&c.catalog.Validate, c.catalog.Validate))
	cat.Register(flag.Config{Name: "search", Usage: "list device types matching a query"},
		ffval.NewValueDefault(&c.catalog.Search, c.catalog.Search))

	historyFS := ff.NewFlagSet("history").SetParent(gfs)
	his := &flag.Set{FlagSet: historyFS}
	his.Register(flag.Config{Name: "id", Usage: "show one workflow record in full"},
		ffval.NewValueDefault(&c.history.WorkflowID, c.history.WorkflowID))
	his.Register(flag.Config{Name: "server", Usage: "only records for this server"},
		ffval.NewValueDefault(&c.history.ServerID, c.history.ServerID))
	his.Register(flag.Config{Name: "state", Usage: "only records in this state, e.g. FAILED"},
		ffval.NewValueDefault(&c.history.State, c.history.State))
	his.Register(flag.Config{Name: "limit", Usage: "maximum records listed"},
		ffval.NewValueDefault(&c.history.Limit, c.history.Limit))

	root := &ff.Command{
		Name:     "metalforge",
		Usage:    "metalforge [FLAGS] <SUBCOMMAND>",
		LongHelp: "Bare metal provisioning orchestrator.",
		Flags:    gfs,
		Exec: func(context.Context, []string) error {
			return ff.ErrHelp
		},
		Subcommands: []*ff.Command{
			{
				Name:      "run",
				Usage:     "metalforge run --server-id <id> [flags]",
				ShortHelp: "provision one server, streaming progress events to stdout",
				Flags:     runFS,
				Exec:      c.run,
			},
			{
				Name:      "classify",
				Usage:     "metalforge classify (--facts <file> | --local)",
				ShortHelp: "score hardware facts against the catalog",
				Flags:     classifyFS,
				Exec:      c.runClassify,
			},
			{
				Name:      "catalog",
				Usage:     "metalforge catalog [--validate] [--search <query>]",
				ShortHelp: "inspect the device catalog",
				Flags:     catalogFS,
				Exec:      c.runCatalog,
			},
			{
				Name:      "history",
				Usage:     "metalforge history [--id <workflow>] [flags]",
				ShortHelp: "list or show workflow records",
				Flags:     historyFS,
				Exec:      c.runHistory,
			},
		},
	}

	if err := root.Parse(args, ff.WithEnvVarPrefix("METALFORGE")); err != nil {
		e := errors.New(ffhelp.Command(root).String())
		if !errors.Is(err, ff.ErrHelp) {
			e = fmt.Errorf("%w\n%s", e, err)
		}

		return e
	}

	// Flags may have overridden file and env values, so validate the final
	// shape once more.
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.log = getLogger(globals.LogLevel, globals.LogDev)

	if err := root.Run(ctx); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			return errors.New(ffhelp.Command(root).String())
		}
		return err
	}
	return nil
}

// configPathFrom finds the --config value before the real parse, so the
// file can seed flag defaults. Falls back to METALFORGE_CONFIG.
func configPathFrom(args []string) string {
	for i, a := range args {
		switch {
		case a == "--config" || a == "-config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		}
	}
	return os.Getenv("METALFORGE_CONFIG")
}
