package flag

import (
	"github.com/peterbourgon/ff/v4/ffval"

	"github.com/metalforge/metalforge/pkg/config"
)

// RegisterServiceFlags binds the orchestrator wiring knobs: where the
// catalog and the history database live, template loading and the
// lifecycle timings.
func RegisterServiceFlags(fs *Set, c *config.Config) {
	fs.Register(CatalogPath, ffval.NewValueDefault(&c.Catalog.Path, c.Catalog.Path))
	fs.Register(CatalogWatch, ffval.NewValueDefault(&c.Catalog.Watch, c.Catalog.Watch))
	fs.Register(HistoryDB, ffval.NewValueDefault(&c.History.Path, c.History.Path))
	fs.Register(TemplateDir, ffval.NewValueDefault(&c.Planner.TemplateDir, c.Planner.TemplateDir))
	fs.Register(FallbackBIOSTemplate, ffval.NewValueDefault(&c.Planner.FallbackBIOSTemplate, c.Planner.FallbackBIOSTemplate))
	fs.Register(StepTimeout, ffval.NewValueDefault(&c.Engine.StepTimeout, c.Engine.StepTimeout))
	fs.Register(CancelGrace, ffval.NewValueDefault(&c.Engine.CancelGrace, c.Engine.CancelGrace))
	fs.Register(ShutdownGrace, ffval.NewValueDefault(&c.Manager.ShutdownGrace, c.Manager.ShutdownGrace))
	fs.Register(RetireAfter, ffval.NewValueDefault(&c.Manager.RetireAfter, c.Manager.RetireAfter))
}

var CatalogPath = Config{
	Name:  "catalog",
	Usage: "path of the device catalog YAML document",
}

var CatalogWatch = Config{
	Name:  "catalog-watch",
	Usage: "reload the catalog when the file changes on disk",
}

var HistoryDB = Config{
	Name:  "history-db",
	Usage: "path of the sqlite history database, \":memory:\" for an ephemeral one",
}

var TemplateDir = Config{
	Name:  "template-dir",
	Usage: "directory of custom workflow template YAML files, loaded at startup",
}

var FallbackBIOSTemplate = Config{
	Name:  "fallback-bios-template",
	Usage: "catalog BIOS template applied when classification cannot name a device type, empty leaves the BIOS untouched",
}

var StepTimeout = Config{
	Name:  "step-timeout",
	Usage: "default per-step timeout, individual steps may override",
}

var CancelGrace = Config{
	Name:  "cancel-grace",
	Usage: "how long a cancelled step may keep running before it is abandoned",
}

var ShutdownGrace = Config{
	Name:  "shutdown-grace",
	Usage: "how long shutdown waits for cancelled workflows to finish",
}

var RetireAfter = Config{
	Name:  "retire-after",
	Usage: "how long finished workflows stay queryable in memory",
}
