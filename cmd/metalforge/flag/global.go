package flag

import (
	"github.com/peterbourgon/ff/v4/ffval"
)

// GlobalConfig carries the flags every subcommand accepts.
type GlobalConfig struct {
	LogLevel   int
	LogDev     bool
	ConfigPath string
}

func RegisterGlobal(fs *Set, gc *GlobalConfig) {
	fs.Register(ConfigPath, ffval.NewValueDefault(&gc.ConfigPath, gc.ConfigPath))
	fs.Register(LogLevel, ffval.NewValueDefault(&gc.LogLevel, gc.LogLevel))
	fs.Register(LogDev, ffval.NewValueDefault(&gc.LogDev, gc.LogDev))
}

var ConfigPath = Config{
	Name:  "config",
	Usage: "path of the YAML config file, layered between built-in defaults and METALFORGE__ env vars; flags win over all of them",
}

var LogLevel = Config{
	Name:  "log-level",
	Usage: "the higher the number the more verbose, a negative number disables logging",
}

var LogDev = Config{
	Name:  "log-dev",
	Usage: "human readable development logging instead of JSON",
}
