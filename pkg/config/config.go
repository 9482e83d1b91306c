// Package config is the layered configuration of the orchestrator:
// built-in defaults, then an optional YAML file, then METALFORGE__
// environment overrides, each layer winning over the one before it. The
// CLI applies explicitly-set flags on top.
//
// Environment keys nest with a double underscore so single underscores
// stay available inside key names:
//
//	METALFORGE__MAAS__ENDPOINT                        -> maas.endpoint
//	METALFORGE__ENGINE__STEP_TIMEOUTS__PULL_BIOS_CONFIG -> engine.step_timeouts.pull_bios_config
package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/metalforge/metalforge/engine"
	"github.com/metalforge/metalforge/manager"
	"github.com/metalforge/metalforge/pkg/faults"
)

const envPrefix = "METALFORGE__"

// Config is every tunable of a metalforge deployment.
type Config struct {
	Catalog    CatalogConfig    `koanf:"catalog"`
	History    HistoryConfig    `koanf:"history"`
	Engine     EngineConfig     `koanf:"engine"`
	Manager    ManagerConfig    `koanf:"manager"`
	Planner    PlannerConfig    `koanf:"planner"`
	MaaS       MaaSConfig       `koanf:"maas"`
	BMC        BMCConfig        `koanf:"bmc"`
	SSH        SSHConfig        `koanf:"ssh"`
	VendorTool VendorToolConfig `koanf:"vendor_tool"`
	NATS       NATSConfig       `koanf:"nats"`
	Otel       OtelConfig       `koanf:"otel"`
}

type CatalogConfig struct {
	// Path of the device catalog document.
	Path string `koanf:"path" validate:"required"`
	// Watch reloads the catalog when the file changes on disk.
	Watch bool `koanf:"watch"`
}

type HistoryConfig struct {
	// Path of the sqlite database; ":memory:" keeps history in-process.
	Path string `koanf:"path" validate:"required"`
}

type EngineConfig struct {
	StepTimeout time.Duration `koanf:"step_timeout" validate:"gt=0"`
	CancelGrace time.Duration `koanf:"cancel_grace" validate:"gt=0"`
	// StepTimeouts overrides individual step timeouts by step name.
	StepTimeouts map[string]time.Duration `koanf:"step_timeouts" validate:"dive,gt=0"`
	// StepRetries overrides individual step retry counts by step name.
	StepRetries map[string]int `koanf:"step_retries" validate:"dive,gte=0"`
}

type ManagerConfig struct {
	ShutdownGrace time.Duration `koanf:"shutdown_grace" validate:"gt=0"`
	RetireAfter   time.Duration `koanf:"retire_after" validate:"gt=0"`
	CleanupEvery  time.Duration `koanf:"cleanup_every" validate:"gt=0"`
}

type PlannerConfig struct {
	// TemplateDir holds custom workflow template files, loaded at startup.
	TemplateDir string `koanf:"template_dir"`
	// FallbackBIOSTemplate names the BIOS template fallback plans carry.
	// Empty means fallback runs leave BIOS settings untouched.
	FallbackBIOSTemplate string `koanf:"fallback_bios_template"`
}

type MaaSConfig struct {
	// Endpoint is the MaaS API root, e.g. "http://maas.lab:5240/MAAS".
	Endpoint string `koanf:"endpoint" validate:"omitempty,url"`
	// APIKey is the MaaS "consumer:token:secret" triple.
	APIKey string `koanf:"api_key"`
	// TripAfter consecutive failures open the circuit breaker.
	TripAfter uint32 `koanf:"trip_after"`
	// OpenFor is how long the breaker stays open before probing again.
	OpenFor time.Duration `koanf:"open_for" validate:"gte=0"`
}

type BMCConfig struct {
	Username       string        `koanf:"username"`
	Password       string        `koanf:"password"`
	RedfishPort    int           `koanf:"redfish_port" validate:"gte=0,lte=65535"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	HTTPProxy      string        `koanf:"http_proxy"`
	InsecureTLS    bool          `koanf:"insecure_tls"`
}

type SSHConfig struct {
	User           string        `koanf:"user"`
	Password       string        `koanf:"password"`
	PrivateKeyFile string        `koanf:"private_key_file"`
	Port           int           `koanf:"port" validate:"gt=0,lte=65535"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"gt=0"`
}

type VendorToolConfig struct {
	// Env is appended to every tool invocation, e.g. SUM_PASSWORD.
	Env map[string]string `koanf:"env"`
	// InstallAttempts and InstallDelay shape the fixed-delay policy for
	// installing a missing vendor tool on first use.
	InstallAttempts uint          `koanf:"install_attempts" validate:"gte=1"`
	InstallDelay    time.Duration `koanf:"install_delay" validate:"gte=0"`
}

type NATSConfig struct {
	// URL of the NATS server; empty disables the relay.
	URL string `koanf:"url" validate:"omitempty,url"`
	// Stream is the subject namespace: events go out on
	// <stream>.<workflow_id>.events.
	Stream string `koanf:"stream"`
}

type OtelConfig struct {
	// Endpoint of an OTLP gRPC collector; empty disables tracing.
	Endpoint string `koanf:"endpoint"`
	Insecure bool   `koanf:"insecure"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Catalog: CatalogConfig{Path: "catalog.yaml", Watch: true},
		History: HistoryConfig{Path: "metalforge.db"},
		Engine: EngineConfig{
			StepTimeout: engine.DefaultStepTimeout,
			CancelGrace: engine.DefaultCancelGrace,
		},
		Manager: ManagerConfig{
			ShutdownGrace: manager.DefaultShutdownGrace,
			RetireAfter:   manager.DefaultRetireAfter,
			CleanupEvery:  manager.DefaultCleanupEvery,
		},
		MaaS: MaaSConfig{TripAfter: 5, OpenFor: 30 * time.Second},
		BMC:  BMCConfig{ConnectTimeout: 30 * time.Second},
		SSH: SSHConfig{
			User:           "root",
			Port:           22,
			ConnectTimeout: 10 * time.Second,
		},
		VendorTool: VendorToolConfig{InstallAttempts: 3, InstallDelay: 5 * time.Second},
		NATS:       NATSConfig{Stream: "metalforge"},
	}
}

var validate = validator.New()

// Load builds the effective configuration. A named file that does not
// exist is an error; an empty path skips the file layer entirely.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, faults.E(faults.KindInternal, "config.load", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, faults.Errorf(faults.KindNotFound, "config.load",
				"config file %s not found", path)
		}
		if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
			return Config{}, faults.E(faults.KindValidation, "config.load", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, faults.E(faults.KindInternal, "config.load", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, faults.E(faults.KindValidation, "config.load", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports structural problems: missing paths, non-positive
// timeouts, malformed endpoints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return faults.E(faults.KindValidation, "config.validate", err)
	}
	return nil
}

// Dump writes the effective configuration as YAML, keyed the way the
// config file is. Durations render as nanosecond integers.
func Dump(cfg Config, w io.Writer) error {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return faults.E(faults.KindInternal, "config.dump", err)
	}
	return yaml.NewEncoder(w).Encode(k.Raw())
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(key, "__", ".")
}
