// Package config loads the deck configuration.
//
// Values are layered: built-in defaults, then a YAML file validated against
// an embedded CUE schema, then DECK_ environment variables. Command-line
// flags are applied last by the CLI.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/deck/internal/compiler"
	"github.com/roach88/deck/internal/nostr"
	"github.com/roach88/deck/internal/relay"
	"github.com/roach88/deck/internal/rotation"
	"github.com/roach88/deck/internal/upstream"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DECK_"

// Config is the full deck configuration.
type Config struct {
	Listen     string `yaml:"listen" env:"LISTEN"`
	OutputDir  string `yaml:"output_dir" env:"OUTPUT_DIR"`
	Catalog    string `yaml:"catalog" env:"CATALOG"`
	Validation string `yaml:"validation" env:"VALIDATION"`
	Metrics    bool   `yaml:"metrics" env:"METRICS"`

	Rotation   Rotation   `yaml:"rotation" envPrefix:"ROTATION_"`
	RelayInfo  RelayInfo  `yaml:"relay_info" envPrefix:"RELAY_"`
	Extensions Extensions `yaml:"extensions" envPrefix:"EXT_"`
	Compiler   Compiler   `yaml:"compiler" envPrefix:"COMPILER_"`
	Upstream   Upstream   `yaml:"upstream" envPrefix:"UPSTREAM_"`
	Limits     Limits     `yaml:"limits" envPrefix:"LIMITS_"`
}

// Rotation holds buffer thresholds. Zero disables a threshold.
type Rotation struct {
	MaxEvents      int           `yaml:"max_events" env:"MAX_EVENTS"`
	MaxBytes       int64         `yaml:"max_bytes" env:"MAX_BYTES"`
	MaxAge         time.Duration `yaml:"max_age" env:"MAX_AGE"`
	CheckInterval  time.Duration `yaml:"check_interval" env:"CHECK_INTERVAL"`
	CompileWorkers int           `yaml:"compile_workers" env:"COMPILE_WORKERS"`
}

// RelayInfo is the descriptive metadata served in the relay information
// document and baked into capsules.
type RelayInfo struct {
	Name        string `yaml:"name" env:"NAME"`
	Description string `yaml:"description" env:"DESCRIPTION"`
	PubKey      string `yaml:"pubkey" env:"PUBKEY"`
	Contact     string `yaml:"contact" env:"CONTACT"`
	Icon        string `yaml:"icon" env:"ICON"`
	Author      string `yaml:"author" env:"AUTHOR"`
	Version     string `yaml:"version" env:"VERSION"`
}

// Extensions are the protocol extensions declared to the compiler.
type Extensions struct {
	NIP11 bool `yaml:"nip11" env:"NIP11"`
	NIP42 bool `yaml:"nip42" env:"NIP42"`
	NIP45 bool `yaml:"nip45" env:"NIP45"`
	NIP50 bool `yaml:"nip50" env:"NIP50"`
}

// Compiler configures the capsule build toolchain and the capsule host.
type Compiler struct {
	Command     string        `yaml:"command" env:"COMMAND"`
	Args        []string      `yaml:"args" env:"ARGS" envSeparator:" "`
	TemplateDir string        `yaml:"template_dir" env:"TEMPLATE_DIR"`
	Artifact    string        `yaml:"artifact" env:"ARTIFACT"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	KeepWorkDir bool          `yaml:"keep_work_dir" env:"KEEP_WORK_DIR"`
	MemoryPages uint32        `yaml:"memory_pages" env:"MEMORY_PAGES"`
	MaxCalls    int           `yaml:"max_calls" env:"MAX_CALLS"`
}

// Upstream configures capture mode.
type Upstream struct {
	Relays       []string         `yaml:"relays" env:"RELAYS"`
	Filters      []map[string]any `yaml:"filters"`
	IdleTimeout  time.Duration    `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	PingInterval time.Duration    `yaml:"ping_interval" env:"PING_INTERVAL"`
}

// Limits bounds what a client connection may ask for.
type Limits struct {
	MaxMessageBytes  int64 `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
	MaxSubscriptions int   `yaml:"max_subscriptions" env:"MAX_SUBSCRIPTIONS"`
	MaxFilters       int   `yaml:"max_filters" env:"MAX_FILTERS"`
	// MaxLimit caps every filter's limit, including filters without one.
	// Zero leaves stored results unbounded.
	MaxLimit     int           `yaml:"max_limit" env:"MAX_LIMIT"`
	PingInterval time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	QueryWorkers int           `yaml:"query_workers" env:"QUERY_WORKERS"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:     "127.0.0.1:7777",
		OutputDir:  "capsules",
		Catalog:    "deck.db",
		Validation: "signature",
		Metrics:    true,
		Rotation: Rotation{
			MaxEvents:      10000,
			MaxBytes:       16 << 20,
			MaxAge:         time.Hour,
			CheckInterval:  rotation.DefaultCheckInterval,
			CompileWorkers: rotation.DefaultWorkers,
		},
		RelayInfo: RelayInfo{
			Name:        "deck",
			Description: "continuous capture over compiled capsules",
		},
		Extensions: Extensions{NIP11: true, NIP45: true},
		Compiler: Compiler{
			Command:  "cargo",
			Args:     []string{"build", "--target", "wasm32-unknown-unknown", "--release"},
			Artifact: "target/wasm32-unknown-unknown/release/*.wasm",
			Timeout:  10 * time.Minute,
		},
		Upstream: Upstream{
			IdleTimeout:  upstream.DefaultIdleTimeout,
			PingInterval: upstream.DefaultPingInterval,
		},
		Limits: Limits{
			MaxMessageBytes:  relay.DefaultMaxMessageBytes,
			MaxSubscriptions: relay.DefaultMaxSubscriptions,
			MaxFilters:       relay.DefaultMaxFilters,
			PingInterval:     relay.DefaultPingInterval,
		},
	}
}

// Load returns the defaults overlaid with the file at path (skipped when
// path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// decode validates data against the schema and unmarshals it over cfg.
func decode(data []byte, cfg *Config) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if raw != nil {
		if err := Validate(raw); err != nil {
			return err
		}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// Validate checks a decoded YAML document against the schema.
func Validate(raw map[string]any) error {
	cctx := cuecontext.New()
	schema := cctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	v := cctx.Encode(raw)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := schema.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Check verifies cross-field constraints the schema cannot express.
func (c *Config) Check() error {
	var errs []error
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if c.Rotation.MaxEvents == 0 && c.Rotation.MaxBytes == 0 && c.Rotation.MaxAge == 0 {
		errs = append(errs, errors.New("rotation: at least one threshold must be set"))
	}
	if _, err := c.UpstreamFilters(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Metadata returns the capsule metadata.
func (c *Config) Metadata() compiler.Metadata {
	return compiler.Metadata{
		Name:        c.RelayInfo.Name,
		Description: c.RelayInfo.Description,
		PubKey:      c.RelayInfo.PubKey,
		Contact:     c.RelayInfo.Contact,
		Icon:        c.RelayInfo.Icon,
		Author:      c.RelayInfo.Author,
		Version:     c.RelayInfo.Version,
	}
}

// CompilerExtensions returns the declared extensions.
func (c *Config) CompilerExtensions() compiler.Extensions {
	return compiler.Extensions{
		NIP11: c.Extensions.NIP11,
		NIP42: c.Extensions.NIP42,
		NIP45: c.Extensions.NIP45,
		NIP50: c.Extensions.NIP50,
	}
}

// RotationConfig returns the rotation controller settings.
func (c *Config) RotationConfig() rotation.Config {
	return rotation.Config{
		MaxEvents:     c.Rotation.MaxEvents,
		MaxBytes:      c.Rotation.MaxBytes,
		MaxAge:        c.Rotation.MaxAge,
		CheckInterval: c.Rotation.CheckInterval,
		Workers:       c.Rotation.CompileWorkers,
		Extensions:    c.CompilerExtensions(),
		Metadata:      c.Metadata(),
	}
}

// ToolchainConfig returns the build settings.
func (c *Config) ToolchainConfig() compiler.ToolchainConfig {
	return compiler.ToolchainConfig{
		Command:     c.Compiler.Command,
		Args:        c.Compiler.Args,
		TemplateDir: c.Compiler.TemplateDir,
		Artifact:    c.Compiler.Artifact,
		OutputDir:   c.OutputDir,
		Timeout:     c.Compiler.Timeout,
		KeepWorkDir: c.Compiler.KeepWorkDir,
	}
}

// RelayConfig returns the per-connection limits.
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		MaxMessageBytes:  c.Limits.MaxMessageBytes,
		MaxSubscriptions: c.Limits.MaxSubscriptions,
		MaxFilters:       c.Limits.MaxFilters,
		PingInterval:     c.Limits.PingInterval,
	}
}

// UpstreamFilters decodes the capture filters.
func (c *Config) UpstreamFilters() (nostr.Filters, error) {
	if len(c.Upstream.Filters) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(c.Upstream.Filters)
	if err != nil {
		return nil, fmt.Errorf("upstream filters: %w", err)
	}
	filters, err := nostr.ParseFilters(data)
	if err != nil {
		return nil, fmt.Errorf("upstream filters: %w", err)
	}
	return filters, nil
}

// UpstreamConfig returns the capture settings.
func (c *Config) UpstreamConfig() (upstream.Config, error) {
	filters, err := c.UpstreamFilters()
	if err != nil {
		return upstream.Config{}, err
	}
	return upstream.Config{
		Relays:       c.Upstream.Relays,
		Filters:      filters,
		IdleTimeout:  c.Upstream.IdleTimeout,
		PingInterval: c.Upstream.PingInterval,
	}, nil
}

// InfoDocument is the relay information document served when no capsule
// provides one.
func (c *Config) InfoDocument() json.RawMessage {
	doc := struct {
		Name          string `json:"name"`
		Description   string `json:"description,omitempty"`
		PubKey        string `json:"pubkey,omitempty"`
		Contact       string `json:"contact,omitempty"`
		Icon          string `json:"icon,omitempty"`
		Software      string `json:"software"`
		Version       string `json:"version,omitempty"`
		SupportedNIPs []int  `json:"supported_nips"`
	}{
		Name:          c.RelayInfo.Name,
		Description:   c.RelayInfo.Description,
		PubKey:        c.RelayInfo.PubKey,
		Contact:       c.RelayInfo.Contact,
		Icon:          c.RelayInfo.Icon,
		Software:      "deck",
		Version:       c.RelayInfo.Version,
		SupportedNIPs: c.CompilerExtensions().SupportedNIPs(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return data
}
