// Package config loads the TOML configuration shared by refctl and the
// workers. Configuration is discovered from an explicit path, the
// REF_CONFIG_DIR environment variable, or the user config directory, in
// that order; a missing file yields the defaults.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/sklog"
)

// Filename is the configuration file name inside the config directory.
const Filename = "ref.toml"

// configDirEnv overrides the config directory.
const configDirEnv = "REF_CONFIG_DIR"

// databaseURLEnv overrides db.url, for pointing tests and CI at a scratch
// database.
const databaseURLEnv = "REF_DATABASE_URL"

// executorEnv overrides executor.kind, so one config file can serve both the
// submitting host and the compute nodes.
const executorEnv = "REF_EXECUTOR"

// Config is the root configuration.
type Config struct {
	LogLevel            string           `toml:"log_level"`
	Paths               Paths            `toml:"paths"`
	DB                  DB               `toml:"db"`
	Executor            Executor         `toml:"executor"`
	DiagnosticProviders []ProviderConfig `toml:"diagnostic_providers"`
}

// Paths are the filesystem roots the engine reads and writes.
type Paths struct {
	// Data is the root under which input datasets live.
	Data string `toml:"data"`
	// Results receives execution output fragments.
	Results string `toml:"results"`
	// Scratch holds per-execution working directories.
	Scratch string `toml:"scratch"`
}

// DB configures the datastore.
type DB struct {
	// URL is either a postgres:// URL or a SQLite path, optionally with a
	// sqlite:// prefix.
	URL string `toml:"url"`
	// MaxBackups bounds the retained SQLite backup files.
	MaxBackups int `toml:"max_backups"`
	// RunMigrations applies pending schema migrations on startup. Disable
	// when migrations are applied out of band, eg. by a deploy step.
	RunMigrations bool `toml:"run_migrations"`
}

// Executor selects and configures the executor variant.
type Executor struct {
	// Kind is one of "synchronous", "local-pool", "redis-queue", "hpc-slurm"
	// or "hpc-pbs".
	Kind string `toml:"kind"`
	// Workers is the local pool parallelism.
	Workers int `toml:"workers"`
	// RetainScratchOnFailure keeps failed executions' scratch directories.
	RetainScratchOnFailure bool  `toml:"retain_scratch_on_failure"`
	Redis                  Redis `toml:"redis"`
	HPC                    HPC   `toml:"hpc"`
}

// Redis configures the redis-queue executor.
type Redis struct {
	Address string `toml:"address"`
	DB      int    `toml:"db"`
}

// HPC configures the batch scheduler executors.
type HPC struct {
	RefctlPath string `toml:"refctl_path"`
	JobDir     string `toml:"job_dir"`
	Account    string `toml:"account"`
	Queue      string `toml:"queue"`
	Walltime   string `toml:"walltime"`
}

// ProviderConfig enables a diagnostic provider.
type ProviderConfig struct {
	Slug string `toml:"slug"`
	// Setting is provider-specific configuration passed through untouched.
	Setting map[string]string `toml:"setting"`
}

// executorKinds are the accepted executor.kind values.
var executorKinds = []string{"synchronous", "local-pool", "redis-queue", "hpc-slurm", "hpc-pbs"}

// Default returns the default configuration rooted at the given directory.
func Default(root string) *Config {
	return &Config{
		LogLevel: "info",
		Paths: Paths{
			Data:    filepath.Join(root, "data"),
			Results: filepath.Join(root, "results"),
			Scratch: filepath.Join(root, "scratch"),
		},
		DB: DB{
			URL:           filepath.Join(root, "ref.db"),
			MaxBackups:    5,
			RunMigrations: true,
		},
		Executor: Executor{
			Kind:    "synchronous",
			Workers: 4,
			Redis:   Redis{Address: "localhost:6379"},
		},
		DiagnosticProviders: []ProviderConfig{{Slug: "example"}},
	}
}

// Load reads the configuration at the given path over the defaults rooted at
// its directory.
func Load(path string) (*Config, error) {
	c := Default(filepath.Dir(path))
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, skerr.Wrapf(err, "reading %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		sklog.Warningf("Unknown configuration keys in %s: %v", path, undecoded)
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, skerr.Wrapf(err, "invalid configuration %s", path)
	}
	return c, nil
}

// Discover finds and loads the configuration. An explicit path wins; then
// $REF_CONFIG_DIR/ref.toml; then the user config directory. A missing file
// in a discovered directory yields the defaults rooted there.
func Discover(explicit string) (*Config, string, error) {
	if explicit != "" {
		c, err := Load(explicit)
		return c, explicit, err
	}
	dir := os.Getenv(configDirEnv)
	if dir == "" {
		userDir, err := os.UserConfigDir()
		if err != nil {
			return nil, "", skerr.Wrap(err)
		}
		dir = filepath.Join(userDir, "climate_ref")
	}
	path := filepath.Join(dir, Filename)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		c := Default(dir)
		if err := c.applyEnv(); err != nil {
			return nil, path, err
		}
		return c, path, c.Validate()
	}
	c, err := Load(path)
	return c, path, err
}

func (c *Config) applyEnv() error {
	if url := os.Getenv(databaseURLEnv); url != "" {
		c.DB.URL = url
	}
	if kind := os.Getenv(executorEnv); kind != "" {
		c.Executor.Kind = kind
	}
	return nil
}

// Validate checks the configuration for values no command could run with.
func (c *Config) Validate() error {
	kindOK := false
	for _, k := range executorKinds {
		if c.Executor.Kind == k {
			kindOK = true
			break
		}
	}
	if !kindOK {
		return skerr.Fmt("executor.kind %q must be one of %v", c.Executor.Kind, executorKinds)
	}
	if c.DB.URL == "" {
		return skerr.Fmt("db.url is required")
	}
	if c.Executor.Workers < 1 {
		return skerr.Fmt("executor.workers must be positive")
	}
	if c.DB.MaxBackups < 0 {
		return skerr.Fmt("db.max_backups must not be negative")
	}
	seen := map[string]bool{}
	for _, p := range c.DiagnosticProviders {
		if p.Slug == "" {
			return skerr.Fmt("diagnostic_providers entries need a slug")
		}
		if seen[p.Slug] {
			return skerr.Fmt("duplicate diagnostic provider %q", p.Slug)
		}
		seen[p.Slug] = true
	}
	return nil
}
