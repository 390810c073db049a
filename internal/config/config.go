package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/botfleet/internal/env"
	"github.com/loykin/botfleet/internal/ipc"
	"github.com/loykin/botfleet/internal/layout"
	"github.com/loykin/botfleet/internal/logger"
)

// EnvPrefix prefixes every environment override, e.g. BOTFLEET_IPC_ATTEMPTS.
const EnvPrefix = "BOTFLEET"

// DefaultRoot is the fleet directory used when none is configured.
const DefaultRoot = "/opt/botfleet"

// Config represents the top-level TOML structure.
//
//	root = "/opt/botfleet"
//	binaries = ["botclient"]
//	env_files = ["/etc/botfleet/bots.env"]
//	env = ["HUBOT_LOG_LEVEL=debug"]
//
//	[store]
//	dsn = "sqlite:///opt/botfleet/botfleet.db"
//
//	[history]
//	enabled = true
//	dsn = "clickhouse://localhost:9000?table=client_history"
type Config struct {
	Root       string           `mapstructure:"root"`
	Binaries   []string         `mapstructure:"binaries"`
	Env        []string         `mapstructure:"env"`
	EnvFiles   []string         `mapstructure:"env_files"`
	UseOSEnv   bool             `mapstructure:"use_os_env"`
	Store      StoreConfig      `mapstructure:"store"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	History    HistoryConfig    `mapstructure:"history"`
	Log        logger.Config    `mapstructure:"log"`
	IPC        IPCConfig        `mapstructure:"ipc"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Server     ServerConfig     `mapstructure:"server"`
	Bundles    BundlesConfig    `mapstructure:"bundles"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RegistryConfig struct {
	DSN         string `mapstructure:"dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type IPCConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Wait     time.Duration `mapstructure:"wait"`
}

// Policy converts the section into the sender's wait policy.
func (c IPCConfig) Policy() ipc.Policy {
	return ipc.Policy{Attempts: c.Attempts, Wait: c.Wait}
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// ServerConfig holds the defaults offered to clients that serve HTTPS.
type ServerConfig struct {
	TLSMinVersion string `mapstructure:"tls_min_version"`
	TLSKeyFile    string `mapstructure:"tls_key_file"`
	TLSCertFile   string `mapstructure:"tls_cert_file"`
	TLSDir        string `mapstructure:"tls_dir"`
	AutoGenerate  bool   `mapstructure:"tls_auto_generate"`
}

type BundlesConfig struct {
	Catalog      string        `mapstructure:"catalog"`
	StepTimeout  time.Duration `mapstructure:"step_timeout"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type SupervisorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// WorkerCommand overrides the command line used to launch a worker. The client
	// name is appended as "--name <client>". Empty means the running executable.
	WorkerCommand string        `mapstructure:"worker_command"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root", DefaultRoot)
	v.SetDefault("binaries", []string{"botclient"})
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("store.dsn", "")
	v.SetDefault("registry.dsn", "")
	v.SetDefault("registry.table_prefix", "")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("ipc.attempts", ipc.DefaultPolicy.Attempts)
	v.SetDefault("ipc.wait", ipc.DefaultPolicy.Wait)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("server.tls_min_version", "1.2")
	v.SetDefault("server.tls_key_file", "")
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_dir", "")
	v.SetDefault("server.tls_auto_generate", false)
	v.SetDefault("bundles.catalog", "")
	v.SetDefault("bundles.step_timeout", 5*time.Minute)
	v.SetDefault("bundles.drain_timeout", 2*time.Second)
	v.SetDefault("supervisor.interval", 5*time.Second)
	v.SetDefault("supervisor.worker_command", "")
	v.SetDefault("supervisor.stop_timeout", 10*time.Second)
}

// Load reads the TOML file at path. An empty path yields the defaults. In both cases
// BOTFLEET_* environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.normalize(path); err != nil {
		return nil, err
	}
	return &c, nil
}

// normalize fills derived defaults and resolves paths relative to the config file.
func (c *Config) normalize(path string) error {
	base := ""
	if path != "" {
		base = filepath.Dir(path)
	}
	c.Root = resolve(base, c.Root)
	if c.Root == "" {
		return errors.New("config: root must not be empty")
	}
	if c.Store.DSN == "" {
		c.Store.DSN = "sqlite://" + filepath.Join(c.Root, "botfleet.db")
	}
	if c.Registry.DSN == "" {
		c.Registry.DSN = c.Store.DSN
	}
	if c.History.Enabled && c.History.DSN == "" {
		return errors.New("config: history is enabled but history.dsn is empty")
	}
	if c.Bundles.Catalog == "" {
		c.Bundles.Catalog = filepath.Join(c.Root, "integrations.yaml")
	}
	c.Bundles.Catalog = resolve(base, c.Bundles.Catalog)
	if c.Log.File.Dir != "" {
		c.Log.File.Dir = resolve(base, c.Log.File.Dir)
	}
	if c.Server.TLSDir == "" {
		c.Server.TLSDir = filepath.Join(c.Root, "tls")
	}
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = resolve(base, f)
	}
	if c.IPC.Attempts <= 0 || c.IPC.Wait <= 0 {
		return fmt.Errorf("config: ipc attempts and wait must be positive (got %d, %s)", c.IPC.Attempts, c.IPC.Wait)
	}
	if len(c.Binaries) == 0 {
		c.Binaries = []string{"botclient"}
	}
	return nil
}

func resolve(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

// Layout returns the on-disk layout rooted at Root.
func (c *Config) Layout() layout.Layout { return layout.New(c.Root) }

// ScriptEnv composes the environment for bundle scripts and workers: the host
// environment when use_os_env is set, then env_files in order, then env entries.
func (c *Config) ScriptEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e = env.FromOS()
	}
	for _, f := range c.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("env file %s does not exist", f)
			}
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}
	return e.Apply(c.Env), nil
}
