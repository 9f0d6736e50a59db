// Package config loads and saves the esctl configuration file and resolves
// the on-disk locations esctl uses for its state.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables understood by esctl.
const (
	EnvHome         = "ESCTL_HOME"
	EnvCacheEnabled = "ESCTL_CACHE_ENABLED"
	EnvCacheDB      = "ESCTL_CACHE_DB"
	EnvContext      = "ESCTL_CONTEXT"
)

// ConfigFileName is the config file under the esctl home directory.
const ConfigFileName = "config.yaml"

// Other well-known file names under the esctl home directory.
const (
	cacheFileName = "cache.db"
	ttlFileName   = "ttl.json"
	envFileName   = ".env"
)

// Context types.
const (
	ContextTypeHTTP       = "http"
	ContextTypeKubernetes = "kubernetes"
	ContextTypeSSH        = "ssh"
)

const (
	defaultPort    = 9200
	defaultScheme  = "http"
	defaultTimeout = 30 * time.Second
)

// Config errors.
var (
	ErrContextNotFound   = errors.New("context not found")
	ErrContextExists     = errors.New("context already exists")
	ErrNoCurrentContext  = errors.New("no current context set")
	ErrInvalidContextArg = errors.New("invalid context")
)

// Config is the root of config.yaml.
type Config struct {
	CurrentContext string              `yaml:"current_context"`
	Contexts       map[string]*Context `yaml:"contexts"`
	Cache          CacheConfig         `yaml:"cache"`
	Logging        LoggingConfig       `yaml:"logging"`

	configPath string
}

// Context is a named connection profile.
type Context struct {
	Type     string `yaml:"type"`
	Scheme   string `yaml:"scheme,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// Kubernetes port-forward.
	KubeContext   string `yaml:"kube_context,omitempty"`
	KubeNamespace string `yaml:"kube_namespace,omitempty"`
	ESName        string `yaml:"es_name,omitempty"`

	// SSH tunnel to a VM.
	SSHHost string `yaml:"ssh_host,omitempty"`
	SSHUser string `yaml:"ssh_user,omitempty"`

	// LocalPort is the local end of a tunnel; 0 picks a free port.
	LocalPort int           `yaml:"local_port,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`

	Name string `yaml:"-"`
}

// CacheConfig controls the local response cache.
type CacheConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
	TTLFile string `yaml:"ttl_file,omitempty"`
}

// New returns a config loaded from the default location, or defaults when
// the file does not exist or cannot be parsed.
func New() *Config {
	cfg, err := Load(filepath.Join(HomeDir(), ConfigFileName))
	if err != nil {
		cfg = defaults()
		cfg.configPath = filepath.Join(HomeDir(), ConfigFileName)
	}
	return cfg
}

// Default returns a config with default values that saves to the default
// location. It does not read the existing file.
func Default() *Config {
	cfg := defaults()
	cfg.configPath = filepath.Join(HomeDir(), ConfigFileName)
	return cfg
}

func defaults() *Config {
	return &Config{
		Contexts: map[string]*Context{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML config at path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = map[string]*Context{}
	}
	for name, c := range cfg.Contexts {
		if c == nil {
			delete(cfg.Contexts, name)
			continue
		}
		c.Name = name
	}
	return cfg, nil
}

// Save writes the config atomically.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(c.configPath), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tmpPath := c.configPath + ".tmp"
	if err = os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("writing config temp file: %w", err)
	}
	if err = os.Rename(tmpPath, c.configPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming config temp file: %w", err)
	}
	return nil
}

// ConfigPath returns the file this config is loaded from and saved to.
func (c *Config) ConfigPath() string {
	return c.configPath
}

// SetConfigPath changes where Save writes.
func (c *Config) SetConfigPath(path string) {
	c.configPath = path
}

// AddContext registers a new named context after validating it.
func (c *Config) AddContext(name string, ctx *Context) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidContextArg)
	}
	if _, ok := c.Contexts[name]; ok {
		return fmt.Errorf("%w: %s", ErrContextExists, name)
	}
	if err := ctx.Validate(); err != nil {
		return err
	}
	ctx.Name = name
	c.Contexts[name] = ctx
	if c.CurrentContext == "" {
		c.CurrentContext = name
	}
	return nil
}

// RemoveContext deletes a context; removing the current one clears it.
func (c *Config) RemoveContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return nil
}

// UseContext switches the current context.
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, name)
	}
	c.CurrentContext = name
	return nil
}

// ResolveContext returns the named context, or the current one if name is
// empty. ESCTL_CONTEXT is consulted between the two. Defaults are filled in
// for hand-edited contexts.
func (c *Config) ResolveContext(name string) (*Context, error) {
	if name == "" {
		name = os.Getenv(EnvContext)
	}
	if name == "" {
		name = c.CurrentContext
	}
	if name == "" {
		return nil, ErrNoCurrentContext
	}
	ctx, ok := c.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, name)
	}
	if err := ctx.Validate(); err != nil {
		return nil, fmt.Errorf("context %s: %w", name, err)
	}
	ctx.Name = name
	return ctx, nil
}

// ContextNames returns context names sorted alphabetically.
func (c *Config) ContextNames() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CacheEnabled reports whether caching is on. ESCTL_CACHE_ENABLED wins
// over the config file; both default to enabled.
func (c *Config) CacheEnabled() bool {
	if v := os.Getenv(EnvCacheEnabled); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err == nil {
			return enabled
		}
	}
	if c.Cache.Enabled != nil {
		return *c.Cache.Enabled
	}
	return true
}

// CacheDBPath returns the SQLite cache file location.
func (c *Config) CacheDBPath() string {
	if v := os.Getenv(EnvCacheDB); v != "" {
		return v
	}
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	return filepath.Join(HomeDir(), cacheFileName)
}

// TTLFilePath returns the TTL policy file location.
func (c *Config) TTLFilePath() string {
	if c.Cache.TTLFile != "" {
		return c.Cache.TTLFile
	}
	return filepath.Join(HomeDir(), ttlFileName)
}

// Validate checks that the fields required by the context type are set and
// fills in defaults.
func (c *Context) Validate() error {
	switch c.Type {
	case "", ContextTypeHTTP:
		c.Type = ContextTypeHTTP
		if c.Host == "" {
			return fmt.Errorf("%w: http contexts need a host", ErrInvalidContextArg)
		}
	case ContextTypeKubernetes:
		if c.KubeNamespace == "" || c.ESName == "" {
			return fmt.Errorf("%w: kubernetes contexts need kube_namespace and es_name", ErrInvalidContextArg)
		}
	case ContextTypeSSH:
		if c.SSHHost == "" {
			return fmt.Errorf("%w: ssh contexts need ssh_host", ErrInvalidContextArg)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidContextArg, c.Type)
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Scheme == "" {
		c.Scheme = defaultScheme
	}
	return nil
}

// RequestTimeout returns the per-request timeout for this context.
func (c *Context) RequestTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

// BasicAuth returns the configured credentials, if both are set.
func (c *Context) BasicAuth() (string, string, bool) {
	if c.Username == "" || c.Password == "" {
		return "", "", false
	}
	return c.Username, c.Password, true
}

// CensoredPassword shows the first four characters of the password.
func (c *Context) CensoredPassword() string {
	const visible = 4
	if len(c.Password) <= visible {
		return c.Password
	}
	masked := make([]byte, len(c.Password)-visible)
	for i := range masked {
		masked[i] = '*'
	}
	return c.Password[:visible] + string(masked)
}

// HomeDir returns the esctl state directory: ESCTL_HOME, else
// $XDG_CONFIG_HOME/esctl (%LOCALAPPDATA%\esctl on Windows), else
// ~/.config/esctl.
func HomeDir() string {
	if v := os.Getenv(EnvHome); v != "" {
		return v
	}
	if runtime.GOOS == "windows" {
		if v := os.Getenv("LOCALAPPDATA"); v != "" {
			return filepath.Join(v, "esctl")
		}
	}
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "esctl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "esctl")
	}
	return filepath.Join(home, ".config", "esctl")
}

// LoadEnvFile loads $ESCTL_HOME/.env into the process environment without
// overriding variables that are already set. A missing file is ignored.
func LoadEnvFile() error {
	path := filepath.Join(HomeDir(), envFileName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checking env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

var (
	globalConfig   *Config    //nolint:gochecknoglobals // loaded once per invocation
	globalConfigMu sync.Mutex //nolint:gochecknoglobals // guards globalConfig
)

// GetGlobalConfig returns the process-wide config, loading it on first use.
func GetGlobalConfig() *Config {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	if globalConfig == nil {
		globalConfig = New()
	}
	return globalConfig
}

// ResetGlobalConfigForTest drops the cached global config.
func ResetGlobalConfigForTest() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
}

// LoadGlobalConfig loads config.yaml from the esctl home and installs it as
// the process-wide config. Unlike New, parse errors are returned.
func LoadGlobalConfig() (*Config, error) {
	cfg, err := Load(filepath.Join(HomeDir(), ConfigFileName))
	if err != nil {
		return nil, err
	}
	globalConfigMu.Lock()
	globalConfig = cfg
	globalConfigMu.Unlock()
	return cfg, nil
}
