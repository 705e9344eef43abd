package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level Tabi config.
	WorkspaceDirName = ".tabi"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
	// EnvPrefix prefixes every environment override (TABI_RESOLVER_CONFIDENCE_THRESHOLD, ...).
	EnvPrefix = "TABI"
)

// Local inference provider kinds.
const (
	ProviderBridge = "bridge"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the Tabi host, MCP surface and agent backend.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Browser   BrowserConfig   `yaml:"browser"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Inference InferenceConfig `yaml:"inference"`
	Intent    IntentConfig    `yaml:"intent"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Identity  IdentityConfig  `yaml:"identity"`
	History   HistoryConfig   `yaml:"history"`
	MCP       MCPConfig       `yaml:"mcp"`
	Agent     AgentConfig     `yaml:"agent"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LogConfig feeds the zap logger. File output rotates through lumberjack.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console | json
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
}

// BrowserConfig configures how we attach to or launch Chrome for the DevTools accessor.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// Headless controls whether a launched Chrome runs headless (default: false, tabs are for humans).
	Headless *bool `yaml:"headless"`
	// Default timeout when attaching to the browser (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// Timeout for a single DevTools call (e.g., "5s").
	DefaultCallTimeout string `yaml:"default_call_timeout"`
	// Optional JSON fixture that seeds the in-memory browser for dry runs.
	Fixture string `yaml:"fixture"`
}

// BridgeConfig tunes the native-messaging channel to the extension shim.
type BridgeConfig struct {
	CallTimeout   string `yaml:"call_timeout"`
	PromptTimeout string `yaml:"prompt_timeout"`
	// TraceDir enables the rotating envelope recorder when non-empty.
	TraceDir string `yaml:"trace_dir"`
}

type InferenceConfig struct {
	Local  LocalInferenceConfig  `yaml:"local"`
	Remote RemoteInferenceConfig `yaml:"remote"`
}

// LocalInferenceConfig selects the on-device model.
type LocalInferenceConfig struct {
	// Provider is one of bridge | openai | none.
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	Timeout   string `yaml:"timeout"`
}

type RemoteInferenceConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

type IntentConfig struct {
	// KeywordFallback classifies by keyword when the model yields nothing.
	KeywordFallback bool `yaml:"keyword_fallback"`
}

type ResolverConfig struct {
	// ConfidenceThreshold below which local plans are re-resolved remotely (default 0.80).
	ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
	// RemoteOnly kinds skip local resolution entirely.
	RemoteOnly []string `yaml:"remote_only"`
}

type ExecutorConfig struct {
	// DefaultBookmarkParent receives folders created by organize_bookmarks.
	DefaultBookmarkParent string `yaml:"default_bookmark_parent"`
}

type IdentityConfig struct {
	Path string `yaml:"path"`
}

// HistoryConfig controls the embedded deductive command history.
type HistoryConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// AgentConfig configures the remote planning backend.
type AgentConfig struct {
	Listen    string `yaml:"listen"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	Timeout   string `yaml:"timeout"`
	// RateLimit is the sustained requests per second allowed per client id.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	// DatabaseURL enables the interaction training log when set.
	DatabaseURL      string `yaml:"database_url"`
	IncludeRawOutput bool   `yaml:"include_raw_output"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	threshold := 0.80
	return Config{
		Server: ServerConfig{
			Name:    "tabi",
			Version: "0.3.0",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			File:       "tabi.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     14,
		},
		Browser: BrowserConfig{
			DebuggerURL:          "ws://127.0.0.1:9222",
			DefaultAttachTimeout: "10s",
			DefaultCallTimeout:   "5s",
		},
		Bridge: BridgeConfig{
			CallTimeout:   "10s",
			PromptTimeout: "60s",
		},
		Inference: InferenceConfig{
			Local: LocalInferenceConfig{
				Provider:  ProviderBridge,
				BaseURL:   "http://127.0.0.1:11434/v1",
				Model:     "gemma3:4b",
				APIKeyEnv: "TABI_LOCAL_API_KEY",
				Timeout:   "60s",
			},
			Remote: RemoteInferenceConfig{
				BaseURL: "http://127.0.0.1:8000",
				Timeout: "90s",
			},
		},
		Resolver: ResolverConfig{
			ConfidenceThreshold: &threshold,
			RemoteOnly:          []string{"generate_tabs", "organize_bookmarks"},
		},
		Executor: ExecutorConfig{
			DefaultBookmarkParent: "1",
		},
		Identity: IdentityConfig{
			Path: "identity.json",
		},
		History: HistoryConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
		Agent: AgentConfig{
			Listen:    ":8000",
			Model:     "gemini-2.5-flash",
			APIKeyEnv: "GEMINI_API_KEY",
			Timeout:   "60s",
			RateLimit: 1,
			Burst:     5,
		},
	}
}

// Load reads YAML config from disk and overlays defaults. Relative paths in the
// file resolve against the file's directory.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	cfg = resolveRelativePaths(cfg, filepath.Dir(path))
	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .tabi/config.yaml file.
// Returns the workspace root directory (parent of .tabi/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .tabi/config.yaml <- explicit --config <- TABI_* env and flags
//
// The last layer is applied by the caller through ApplyOverrides. Returns the
// merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveRelativePaths(cfg, filepath.Join(wsDir, WorkspaceDirName))
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .tabi/ directory with a template config at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "schemas"), filepath.Join(wsDir, "data")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# Tabi configuration
# Values here override defaults but are overridden by --config, TABI_* variables and flags.

# inference:
#   local:
#     provider: openai          # bridge | openai | none
#     base_url: http://127.0.0.1:11434/v1
#     model: gemma3:4b
#   remote:
#     base_url: http://127.0.0.1:8000

# resolver:
#   confidence_threshold: 0.8

# identity:
#   path: data/identity.json

# history:
#   schema_path: schemas/tabi.mg
`
	if err := os.WriteFile(filepath.Join(wsDir, WorkspaceConfigFile), []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignore := "# Runtime data (identity, traces, logs) - do not version control\ndata/\n"
	if err := os.WriteFile(filepath.Join(wsDir, ".gitignore"), []byte(gitignore), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

func resolveRelativePaths(cfg Config, base string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	cfg.Log.File = resolve(cfg.Log.File)
	cfg.Identity.Path = resolve(cfg.Identity.Path)
	cfg.History.SchemaPath = resolve(cfg.History.SchemaPath)
	cfg.Bridge.TraceDir = resolve(cfg.Bridge.TraceDir)
	cfg.Browser.Fixture = resolve(cfg.Browser.Fixture)
	return cfg
}

// ApplyOverrides copies values set through TABI_* environment variables or bound
// flags onto cfg. Keys use the YAML path, e.g. "resolver.confidence_threshold".
func (c *Config) ApplyOverrides(v *viper.Viper) {
	if v == nil {
		return
	}
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	str("log.level", &c.Log.Level)
	str("log.format", &c.Log.Format)
	str("log.file", &c.Log.File)
	str("browser.debugger_url", &c.Browser.DebuggerURL)
	str("browser.fixture", &c.Browser.Fixture)
	str("bridge.trace_dir", &c.Bridge.TraceDir)
	str("inference.local.provider", &c.Inference.Local.Provider)
	str("inference.local.base_url", &c.Inference.Local.BaseURL)
	str("inference.local.model", &c.Inference.Local.Model)
	str("inference.remote.base_url", &c.Inference.Remote.BaseURL)
	str("identity.path", &c.Identity.Path)
	str("history.schema_path", &c.History.SchemaPath)
	str("agent.listen", &c.Agent.Listen)
	str("agent.model", &c.Agent.Model)
	str("agent.database_url", &c.Agent.DatabaseURL)

	if v.IsSet("resolver.confidence_threshold") {
		t := v.GetFloat64("resolver.confidence_threshold")
		c.Resolver.ConfidenceThreshold = &t
	}
	if v.IsSet("intent.keyword_fallback") {
		c.Intent.KeywordFallback = v.GetBool("intent.keyword_fallback")
	}
	if v.IsSet("history.enable") {
		c.History.Enable = v.GetBool("history.enable")
	}
	if v.IsSet("mcp.sse_port") {
		c.MCP.SSEPort = v.GetInt("mcp.sse_port")
	}
}

// NewViper returns a viper instance reading TABI_* variables, with dots in keys
// mapped to underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Validate ensures required fields exist so the host can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	switch c.Inference.Local.Provider {
	case ProviderBridge, ProviderOpenAI, ProviderNone:
	default:
		return fmt.Errorf("inference.local.provider must be one of bridge, openai, none (got %q)", c.Inference.Local.Provider)
	}
	if c.Inference.Local.Provider == ProviderOpenAI && c.Inference.Local.BaseURL == "" {
		return errors.New("inference.local.base_url is required for the openai provider")
	}
	if t := c.Resolver.Threshold(); t < 0 || t > 1 {
		return fmt.Errorf("resolver.confidence_threshold must be within [0,1] (got %v)", t)
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	return parseDuration(b.DefaultAttachTimeout, 10*time.Second)
}

// CallTimeout returns the parsed per-call DevTools timeout with a sane default.
func (b BrowserConfig) CallTimeout() time.Duration {
	return parseDuration(b.DefaultCallTimeout, 5*time.Second)
}

// IsHeadless returns whether a launched Chrome runs headless (default: false).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return false
	}
	return *b.Headless
}

// GetCallTimeout bounds one bridge request/response exchange.
func (b BridgeConfig) GetCallTimeout() time.Duration {
	return parseDuration(b.CallTimeout, 10*time.Second)
}

// GetPromptTimeout bounds a language model call relayed through the bridge.
func (b BridgeConfig) GetPromptTimeout() time.Duration {
	return parseDuration(b.PromptTimeout, 60*time.Second)
}

func (l LocalInferenceConfig) GetTimeout() time.Duration {
	return parseDuration(l.Timeout, 60*time.Second)
}

func (r RemoteInferenceConfig) GetTimeout() time.Duration {
	return parseDuration(r.Timeout, 90*time.Second)
}

func (a AgentConfig) GetTimeout() time.Duration {
	return parseDuration(a.Timeout, 60*time.Second)
}

// Threshold returns the confidence gate, 0.80 unless configured.
func (r ResolverConfig) Threshold() float64 {
	if r.ConfidenceThreshold == nil {
		return 0.80
	}
	return *r.ConfidenceThreshold
}

// APIKey resolves the key from the configured environment variable.
func (l LocalInferenceConfig) APIKey() string {
	if l.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(l.APIKeyEnv)
}

// APIKey resolves the Gemini key from the configured environment variable.
func (a AgentConfig) APIKey() string {
	if a.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(a.APIKeyEnv)
}
