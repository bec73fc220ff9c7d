package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalstream/core"
	"github.com/petal-labs/petalstream/llmprovider"
	"github.com/petal-labs/petalstream/runtime"
	"github.com/petal-labs/petalstream/tool"
)

const (
	projectConfigName = "petalstream.yaml"
	homeConfigName    = "config.yaml"
)

// Event store kinds.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config is the gateway configuration file shape.
type Config struct {
	Providers   []ProviderConfig  `yaml:"providers"`
	Backend     BackendConfig     `yaml:"backend"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Session     SessionConfig     `yaml:"session"`
	Health      HealthConfig      `yaml:"health"`
	Events      EventsConfig      `yaml:"events"`
	MarketData  MarketDataConfig  `yaml:"market_data"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ProviderConfig declares one tool provider. Providers keep their file
// order, which decides collision ownership.
type ProviderConfig struct {
	Name string `yaml:"name"`
	// Transport is "process" (alias "stdio") or "network_stream" (alias
	// "sse"). When empty it is inferred from command or endpoint.
	Transport   string            `yaml:"transport,omitempty"`
	Command     string            `yaml:"command,omitempty"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Dir         string            `yaml:"dir,omitempty"`
	Endpoint    string            `yaml:"endpoint,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Prefix      string            `yaml:"prefix,omitempty"`
	InitTimeout time.Duration     `yaml:"init_timeout,omitempty"`
	CallTimeout time.Duration     `yaml:"call_timeout,omitempty"`
}

// BackendConfig selects the generative backend.
type BackendConfig struct {
	Name        string   `yaml:"name"`
	Model       string   `yaml:"model"`
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url,omitempty"`
	MaxTokens   int64    `yaml:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTurns    int      `yaml:"max_turns,omitempty"`
}

type AggregationConfig struct {
	CollisionPolicy string        `yaml:"collision_policy"`
	OnNoTools       string        `yaml:"on_no_tools"`
	InitTimeout     time.Duration `yaml:"init_timeout,omitempty"`
}

type SessionConfig struct {
	ChunkBuffer   int           `yaml:"chunk_buffer"`
	TeardownGrace time.Duration `yaml:"teardown_grace,omitempty"`
	Heartbeat     time.Duration `yaml:"heartbeat,omitempty"`
}

// HealthConfig schedules provider probes. An empty schedule probes every
// minute; probes only run when providers are configured.
type HealthConfig struct {
	Schedule string `yaml:"schedule"`
}

type EventsConfig struct {
	Store string `yaml:"store"`
	DSN   string `yaml:"dsn,omitempty"`
}

type MarketDataConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name,omitempty"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// DiscoverConfigPath resolves the config location with first-match semantics:
// the explicit path, then ./petalstream.yaml, then ~/.petalstream/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".petalstream", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig discovers and parses the config. With no file found it returns
// the defaults, so the gateway runs with zero providers.
func LoadConfig(explicitPath string) (Config, string, error) {
	path, found, err := DiscoverConfigPath(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	if !found {
		cfg := Config{}
		cfg.applyDefaults()
		return cfg, "", nil
	}
	cfg, err := LoadConfigFile(path)
	return cfg, path, err
}

// LoadConfigFile parses one config file, expands ${ENV} references and
// validates the result.
func LoadConfigFile(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	baseDir := filepath.Dir(path)
	for i := range cfg.Providers {
		if dir := cfg.Providers[i].Dir; dir != "" {
			cfg.Providers[i].Dir = resolveConfigRelative(baseDir, dir)
		}
	}
	if cfg.Events.Store == StoreSQLite && !strings.HasPrefix(cfg.Events.DSN, "file:") && cfg.Events.DSN != ":memory:" {
		cfg.Events.DSN = resolveConfigRelative(baseDir, cfg.Events.DSN)
	}
	return cfg, nil
}

// ParseConfig decodes YAML config bytes.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.expand()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) expand() {
	for i := range c.Providers {
		p := &c.Providers[i]
		p.Name = strings.TrimSpace(expandEnvValue(p.Name))
		p.Transport = strings.ToLower(strings.TrimSpace(expandEnvValue(p.Transport)))
		p.Command = strings.TrimSpace(expandEnvValue(p.Command))
		p.Endpoint = strings.TrimSpace(expandEnvValue(p.Endpoint))
		p.Dir = strings.TrimSpace(expandEnvValue(p.Dir))
		p.Prefix = strings.TrimSpace(expandEnvValue(p.Prefix))
		for j, arg := range p.Args {
			p.Args[j] = expandEnvValue(arg)
		}
		p.Env = expandStringMap(p.Env)
		p.Headers = expandStringMap(p.Headers)
	}
	c.Backend.Name = expandEnvValue(c.Backend.Name)
	c.Backend.Model = expandEnvValue(c.Backend.Model)
	c.Backend.APIKey = expandEnvValue(c.Backend.APIKey)
	c.Backend.BaseURL = expandEnvValue(c.Backend.BaseURL)
	c.Events.DSN = expandEnvValue(c.Events.DSN)
	c.MarketData.APIKey = expandEnvValue(c.MarketData.APIKey)
	c.MarketData.BaseURL = expandEnvValue(c.MarketData.BaseURL)
	c.Telemetry.OTLPEndpoint = expandEnvValue(c.Telemetry.OTLPEndpoint)
}

func (c *Config) applyDefaults() {
	if c.Backend.Name == "" {
		c.Backend.Name = "openai"
	}
	if c.Backend.Model == "" && strings.EqualFold(c.Backend.Name, "openai") {
		c.Backend.Model = "gpt-4o-mini"
	}
	if c.MarketData.APIKey == "" {
		c.MarketData.APIKey = os.Getenv("EODHD_API_KEY")
	}
	if c.Events.Store == "" {
		c.Events.Store = StoreMemory
	}
	c.Events.Store = strings.ToLower(strings.TrimSpace(c.Events.Store))
	if c.Events.Store == StoreSQLite && c.Events.DSN == "" {
		c.Events.DSN = "petalstream-events.db"
	}
}

// Validate checks policies, provider transports and the event store kind.
func (c Config) Validate() error {
	if _, err := tool.ParseCollisionPolicy(c.Aggregation.CollisionPolicy); err != nil {
		return err
	}
	if _, err := runtime.ParseNoToolsPolicy(c.Aggregation.OnNoTools); err != nil {
		return err
	}
	switch c.Events.Store {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("unsupported events store %q", c.Events.Store)
	}
	if c.Session.ChunkBuffer < 0 {
		return errors.New("session.chunk_buffer must not be negative")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		spec, err := p.Spec()
		if err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		if seen[spec.Name] {
			return fmt.Errorf("providers[%d]: duplicate provider name %q", i, spec.Name)
		}
		seen[spec.Name] = true
	}
	return nil
}

// Spec converts the declaration to a provider spec.
func (p ProviderConfig) Spec() (tool.ProviderSpec, error) {
	kind, err := p.transportKind()
	if err != nil {
		return tool.ProviderSpec{}, err
	}
	spec := tool.ProviderSpec{
		Name:        p.Name,
		Kind:        kind,
		Command:     p.Command,
		Args:        p.Args,
		Env:         p.Env,
		Dir:         p.Dir,
		Endpoint:    p.Endpoint,
		Headers:     p.Headers,
		Prefix:      p.Prefix,
		InitTimeout: p.InitTimeout,
		CallTimeout: p.CallTimeout,
	}
	if err := spec.Validate(); err != nil {
		return tool.ProviderSpec{}, err
	}
	return spec, nil
}

func (p ProviderConfig) transportKind() (core.TransportKind, error) {
	switch p.Transport {
	case "process", "stdio":
		return core.TransportProcess, nil
	case "network_stream", "sse":
		return core.TransportNetworkStream, nil
	case "":
		switch {
		case p.Endpoint != "":
			return core.TransportNetworkStream, nil
		case p.Command != "":
			return core.TransportProcess, nil
		}
		return "", fmt.Errorf("provider %q: set command or endpoint", p.Name)
	default:
		return "", fmt.Errorf("provider %q: unsupported transport %q", p.Name, p.Transport)
	}
}

// ProviderSpecs converts every provider declaration in order. The
// aggregation init timeout fills in providers without their own.
func (c Config) ProviderSpecs() ([]tool.ProviderSpec, error) {
	specs := make([]tool.ProviderSpec, 0, len(c.Providers))
	for i, p := range c.Providers {
		spec, err := p.Spec()
		if err != nil {
			return nil, fmt.Errorf("providers[%d]: %w", i, err)
		}
		if spec.InitTimeout <= 0 {
			spec.InitTimeout = c.Aggregation.InitTimeout
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// BackendSettings returns the llmprovider config for the backend section.
func (c Config) BackendSettings() llmprovider.Config {
	return llmprovider.Config{
		Name:        c.Backend.Name,
		Model:       c.Backend.Model,
		APIKey:      c.Backend.APIKey,
		BaseURL:     c.Backend.BaseURL,
		MaxTokens:   c.Backend.MaxTokens,
		Temperature: c.Backend.Temperature,
	}
}

// RuntimeSettings returns the orchestrator config for the session and
// aggregation sections. Event handlers and the logger are left to the caller.
func (c Config) RuntimeSettings() (runtime.Config, error) {
	specs, err := c.ProviderSpecs()
	if err != nil {
		return runtime.Config{}, err
	}
	onNoTools, err := runtime.ParseNoToolsPolicy(c.Aggregation.OnNoTools)
	if err != nil {
		return runtime.Config{}, err
	}
	return runtime.Config{
		Providers:     specs,
		ChunkBuffer:   c.Session.ChunkBuffer,
		MaxTurns:      c.Backend.MaxTurns,
		TeardownGrace: c.Session.TeardownGrace,
		OnNoTools:     onNoTools,
	}, nil
}

func expandStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[key] = expandEnvValue(value)
	}
	return out
}

func expandEnvValue(value string) string {
	return os.ExpandEnv(value)
}

func resolveConfigRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
