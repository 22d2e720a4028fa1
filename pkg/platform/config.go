// Package platform wires the stream service together and exposes it over MCP
// and HTTP.
package platform

import (
	"fmt"
	"math/big"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/mcp-streampay/pkg/auth"
	"github.com/txn2/mcp-streampay/pkg/chain"
)

// minSigningKeyLen is the shortest accepted HMAC key for auth.jwt.
const minSigningKeyLen = 32

// Transports accepted by server.transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Config holds the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Chain    ChainConfig    `yaml:"chain"`
	Session  SessionConfig  `yaml:"session"`
	Polling  PollingConfig  `yaml:"polling"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Notify   NotifyConfig   `yaml:"notify"`
	Audit    AuditConfig    `yaml:"audit"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig configures the MCP server and the HTTP listener.
type ServerConfig struct {
	Name              string        `yaml:"name"`
	Version           string        `yaml:"version"`
	Description       string        `yaml:"description"`
	AgentInstructions string        `yaml:"agent_instructions"`
	Transport         string        `yaml:"transport"` // "stdio", "http"
	Address           string        `yaml:"address"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the optional PostgreSQL backend. Without a DSN
// the registry lives only in memory.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// ChainConfig selects the stream manager and, for local runs, an in-memory
// chain.
type ChainConfig struct {
	Manager   string          `yaml:"manager"`
	Simulate  bool            `yaml:"simulate"`
	Simulated SimulatedConfig `yaml:"simulated"`
}

// SimulatedConfig seeds the in-memory chain.
type SimulatedConfig struct {
	Owner         string            `yaml:"owner"`
	MinStreamLife time.Duration     `yaml:"min_stream_life"`
	Tokens        []SimulatedToken  `yaml:"tokens"`
	Streams       []SimulatedStream `yaml:"streams"`
}

// SimulatedToken registers a token and its initial balances.
type SimulatedToken struct {
	Address  string            `yaml:"address"`
	Decimals uint8             `yaml:"decimals"`
	Accepted bool              `yaml:"accepted"`
	Balances map[string]string `yaml:"balances"`
}

// SimulatedStream is opened on the in-memory chain at startup.
type SimulatedStream struct {
	Creator         string `yaml:"creator"`
	Token           string `yaml:"token"`
	AmountPerSecond string `yaml:"amount_per_second"`
	FundedAmount    string `yaml:"funded_amount"`
	Reason          string `yaml:"reason"`
}

// SessionConfig configures stream sessions.
type SessionConfig struct {
	// Account submits cancels and top-ups. Empty makes the service
	// read-only.
	Account          string        `yaml:"account"`
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout"`
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout"`
	MaxAuthorityAge  time.Duration `yaml:"max_authority_age"`
	WarningLevel     time.Duration `yaml:"warning_level"`
	CriticalLevel    time.Duration `yaml:"critical_level"`
	IdleTTL          time.Duration `yaml:"idle_ttl"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
}

// PollingConfig configures background refresh of watched streams.
type PollingConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	Jitter     time.Duration `yaml:"jitter"`
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Creators limits watching to these accounts. Empty watches every
	// active stream.
	Creators []string `yaml:"creators"`
}

// IngestConfig configures the history load and live event follow.
type IngestConfig struct {
	FromBlock     uint64        `yaml:"from_block"`
	Creator       string        `yaml:"creator"`
	Concurrency   int           `yaml:"concurrency"`
	RetryInitial  time.Duration `yaml:"retry_initial"`
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
}

// NotifyConfig configures Redis change notifications.
type NotifyConfig struct {
	Enabled     bool          `yaml:"enabled"`
	URL         string        `yaml:"url"`
	Password    string        `yaml:"password"`
	Channel     string        `yaml:"channel"`
	KeyPrefix   string        `yaml:"key_prefix"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
	Buffer      int           `yaml:"buffer"`
}

// AuditConfig configures the operation audit trail.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	LogToolCalls    bool          `yaml:"log_tool_calls"`
	RetentionDays   int           `yaml:"retention_days"`
	MemoryCapacity  int           `yaml:"memory_capacity"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	APIKeys  APIKeyAuthConfig `yaml:"api_keys"`
	JWT      JWTAuthConfig    `yaml:"jwt"`
	Required bool             `yaml:"required"`
}

// JWTAuthConfig configures HMAC-signed bearer tokens.
type JWTAuthConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Issuer     string `yaml:"issuer"`
	SigningKey string `yaml:"signing_key"`
	RolesClaim string `yaml:"roles_claim"`
}

// APIKeyAuthConfig configures API key authentication.
type APIKeyAuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []auth.APIKey `yaml:"keys"`
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expanding ${VAR} references and
// applying defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcp-streampay"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = TransportStdio
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Chain.Simulated.MinStreamLife == 0 {
		cfg.Chain.Simulated.MinStreamLife = time.Hour
	}
	if cfg.Session.IdleTTL == 0 {
		cfg.Session.IdleTTL = 30 * time.Minute
	}
	if cfg.Session.CleanupInterval == 0 {
		cfg.Session.CleanupInterval = time.Minute
	}
	if cfg.Session.WarningLevel == 0 {
		cfg.Session.WarningLevel = 48 * time.Hour
	}
	if cfg.Session.CriticalLevel == 0 {
		cfg.Session.CriticalLevel = 12 * time.Hour
	}
	if cfg.Polling.Interval == 0 {
		cfg.Polling.Interval = 30 * time.Second
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
	if cfg.Audit.MemoryCapacity == 0 {
		cfg.Audit.MemoryCapacity = 10000
	}
	if cfg.Audit.CleanupInterval == 0 {
		cfg.Audit.CleanupInterval = 24 * time.Hour
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	checkAddr := func(field, v string, required bool) {
		if v == "" {
			if required {
				errs = append(errs, field+" is required")
			}
			return
		}
		if _, err := chain.ParseAddress(v); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", field, err))
		}
	}
	checkAmount := func(field, v string) {
		if n, ok := new(big.Int).SetString(v, 10); !ok || n.Sign() < 0 {
			errs = append(errs, fmt.Sprintf("%s: %q is not a non-negative integer", field, v))
		}
	}

	switch c.Server.Transport {
	case TransportStdio, TransportHTTP:
	default:
		errs = append(errs, fmt.Sprintf("server.transport: unknown transport %q", c.Server.Transport))
	}

	checkAddr("chain.manager", c.Chain.Manager, true)
	checkAddr("session.account", c.Session.Account, false)
	checkAddr("ingest.creator", c.Ingest.Creator, false)
	for i, creator := range c.Polling.Creators {
		checkAddr(fmt.Sprintf("polling.creators[%d]", i), creator, true)
	}

	if c.Session.CriticalLevel > c.Session.WarningLevel {
		errs = append(errs, "session.critical_level must not exceed session.warning_level")
	}
	if c.Polling.Enabled && c.Polling.Interval <= 0 {
		errs = append(errs, "polling.interval must be positive")
	}
	if c.Notify.Enabled && c.Notify.URL == "" {
		errs = append(errs, "notify.url is required when notify is enabled")
	}
	if c.Auth.Required && !c.Auth.APIKeys.Enabled && !c.Auth.JWT.Enabled {
		errs = append(errs, "auth.required needs auth.api_keys or auth.jwt enabled")
	}
	if c.Auth.JWT.Enabled {
		if c.Auth.JWT.Issuer == "" {
			errs = append(errs, "auth.jwt.issuer is required when jwt is enabled")
		}
		if len(c.Auth.JWT.SigningKey) < minSigningKeyLen {
			errs = append(errs, fmt.Sprintf("auth.jwt.signing_key must be at least %d bytes", minSigningKeyLen))
		}
	}
	for i, k := range c.Auth.APIKeys.Keys {
		if (k.Key == "") == (k.KeyHash == "") {
			errs = append(errs, fmt.Sprintf("auth.api_keys.keys[%d]: set exactly one of key and key_hash", i))
		}
	}

	if c.Chain.Simulate {
		sim := c.Chain.Simulated
		checkAddr("chain.simulated.owner", sim.Owner, false)
		for i, tok := range sim.Tokens {
			field := fmt.Sprintf("chain.simulated.tokens[%d]", i)
			checkAddr(field+".address", tok.Address, true)
			for holder, amount := range tok.Balances {
				checkAddr(field+".balances", holder, true)
				checkAmount(field+".balances."+holder, amount)
			}
		}
		for i, st := range sim.Streams {
			field := fmt.Sprintf("chain.simulated.streams[%d]", i)
			checkAddr(field+".creator", st.Creator, true)
			checkAddr(field+".token", st.Token, true)
			checkAmount(field+".amount_per_second", st.AmountPerSecond)
			checkAmount(field+".funded_amount", st.FundedAmount)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
