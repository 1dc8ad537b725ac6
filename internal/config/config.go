package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/yegors/sessionpay/internal/evm"
	"github.com/yegors/sessionpay/internal/policy"
	"github.com/yegors/sessionpay/internal/x402"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server      ServerConfig      `toml:"server"`      // HTTP server settings
	Logging     LoggingConfig     `toml:"logging"`     // Application logging settings
	Storage     StorageConfig     `toml:"storage"`     // Ledger persistence settings
	Custody     CustodyConfig     `toml:"custody"`     // Session key custody and operator account
	Session     SessionConfig     `toml:"session"`     // Default policy for new sessions
	Chain       ChainConfig       `toml:"chain"`       // Bundler and token settings
	Facilitator FacilitatorConfig `toml:"facilitator"` // Payment facilitator settings
	Gate        GateConfig        `toml:"gate"`        // Optional paid proxy routes
	Locking     LockingConfig     `toml:"locking"`     // Per-session lock backend
	Sweeper     SweeperConfig     `toml:"sweeper"`     // Background expiry sweep
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // Primary HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
	InternalToken      string   `toml:"internal_token"`        // Bearer token for /session/debit, /pay/fulfill and /reconciliations
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains ledger persistence configuration
type StorageConfig struct {
	Type             string `toml:"type"`               // "sqlite" or "postgres"
	SQLitePath       string `toml:"sqlite_path"`        // SQLite database file
	PostgresDSN      string `toml:"postgres_dsn"`       // PostgreSQL connection string
	PostgresMaxConns int32  `toml:"postgres_max_conns"` // Pool size (0 = pgx default)
}

// CustodyConfig contains session key custody settings
type CustodyConfig struct {
	Passphrase   string `toml:"passphrase"`     // Keystore passphrase (prefer SESSIONPAY_KEYSTORE_PASSPHRASE)
	KDFSalt      string `toml:"kdf_salt"`       // Hex salt for the keystore key derivation, at least 16 bytes
	KDFMemoryKiB uint32 `toml:"kdf_memory_kib"` // argon2id memory cost
	KDFTime      uint32 `toml:"kdf_time"`       // argon2id iterations
	OperatorKey  string `toml:"operator_key"`   // Hex private key of the custody account (prefer SESSIONPAY_OPERATOR_KEY)
}

// SessionConfig is the policy assigned to every new session
type SessionConfig struct {
	Budget               string `toml:"budget"`                    // Cumulative budget in token units, e.g. "100"
	PerCallCeiling       string `toml:"per_call_ceiling"`          // Per-call ceiling in token units; empty = budget
	DurationSecs         int    `toml:"duration_seconds"`          // Validity window length
	PermissionPeriodSecs int    `toml:"permission_period_seconds"` // Spending-limit period of the on-chain call permission

	BudgetAmount         policy.Amount `toml:"-"`
	PerCallCeilingAmount policy.Amount `toml:"-"`
}

// ChainConfig contains bundler and token settings
type ChainConfig struct {
	BundlerURL          string `toml:"bundler_url"`             // ERC-4337 bundler JSON-RPC endpoint
	EntryPoint          string `toml:"entry_point"`             // Entry point address (default v0.7)
	ChainID             int64  `toml:"chain_id"`                // EVM chain id
	TokenAddress        string `toml:"token_address"`           // ERC-20 token the sessions spend
	SponsorshipPolicyID string `toml:"sponsorship_policy_id"`   // Paymaster sponsorship policy
	RequestTimeoutSecs  int    `toml:"request_timeout_seconds"` // Bound on each JSON-RPC request
	ReceiptTimeoutSecs  int    `toml:"receipt_timeout_seconds"` // Bounded confirmation wait
	PollIntervalMs      int    `toml:"poll_interval_ms"`        // Receipt polling interval
}

// FacilitatorConfig contains payment facilitator settings
type FacilitatorConfig struct {
	URL         string `toml:"url"`             // Facilitator base URL
	TimeoutSecs int    `toml:"timeout_seconds"` // Bound on each verify/settle call
	Network     string `toml:"network"`         // Payment network, e.g. "eip155:84532" or "base-sepolia"
}

// GateConfig puts priced routes in front of upstream services
type GateConfig struct {
	Enabled           bool        `toml:"enabled"`             // Mount the paid proxy routes
	PayTo             string      `toml:"pay_to"`              // Address receiving payments
	Asset             string      `toml:"asset"`               // Token contract (default chain.token_address)
	AssetName         string      `toml:"asset_name"`          // EIP-712 domain name of the token
	AssetVersion      string      `toml:"asset_version"`       // EIP-712 domain version of the token
	MaxTimeoutSeconds int         `toml:"max_timeout_seconds"` // Authorization lifetime offered to payers
	Routes            []GateRoute `toml:"routes"`              // Priced paths
}

// GateRoute is one priced path
type GateRoute struct {
	Path        string `toml:"path"`        // Path prefix served by this gate, e.g. "/paid/forecast"
	Upstream    string `toml:"upstream"`    // URL requests are proxied to once paid
	Price       string `toml:"price"`       // Price such as "$0.001"
	Description string `toml:"description"` // Shown in the payment requirement
	MimeType    string `toml:"mime_type"`   // Content type of the paid response
}

// LockingConfig selects the per-session lock backend
type LockingConfig struct {
	Type          string `toml:"type"`           // "memory" or "redis"
	RedisAddr     string `toml:"redis_addr"`     // host:port of the Redis server
	RedisPassword string `toml:"redis_password"` // Prefer SESSIONPAY_REDIS_PASSWORD
	RedisDB       int    `toml:"redis_db"`       // Redis database number
	Prefix        string `toml:"prefix"`         // Redis key prefix
	TTLSecs       int    `toml:"ttl_seconds"`    // Lease length, refreshed while held
}

// SweeperConfig contains the expiry sweeper settings
type SweeperConfig struct {
	Enabled      bool `toml:"enabled"`          // Run the background expiry sweep
	IntervalSecs int  `toml:"interval_seconds"` // Time between sweeps
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyEnv()
	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// applyEnv lets secrets come from the environment instead of the file
func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"SESSIONPAY_KEYSTORE_PASSPHRASE": &c.Custody.Passphrase,
		"SESSIONPAY_OPERATOR_KEY":        &c.Custody.OperatorKey,
		"SESSIONPAY_INTERNAL_TOKEN":      &c.Server.InternalToken,
		"SESSIONPAY_POSTGRES_DSN":        &c.Storage.PostgresDSN,
		"SESSIONPAY_REDIS_PASSWORD":      &c.Locking.RedisPassword,
		"SESSIONPAY_BUNDLER_URL":         &c.Chain.BundlerURL,
	}
	for name, field := range overrides {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}
}

// Validate validates the configuration and fills defaults
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.IdleTimeoutSecs <= 0 {
		c.Server.IdleTimeoutSecs = 120
	}

	// Validate logging config
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid log level
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
		// Valid log format
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if err := c.ValidateStorage(); err != nil {
		return err
	}
	if err := c.ValidateCustody(); err != nil {
		return err
	}
	if err := c.ValidateSession(); err != nil {
		return err
	}
	if err := c.ValidateChain(); err != nil {
		return err
	}
	if err := c.ValidateFacilitator(); err != nil {
		return err
	}
	if err := c.ValidateGate(); err != nil {
		return err
	}
	if err := c.ValidateLocking(); err != nil {
		return err
	}

	if c.Sweeper.IntervalSecs <= 0 {
		c.Sweeper.IntervalSecs = 60
	}
	return nil
}

// ValidateStorage validates the storage configuration
func (c *Config) ValidateStorage() error {
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			c.Storage.SQLitePath = "data/sessionpay.db"
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required when storage type is postgres")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be 'sqlite' or 'postgres')", c.Storage.Type)
	}
	return nil
}

// ValidateCustody validates the custody configuration
func (c *Config) ValidateCustody() error {
	if c.Custody.Passphrase == "" {
		return fmt.Errorf("custody passphrase is required (passphrase or SESSIONPAY_KEYSTORE_PASSPHRASE)")
	}
	salt, err := hex.DecodeString(strings.TrimPrefix(c.Custody.KDFSalt, "0x"))
	if err != nil || len(salt) < 16 {
		return fmt.Errorf("kdf_salt must be at least 16 hex-encoded bytes")
	}
	if c.Custody.KDFMemoryKiB == 0 {
		c.Custody.KDFMemoryKiB = 64 * 1024
	}
	if c.Custody.KDFTime == 0 {
		c.Custody.KDFTime = 1
	}
	if c.Custody.OperatorKey == "" {
		return fmt.Errorf("custody operator_key is required (operator_key or SESSIONPAY_OPERATOR_KEY)")
	}
	if _, err := evm.PrivateKeyFromHex(c.Custody.OperatorKey); err != nil {
		return fmt.Errorf("invalid custody operator_key: %w", err)
	}
	return nil
}

// KDFSaltBytes returns the decoded keystore salt; call after Validate
func (c *Config) KDFSaltBytes() []byte {
	salt, _ := hex.DecodeString(strings.TrimPrefix(c.Custody.KDFSalt, "0x"))
	return salt
}

// ValidateSession validates the default session policy
func (c *Config) ValidateSession() error {
	if c.Session.Budget == "" {
		c.Session.Budget = "100"
	}
	if c.Session.DurationSecs <= 0 {
		c.Session.DurationSecs = 86400
	}
	if c.Session.PermissionPeriodSecs <= 0 {
		c.Session.PermissionPeriodSecs = c.Session.DurationSecs
	}

	budget, err := policy.ParseAmount(c.Session.Budget, policy.USDCDecimals)
	if err != nil || budget <= 0 {
		return fmt.Errorf("invalid session budget: %q", c.Session.Budget)
	}
	c.Session.BudgetAmount = budget

	c.Session.PerCallCeilingAmount = budget
	if c.Session.PerCallCeiling != "" {
		ceiling, err := policy.ParseAmount(c.Session.PerCallCeiling, policy.USDCDecimals)
		if err != nil || ceiling <= 0 {
			return fmt.Errorf("invalid session per_call_ceiling: %q", c.Session.PerCallCeiling)
		}
		if ceiling > budget {
			return fmt.Errorf("session per_call_ceiling %s exceeds budget %s", c.Session.PerCallCeiling, c.Session.Budget)
		}
		c.Session.PerCallCeilingAmount = ceiling
	}
	return nil
}

// ValidateChain validates the chain configuration
func (c *Config) ValidateChain() error {
	if c.Chain.BundlerURL == "" {
		return fmt.Errorf("chain bundler_url is required")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("invalid chain_id: %d", c.Chain.ChainID)
	}
	if _, err := evm.ParseAddress(c.Chain.TokenAddress); err != nil {
		return fmt.Errorf("invalid chain token_address: %w", err)
	}
	if c.Chain.RequestTimeoutSecs <= 0 {
		c.Chain.RequestTimeoutSecs = 15
	}
	if c.Chain.ReceiptTimeoutSecs <= 0 {
		c.Chain.ReceiptTimeoutSecs = 60
	}
	if c.Chain.PollIntervalMs <= 0 {
		c.Chain.PollIntervalMs = 2000
	}
	return nil
}

// ValidateFacilitator validates the facilitator configuration
func (c *Config) ValidateFacilitator() error {
	if c.Facilitator.URL == "" {
		return fmt.Errorf("facilitator url is required")
	}
	if c.Facilitator.TimeoutSecs <= 0 {
		c.Facilitator.TimeoutSecs = 30
	}
	if c.Facilitator.Network == "" {
		c.Facilitator.Network = fmt.Sprintf("eip155:%d", c.Chain.ChainID)
	}
	if _, err := x402.ChainID(c.Facilitator.Network); err != nil {
		return fmt.Errorf("invalid facilitator network: %w", err)
	}
	return nil
}

// ValidateGate validates the paid proxy routes
func (c *Config) ValidateGate() error {
	if !c.Gate.Enabled {
		return nil
	}
	if _, err := evm.ParseAddress(c.Gate.PayTo); err != nil {
		return fmt.Errorf("invalid gate pay_to: %w", err)
	}
	if c.Gate.Asset == "" {
		c.Gate.Asset = c.Chain.TokenAddress
	}
	if c.Gate.AssetName == "" {
		c.Gate.AssetName = "USDC"
	}
	if c.Gate.AssetVersion == "" {
		c.Gate.AssetVersion = "2"
	}
	if c.Gate.MaxTimeoutSeconds <= 0 {
		c.Gate.MaxTimeoutSeconds = 60
	}
	if len(c.Gate.Routes) == 0 {
		return fmt.Errorf("gate is enabled but has no routes")
	}
	for i, r := range c.Gate.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("gate route %d: path must start with /", i)
		}
		if r.Upstream == "" {
			return fmt.Errorf("gate route %s: upstream is required", r.Path)
		}
		if _, err := policy.ParseAmount(r.Price, policy.USDCDecimals); err != nil {
			return fmt.Errorf("gate route %s: invalid price %q", r.Path, r.Price)
		}
	}
	return nil
}

// ValidateLocking validates the lock backend configuration
func (c *Config) ValidateLocking() error {
	if c.Locking.Type == "" {
		c.Locking.Type = "memory"
	}
	switch c.Locking.Type {
	case "memory":
	case "redis":
		if c.Locking.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required when locking type is redis")
		}
		if c.Locking.Prefix == "" {
			c.Locking.Prefix = "sessionpay:lock:"
		}
		if c.Locking.TTLSecs <= 0 {
			c.Locking.TTLSecs = 30
		}
	default:
		return fmt.Errorf("invalid locking type: %s (must be 'memory' or 'redis')", c.Locking.Type)
	}
	return nil
}

// SessionDuration returns the validity window length of new sessions
func (c *Config) SessionDuration() time.Duration {
	return time.Duration(c.Session.DurationSecs) * time.Second
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ReceiptTimeout is the bounded confirmation wait
func (c *Config) ReceiptTimeout() time.Duration { return seconds(c.Chain.ReceiptTimeoutSecs) }

// FacilitatorTimeout bounds each facilitator call
func (c *Config) FacilitatorTimeout() time.Duration { return seconds(c.Facilitator.TimeoutSecs) }

// SweepInterval is the time between expiry sweeps
func (c *Config) SweepInterval() time.Duration { return seconds(c.Sweeper.IntervalSecs) }
