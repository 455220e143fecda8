// Package config provides application configuration loaded from environment variables.
// Use the package-level Get() function to obtain the singleton Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string        // e.g. "8080"
	Env          string        // "development" | "production"
	ReadTimeout  time.Duration // default 10s
	WriteTimeout time.Duration // default 10s
	AdminSecret  string        // HS256 secret for the admin JWT group
	RateLimitRPS int           // per-IP public rate limit, default 10
}

// DBConfig holds the SQLite database settings. The engine is the sole writer
// of this file.
type DBConfig struct {
	Path        string        // database file path, default "qpredict.db"
	BusyTimeout time.Duration // default 5s
	BackupDir   string        // default "backups"
	BackupKeep  int           // most recent snapshots kept, default 5
}

// ChainConfig holds Qubic RPC settings.
type ChainConfig struct {
	Endpoints      []string      // failover ring of RPC base URLs
	CallTimeout    time.Duration // per-call timeout, default 10s
	TxFeeQU        int64         // network fee reserved on sweeps, default 0
	TickOffset     uint32        // target tick = current + offset, default 5
	MasterIdentity string        // platform custodial address
	MasterSeed     string        // platform seed (55 lowercase letters)
}

// VaultConfig holds key material for the escrow seed vault and the oracle
// attestation signer.
type VaultConfig struct {
	MasterKey         string // ESCROW_MASTER_KEY; required
	AttestationSecret string // HMAC key for oracle attestations
}

// EngineConfig holds cron cadences and state-machine timeouts.
type EngineConfig struct {
	FastCycle         time.Duration // default 15s
	SlowCycle         time.Duration // default 6h
	EscrowExpiry      time.Duration // default 2h
	JoinTimeoutTicks  uint32        // default 600
	SweepTimeoutTicks uint32        // default 300
	BackupEveryCycles int           // default 240 (≈1h at 15s cycles)
	CronLockTTL       time.Duration // default 30s
	DrainTimeout      time.Duration // default 30s
}

// OracleConfig holds external price/sports/council source settings.
type OracleConfig struct {
	BinanceURL   string
	BybitURL     string
	OKXURL       string
	SportsURL    string
	CouncilURL   string
	FetchTimeout time.Duration // default 5s
	MinSources   int           // minimum price sources, default 2
}

// AlertConfig holds webhook alert settings. Delivery is fire-and-forget.
type AlertConfig struct {
	WebhookURL  string
	WebhookType string // "slack" | "discord" | "generic"
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server ServerConfig
	DB     DBConfig
	Chain  ChainConfig
	Vault  VaultConfig
	Engine EngineConfig
	Oracle OracleConfig
	Alert  AlertConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and valid.
// Returns the first validation error encountered.
func (c *Config) Validate() error {
	var errs []error

	// The escrow vault cannot operate without its master key. Refusing to
	// start beats generating keys nobody can decrypt later.
	if c.Vault.MasterKey == "" {
		errs = append(errs, errors.New("ESCROW_MASTER_KEY must be set"))
	}

	if len(c.Chain.Endpoints) == 0 {
		errs = append(errs, errors.New("QUBIC_RPC_URL must list at least one endpoint"))
	}

	if c.Oracle.MinSources < 1 {
		errs = append(errs, fmt.Errorf("MIN_ORACLE_SOURCES must be >= 1, got %d", c.Oracle.MinSources))
	}

	if c.Engine.FastCycle < time.Second {
		errs = append(errs, fmt.Errorf("ENGINE_FAST_CYCLE_MS must be >= 1000, got %s", c.Engine.FastCycle))
	}

	if c.IsProd() && c.Server.AdminSecret == "" {
		errs = append(errs, errors.New("ADMIN_JWT_SECRET must be set in production"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment variables.
// Panics if loading fails — call this early in main() to catch misconfigurations
// at startup.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal loader
// ──────────────────────────────────────────────────────────────────────────────

func load() (*Config, error) {
	cfg := &Config{}

	// ── Server ────────────────────────────────────────────────────────────────
	rps, err := getInt("RATE_LIMIT_RPS", 10)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_RPS: %w", err)
	}
	cfg.Server = ServerConfig{
		Port:         getEnv("SERVER_PORT", "8080"),
		Env:          getEnv("ENVIRONMENT", "development"),
		ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
		AdminSecret:  getEnv("ADMIN_JWT_SECRET", ""),
		RateLimitRPS: rps,
	}

	// ── Database ──────────────────────────────────────────────────────────────
	keep, err := getInt("DB_BACKUP_KEEP", 5)
	if err != nil {
		return nil, fmt.Errorf("DB_BACKUP_KEEP: %w", err)
	}
	cfg.DB = DBConfig{
		Path:        getEnv("DB_PATH", "qpredict.db"),
		BusyTimeout: getDuration("DB_BUSY_TIMEOUT", 5*time.Second),
		BackupDir:   getEnv("DB_BACKUP_DIR", "backups"),
		BackupKeep:  keep,
	}

	// ── Chain ─────────────────────────────────────────────────────────────────
	var endpoints []string
	for _, u := range strings.Split(getEnv("QUBIC_RPC_URL", "https://rpc.qubic.org"), ",") {
		if u = strings.TrimSpace(u); u != "" {
			endpoints = append(endpoints, strings.TrimRight(u, "/"))
		}
	}
	txFee, err := getInt64("QUBIC_TX_FEE_QU", 0)
	if err != nil {
		return nil, fmt.Errorf("QUBIC_TX_FEE_QU: %w", err)
	}
	tickOffset, err := getInt("QUBIC_TICK_OFFSET", 5)
	if err != nil {
		return nil, fmt.Errorf("QUBIC_TICK_OFFSET: %w", err)
	}
	cfg.Chain = ChainConfig{
		Endpoints:      endpoints,
		CallTimeout:    getDuration("QUBIC_CALL_TIMEOUT", 10*time.Second),
		TxFeeQU:        txFee,
		TickOffset:     uint32(tickOffset),
		MasterIdentity: getEnv("MASTER_IDENTITY", ""),
		MasterSeed:     getEnv("MASTER_SEED", ""),
	}

	// ── Vault ─────────────────────────────────────────────────────────────────
	cfg.Vault = VaultConfig{
		MasterKey:         getEnv("ESCROW_MASTER_KEY", ""),
		AttestationSecret: getEnv("ATTESTATION_SECRET_KEY", ""),
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	fastMS, err := getInt("ENGINE_FAST_CYCLE_MS", 15000)
	if err != nil {
		return nil, fmt.Errorf("ENGINE_FAST_CYCLE_MS: %w", err)
	}
	slowMS, err := getInt("ENGINE_SLOW_CYCLE_MS", int(6*time.Hour/time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("ENGINE_SLOW_CYCLE_MS: %w", err)
	}
	expiryHours, err := getInt("ESCROW_EXPIRY_HOURS", 2)
	if err != nil {
		return nil, fmt.Errorf("ESCROW_EXPIRY_HOURS: %w", err)
	}
	joinTicks, err := getInt("JOINBET_TIMEOUT_TICKS", 600)
	if err != nil {
		return nil, fmt.Errorf("JOINBET_TIMEOUT_TICKS: %w", err)
	}
	sweepTicks, err := getInt("SWEEP_TIMEOUT_TICKS", 300)
	if err != nil {
		return nil, fmt.Errorf("SWEEP_TIMEOUT_TICKS: %w", err)
	}
	backupEvery, err := getInt("BACKUP_EVERY_CYCLES", 240)
	if err != nil {
		return nil, fmt.Errorf("BACKUP_EVERY_CYCLES: %w", err)
	}
	cfg.Engine = EngineConfig{
		FastCycle:         time.Duration(fastMS) * time.Millisecond,
		SlowCycle:         time.Duration(slowMS) * time.Millisecond,
		EscrowExpiry:      time.Duration(expiryHours) * time.Hour,
		JoinTimeoutTicks:  uint32(joinTicks),
		SweepTimeoutTicks: uint32(sweepTicks),
		BackupEveryCycles: backupEvery,
		CronLockTTL:       getDuration("CRON_LOCK_TTL", 30*time.Second),
		DrainTimeout:      getDuration("ENGINE_DRAIN_TIMEOUT", 30*time.Second),
	}

	// ── Oracle ────────────────────────────────────────────────────────────────
	minSources, err := getInt("MIN_ORACLE_SOURCES", 2)
	if err != nil {
		return nil, fmt.Errorf("MIN_ORACLE_SOURCES: %w", err)
	}
	cfg.Oracle = OracleConfig{
		BinanceURL:   getEnv("PRICE_BINANCE_URL", "https://api.binance.com"),
		BybitURL:     getEnv("PRICE_BYBIT_URL", "https://api.bybit.com"),
		OKXURL:       getEnv("PRICE_OKX_URL", "https://www.okx.com"),
		SportsURL:    getEnv("SPORTS_API_URL", ""),
		CouncilURL:   getEnv("COUNCIL_API_URL", ""),
		FetchTimeout: getDuration("ORACLE_FETCH_TIMEOUT", 5*time.Second),
		MinSources:   minSources,
	}

	// ── Alert ─────────────────────────────────────────────────────────────────
	cfg.Alert = AlertConfig{
		WebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
		WebhookType: getEnv("ALERT_WEBHOOK_TYPE", "generic"),
	}

	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getInt64(key string, defaultVal int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
// Falls back to defaultVal if the variable is unset or empty.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
