// Package config provides configuration management for the ledger service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/roi-ledger/internal/types"
)

// Source names accepted in PREFERRED_SOURCES.
const (
	SourceMoralis   = "moralis"
	SourceEtherscan = "etherscan"
	SourceDune      = "dune"
)

// Cache backend names accepted in CACHE_BACKEND.
const (
	CacheBackendMemory   = "memory"
	CacheBackendRedis    = "redis"
	CacheBackendPostgres = "postgres"
	CacheBackendLayered  = "layered"
)

// Config holds all application configuration
type Config struct {
	Server           ServerConfig
	Database         DatabaseConfig
	Cache            CacheConfig
	Providers        ProvidersConfig
	Fetch            FetchConfig
	Tax              TaxConfig
	Logging          LoggingConfig
	ChainsConfigPath string
	EnabledChains    []types.ChainID
	Chains           *ChainTable
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port              string
	Host              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	AllowedOrigins    []string
	RequestsPerSecond float64
	Burst             int
	// TrustCallerHeader takes caller identity from X-Caller-ID. Only enable behind a
	// gateway that sets the header itself.
	TrustCallerHeader bool
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL renders the connection string used by pgx and golang-migrate.
func (p PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", p.User, p.Password, p.Host, p.Port, p.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CacheConfig holds per-purpose TTLs and the backend selection
type CacheConfig struct {
	Backend            string
	BalancesTTL        time.Duration
	PricesTTL          time.Duration
	HistoricalPriceTTL time.Duration
	TransactionsTTL    time.Duration
	TaxReportTTL       time.Duration
	StaleRetention     time.Duration
}

// ProviderConfig holds credentials and endpoint for one data provider
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Enabled reports whether the provider has credentials.
func (p ProviderConfig) Enabled() bool {
	return p.APIKey != ""
}

// ProvidersConfig holds every external data provider
type ProvidersConfig struct {
	Moralis            ProviderConfig
	Etherscan          ProviderConfig
	Dune               ProviderConfig
	CoinGecko          ProviderConfig
	CoinGeckoPerMinute int
	PreferredSources   []string
}

// FetchConfig bounds a single wallet walk
type FetchConfig struct {
	MaxPages         int
	MaxDuration      time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// TaxConfig holds the classification rule parameters
type TaxConfig struct {
	ExemptionDays    int
	SmallRewardUSD   decimal.Decimal
	MinRewardRepeats int
	RewardContracts  []string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; the environment can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:              getEnv("SERVER_PORT", "8080"),
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:       getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:      getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout:   getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:    getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			RequestsPerSecond: getEnvAsFloat("API_REQUESTS_PER_SECOND", 10),
			Burst:             getEnvAsInt("API_BURST", 20),
			TrustCallerHeader: getEnvAsBool("TRUST_CALLER_HEADER", false),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "roi_ledger"),
				User:           getEnv("POSTGRES_USER", "ledger"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("ARCHIVE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "roi_ledger"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Cache: CacheConfig{
			Backend:            strings.ToLower(getEnv("CACHE_BACKEND", CacheBackendMemory)),
			BalancesTTL:        getEnvAsDuration("CACHE_BALANCES_TTL", 5*time.Minute),
			PricesTTL:          getEnvAsDuration("CACHE_PRICES_TTL", time.Minute),
			HistoricalPriceTTL: getEnvAsDuration("CACHE_HISTORICAL_PRICE_TTL", 24*time.Hour),
			TransactionsTTL:    getEnvAsDuration("CACHE_TRANSACTIONS_TTL", 30*time.Minute),
			TaxReportTTL:       getEnvAsDuration("CACHE_TAX_REPORT_TTL", 30*time.Minute),
			StaleRetention:     getEnvAsDuration("CACHE_STALE_RETENTION", 7*24*time.Hour),
		},
		Providers: ProvidersConfig{
			Moralis: ProviderConfig{
				APIKey:  getEnv("MORALIS_API_KEY", ""),
				BaseURL: getEnv("MORALIS_BASE_URL", "https://deep-index.moralis.io/api/v2.2"),
				Timeout: getEnvAsDuration("MORALIS_TIMEOUT", 20*time.Second),
			},
			Etherscan: ProviderConfig{
				APIKey:  getEnv("ETHERSCAN_API_KEY", ""),
				BaseURL: getEnv("ETHERSCAN_BASE_URL", "https://api.etherscan.io/v2/api"),
				Timeout: getEnvAsDuration("ETHERSCAN_TIMEOUT", 30*time.Second),
			},
			Dune: ProviderConfig{
				APIKey:  getEnv("DUNE_SIM_API_KEY", ""),
				BaseURL: getEnv("DUNE_SIM_BASE_URL", "https://api.sim.dune.com/v1/evm"),
				Timeout: getEnvAsDuration("DUNE_TIMEOUT", 30*time.Second),
			},
			CoinGecko: ProviderConfig{
				APIKey:  getEnv("COINGECKO_API_KEY", ""),
				BaseURL: getEnv("COINGECKO_BASE_URL", "https://api.coingecko.com/api/v3"),
				Timeout: getEnvAsDuration("COINGECKO_TIMEOUT", 10*time.Second),
			},
			CoinGeckoPerMinute: getEnvAsInt("COINGECKO_REQUESTS_PER_MINUTE", 30),
			PreferredSources:   getEnvAsList("PREFERRED_SOURCES", []string{SourceMoralis, SourceEtherscan, SourceDune}),
		},
		Fetch: FetchConfig{
			MaxPages:         getEnvAsInt("FETCH_MAX_PAGES", 20),
			MaxDuration:      getEnvAsDuration("FETCH_MAX_DURATION", 25*time.Second),
			BreakerThreshold: getEnvAsInt("FETCH_BREAKER_THRESHOLD", 5),
			BreakerTimeout:   getEnvAsDuration("FETCH_BREAKER_TIMEOUT", 2*time.Minute),
		},
		Tax: TaxConfig{
			ExemptionDays:    getEnvAsInt("TAX_EXEMPTION_DAYS", 365),
			SmallRewardUSD:   getEnvAsDecimal("TAX_SMALL_REWARD_USD", decimal.NewFromInt(50)),
			MinRewardRepeats: getEnvAsInt("TAX_MIN_REWARD_REPEATS", 3),
			RewardContracts:  getEnvAsList("TAX_REWARD_CONTRACTS", nil),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		ChainsConfigPath: getEnv("CHAINS_CONFIG_PATH", ""),
	}

	chains, err := LoadChainTable(config.ChainsConfigPath)
	if err != nil {
		return nil, err
	}
	config.Chains = chains

	enabled, err := resolveEnabledChains(chains, getEnvAsList("ENABLED_CHAINS", nil))
	if err != nil {
		return nil, err
	}
	config.EnabledChains = enabled

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// resolveEnabledChains maps ENABLED_CHAINS entries through the table; empty means all.
func resolveEnabledChains(table *ChainTable, raw []string) ([]types.ChainID, error) {
	if len(raw) == 0 {
		out := make([]types.ChainID, 0, len(table.ordered))
		for _, c := range table.ordered {
			out = append(out, c.Name)
		}
		return out, nil
	}

	out := make([]types.ChainID, 0, len(raw))
	seen := make(map[types.ChainID]bool)
	for _, entry := range raw {
		id, ok := table.Lookup(entry)
		if !ok {
			return nil, fmt.Errorf("ENABLED_CHAINS: unknown chain %q", entry)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// Validate rejects configuration that cannot serve a single request.
func (c *Config) Validate() error {
	if c.Chains == nil {
		return fmt.Errorf("chain table is required")
	}
	if len(c.EnabledChains) == 0 {
		return fmt.Errorf("at least one chain must be enabled")
	}

	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendRedis, CacheBackendPostgres, CacheBackendLayered:
	default:
		return fmt.Errorf("CACHE_BACKEND must be one of memory, redis, postgres, layered (got %q)", c.Cache.Backend)
	}
	for name, ttl := range map[string]time.Duration{
		"CACHE_BALANCES_TTL":     c.Cache.BalancesTTL,
		"CACHE_PRICES_TTL":       c.Cache.PricesTTL,
		"CACHE_TRANSACTIONS_TTL": c.Cache.TransactionsTTL,
		"CACHE_TAX_REPORT_TTL":   c.Cache.TaxReportTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if len(c.Providers.PreferredSources) == 0 {
		return fmt.Errorf("PREFERRED_SOURCES must name at least one source")
	}
	for _, src := range c.Providers.PreferredSources {
		switch src {
		case SourceMoralis, SourceEtherscan, SourceDune:
		default:
			return fmt.Errorf("PREFERRED_SOURCES: unknown source %q", src)
		}
	}

	if c.Fetch.MaxPages <= 0 {
		return fmt.Errorf("FETCH_MAX_PAGES must be positive")
	}
	if c.Fetch.MaxDuration <= 0 {
		return fmt.Errorf("FETCH_MAX_DURATION must be positive")
	}

	if c.Tax.ExemptionDays < 0 {
		return fmt.Errorf("TAX_EXEMPTION_DAYS cannot be negative")
	}
	if c.Tax.MinRewardRepeats < 1 {
		return fmt.Errorf("TAX_MIN_REWARD_REPEATS must be at least 1")
	}
	for _, addr := range c.Tax.RewardContracts {
		if !types.IsValidAddress(addr) {
			return fmt.Errorf("TAX_REWARD_CONTRACTS: %q is not an address", addr)
		}
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("WARNING: Invalid %s value '%s', using default %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Printf("WARNING: Invalid %s value '%s', using default %v", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("WARNING: Invalid %s value '%s', using default %v", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		log.Printf("WARNING: Invalid %s value '%s', using default %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("WARNING: Invalid %s value '%s', using default %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
