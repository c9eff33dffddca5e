// Package config assembles service configuration from the environment plus
// an optional TOML provider catalog file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full storagehubd runtime configuration.
type Config struct {
	Env     string
	Port    string
	LogFile string
	DBURL   string
	BaseURL string

	// Payment processor.
	ProcessorAPIBase        string
	ProcessorSecretKey      string
	ProcessorPublishableKey string
	ProcessorWebhookSecret  string

	// Operator auth.
	SessionSecret string
	JWTIssuer     string

	// Rate limiting for public endpoints: RateLimitMax requests per
	// RateLimitWindow per client.
	RateLimitWindow time.Duration
	RateLimitMax    int

	// Cross-origin access for browser frontends. Empty disables CORS.
	CORSOrigins []string

	// Background cadences.
	ProviderSyncInterval time.Duration
	ConfirmationInterval time.Duration
	PollInterval         time.Duration
	PollAttempts         int
	DispatchWorkers      int

	ReportOutputDir string

	// OTLP export. Disabled unless an endpoint is set; the metric
	// pipeline is a separate opt-in since Prometheus already serves
	// /metrics.
	OTELEndpoint string
	OTELInsecure bool
	OTELHeaders  string
	OTELMetrics  bool

	Providers []ProviderConfig
}

// ProviderConfig is one entry of the provider catalog. EVM-backed
// providers carry chain credentials; API-backed providers carry an
// endpoint and key.
type ProviderConfig struct {
	Slug          string `toml:"Slug"`
	Network       string `toml:"Network"`
	ChainID       uint64 `toml:"ChainID"`
	RPCURL        string `toml:"RPCURL"`
	PrivateKeyEnv string `toml:"PrivateKeyEnv"`
	AllowMock     bool   `toml:"AllowMock"`
	AllocatorAddr string `toml:"AllocatorAddr"`
	ExplorerBase  string `toml:"ExplorerBase"`
	BaseURL       string `toml:"BaseURL"`
	APIKeyEnv     string `toml:"APIKeyEnv"`
	AllocatePath  string `toml:"AllocatePath"`
	Enabled       bool   `toml:"Enabled"`
}

// PrivateKey resolves the hex signing key from the configured env var.
// Providers without a dedicated key fall back to the shared platform
// hot wallet; if that is unset too the adapter runs without signing.
func (p ProviderConfig) PrivateKey() string {
	env := p.PrivateKeyEnv
	if env == "" {
		env = "STORAGEHUB_HOT_WALLET_KEY"
	}
	return strings.TrimSpace(os.Getenv(env))
}

// APIKey resolves the API credential from the configured env var.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(p.APIKeyEnv))
}

type providerFile struct {
	Providers []ProviderConfig `toml:"Providers"`
}

// FromEnv reads configuration from the environment, failing fast on the
// secrets the service cannot run without. STORAGEHUB_PROVIDERS_FILE points
// at the TOML provider catalog.
func FromEnv() (*Config, error) {
	dbURL := strings.TrimSpace(os.Getenv("STORAGEHUB_DB_URL"))
	if dbURL == "" {
		return nil, fmt.Errorf("STORAGEHUB_DB_URL is required")
	}
	processorSecret := strings.TrimSpace(os.Getenv("STORAGEHUB_PROCESSOR_SECRET_KEY"))
	if processorSecret == "" {
		return nil, fmt.Errorf("STORAGEHUB_PROCESSOR_SECRET_KEY is required")
	}
	publishableKey := strings.TrimSpace(os.Getenv("STORAGEHUB_PROCESSOR_PUBLISHABLE_KEY"))
	if publishableKey == "" {
		return nil, fmt.Errorf("STORAGEHUB_PROCESSOR_PUBLISHABLE_KEY is required")
	}
	webhookSecret := strings.TrimSpace(os.Getenv("STORAGEHUB_PROCESSOR_WEBHOOK_SECRET"))
	if webhookSecret == "" {
		return nil, fmt.Errorf("STORAGEHUB_PROCESSOR_WEBHOOK_SECRET is required")
	}
	sessionSecret := strings.TrimSpace(os.Getenv("STORAGEHUB_SESSION_SECRET"))
	if len(sessionSecret) < 32 {
		return nil, fmt.Errorf("STORAGEHUB_SESSION_SECRET must be at least 32 characters")
	}

	cfg := &Config{
		Env:                     getEnvDefault("STORAGEHUB_ENV", "development"),
		Port:                    normalizePort(os.Getenv("STORAGEHUB_PORT")),
		LogFile:                 strings.TrimSpace(os.Getenv("STORAGEHUB_LOG_FILE")),
		DBURL:                   dbURL,
		BaseURL:                 getEnvDefault("STORAGEHUB_BASE_URL", "http://localhost:8080"),
		ProcessorAPIBase:        getEnvDefault("STORAGEHUB_PROCESSOR_API_BASE", "https://api.processor.example.com"),
		ProcessorSecretKey:      processorSecret,
		ProcessorPublishableKey: publishableKey,
		ProcessorWebhookSecret:  webhookSecret,
		SessionSecret:           sessionSecret,
		JWTIssuer:               getEnvDefault("STORAGEHUB_JWT_ISSUER", "storagehub"),
		RateLimitWindow:         parseMillisEnv("STORAGEHUB_RATE_LIMIT_WINDOW_MS", time.Minute),
		RateLimitMax:            parseIntEnv("STORAGEHUB_RATE_LIMIT_MAX_REQUESTS", 120),
		CORSOrigins:             parseCSVEnv("STORAGEHUB_CORS_ORIGINS"),
		ProviderSyncInterval:    parseDurationEnv("STORAGEHUB_PROVIDER_SYNC_INTERVAL", 6*time.Hour),
		ConfirmationInterval:    parseDurationEnv("STORAGEHUB_TX_CONFIRMATION_INTERVAL", 2*time.Minute),
		PollInterval:            parseDurationEnv("STORAGEHUB_POLL_INTERVAL", 10*time.Second),
		PollAttempts:            parseIntEnv("STORAGEHUB_POLL_ATTEMPTS", 30),
		DispatchWorkers:         parseIntEnv("STORAGEHUB_DISPATCH_WORKERS", 4),
		ReportOutputDir:         getEnvDefault("STORAGEHUB_REPORT_DIR", "reports"),
		OTELEndpoint:            strings.TrimSpace(os.Getenv("STORAGEHUB_OTEL_ENDPOINT")),
		OTELInsecure:            parseBoolEnv("STORAGEHUB_OTEL_INSECURE", false),
		OTELHeaders:             strings.TrimSpace(os.Getenv("STORAGEHUB_OTEL_HEADERS")),
		OTELMetrics:             parseBoolEnv("STORAGEHUB_OTEL_METRICS", false),
	}

	if path := strings.TrimSpace(os.Getenv("STORAGEHUB_PROVIDERS_FILE")); path != "" {
		providers, err := LoadProviders(path)
		if err != nil {
			return nil, err
		}
		cfg.Providers = providers
	}
	return cfg, nil
}

// LoadProviders decodes the provider catalog file.
func LoadProviders(path string) ([]ProviderConfig, error) {
	var file providerFile
	meta, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("decode providers file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("providers file %s has unknown keys: %v", path, undecoded)
	}
	for i, p := range file.Providers {
		if strings.TrimSpace(p.Slug) == "" {
			return nil, fmt.Errorf("providers file %s: entry %d missing Slug", path, i)
		}
	}
	return file.Providers, nil
}

func getEnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":8080".
	if port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseMillisEnv(key string, def time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return def
}

func parseCSVEnv(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}
