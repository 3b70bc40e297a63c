package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"kasirsync/internal/money"
)

type Config struct {
	// Ledger server.
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	DeviceCredentials     map[string]string
	RateLimit             string
	SeedStock             string

	// Device.
	DeviceID                string
	TenantID                string
	LocationID              string
	QueueDBPath             string
	BackendURL              string
	DeviceSecret            string
	SyncInterval            time.Duration
	MaxRetries              int
	BaseBackoff             time.Duration
	MaxBackoff              time.Duration
	AttemptTimeout          time.Duration
	JitterFraction          float64
	LockTTL                 time.Duration
	Retention               time.Duration
	DiscountApprovalPercent decimal.Decimal
	AutoCompleteExactCash   bool
	CriticalExposure        money.Money

	LogLevel string
}

// Load reads the environment, after merging a .env file when one exists in the
// working directory. Invalid numbers fall back to their defaults.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL := positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480)

	jitter, err := strconv.ParseFloat(getEnv("SYNC_JITTER_FRACTION", "0.5"), 64)
	if err != nil || jitter < 0 || jitter > 1 {
		jitter = 0.5
	}
	approval, err := decimal.NewFromString(getEnv("DISCOUNT_APPROVAL_PERCENT", "10"))
	if err != nil || approval.IsNegative() {
		approval = decimal.NewFromInt(10)
	}
	exposure, err := money.Parse(getEnv("CRITICAL_EXPOSURE", "100.00"))
	if err != nil || exposure.IsNegative() {
		exposure = money.MustParse("100.00")
	}
	autoComplete, _ := strconv.ParseBool(getEnv("AUTO_COMPLETE_EXACT_CASH", "false"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		DeviceCredentials:     parsePairs(os.Getenv("DEVICE_CREDENTIALS")),
		RateLimit:             getEnv("SYNC_RATE_LIMIT", "600-M"),
		SeedStock:             os.Getenv("LEDGER_SEED_STOCK"),

		DeviceID:                getEnv("DEVICE_ID", "device-1"),
		TenantID:                getEnv("TENANT_ID", "tenant-1"),
		LocationID:              getEnv("LOCATION_ID", "main-store"),
		QueueDBPath:             getEnv("QUEUE_DB_PATH", "kasirsync.db"),
		BackendURL:              strings.TrimRight(getEnv("BACKEND_URL", "http://127.0.0.1:8080"), "/"),
		DeviceSecret:            strings.TrimSpace(os.Getenv("DEVICE_SECRET")),
		SyncInterval:            time.Duration(positiveInt("SYNC_INTERVAL_SECONDS", 15)) * time.Second,
		MaxRetries:              positiveInt("SYNC_MAX_RETRIES", 5),
		BaseBackoff:             time.Duration(positiveInt("SYNC_BASE_BACKOFF_MS", 500)) * time.Millisecond,
		MaxBackoff:              time.Duration(positiveInt("SYNC_MAX_BACKOFF_MS", 30000)) * time.Millisecond,
		AttemptTimeout:          time.Duration(positiveInt("SYNC_ATTEMPT_TIMEOUT_SECONDS", 10)) * time.Second,
		JitterFraction:          jitter,
		LockTTL:                 time.Duration(positiveInt("SYNC_LOCK_TTL_SECONDS", 60)) * time.Second,
		Retention:               time.Duration(positiveInt("QUEUE_RETENTION_HOURS", 168)) * time.Hour,
		DiscountApprovalPercent: approval,
		AutoCompleteExactCash:   autoComplete,
		CriticalExposure:        exposure,

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

// parsePairs reads "id:secret,id2:secret2".
func parsePairs(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), ":")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
