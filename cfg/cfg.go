package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var DefaultLanguages = []string{
	"javascript", "typescript", "python", "java", "cpp", "c", "csharp", "php", "ruby", "go",
	"rust", "swift", "kotlin", "html", "css", "scss", "json", "xml", "yaml", "markdown",
	"bash", "sql", "r", "matlab", "perl", "lua", "dart", "text",
}

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                   string
	Environment            string
	LogLevel               string
	BaseURL                string
	DatabaseDriver         string
	DatabasePath           string
	DatabaseURL            Secret
	DBMaxOpenConns         int
	DBMaxIdleConns         int
	DBQueryTimeout         time.Duration
	RedisURL               string
	RedisTLS               bool
	RedisUsername          string
	RedisPassword          Secret
	RedisTimeout           time.Duration
	AnonTTL                time.Duration
	MaxContentSize         int
	MaxTitleLength         int
	AllowedLanguages       []string
	PasteCacheSize         int
	PasteCacheTTL          time.Duration
	ViewWorkers            int
	ViewQueueSize          int
	PurgeInterval          time.Duration
	ContextTimeout         time.Duration
	RateLimit              RateLimitCfg
	TrustedProxies         []string
	AllowedOrigins         []string
	MetricsUser            string
	MetricsPass            Secret
	JWTSecret              Secret
	Pepper                 Secret
	SecretsFromProvider    bool
	IPHashRotationInterval time.Duration
	Argon2Time             uint32
	Argon2Memory           uint32
	Argon2Parallelism      uint8
	HasherWorkerCount      int
}

type RateLimitCfg struct {
	CreatePerMinute int
	ReadPerMinute   int
	WritePerMinute  int
	Burst           int
}

// LoadDotEnv reads a .env file when present. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.BaseURL = strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/")
	c.DatabaseDriver = strings.ToLower(getEnv("DATABASE_DRIVER", DriverSQLite))
	c.DatabasePath = getEnv("DATABASE_PATH", "codeshare.db")
	c.DatabaseURL = NewSecret(getEnv("DATABASE_URL", ""))
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	for _, lang := range getSlice("ALLOWED_LANGUAGES", DefaultLanguages) {
		c.AllowedLanguages = append(c.AllowedLanguages, strings.ToLower(lang))
	}
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.JWTSecret = NewSecret(getEnv("JWT_SECRET", ""))
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.SecretsFromProvider = getEnv("SECRETS_FROM_PROVIDER", "false") == "true"

	var err error
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 25); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.AnonTTL, err = getDuration("ANON_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if c.MaxContentSize, err = getInt("MAX_CONTENT_SIZE", 100000); err != nil {
		return nil, err
	}
	if c.MaxTitleLength, err = getInt("MAX_TITLE_LENGTH", 100); err != nil {
		return nil, err
	}
	if c.PasteCacheSize, err = getInt("PASTE_CACHE_SIZE", 0); err != nil {
		return nil, err
	}
	if c.PasteCacheTTL, err = getDuration("PASTE_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if c.ViewWorkers, err = getInt("VIEW_WORKERS", 8); err != nil {
		return nil, err
	}
	if c.ViewQueueSize, err = getInt("VIEW_QUEUE_SIZE", 1000); err != nil {
		return nil, err
	}
	if c.PurgeInterval, err = getDuration("PURGE_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.RateLimit.CreatePerMinute, err = getInt("RATE_LIMIT_CREATE_RPM", 10); err != nil {
		return nil, err
	}
	if c.RateLimit.ReadPerMinute, err = getInt("RATE_LIMIT_READ_RPM", 120); err != nil {
		return nil, err
	}
	if c.RateLimit.WritePerMinute, err = getInt("RATE_LIMIT_WRITE_RPM", 30); err != nil {
		return nil, err
	}
	if c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 5); err != nil {
		return nil, err
	}
	if c.IPHashRotationInterval, err = getDuration("IP_HASH_ROTATION_INTERVAL", 1*time.Hour); err != nil {
		return nil, err
	}
	if c.Argon2Time, err = getUint32("ARGON2_TIME", 3); err != nil {
		return nil, err
	}
	if c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024); err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	if c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("BASE_URL must be an absolute http(s) URL")
	}

	switch c.DatabaseDriver {
	case DriverSQLite:
		if err := validateSQLitePath(c.DatabasePath); err != nil {
			return err
		}
	case DriverPostgres:
		if c.DatabaseURL.Value() == "" {
			return errors.New("DATABASE_URL is required when DATABASE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}

	if c.AnonTTL <= 0 {
		return errors.New("ANON_TTL must be positive")
	}
	if c.MaxContentSize <= 0 {
		return errors.New("MAX_CONTENT_SIZE must be positive")
	}
	if c.MaxContentSize > 10*1024*1024 {
		return errors.New("MAX_CONTENT_SIZE cannot exceed 10MB")
	}
	if c.MaxTitleLength <= 0 {
		return errors.New("MAX_TITLE_LENGTH must be positive")
	}
	if len(c.AllowedLanguages) == 0 {
		return errors.New("ALLOWED_LANGUAGES must not be empty")
	}
	if c.PasteCacheSize < 0 || c.PasteCacheSize > 100000 {
		return errors.New("PASTE_CACHE_SIZE must be between 0 and 100000")
	}
	if c.PasteCacheSize > 0 && c.PasteCacheTTL <= 0 {
		return errors.New("PASTE_CACHE_TTL must be positive when the cache is enabled")
	}
	// The paste cache only sees this process's writes.
	if c.PasteCacheSize > 0 && (c.DatabaseDriver != DriverSQLite || c.RedisURL != "") {
		return errors.New("PASTE_CACHE_SIZE requires a single instance: sqlite driver and no REDIS_URL")
	}
	if c.ViewWorkers <= 0 || c.ViewQueueSize <= 0 {
		return errors.New("VIEW_WORKERS and VIEW_QUEUE_SIZE must be positive")
	}
	if c.PurgeInterval < time.Second {
		return errors.New("PURGE_INTERVAL must be at least 1s")
	}
	if c.RateLimit.CreatePerMinute <= 0 || c.RateLimit.ReadPerMinute <= 0 || c.RateLimit.WritePerMinute <= 0 {
		return errors.New("RATE_LIMIT_*_RPM must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	// secrets pulled from a provider are checked after they are fetched
	if !c.SecretsFromProvider {
		if len(c.JWTSecret.Value()) < 32 {
			return errors.New("JWT_SECRET must be at least 32 bytes")
		}
		if len(c.Pepper.Value()) < 32 {
			return errors.New("PEPPER must be at least 32 bytes")
		}
	}

	if c.IPHashRotationInterval < 15*time.Minute {
		return errors.New("IP_HASH_ROTATION_INTERVAL must be at least 15 minutes")
	}
	if c.IPHashRotationInterval > 24*time.Hour {
		return errors.New("IP_HASH_ROTATION_INTERVAL should not exceed 24 hours")
	}
	if c.Argon2Time == 0 || c.Argon2Time > 100 {
		return errors.New("ARGON2_TIME must be between 1 and 100")
	}
	if c.Argon2Memory < 1024 {
		return errors.New("ARGON2_MEMORY must be >= 1024 KiB")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	return nil
}
func validateSQLitePath(path string) error {
	if path == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return nil
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.DatabaseURL.Wipe()
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.JWTSecret.Wipe()
	c.Pepper.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
