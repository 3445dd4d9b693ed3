package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Address    string
	Port       string
	DBAdapter  string
	SQLiteFile string
	Migrations string
	LogLevel   string
	LogFormat  string
	Production bool

	// Token signing: access and refresh tokens use independent secrets.
	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	BcryptCost         int

	// Optional admin account created at startup when missing.
	AdminEmail    string
	AdminPassword string

	CORSOrigins []string
	// Requests per minute per client IP on register/login.
	AuthRateLimit int

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
}

const (
	defaultAccessSecret  = "change-me-access"
	defaultRefreshSecret = "change-me-refresh"
)

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := parseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

// parseDuration accepts time.ParseDuration syntax plus whole days ("7d").
func parseDuration(v string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(v)
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// ListenAddr is the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return c.Address + ":" + c.Port
}

// New reads the configuration from the environment. A .env file in the
// working directory is loaded first; it never overrides variables already set.
func New() (*Config, error) {
	_ = godotenv.Load()

	env := strings.ToLower(getenv("APP_ENV", getenv("ENV", "")))
	c := &Config{
		Address:            getenv("APP_ADDRESS", ""),
		Port:               getenv("APP_PORT", getenv("PORT", "8080")),
		DBAdapter:          getenv("DB_ADAPTER", "postgres"),
		SQLiteFile:         getenv("SQLITE_FILE", "./data/segmentauth.db"),
		Migrations:         getenv("MIGRATIONS_DIR", "./migrations"),
		LogLevel:           getenv("LOG_LEVEL", "info"),
		LogFormat:          getenv("LOG_FORMAT", "text"),
		Production:         env == "production" || env == "prod",
		AccessTokenSecret:  getenv("ACCESS_TOKEN_SECRET", defaultAccessSecret),
		RefreshTokenSecret: getenv("REFRESH_TOKEN_SECRET", defaultRefreshSecret),
		AdminEmail:         getenv("ADMIN_EMAIL", ""),
		AdminPassword:      getenv("ADMIN_PASSWORD", ""),
		CORSOrigins:        splitList(getenv("CORS_ORIGIN", "")),
		// PostgreSQL settings
		PostgresDSN:      getenv("POSTGRES_DSN", getenv("DATABASE_URL", "")),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "segments")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "segments")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "segmentauth")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
	}

	var err error
	if c.AccessTokenTTL, err = getDuration("EXPIRES_IN_ACCESS_TOKEN", 15*time.Minute); err != nil {
		return nil, err
	}
	if c.RefreshTokenTTL, err = getDuration("EXPIRES_IN_REFRESH_TOKEN", 24*time.Hour); err != nil {
		return nil, err
	}
	if c.BcryptCost, err = getInt("BCRYPT_COST", 10); err != nil {
		return nil, err
	}
	if c.AuthRateLimit, err = getInt("AUTH_RATE_LIMIT", 30); err != nil {
		return nil, err
	}

	if c.DBAdapter == "postgres" {
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	}

	if c.DBAdapter == "sqlite" && c.SQLiteFile == "" {
		return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
	}

	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return nil, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}
	if c.Production {
		if c.AccessTokenSecret == defaultAccessSecret || c.RefreshTokenSecret == defaultRefreshSecret {
			return nil, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must be set in production")
		}
		// CORS reflects the caller's origin with credentials allowed, so
		// production needs an explicit allow list.
		if len(c.CORSOrigins) == 0 || slices.Contains(c.CORSOrigins, "*") {
			return nil, errors.New("CORS_ORIGIN must list explicit origins in production")
		}
	}

	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		return nil, errors.New("ADMIN_EMAIL and ADMIN_PASSWORD must be set together")
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
