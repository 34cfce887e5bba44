package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/bibliostore/srs/internal/config"
)

const (
	defaultMaxOpenConns     = 25
	defaultMaxIdleConns     = 5
	defaultConnMaxLifetime  = 30 * time.Minute
	defaultConnMaxIdleTime  = 10 * time.Minute
	defaultConnectTimeout   = 10 * time.Second
	defaultStreamFetchSize  = 500
	defaultBatchConcurrency = 4
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrInvalidPoolSize is returned when the pool limits cannot hold a single connection.
	ErrInvalidPoolSize = errors.New("database pool must allow at least one open connection")
)

// Config holds PostgreSQL connection and store tuning configuration.
type Config struct {
	databaseURL      string
	MaxOpenConns     int           // Maximum number of open connections
	MaxIdleConns     int           // Maximum number of idle connections
	ConnMaxLifetime  time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime  time.Duration // Maximum idle time for connections
	ConnectTimeout   time.Duration // Timeout for the initial ping
	StreamFetchSize  int           // Rows fetched per cursor round trip when streaming
	BatchConcurrency int           // Records saved concurrently by SaveMany
}

// LoadConfig loads PostgreSQL configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:      config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:     config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:     config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime:  config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime:  config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		ConnectTimeout:   config.GetEnvDuration("DATABASE_CONNECT_TIMEOUT", defaultConnectTimeout),
		StreamFetchSize:  config.GetEnvInt("SRS_STREAM_FETCH_SIZE", defaultStreamFetchSize),
		BatchConcurrency: config.GetEnvInt("SRS_BATCH_CONCURRENCY", defaultBatchConcurrency),
	}
}

// NewConfig builds a configuration for databaseURL with default pool settings.
func NewConfig(databaseURL string) *Config {
	return &Config{
		databaseURL:      databaseURL,
		MaxOpenConns:     defaultMaxOpenConns,
		MaxIdleConns:     defaultMaxIdleConns,
		ConnMaxLifetime:  defaultConnMaxLifetime,
		ConnMaxIdleTime:  defaultConnMaxIdleTime,
		ConnectTimeout:   defaultConnectTimeout,
		StreamFetchSize:  defaultStreamFetchSize,
		BatchConcurrency: defaultBatchConcurrency,
	}
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MaxOpenConns < 1 {
		return ErrInvalidPoolSize
	}

	return nil
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	afterScheme := c.databaseURL[schemeEnd+3:]

	// The last @ separates userinfo from host; passwords may contain @.
	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		return c.databaseURL
	}

	username, password, found := strings.Cut(afterScheme[:lastAtIndex], ":")
	if !found || password == "" {
		return c.databaseURL
	}

	return c.databaseURL[:schemeEnd] + "://" + username + ":***" + afterScheme[lastAtIndex:]
}
