package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// DevJWTSecret is the development signing secret. It is refused in production.
const DevJWTSecret = "dev-secret-change-me-0123456789abcdef"

const minJWTSecretLength = 32

// Config contains service configuration parameters.
type Config struct {
	Env           string `env:"ENV"`
	Port          string `env:"PORT" envDefault:"8080"`
	DBAdapter     string `env:"DB_ADAPTER" envDefault:"postgres"`
	SQLiteFile    string `env:"SQLITE_FILE" envDefault:"./data/authsession.db"`
	RefreshStore  string `env:"REFRESH_STORE" envDefault:"db"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"./migrations"`
	AutoMigrate   bool   `env:"AUTO_MIGRATE" envDefault:"true"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT" envDefault:"text"`

	Postgres Postgres `envPrefix:"POSTGRES_"`
	Redis    Redis    `envPrefix:"REDIS_"`
	JWT      JWT      `envPrefix:"JWT_"`
	Password Password `envPrefix:"PASSWORD_"`
	Session  Session  `envPrefix:"SESSION_"`
	HTTP     HTTP     `envPrefix:"HTTP_"`
}

// Postgres contains database connection parameters. DSN wins over the
// individual components when set.
type Postgres struct {
	DSN             string        `env:"DSN"`
	Host            string        `env:"HOST" envDefault:"localhost"`
	Port            string        `env:"PORT" envDefault:"5432"`
	User            string        `env:"USER" envDefault:"authsession"`
	Password        string        `env:"PASSWORD"`
	DB              string        `env:"DB" envDefault:"authsession"`
	SSLMode         string        `env:"SSLMODE" envDefault:"disable"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
}

// Redis contains the refresh-token store connection parameters.
type Redis struct {
	Addr      string `env:"ADDR" envDefault:"localhost:6379"`
	Password  string `env:"PASSWORD"`
	DB        int    `env:"DB" envDefault:"0"`
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"authsession"`
}

// JWT contains token parameters. AccessTokenExpiration is in milliseconds.
type JWT struct {
	Secret                string        `env:"SECRET" envDefault:"dev-secret-change-me-0123456789abcdef"`
	Issuer                string        `env:"ISSUER"`
	AccessTokenExpiration int64         `env:"ACCESS_TOKEN_EXPIRATION" envDefault:"900000"`
	RefreshTokenTTL       time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
}

// Password contains hashing parameters. Argon2Memory is in KiB.
type Password struct {
	Algorithm         string `env:"ALGORITHM" envDefault:"bcrypt"`
	BcryptCost        int    `env:"BCRYPT_COST" envDefault:"10"`
	Argon2Memory      uint32 `env:"ARGON2_MEMORY" envDefault:"19456"`
	Argon2Time        uint32 `env:"ARGON2_TIME" envDefault:"2"`
	Argon2Parallelism uint8  `env:"ARGON2_PARALLELISM" envDefault:"1"`
}

// Session switches the optional session hardening policies. All default off.
type Session struct {
	LiveAuthorities        bool `env:"LIVE_AUTHORITIES" envDefault:"false"`
	RotateRefreshTokens    bool `env:"ROTATE_REFRESH_TOKENS" envDefault:"false"`
	RevokeOnPasswordChange bool `env:"REVOKE_ON_PASSWORD_CHANGE" envDefault:"false"`
	ConcealUnknownAccounts bool `env:"CONCEAL_UNKNOWN_ACCOUNTS" envDefault:"false"`
}

// HTTP contains server parameters. RateLimit is requests per second per
// client on the unauthenticated auth routes; zero disables limiting.
type HTTP struct {
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envSeparator:","`
	RateLimit       float64       `env:"RATE_LIMIT" envDefault:"5"`
	RateBurst       int           `env:"RATE_BURST" envDefault:"10"`
}

// New loads configuration from environment variables and validates it.
func New() (*Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.DBAdapter == "postgres" {
		dsn, err := cfg.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		cfg.Postgres.DSN = dsn
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BuildPostgresDSN returns the configured DSN or builds one from components.
func (c *Config) BuildPostgresDSN() (string, error) {
	p := c.Postgres
	if p.DSN != "" {
		return p.DSN, nil
	}
	if p.Host == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if p.User == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if p.DB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := p.Port
	if port == "" {
		port = "5432"
	}
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		p.Host, port, p.User, p.DB, sslMode)
	if p.Password != "" {
		dsn += " password=" + p.Password
	}
	return dsn, nil
}

// IsProduction reports whether ENV names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// AccessTTL returns the access-token lifetime.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.JWT.AccessTokenExpiration) * time.Millisecond
}

// Validate checks values that env parsing alone cannot.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}

	switch c.DBAdapter {
	case "postgres", "memory":
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	default:
		return fmt.Errorf("unknown DB_ADAPTER %q (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	switch c.RefreshStore {
	case "db":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("REDIS_ADDR must be set when REFRESH_STORE=redis")
		}
	default:
		return fmt.Errorf("unknown REFRESH_STORE %q (supported: db, redis)", c.RefreshStore)
	}

	if len(c.JWT.Secret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLength)
	}
	if c.IsProduction() && c.JWT.Secret == DevJWTSecret {
		return errors.New("JWT_SECRET must be set in production")
	}
	if c.JWT.AccessTokenExpiration <= 0 {
		return errors.New("JWT_ACCESS_TOKEN_EXPIRATION must be positive")
	}
	if c.JWT.RefreshTokenTTL <= 0 {
		return errors.New("JWT_REFRESH_TOKEN_TTL must be positive")
	}

	switch strings.ToLower(c.Password.Algorithm) {
	case "bcrypt", "argon2id":
	default:
		return fmt.Errorf("unknown PASSWORD_ALGORITHM %q (supported: bcrypt, argon2id)", c.Password.Algorithm)
	}

	if c.HTTP.RateLimit < 0 {
		return errors.New("HTTP_RATE_LIMIT must not be negative")
	}
	return nil
}
