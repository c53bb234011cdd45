package util

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

//nolint:gochecknoglobals // here its ok
var once sync.Once

func loadDotEnv() {
	once.Do(func() {
		if err := godotenv.Load(".env"); err != nil {
			log.Printf("Warning: could not load .env file: %v", err)
		}
	})
}

const (
	defaultServerAddr      = "localhost:8080"
	defaultWriteTimeout    = 10 * time.Second
	defaultReadTimeout     = 10 * time.Second
	defaultIdleTimeout     = 30 * time.Second
	defaultGracefulTimeout = 5 * time.Second

	defaultIssuer            = "sessionauth"
	defaultAccessTTLMinutes  = 15
	defaultRefreshTTLMinutes = 7 * 24 * 60

	defaultRateLimit     = 100
	defaultRateInterval  = 1 * time.Minute
	defaultRateBlockTime = 5 * time.Minute

	defaultCookieName = "refresh_token"

	RefreshTokenRandomBytes = 32
	BcryptCost              = 10
)

var (
	ErrJWTSecretMissing    = errors.New("JWT_SECRET is not set")
	ErrCookieSecretMissing = errors.New("COOKIE_SECRET is required for cookie transport")
	ErrDatabaseURLMissing  = errors.New("DATABASE_URL is not set")
)

type FingerprintBinding string

const (
	BindingStrict  FingerprintBinding = "strict"
	BindingRelaxed FingerprintBinding = "relaxed"
)

type RefreshTransport string

const (
	TransportHeader RefreshTransport = "header"
	TransportCookie RefreshTransport = "cookie"
)

type StorageDriver string

const (
	DriverPostgres StorageDriver = "postgres"
	DriverMemory   StorageDriver = "memory"
)

// Config is assembled once at startup and passed by value or pointer into
// constructors. Nothing reads the environment after LoadConfig returns.
type Config struct {
	Server      ServerConfig
	Token       TokenConfig
	Session     SessionConfig
	Cookie      CookieConfig
	RateLimiter RateLimiterConfig
	DB          DBConfig
	Redis       RedisConfig
	WebhookURL  string
}

func LoadConfig() (*Config, error) {
	loadDotEnv()

	token, err := NewTokenConfig()
	if err != nil {
		return nil, err
	}
	cookie, err := NewCookieConfig()
	if err != nil {
		return nil, err
	}
	db, err := NewDBConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:      *NewServerConfig(),
		Token:       *token,
		Session:     *NewSessionConfig(),
		Cookie:      *cookie,
		RateLimiter: *NewRateLimiterConfig(),
		DB:          *db,
		Redis:       *NewRedisConfig(),
		WebhookURL:  GetWebhookURL(),
	}, nil
}

type ServerConfig struct {
	ServerAddr      string
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	GracefulTimeout time.Duration
}

func NewServerConfig() *ServerConfig {
	addr := os.Getenv("SERVER_ADDRESS")
	if addr == "" {
		addr = defaultServerAddr
	}

	return &ServerConfig{
		ServerAddr:      addr,
		WriteTimeout:    parseDurationOrDefault("WRITE_TIMEOUT", defaultWriteTimeout),
		ReadTimeout:     parseDurationOrDefault("READ_TIMEOUT", defaultReadTimeout),
		IdleTimeout:     parseDurationOrDefault("IDLE_TIMEOUT", defaultIdleTimeout),
		GracefulTimeout: parseDurationOrDefault("GRACEFUL_TIMEOUT", defaultGracefulTimeout),
	}
}

// TokenConfig TTLs are configured in minutes (JWT_EXPIRES_IN, REFRESH_EXPIRES_IN).
type TokenConfig struct {
	JwtSecretKey []byte
	Issuer       string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

func NewTokenConfig() (*TokenConfig, error) {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, ErrJWTSecretMissing
	}

	issuer := os.Getenv("JWT_ISSUER")
	if issuer == "" {
		issuer = defaultIssuer
	}

	return &TokenConfig{
		JwtSecretKey: []byte(secret),
		Issuer:       issuer,
		AccessTTL:    parseMinutesOrDefault("JWT_EXPIRES_IN", defaultAccessTTLMinutes),
		RefreshTTL:   parseMinutesOrDefault("REFRESH_EXPIRES_IN", defaultRefreshTTLMinutes),
	}, nil
}

// SessionConfig holds the fingerprint binding policy applied on refresh.
// strict rejects a refresh whose IP or user agent differs from the one
// recorded at issuance; relaxed only logs and notifies.
type SessionConfig struct {
	Binding FingerprintBinding
}

func (c SessionConfig) Strict() bool {
	return c.Binding != BindingRelaxed
}

func NewSessionConfig() *SessionConfig {
	binding := FingerprintBinding(strings.ToLower(os.Getenv("FINGERPRINT_BINDING")))
	switch binding {
	case BindingStrict, BindingRelaxed:
	case "":
		binding = BindingStrict
	default:
		log.Printf("Invalid FINGERPRINT_BINDING: %s, using %s", binding, BindingStrict)
		binding = BindingStrict
	}
	return &SessionConfig{Binding: binding}
}

type CookieConfig struct {
	Transport RefreshTransport
	Name      string
	Secret    []byte
	Secure    bool
}

func NewCookieConfig() (*CookieConfig, error) {
	transport := RefreshTransport(strings.ToLower(os.Getenv("REFRESH_TOKEN_TRANSPORT")))
	switch transport {
	case TransportHeader, TransportCookie:
	case "":
		transport = TransportHeader
	default:
		return nil, fmt.Errorf("invalid REFRESH_TOKEN_TRANSPORT %q", transport)
	}

	name := os.Getenv("COOKIE_NAME")
	if name == "" {
		name = defaultCookieName
	}

	secret := os.Getenv("COOKIE_SECRET")
	if transport == TransportCookie && secret == "" {
		return nil, ErrCookieSecretMissing
	}

	return &CookieConfig{
		Transport: transport,
		Name:      name,
		Secret:    []byte(secret),
		Secure:    parseBoolOrDefault("COOKIE_SECURE", true),
	}, nil
}

type RateLimiterConfig struct {
	Limit     int
	Interval  time.Duration
	BlockTime time.Duration
}

func NewRateLimiterConfig() *RateLimiterConfig {
	limitStr := os.Getenv("RATE_LIMIT_LIMIT")
	limit := defaultRateLimit
	if limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		} else {
			log.Printf("Invalid RATE_LIMIT_LIMIT: %s, using default %d", limitStr, defaultRateLimit)
		}
	}

	interval := parseDurationOrDefault("RATE_LIMIT_INTERVAL", defaultRateInterval)
	blockTime := parseDurationOrDefault("RATE_LIMIT_BLOCK_TIME", defaultRateBlockTime)

	return &RateLimiterConfig{
		Limit:     limit,
		Interval:  interval,
		BlockTime: blockTime,
	}
}

func GetWebhookURL() string {
	return os.Getenv("WEBHOOK_URL")
}

func parseDurationOrDefault(varName string, def time.Duration) time.Duration {
	if v := os.Getenv(varName); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("Invalid duration in %s: %s, using default %s", varName, v, def)
	}
	return def
}

func parseMinutesOrDefault(varName string, def int) time.Duration {
	if v := os.Getenv(varName); v != "" {
		if m, err := strconv.Atoi(v); err == nil && m > 0 {
			return time.Duration(m) * time.Minute
		}
		log.Printf("Invalid minutes in %s: %s, using default %d", varName, v, def)
	}
	return time.Duration(def) * time.Minute
}

func parseBoolOrDefault(varName string, def bool) bool {
	if v := os.Getenv(varName); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Printf("Invalid bool in %s: %s, using default %t", varName, v, def)
	}
	return def
}
