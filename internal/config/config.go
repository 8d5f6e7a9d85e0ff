// Package config loads the process environment into a typed Config,
// following the struct-with-defaults shape of dex's cmd/dex/config.go.
package config

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"
)

// Config is the fully resolved process configuration.
type Config struct {
	AppName      string // used to build the "{app}-sso" cookie name
	PublicDomain string
	Secure       bool

	CookieExpiration  time.Duration
	TokenExpiration   time.Duration
	RefreshExpiration time.Duration

	JWTSecret    string
	JWTAlgorithm string

	RedisHost     string
	RedisPassword string

	LogLevel  string
	LogFormat string

	Environment string

	SupportKubernetesCRD bool
	ScopedKubernetesCRD  string

	AllowMissingProviders bool
}

// Load reads the process environment, applying documented defaults.
func Load() (*Config, error) {
	c := &Config{
		AppName:      getenv("APP_NAME", "uitsmijter"),
		PublicDomain: os.Getenv("PUBLIC_DOMAIN"),
		Secure:       getboolEnv("SECURE", true),

		JWTAlgorithm: getenv("JWT_ALGORITHM", "HS256"),

		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),

		Environment: getenv("ENVIRONMENT", "production"),

		SupportKubernetesCRD: getboolEnv("SUPPORT_KUBERNETES_CRD", false),
		ScopedKubernetesCRD:  os.Getenv("SCOPED_KUBERNETES_CRD"),

		AllowMissingProviders: getboolEnv("ALLOW_MISSING_PROVIDERS", false),
	}

	cookieDays, err := getintEnv("COOKIE_EXPIRATION_IN_DAYS", 7)
	if err != nil {
		return nil, err
	}
	c.CookieExpiration = time.Duration(cookieDays) * 24 * time.Hour

	tokenHours, err := getintEnv("TOKEN_EXPIRATION_IN_HOURS", 2)
	if err != nil {
		return nil, err
	}
	c.TokenExpiration = time.Duration(tokenHours) * time.Hour

	refreshHours, err := getintEnv("TOKEN_REFRESH_EXPIRATION_IN_HOURS", 720)
	if err != nil {
		return nil, err
	}
	c.RefreshExpiration = time.Duration(refreshHours) * time.Hour

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		generated, err := randomSecret(64)
		if err != nil {
			return nil, fmt.Errorf("config: generate JWT_SECRET: %w", err)
		}
		secret = generated
	}
	c.JWTSecret = secret

	return c, nil
}

// CookieName returns the "{app}-sso" cookie name used for the session
// cookie set by the login flow and read by the interceptor.
func (c *Config) CookieName() string {
	return c.AppName + "-sso"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getboolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getintEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return n, nil
}

const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomSecret(length int) (string, error) {
	b := make([]byte, length)
	max := big.NewInt(int64(len(secretAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = secretAlphabet[n.Int64()]
	}
	return string(b), nil
}
