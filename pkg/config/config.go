// pkg/config/config.go
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every knob the gateway needs. It is built once in main and
// passed explicitly to constructors; nothing reads the environment after Load.
type Config struct {
	Env      string
	HTTPAddr string

	// BasePublicURL is stamped into the i-am response header so a client
	// behind a load balancer can pin follow-up calls to this instance.
	BasePublicURL string

	// BrokerBaseURL is the external OAuth broker; connect redirects land on
	// {BrokerBaseURL}/connect/{authKind}.
	BrokerBaseURL string

	// AuthHeader names the request header carrying the encrypted bundle.
	AuthHeader string

	// TokenSecret keys the credential-bundle AEAD; StateSecret signs OAuth
	// state tokens. They are independent so either can rotate alone.
	TokenSecret string
	StateSecret string
	StateTTL    time.Duration

	// Upstream call budget per provider request.
	UpstreamTimeout time.Duration

	MaxTransfers int64

	// Optional backends. Empty values fall back to in-memory implementations.
	RedisURL    string
	DatabaseURL string

	// ProvidersFile optionally points at a YAML file declaring extra
	// JMESPath-mapped providers.
	ProvidersFile string

	// OAuth client registrations for the built-in adapters.
	DriveClientID        string
	DriveClientSecret    string
	OneDriveClientID     string
	OneDriveClientSecret string
}

func Load() Config {
	_ = godotenv.Load()
	return Config{
		Env:                  env("RELAYGATE_ENV", "dev"),
		HTTPAddr:             env("RELAYGATE_HTTP_ADDR", ":3020"),
		BasePublicURL:        env("BASE_PUBLIC_URL", "http://localhost:3020"),
		BrokerBaseURL:        env("BROKER_BASE_URL", "http://localhost:3020"),
		AuthHeader:           env("AUTH_HEADER", "relay-auth-token"),
		TokenSecret:          env("TOKEN_SECRET", ""),
		StateSecret:          env("STATE_SECRET", ""),
		StateTTL:             envDur("STATE_TTL_SEC", 600) * time.Second,
		UpstreamTimeout:      envDur("UPSTREAM_TIMEOUT_SEC", 30) * time.Second,
		MaxTransfers:         int64(envInt("MAX_TRANSFERS", 20)),
		RedisURL:             env("REDIS_URL", ""),
		DatabaseURL:          env("DATABASE_URL", ""),
		ProvidersFile:        env("PROVIDERS_FILE", ""),
		DriveClientID:        env("DRIVE_CLIENT_ID", ""),
		DriveClientSecret:    env("DRIVE_CLIENT_SECRET", ""),
		OneDriveClientID:     env("ONEDRIVE_CLIENT_ID", ""),
		OneDriveClientSecret: env("ONEDRIVE_CLIENT_SECRET", ""),
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDur(k string, def int) time.Duration {
	return time.Duration(envInt(k, def))
}
