// Package config loads the Core's runtime configuration from the
// environment (optionally via a .env file), with an optional OS
// keyring fallback for the two sensitive values this system holds
// outside of configs/auth: the API key callers present and the admin
// token protecting /internal/status. Grounded in the teacher's cmd/nebo/root.go (which
// loads .env with joho/godotenv before Cobra ever parses flags) and
// internal/keyring/keyring.go (zalando/go-keyring probe-and-get
// pattern), adapted from a single "master encryption key" lookup to a
// named-key resolver since this system has no encrypted-at-rest store.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	zkr "github.com/zalando/go-keyring"
)

// Config is the fully-resolved set of runtime tunables described in
// SPEC_FULL.md §4.G. Every field is sourced from an env var with a
// default, matching the teacher's own env-var-plus-defaults idiom; most
// names carry the FLEETBRIDGE_ prefix, while the recovery/idle/keep-alive
// timings, BROWSER_PREFS and the RATE_LIMIT_* values do not.
type Config struct {
	ListenAddr string
	WSPort     int
	DataDir    string

	AuthDir      string
	ModelsPath   string
	CrashLogPath string

	StreamMode string // "real" or "fake"

	SwitchOnUses               int
	FailureThreshold           int
	ImmediateSwitchStatusCodes map[int]bool
	MaxRetries                 int
	RetryDelay                 time.Duration

	RecoveryBusyWait   time.Duration
	RecoverySocketWait time.Duration
	IdleChunkTimeout   time.Duration
	KeepAliveMin       time.Duration
	KeepAliveMax       time.Duration

	ForceThinking   bool
	ForceWebSearch  bool
	ForceURLContext bool

	BrowserProxyURL  string
	EnableAuthUpdate bool

	AdminToken string
	APIKey     string

	RateLimitRPS   float64
	RateLimitBurst int

	HeadlessBrowser bool
	BrowserPrefs    []string
}

const keyringService = "fleetbridge"

// Load reads .env (if present, via FLEETBRIDGE_USE_KEYRING's sibling
// convention of "real environment wins") then the process environment.
// FLEETBRIDGE_API_KEY is the one required value; everything else
// carries a default. Misconfiguration is fatal, matching the
// teacher's fail-fast posture in gateway/main.go.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("config: loading .env: %w", err)
		}
	}

	dataDir := envOr("FLEETBRIDGE_DATA_DIR", defaultDataDir())

	cfg := &Config{
		ListenAddr:                 envOr("FLEETBRIDGE_LISTEN_ADDR", ":8080"),
		WSPort:                     envInt("FLEETBRIDGE_WS_PORT", 9998),
		DataDir:                    dataDir,
		AuthDir:                    envOr("FLEETBRIDGE_AUTH_DIR", filepath.Join(dataDir, "configs", "auth")),
		ModelsPath:                 envOr("FLEETBRIDGE_MODELS_PATH", filepath.Join(dataDir, "configs", "models.json")),
		CrashLogPath:               envOr("FLEETBRIDGE_CRASHLOG_PATH", filepath.Join(dataDir, "data", "crashlog.sqlite")),
		StreamMode:                 envOr("FLEETBRIDGE_STREAM_MODE", "real"),
		SwitchOnUses:               envInt("FLEETBRIDGE_SWITCH_ON_USES", 50),
		FailureThreshold:           envInt("FLEETBRIDGE_FAILURE_THRESHOLD", 3),
		ImmediateSwitchStatusCodes: envStatusSet("FLEETBRIDGE_IMMEDIATE_SWITCH_CODES", "401,403,429"),
		MaxRetries:                 envInt("FLEETBRIDGE_MAX_RETRIES", 3),
		RetryDelay:                 envDurationMs("FLEETBRIDGE_RETRY_DELAY_MS", 2*time.Second),
		RecoveryBusyWait:           envDuration("RECOVERY_BUSY_WAIT", 120*time.Second),
		RecoverySocketWait:         envDuration("RECOVERY_SOCKET_WAIT", 10*time.Second),
		IdleChunkTimeout:           envDuration("IDLE_CHUNK_TIMEOUT", 60*time.Second),
		KeepAliveMin:               envDuration("KEEPALIVE_MIN", 12*time.Second),
		KeepAliveMax:               envDuration("KEEPALIVE_MAX", 18*time.Second),
		ForceThinking:              envBool("FLEETBRIDGE_FORCE_THINKING", true),
		ForceWebSearch:             envBool("FLEETBRIDGE_FORCE_WEB_SEARCH", false),
		ForceURLContext:            envBool("FLEETBRIDGE_FORCE_URL_CONTEXT", false),
		BrowserProxyURL:            os.Getenv("FLEETBRIDGE_BROWSER_PROXY_URL"),
		EnableAuthUpdate:           envBool("FLEETBRIDGE_ENABLE_AUTH_UPDATE", true),
		HeadlessBrowser:            envBool("FLEETBRIDGE_HEADLESS", true),
		BrowserPrefs:               envList("BROWSER_PREFS", nil),
		RateLimitRPS:               envFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:             envInt("RATE_LIMIT_BURST", 10),
	}

	useKeyring := envBool("FLEETBRIDGE_USE_KEYRING", false) && KeyringAvailable()

	cfg.AdminToken = os.Getenv("FLEETBRIDGE_ADMIN_TOKEN")
	if cfg.AdminToken == "" && useKeyring {
		if tok, err := zkr.Get(keyringService, "admin-token"); err == nil {
			cfg.AdminToken = tok
		}
	}

	cfg.APIKey = os.Getenv("FLEETBRIDGE_API_KEY")
	if cfg.APIKey == "" && useKeyring {
		if tok, err := zkr.Get(keyringService, "api-key"); err == nil {
			cfg.APIKey = tok
		}
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("config: FLEETBRIDGE_API_KEY is required")
	}

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fleetbridge"
	}
	return filepath.Join(home, ".fleetbridge")
}

// SetAdminToken persists tok to the OS keyring under this service's
// account, for deployments that prefer not to put it in the
// environment.
func SetAdminToken(tok string) error {
	return zkr.Set(keyringService, "admin-token", tok)
}

// KeyringAvailable probes the OS keychain with a throwaway write/read
// cycle, honoring FLEETBRIDGE_KEYRING_DISABLED=1 for headless/CI/Docker
// hosts with no keychain backend at all.
func KeyringAvailable() bool {
	if os.Getenv("FLEETBRIDGE_KEYRING_DISABLED") == "1" {
		return false
	}
	if err := zkr.Set(keyringService+"-probe", "probe", "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(keyringService+"-probe", "probe")
	return true
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envDurationMs(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStatusSet(key, def string) map[int]bool {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	set := make(map[int]bool)
	for _, part := range strings.Split(v, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		if n, err := strconv.Atoi(p); err == nil {
			set[n] = true
		}
	}
	return set
}
