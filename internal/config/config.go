package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/dukerupert/rideline/internal/model"
)

const prefix = "RIDELINE_"

var ErrMissing = errors.New("required setting missing")

type Config struct {
	ChannelURL string
	APIURL     string

	Token    string
	UserID   string
	Role     string
	StoreIDs []string

	LogLevel  string
	LogFormat string

	MaxReconnectAttempts int
	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration

	SweepInterval time.Duration
	StatsRefresh  bool
	RetentionDays int

	EnableSound   bool
	EnableDesktop bool
	RequirePickup bool

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushEndpoint    string
	PushP256dh      string
	PushAuth        string
}

// Identity is the user the channel subscribes for.
func (c *Config) Identity() model.Identity {
	return model.Identity{UserID: c.UserID, Role: c.Role, StoreIDs: c.StoreIDs}
}

// PushConfigured reports whether VAPID keys and a subscription are all set.
func (c *Config) PushConfigured() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != "" &&
		c.PushEndpoint != "" && c.PushP256dh != "" && c.PushAuth != ""
}

// Load reads the configuration from the environment. Every invalid value is
// reported, not just the first.
func Load() (*Config, error) {
	var errs error
	l := loader{errs: &errs}

	cfg := &Config{
		ChannelURL: getEnv("CHANNEL_URL", "ws://localhost:8080/ws"),
		APIURL:     getEnv("API_URL", "http://localhost:8080/api"),

		Token:    l.required("TOKEN"),
		UserID:   l.required("USER_ID"),
		Role:     getEnv("ROLE", "rider"),
		StoreIDs: getListEnv("STORE_IDS"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		MaxReconnectAttempts: l.intEnv("MAX_RECONNECT_ATTEMPTS", 5),
		ReconnectMinDelay:    l.durationEnv("RECONNECT_MIN_DELAY", time.Second),
		ReconnectMaxDelay:    l.durationEnv("RECONNECT_MAX_DELAY", 30*time.Second),

		SweepInterval: l.durationEnv("SWEEP_INTERVAL", time.Minute),
		StatsRefresh:  l.boolEnv("STATS_REFRESH", true),
		RetentionDays: l.intEnv("RETENTION_DAYS", 7),

		EnableSound:   l.boolEnv("ENABLE_SOUND", true),
		EnableDesktop: l.boolEnv("ENABLE_DESKTOP", false),
		RequirePickup: l.boolEnv("REQUIRE_PICKUP", false),

		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
		PushEndpoint:    getEnv("PUSH_ENDPOINT", ""),
		PushP256dh:      getEnv("PUSH_P256DH", ""),
		PushAuth:        getEnv("PUSH_AUTH", ""),
	}

	if cfg.MaxReconnectAttempts < 1 {
		errs = multierr.Append(errs, fmt.Errorf("%sMAX_RECONNECT_ATTEMPTS must be at least 1", prefix))
	}
	if cfg.ReconnectMinDelay > cfg.ReconnectMaxDelay {
		errs = multierr.Append(errs, fmt.Errorf("%sRECONNECT_MIN_DELAY exceeds %sRECONNECT_MAX_DELAY", prefix, prefix))
	}
	if cfg.SweepInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%sSWEEP_INTERVAL must be positive", prefix))
	}
	if cfg.RetentionDays < 1 {
		errs = multierr.Append(errs, fmt.Errorf("%sRETENTION_DAYS must be at least 1", prefix))
	}

	if errs != nil {
		return nil, errs
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(prefix + key)); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loader parses typed values, collecting failures instead of falling back
// silently.
type loader struct {
	errs *error
}

func (l loader) fail(key string, err error) {
	*l.errs = multierr.Append(*l.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
}

func (l loader) required(key string) string {
	v := getEnv(key, "")
	if v == "" {
		l.fail(key, ErrMissing)
	}
	return v
}

func (l loader) intEnv(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		l.fail(key, err)
		return defaultValue
	}
	return parsed
}

func (l loader) boolEnv(key string, defaultValue bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		l.fail(key, err)
		return defaultValue
	}
	return parsed
}

func (l loader) durationEnv(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		l.fail(key, err)
		return defaultValue
	}
	return parsed
}
