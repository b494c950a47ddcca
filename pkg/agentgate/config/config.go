// Package config loads the gateway settings from the environment, with an
// optional YAML file supplying defaults. Environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Registration modes accepted by REGISTRATION_MODE.
const (
	RegistrationClosed = "closed"
	RegistrationInvite = "invite"
	RegistrationOpen   = "open"
)

// Settings holds the full gateway configuration.
type Settings struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "text"

	DiscordBotToken   string `yaml:"discord_bot_token"`
	DiscordChannelID  string `yaml:"discord_channel_id"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`

	DBPath string `yaml:"db_path"`

	GatewayHost    string `yaml:"gateway_host"`
	GatewayPort    int    `yaml:"gateway_port"`
	GatewayBaseURL string `yaml:"gateway_base_url"`

	AdminAPIToken    string `yaml:"admin_api_token"`
	RegistrationMode string `yaml:"registration_mode"`

	RegisterRateLimitCount         int `yaml:"register_rate_limit_count"`
	RegisterRateLimitWindowSeconds int `yaml:"register_rate_limit_window_seconds"`

	DiscordMaxMessageLen int `yaml:"discord_max_message_len"`

	BackfillEnabled             bool `yaml:"backfill_enabled"`
	BackfillSeedLimit           int  `yaml:"backfill_seed_limit"`
	BackfillArchivedThreadLimit int  `yaml:"backfill_archived_thread_limit"`

	ProfileName         string `yaml:"profile_name"`
	ProfileMission      string `yaml:"profile_mission"`
	ProfileSyncSchedule string `yaml:"profile_sync_schedule"`

	HealthzVerbose bool `yaml:"healthz_verbose"`
}

// DefaultSettings returns the built-in defaults, before any file or
// environment override.
func DefaultSettings() Settings {
	return Settings{
		LogLevel:                       "info",
		LogFormat:                      "json",
		DBPath:                         "data/agentgate.db",
		GatewayHost:                    "127.0.0.1",
		GatewayPort:                    8000,
		RegistrationMode:               RegistrationOpen,
		RegisterRateLimitCount:         5,
		RegisterRateLimitWindowSeconds: 60,
		DiscordMaxMessageLen:           1900,
		BackfillEnabled:                true,
		BackfillSeedLimit:              200,
		BackfillArchivedThreadLimit:    25,
		ProfileSyncSchedule:            "@every 15m",
	}
}

// Load builds Settings from defaults, an optional YAML file, and the
// environment, then validates the result. A .env file in the working
// directory is loaded first; godotenv never overwrites variables already
// present in the environment.
func Load(configPath string) (Settings, error) {
	_ = godotenv.Load()

	s := DefaultSettings()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return s, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parsing config file %q: %w", configPath, err)
		}
	}

	if err := s.applyEnv(os.Getenv); err != nil {
		return s, err
	}

	s.normalize()

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// FromEnv builds Settings from defaults plus the given lookup function.
// Exposed for tests; Load wires it to os.Getenv.
func FromEnv(getenv func(string) string) (Settings, error) {
	s := DefaultSettings()
	if err := s.applyEnv(getenv); err != nil {
		return s, err
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Settings) applyEnv(getenv func(string) string) error {
	var errs []string

	setStr := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		raw := strings.TrimSpace(getenv(key))
		if raw == "" {
			return
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be an integer", key))
			return
		}
		*dst = n
	}
	setBool := func(dst *bool, key string) {
		raw := strings.ToLower(strings.TrimSpace(getenv(key)))
		if raw == "" {
			return
		}
		switch raw {
		case "0", "false", "no", "off":
			*dst = false
		default:
			*dst = true
		}
	}

	setStr(&s.LogLevel, "LOG_LEVEL")
	setStr(&s.LogFormat, "LOG_FORMAT")
	setStr(&s.DiscordBotToken, "DISCORD_BOT_TOKEN")
	setStr(&s.DiscordChannelID, "DISCORD_CHANNEL_ID")
	setStr(&s.DiscordWebhookURL, "DISCORD_WEBHOOK_URL")
	setStr(&s.DBPath, "DB_PATH")
	setStr(&s.GatewayHost, "GATEWAY_HOST")
	setInt(&s.GatewayPort, "GATEWAY_PORT")
	setStr(&s.GatewayBaseURL, "GATEWAY_BASE_URL")
	setStr(&s.AdminAPIToken, "ADMIN_API_TOKEN")
	setStr(&s.RegistrationMode, "REGISTRATION_MODE")
	setInt(&s.RegisterRateLimitCount, "REGISTER_RATE_LIMIT_COUNT")
	setInt(&s.RegisterRateLimitWindowSeconds, "REGISTER_RATE_LIMIT_WINDOW_SECONDS")
	setInt(&s.DiscordMaxMessageLen, "DISCORD_MAX_MESSAGE_LEN")
	setBool(&s.BackfillEnabled, "BACKFILL_ENABLED")
	setInt(&s.BackfillSeedLimit, "BACKFILL_SEED_LIMIT")
	setInt(&s.BackfillArchivedThreadLimit, "BACKFILL_ARCHIVED_THREAD_LIMIT")
	setStr(&s.ProfileName, "PROFILE_NAME")
	setStr(&s.ProfileMission, "PROFILE_MISSION")
	setStr(&s.ProfileSyncSchedule, "PROFILE_SYNC_SCHEDULE")
	setBool(&s.HealthzVerbose, "HEALTHZ_VERBOSE")

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s *Settings) normalize() {
	s.LogLevel = strings.ToLower(strings.TrimSpace(s.LogLevel))
	s.RegistrationMode = strings.ToLower(strings.TrimSpace(s.RegistrationMode))
	s.GatewayBaseURL = strings.TrimRight(strings.TrimSpace(s.GatewayBaseURL), "/")

	if s.GatewayBaseURL == "" {
		host := s.GatewayHost
		if host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		s.GatewayBaseURL = fmt.Sprintf("http://%s:%d", host, s.GatewayPort)
	}
}

// Validate checks required values and numeric bounds, accumulating every
// problem so the operator sees them all at once.
func (s Settings) Validate() error {
	var errs []string

	if s.DiscordBotToken == "" {
		errs = append(errs, "missing DISCORD_BOT_TOKEN")
	}
	if s.DiscordChannelID == "" {
		errs = append(errs, "missing DISCORD_CHANNEL_ID")
	} else if _, err := strconv.ParseUint(s.DiscordChannelID, 10, 64); err != nil {
		errs = append(errs, "DISCORD_CHANNEL_ID must be a numeric channel id")
	}
	if s.GatewayPort < 1 || s.GatewayPort > 65535 {
		errs = append(errs, "GATEWAY_PORT must be between 1 and 65535")
	}
	if s.DiscordMaxMessageLen < 1 || s.DiscordMaxMessageLen > 2000 {
		errs = append(errs, "DISCORD_MAX_MESSAGE_LEN must be between 1 and 2000")
	}
	switch s.RegistrationMode {
	case RegistrationClosed, RegistrationInvite, RegistrationOpen:
	default:
		errs = append(errs, "REGISTRATION_MODE must be one of closed, invite, open")
	}
	if s.RegisterRateLimitCount < 1 {
		errs = append(errs, "REGISTER_RATE_LIMIT_COUNT must be >= 1")
	}
	if s.RegisterRateLimitWindowSeconds < 1 {
		errs = append(errs, "REGISTER_RATE_LIMIT_WINDOW_SECONDS must be >= 1")
	}
	if s.BackfillSeedLimit < 0 {
		errs = append(errs, "BACKFILL_SEED_LIMIT must be >= 0")
	}
	if s.BackfillArchivedThreadLimit < 0 {
		errs = append(errs, "BACKFILL_ARCHIVED_THREAD_LIMIT must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RegisterRateLimitWindow returns the registration rate-limit window as a
// duration.
func (s Settings) RegisterRateLimitWindow() time.Duration {
	return time.Duration(s.RegisterRateLimitWindowSeconds) * time.Second
}
