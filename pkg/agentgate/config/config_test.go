package config

import (
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func validEnv() map[string]string {
	return map[string]string{
		"DISCORD_BOT_TOKEN":  "bot-token",
		"DISCORD_CHANNEL_ID": "123456789012345678",
	}
}

func TestFromEnvDefaults(t *testing.T) {
	s, err := FromEnv(envMap(validEnv()))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if s.RegistrationMode != RegistrationOpen {
		t.Errorf("expected open registration by default, got %q", s.RegistrationMode)
	}
	if s.DiscordMaxMessageLen != 1900 {
		t.Errorf("expected default max message len 1900, got %d", s.DiscordMaxMessageLen)
	}
	if got := s.RegisterRateLimitWindow(); got != 60*time.Second {
		t.Errorf("expected 60s rate limit window, got %v", got)
	}
	if !s.BackfillEnabled {
		t.Error("expected backfill enabled by default")
	}
}

func TestBaseURLDerivedFromHostPort(t *testing.T) {
	env := validEnv()
	env["GATEWAY_HOST"] = "0.0.0.0"
	env["GATEWAY_PORT"] = "9100"

	s, err := FromEnv(envMap(env))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if s.GatewayBaseURL != "http://127.0.0.1:9100" {
		t.Errorf("wildcard host should map to loopback base URL, got %q", s.GatewayBaseURL)
	}
}

func TestBaseURLExplicitTrailingSlash(t *testing.T) {
	env := validEnv()
	env["GATEWAY_BASE_URL"] = "https://gw.example.com/"

	s, err := FromEnv(envMap(env))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if s.GatewayBaseURL != "https://gw.example.com" {
		t.Errorf("expected trimmed base URL, got %q", s.GatewayBaseURL)
	}
}

func TestValidateAccumulatesErrors(t *testing.T) {
	env := map[string]string{
		"DISCORD_CHANNEL_ID":      "not-a-number",
		"GATEWAY_PORT":            "70000",
		"DISCORD_MAX_MESSAGE_LEN": "5000",
		"REGISTRATION_MODE":       "maybe",
	}
	_, err := FromEnv(envMap(env))
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{
		"DISCORD_BOT_TOKEN",
		"DISCORD_CHANNEL_ID",
		"GATEWAY_PORT",
		"DISCORD_MAX_MESSAGE_LEN",
		"REGISTRATION_MODE",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestInvalidIntegerEnv(t *testing.T) {
	env := validEnv()
	env["REGISTER_RATE_LIMIT_COUNT"] = "lots"

	_, err := FromEnv(envMap(env))
	if err == nil || !strings.Contains(err.Error(), "REGISTER_RATE_LIMIT_COUNT") {
		t.Fatalf("expected integer parse error, got %v", err)
	}
}

func TestRegistrationModeNormalized(t *testing.T) {
	env := validEnv()
	env["REGISTRATION_MODE"] = "  INVITE "

	s, err := FromEnv(envMap(env))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if s.RegistrationMode != RegistrationInvite {
		t.Errorf("expected normalized invite mode, got %q", s.RegistrationMode)
	}
}

func TestBackfillDisabledByEnv(t *testing.T) {
	env := validEnv()
	env["BACKFILL_ENABLED"] = "false"

	s, err := FromEnv(envMap(env))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if s.BackfillEnabled {
		t.Error("expected backfill disabled")
	}
}
