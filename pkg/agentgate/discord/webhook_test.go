package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/agentgate/pkg/agentgate/store"
)

func openDiscordTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "discord.db"), nil)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeWebhookAPI fakes the three REST calls the manager makes.
type fakeWebhookAPI struct {
	hooks        map[string]*discordgo.Webhook // id -> hook
	created      []*discordgo.Webhook
	createsFail  bool
	executeCalls int
	rateLimits   int // number of leading executes that 429
	retryAfter   time.Duration
}

func (f *fakeWebhookAPI) WebhookWithToken(id, token string, _ ...discordgo.RequestOption) (*discordgo.Webhook, error) {
	if hook, ok := f.hooks[id]; ok && hook.Token == token {
		return hook, nil
	}
	return nil, &discordgo.RESTError{
		Response:     &http.Response{StatusCode: 404},
		ResponseBody: []byte(`{"message": "Unknown Webhook"}`),
	}
}

func (f *fakeWebhookAPI) WebhookCreate(channelID, name, _ string, _ ...discordgo.RequestOption) (*discordgo.Webhook, error) {
	if f.createsFail {
		return nil, &discordgo.RESTError{
			Response:     &http.Response{StatusCode: 403},
			ResponseBody: []byte(`{"message": "Missing Permissions"}`),
		}
	}
	hook := &discordgo.Webhook{
		ID:        fmt.Sprintf("created-%d", len(f.created)+1),
		Token:     "created-token",
		ChannelID: channelID,
		Name:      name,
	}
	if f.hooks == nil {
		f.hooks = map[string]*discordgo.Webhook{}
	}
	f.hooks[hook.ID] = hook
	f.created = append(f.created, hook)
	return hook, nil
}

func (f *fakeWebhookAPI) WebhookExecute(_, _ string, _ bool, _ *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.executeCalls++
	if f.executeCalls <= f.rateLimits {
		return nil, &discordgo.RateLimitError{
			RateLimit: &discordgo.RateLimit{
				TooManyRequests: &discordgo.TooManyRequests{RetryAfter: f.retryAfter},
			},
		}
	}
	return &discordgo.Message{ID: fmt.Sprintf("sent-%d", f.executeCalls)}, nil
}

func TestWebhookManagerUsesConfiguredURL(t *testing.T) {
	st := openDiscordTestStore(t)
	api := &fakeWebhookAPI{hooks: map[string]*discordgo.Webhook{
		"w-1": {ID: "w-1", Token: "tok-1", ChannelID: "chan-1"},
	}}
	m := NewWebhookManager(api, st, "chan-1", "https://discord.com/api/webhooks/w-1/tok-1")

	id, err := m.EnsureIdentity(context.Background())
	if err != nil {
		t.Fatalf("EnsureIdentity failed: %v", err)
	}
	if id != "w-1" {
		t.Fatalf("expected configured webhook id, got %s", id)
	}
	if len(api.created) != 0 {
		t.Fatal("configured URL should not trigger webhook creation")
	}
}

func TestWebhookManagerRejectsForeignChannel(t *testing.T) {
	st := openDiscordTestStore(t)
	api := &fakeWebhookAPI{hooks: map[string]*discordgo.Webhook{
		"w-1": {ID: "w-1", Token: "tok-1", ChannelID: "other-channel"},
	}}
	m := NewWebhookManager(api, st, "chan-1", "https://discord.com/api/webhooks/w-1/tok-1")

	_, err := m.EnsureIdentity(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 400 {
		t.Fatalf("expected APIError 400 for channel mismatch, got %v", err)
	}
}

func TestWebhookManagerReusesStoredWebhook(t *testing.T) {
	st := openDiscordTestStore(t)
	if err := st.SetSetting("gateway_webhook_id", "w-9"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSetting("gateway_webhook_token", "tok-9"); err != nil {
		t.Fatal(err)
	}
	api := &fakeWebhookAPI{hooks: map[string]*discordgo.Webhook{
		"w-9": {ID: "w-9", Token: "tok-9", ChannelID: "chan-1"},
	}}
	m := NewWebhookManager(api, st, "chan-1", "")

	id, err := m.EnsureIdentity(context.Background())
	if err != nil {
		t.Fatalf("EnsureIdentity failed: %v", err)
	}
	if id != "w-9" {
		t.Fatalf("expected stored webhook, got %s", id)
	}
	if len(api.created) != 0 {
		t.Fatal("valid stored webhook should not trigger creation")
	}
}

func TestWebhookManagerCreatesAndPersists(t *testing.T) {
	st := openDiscordTestStore(t)
	api := &fakeWebhookAPI{}
	m := NewWebhookManager(api, st, "chan-1", "")

	id, err := m.EnsureIdentity(context.Background())
	if err != nil {
		t.Fatalf("EnsureIdentity failed: %v", err)
	}
	if id != "created-1" {
		t.Fatalf("expected freshly created webhook, got %s", id)
	}

	storedID, ok, _ := st.Setting("gateway_webhook_id")
	if !ok || storedID != "created-1" {
		t.Fatalf("webhook id not persisted: %q", storedID)
	}

	// Second call uses the in-memory cache, no further creation.
	if _, err := m.EnsureIdentity(context.Background()); err != nil {
		t.Fatalf("second EnsureIdentity failed: %v", err)
	}
	if len(api.created) != 1 {
		t.Fatalf("expected a single creation, got %d", len(api.created))
	}
}

func TestWebhookManagerStaleStoredWebhookReplaced(t *testing.T) {
	st := openDiscordTestStore(t)
	st.SetSetting("gateway_webhook_id", "gone")
	st.SetSetting("gateway_webhook_token", "gone-token")
	api := &fakeWebhookAPI{}
	m := NewWebhookManager(api, st, "chan-1", "")

	id, err := m.EnsureIdentity(context.Background())
	if err != nil {
		t.Fatalf("EnsureIdentity failed: %v", err)
	}
	if id != "created-1" {
		t.Fatalf("expected replacement webhook, got %s", id)
	}
}

func TestSendMessageRetriesRateLimit(t *testing.T) {
	st := openDiscordTestStore(t)
	api := &fakeWebhookAPI{rateLimits: 2, retryAfter: 50 * time.Millisecond}
	m := NewWebhookManager(api, st, "chan-1", "")

	var slept []time.Duration
	m.after = func(d time.Duration) <-chan time.Time {
		slept = append(slept, d)
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}

	id, err := m.SendMessage(context.Background(), "hi", "Agent", "")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if id != "sent-3" {
		t.Fatalf("expected third attempt to succeed, got %s", id)
	}
	if len(slept) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(slept))
	}
	for _, d := range slept {
		if d != 50*time.Millisecond {
			t.Fatalf("expected server-specified delay, got %v", d)
		}
	}
}

func TestSendMessageRetryExhaustion(t *testing.T) {
	st := openDiscordTestStore(t)
	api := &fakeWebhookAPI{rateLimits: 100, retryAfter: time.Millisecond}
	m := NewWebhookManager(api, st, "chan-1", "")
	m.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}

	_, err := m.SendMessage(context.Background(), "hi", "Agent", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 429 {
		t.Fatalf("expected APIError 429 on exhaustion, got %v", err)
	}
	if api.executeCalls != maxSendAttempts {
		t.Fatalf("expected %d attempts, got %d", maxSendAttempts, api.executeCalls)
	}
}

func TestSendMessageCancelledDuringBackoff(t *testing.T) {
	st := openDiscordTestStore(t)
	api := &fakeWebhookAPI{rateLimits: 100, retryAfter: time.Hour}
	m := NewWebhookManager(api, st, "chan-1", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.SendMessage(ctx, "hi", "Agent", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if api.executeCalls != 1 {
		t.Fatalf("cancelled backoff should stop retrying, got %d attempts", api.executeCalls)
	}
}

func TestParseWebhookURL(t *testing.T) {
	creds, err := ParseWebhookURL("https://discord.com/api/webhooks/123/abc-def")
	if err != nil {
		t.Fatalf("ParseWebhookURL failed: %v", err)
	}
	if creds.WebhookID != "123" || creds.WebhookToken != "abc-def" {
		t.Fatalf("unexpected creds %+v", creds)
	}

	for _, bad := range []string{"", "https://discord.com", "nonsense"} {
		if _, err := ParseWebhookURL(bad); err == nil {
			t.Errorf("ParseWebhookURL(%q) should fail", bad)
		}
	}
}
