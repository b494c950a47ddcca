package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/agentgate/pkg/agentgate/store"
)

// Settings keys holding the webhook the gateway created for itself.
const (
	settingWebhookID    = "gateway_webhook_id"
	settingWebhookToken = "gateway_webhook_token"
)

// APIError is a Discord REST failure surfaced to callers. The HTTP layer
// maps it to a 502 with the upstream status attached.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api error: status=%d body=%s", e.Status, e.Body)
}

// asAPIError converts discordgo errors into *APIError, leaving other errors
// untouched.
func asAPIError(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		status := 0
		if rest.Response != nil {
			status = rest.Response.StatusCode
		}
		return &APIError{Status: status, Body: string(rest.ResponseBody)}
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return &APIError{Status: 429, Body: rl.Message}
	}
	return err
}

// WebhookCredentials identify one Discord webhook.
type WebhookCredentials struct {
	WebhookID    string
	WebhookToken string
}

// ParseWebhookURL extracts the id/token pair from a Discord webhook URL.
func ParseWebhookURL(url string) (WebhookCredentials, error) {
	parts := strings.Split(strings.TrimRight(strings.TrimSpace(url), "/"), "/")
	if len(parts) < 2 {
		return WebhookCredentials{}, errors.New("invalid webhook URL")
	}
	creds := WebhookCredentials{
		WebhookID:    parts[len(parts)-2],
		WebhookToken: parts[len(parts)-1],
	}
	if creds.WebhookID == "" || creds.WebhookToken == "" {
		return WebhookCredentials{}, errors.New("invalid webhook URL")
	}
	return creds, nil
}

// webhookAPI is the slice of the Discord REST surface the manager needs.
// *discordgo.Session satisfies it; tests use fakes.
type webhookAPI interface {
	WebhookWithToken(webhookID, token string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
	WebhookCreate(channelID, name, avatar string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

const (
	webhookName     = "AgentGateway"
	maxSendAttempts = 5
	maxRetryAfter   = 10 * time.Second
)

// WebhookManager resolves and caches the webhook identity used for all
// outbound posts. Resolution order: configured webhook URL, then the
// id/token stored in settings, then creating a fresh webhook in the
// channel. The resolved credentials rarely change, so they are cached for
// the manager's lifetime under a mutex.
type WebhookManager struct {
	api           webhookAPI
	store         *store.Store
	channelID     string
	configuredURL string

	mu     sync.Mutex
	cached *WebhookCredentials

	after func(time.Duration) <-chan time.Time // test seam for retry backoff
}

// NewWebhookManager creates a manager bound to the monitored channel.
func NewWebhookManager(api webhookAPI, st *store.Store, channelID, configuredURL string) *WebhookManager {
	return &WebhookManager{
		api:           api,
		store:         st,
		channelID:     channelID,
		configuredURL: configuredURL,
		after:         time.After,
	}
}

// EnsureIdentity resolves the outbound webhook, creating one if necessary,
// and returns its id. Safe for concurrent use.
func (m *WebhookManager) EnsureIdentity(ctx context.Context) (string, error) {
	creds, err := m.credentials(ctx)
	if err != nil {
		return "", err
	}
	return creds.WebhookID, nil
}

func (m *WebhookManager) credentials(ctx context.Context) (WebhookCredentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil {
		return *m.cached, nil
	}

	if m.configuredURL != "" {
		creds, err := ParseWebhookURL(m.configuredURL)
		if err != nil {
			return WebhookCredentials{}, fmt.Errorf("DISCORD_WEBHOOK_URL: %w", err)
		}
		hook, err := m.api.WebhookWithToken(creds.WebhookID, creds.WebhookToken, discordgo.WithContext(ctx))
		if err != nil {
			return WebhookCredentials{}, asAPIError(err)
		}
		if hook.ChannelID != "" && hook.ChannelID != m.channelID {
			return WebhookCredentials{}, &APIError{
				Status: 400,
				Body:   fmt.Sprintf("DISCORD_WEBHOOK_URL points at channel %s, not %s", hook.ChannelID, m.channelID),
			}
		}
		m.cached = &creds
		return creds, nil
	}

	// Reuse the webhook recorded in settings if it still exists and still
	// belongs to the monitored channel.
	id, okID, err := m.store.Setting(settingWebhookID)
	if err != nil {
		return WebhookCredentials{}, err
	}
	token, okToken, err := m.store.Setting(settingWebhookToken)
	if err != nil {
		return WebhookCredentials{}, err
	}
	if okID && okToken && id != "" && token != "" {
		hook, err := m.api.WebhookWithToken(id, token, discordgo.WithContext(ctx))
		if err == nil && hook.ChannelID == m.channelID {
			creds := WebhookCredentials{WebhookID: id, WebhookToken: token}
			m.cached = &creds
			return creds, nil
		}
		// Stale or deleted; fall through and create a new one.
	}

	hook, err := m.api.WebhookCreate(m.channelID, webhookName, "", discordgo.WithContext(ctx))
	if err != nil {
		return WebhookCredentials{}, asAPIError(err)
	}
	if err := m.store.SetSetting(settingWebhookID, hook.ID); err != nil {
		return WebhookCredentials{}, err
	}
	if err := m.store.SetSetting(settingWebhookToken, hook.Token); err != nil {
		return WebhookCredentials{}, err
	}

	creds := WebhookCredentials{WebhookID: hook.ID, WebhookToken: hook.Token}
	m.cached = &creds
	return creds, nil
}

// SendMessage posts content through the webhook under the agent's name and
// avatar, waits for the created message, and returns its Discord message
// id. Mention parsing is disabled to prevent ping spam. Rate-limit
// responses are retried after the server-specified delay, bounded at
// maxSendAttempts; exhausting the budget is a hard failure.
func (m *WebhookManager) SendMessage(ctx context.Context, content, username, avatarURL string) (string, error) {
	creds, err := m.credentials(ctx)
	if err != nil {
		return "", err
	}

	params := &discordgo.WebhookParams{
		Content:         content,
		Username:        username,
		AvatarURL:       avatarURL,
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}

	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		msg, err := m.api.WebhookExecute(creds.WebhookID, creds.WebhookToken, true, params,
			discordgo.WithContext(ctx), discordgo.WithRetryOnRatelimit(false))
		if err == nil {
			if msg == nil {
				return "", nil
			}
			return msg.ID, nil
		}

		var rl *discordgo.RateLimitError
		if errors.As(err, &rl) {
			wait := rl.RetryAfter
			if wait <= 0 || wait > maxRetryAfter {
				wait = maxRetryAfter
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-m.after(wait):
			}
			continue
		}
		return "", asAPIError(err)
	}
	return "", &APIError{Status: 429, Body: "webhook rate limit retry exhausted"}
}
