package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/agentgate/pkg/agentgate/store"
)

// Download describes a resolvable attachment stream.
type Download struct {
	Filename    string
	ContentType string
	URL         string
	SizeBytes   int64
}

// allowedCDNHosts are the only hosts the proxy will fetch from. Discord
// CDN URLs are signed and expire; anything else in the attachments table
// is treated as corrupt.
var allowedCDNHosts = map[string]bool{
	"cdn.discordapp.com":   true,
	"media.discordapp.net": true,
}

type messageFetcher interface {
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Proxy resolves stored attachment records to live CDN URLs and streams
// their content. Stored URLs go stale because Discord signs them with an
// expiry, so resolution prefers a fresh fetch of the source message.
type Proxy struct {
	api    messageFetcher
	store  *store.Store
	client *http.Client
	logger *slog.Logger
}

// NewProxy creates an attachment proxy backed by the given REST client.
func NewProxy(api messageFetcher, st *store.Store, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		api:    api,
		store:  st,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger.With("component", "attachments"),
	}
}

// ResolveDownload looks up an attachment by id and returns a fetchable
// descriptor. It refreshes the CDN URL from the source message when
// possible and falls back to the stored URL when the message is gone.
// Returns store.ErrNotFound for unknown ids.
func (p *Proxy) ResolveDownload(ctx context.Context, attachmentID string) (*Download, error) {
	att, err := p.store.AttachmentByID(attachmentID)
	if err != nil {
		return nil, err
	}

	d := &Download{
		Filename:    att.Filename,
		ContentType: att.ContentType,
		URL:         att.URL,
		SizeBytes:   att.SizeBytes,
	}
	if d.URL == "" {
		d.URL = att.ProxyURL
	}

	if fresh := p.freshURL(ctx, att); fresh != "" {
		d.URL = fresh
	}

	if err := checkDownloadURL(d.URL); err != nil {
		return nil, err
	}
	return d, nil
}

// freshURL re-fetches the Discord message the attachment belongs to and
// returns its current CDN URL, or "" when refresh is not possible.
func (p *Proxy) freshURL(ctx context.Context, att *store.Attachment) string {
	msg, err := p.api.ChannelMessage(att.SourceChannelID, att.DiscordMessageID, discordgo.WithContext(ctx))
	if err != nil {
		p.logger.Debug("attachment refresh failed, using stored url",
			"attachment_id", att.AttachmentID, "error", err)
		return ""
	}
	for _, a := range msg.Attachments {
		if a.ID == att.AttachmentID {
			if a.URL != "" {
				return a.URL
			}
			return a.ProxyURL
		}
	}
	return ""
}

// Open streams the attachment body. The caller owns the returned reader.
func (p *Proxy) Open(ctx context.Context, downloadURL string) (io.ReadCloser, error) {
	if err := checkDownloadURL(downloadURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &APIError{Status: resp.StatusCode, Body: "cdn fetch failed"}
	}
	return resp.Body, nil
}

func checkDownloadURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid attachment url: %w", err)
	}
	if u.Scheme != "https" || !allowedCDNHosts[u.Hostname()] {
		return fmt.Errorf("attachment url host %q not allowed", u.Hostname())
	}
	return nil
}
