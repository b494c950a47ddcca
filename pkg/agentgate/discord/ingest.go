package discord

import (
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/agentgate/pkg/agentgate/store"
)

// Reconciler turns raw Discord message events into posts, deduplicating by
// Discord message id and never misattributing gateway-sent content. Live
// events and backfilled history go through the same path, so both carry the
// same idempotence guarantee.
type Reconciler struct {
	store     *store.Store
	channelID string
	logger    *slog.Logger

	warnedEmptyHuman atomic.Bool
}

// NewReconciler creates a reconciler for the monitored channel.
func NewReconciler(st *store.Store, channelID string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     st,
		channelID: channelID,
		logger:    logger.With("component", "ingest"),
	}
}

// Ingest records one observed message. sourceChannelID is the channel or
// thread the message actually appeared in; the post is always filed under
// the monitored channel.
//
// A message sent by the gateway itself may arrive here before the send path
// records it; it is inserted as author_kind=webhook and the send path
// promotes it to the agent afterwards (store.ReconcileAsAgent). The
// reverse ordering hits the duplicate check below instead. Either way
// exactly one post exists.
func (r *Reconciler) Ingest(m *discordgo.Message, sourceChannelID string) error {
	if m == nil || m.ID == "" {
		return nil
	}

	if seq, err := r.store.SeqForDiscordMessage(m.ID); err == nil {
		// Duplicate delivery. Attachments may be missing from a prior
		// partial run, so ensure them before moving the progress marker.
		if err := r.insertAttachments(m, seq, sourceChannelID); err != nil {
			return err
		}
		return r.store.SetIngestionState(sourceChannelID, m.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	kind, authorID := classifyAuthor(m)
	authorName := displayName(m)

	body := strings.TrimSpace(m.Content)
	if body == "" && len(m.Attachments) > 0 {
		var urls []string
		for _, att := range m.Attachments {
			if att.URL != "" {
				urls = append(urls, att.URL)
			}
		}
		body = strings.TrimSpace(strings.Join(urls, "\n"))
	}

	if body == "" {
		if kind == store.AuthorHuman && r.warnedEmptyHuman.CompareAndSwap(false, true) {
			r.logger.Warn("human message arrived with empty content; the bot is likely missing the Message Content intent",
				"message_id", m.ID)
		}
		return r.store.SetIngestionState(sourceChannelID, m.ID)
	}

	seq, err := r.store.AppendPost(store.PostInsert{
		AuthorKind:       kind,
		AuthorID:         authorID,
		AuthorName:       authorName,
		Body:             body,
		CreatedAt:        m.Timestamp.UTC().Format(time.RFC3339Nano),
		DiscordMessageID: m.ID,
		ChannelID:        r.channelID,
		SourceChannelID:  sourceChannelID,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		// Lost the race against the send path; the post is recorded.
		seq, err = r.store.SeqForDiscordMessage(m.ID)
	}
	if err != nil {
		return err
	}

	if err := r.insertAttachments(m, seq, sourceChannelID); err != nil {
		return err
	}
	return r.store.SetIngestionState(sourceChannelID, m.ID)
}

func (r *Reconciler) insertAttachments(m *discordgo.Message, seq int64, sourceChannelID string) error {
	for _, att := range m.Attachments {
		if att.ID == "" {
			continue
		}
		if err := r.store.InsertAttachment(store.Attachment{
			AttachmentID:     att.ID,
			PostSeq:          seq,
			DiscordMessageID: m.ID,
			SourceChannelID:  sourceChannelID,
			Filename:         att.Filename,
			URL:              att.URL,
			ProxyURL:         att.ProxyURL,
			ContentType:      att.ContentType,
			SizeBytes:        int64(att.Size),
			Height:           int64(att.Height),
			Width:            int64(att.Width),
		}); err != nil {
			return err
		}
	}
	return nil
}

// classifyAuthor maps event metadata to an author kind: webhook sender id
// first, then the bot flag, else human.
func classifyAuthor(m *discordgo.Message) (store.AuthorKind, string) {
	if m.WebhookID != "" {
		return store.AuthorWebhook, m.WebhookID
	}
	if m.Author != nil && m.Author.Bot {
		return store.AuthorBot, m.Author.ID
	}
	if m.Author != nil {
		return store.AuthorHuman, m.Author.ID
	}
	return store.AuthorHuman, ""
}

func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author == nil {
		return ""
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
