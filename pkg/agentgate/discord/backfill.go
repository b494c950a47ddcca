package discord

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/agentgate/pkg/agentgate/store"
)

const historyPageSize = 100

// historyAPI is the slice of the Discord REST surface backfill needs.
// *discordgo.Session satisfies it; tests use fakes.
type historyAPI interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	GuildThreadsActive(guildID string, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error)
	ThreadsArchived(channelID string, before *time.Time, limit int, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error)
	ThreadsPrivateJoinedArchived(channelID string, before *time.Time, limit int, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error)
}

// Backfill replays channel history the gateway has not ingested yet, so a
// restart does not lose messages sent while the process was down. Sources
// with recorded ingestion state resume strictly after the marker; new
// sources are seeded with at most seedLimit recent messages.
type Backfill struct {
	api           historyAPI
	store         *store.Store
	reconciler    *Reconciler
	channelID     string
	seedLimit     int
	archivedLimit int
	logger        *slog.Logger
}

// NewBackfill creates a coordinator for the monitored channel.
func NewBackfill(api historyAPI, st *store.Store, rec *Reconciler, channelID string, seedLimit, archivedLimit int, logger *slog.Logger) *Backfill {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfill{
		api:           api,
		store:         st,
		reconciler:    rec,
		channelID:     channelID,
		seedLimit:     seedLimit,
		archivedLimit: archivedLimit,
		logger:        logger.With("component", "backfill"),
	}
}

// Run replays every known source. Source enumeration is best-effort: a
// failure to list one group of threads is logged and does not abort the
// others.
func (b *Backfill) Run(ctx context.Context) error {
	sources := b.discoverSources(ctx)

	for _, source := range sources {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := b.backfillSource(ctx, source); err != nil {
			b.logger.Warn("backfill failed for source", "source_channel_id", source, "error", err)
		}
	}
	return nil
}

// discoverSources combines the monitored channel, every source with
// recorded ingestion state, currently active sub-threads, and a bounded
// number of recently archived sub-threads (public and private-if-joined).
func (b *Backfill) discoverSources(ctx context.Context) []string {
	seen := map[string]bool{b.channelID: true}
	sources := []string{b.channelID}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			sources = append(sources, id)
		}
	}

	states, err := b.store.ListIngestionStates()
	if err != nil {
		b.logger.Warn("listing ingestion state failed", "error", err)
	}
	for _, st := range states {
		add(st.SourceChannelID)
	}

	root, err := b.api.Channel(b.channelID, discordgo.WithContext(ctx))
	if err != nil {
		b.logger.Warn("resolving monitored channel failed, skipping thread discovery", "error", err)
		return sources
	}

	if active, err := b.api.GuildThreadsActive(root.GuildID, discordgo.WithContext(ctx)); err != nil {
		b.logger.Warn("listing active threads failed", "error", err)
	} else {
		for _, th := range active.Threads {
			if th.ParentID == b.channelID {
				add(th.ID)
			}
		}
	}

	if b.archivedLimit > 0 {
		if archived, err := b.api.ThreadsArchived(b.channelID, nil, b.archivedLimit, discordgo.WithContext(ctx)); err != nil {
			b.logger.Warn("listing archived threads failed", "error", err)
		} else {
			for _, th := range archived.Threads {
				add(th.ID)
			}
		}
		if private, err := b.api.ThreadsPrivateJoinedArchived(b.channelID, nil, b.archivedLimit, discordgo.WithContext(ctx)); err != nil {
			b.logger.Warn("listing private archived threads failed", "error", err)
		} else {
			for _, th := range private.Threads {
				add(th.ID)
			}
		}
	}

	return sources
}

func (b *Backfill) backfillSource(ctx context.Context, source string) error {
	last, ok, err := b.store.IngestionStateFor(source)
	if err != nil {
		return err
	}
	if ok {
		return b.replayAfter(ctx, source, last)
	}
	return b.seed(ctx, source)
}

// replayAfter pages forward from the recorded marker, unbounded in count.
// Each ingested message moves the marker, so a crash mid-replay resumes
// where it stopped.
func (b *Backfill) replayAfter(ctx context.Context, source, after string) error {
	total := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := b.api.ChannelMessages(source, historyPageSize, "", after, "", discordgo.WithContext(ctx))
		if err != nil {
			return asAPIError(err)
		}
		if len(msgs) == 0 {
			break
		}
		sortBySnowflake(msgs)
		for _, m := range msgs {
			if err := b.reconciler.Ingest(m, source); err != nil {
				return err
			}
		}
		after = msgs[len(msgs)-1].ID
		total += len(msgs)
		if len(msgs) < historyPageSize {
			break
		}
	}
	if total > 0 {
		b.logger.Info("backfill replayed history", "source_channel_id", source, "messages", total)
	}
	return nil
}

// seed imports at most seedLimit of the newest messages for a source with
// no prior state, so a first run does not swallow a channel's entire
// history.
func (b *Backfill) seed(ctx context.Context, source string) error {
	if b.seedLimit <= 0 {
		return nil
	}

	var collected []*discordgo.Message
	before := ""
	for len(collected) < b.seedLimit {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		limit := b.seedLimit - len(collected)
		if limit > historyPageSize {
			limit = historyPageSize
		}
		msgs, err := b.api.ChannelMessages(source, limit, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return asAPIError(err)
		}
		if len(msgs) == 0 {
			break
		}
		collected = append(collected, msgs...)
		sortBySnowflake(msgs)
		before = msgs[0].ID
		if len(msgs) < limit {
			break
		}
	}
	if len(collected) == 0 {
		return nil
	}

	sortBySnowflake(collected)
	for _, m := range collected {
		if err := b.reconciler.Ingest(m, source); err != nil {
			return err
		}
	}
	b.logger.Info("backfill seeded source", "source_channel_id", source, "messages", len(collected))
	return nil
}

// sortBySnowflake orders messages oldest first. Discord snowflake ids are
// time-ordered when compared numerically.
func sortBySnowflake(msgs []*discordgo.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return snowflakeLess(msgs[i].ID, msgs[j].ID)
	})
}

func snowflakeLess(a, b string) bool {
	ai, errA := strconv.ParseUint(a, 10, 64)
	bi, errB := strconv.ParseUint(b, 10, 64)
	if errA != nil || errB != nil {
		return a < b
	}
	return ai < bi
}
