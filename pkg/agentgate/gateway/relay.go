package gateway

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/agentgate/pkg/agentgate/store"
)

// minSplitPoint keeps natural-boundary splitting from producing tiny
// leading chunks. A boundary earlier than this in the window is ignored
// and the chunk is cut hard at the limit.
const minSplitPoint = 200

// SplitMessage breaks text into chunks of at most maxLen bytes,
// preferring paragraph breaks, then single newlines, then spaces. Cuts
// always land on rune boundaries, so multi-byte text is never split
// mid-sequence. Empty input yields a single empty chunk.
func SplitMessage(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return []string{""}
	}

	var parts []string
	i, n := 0, len(text)
	for i < n {
		j := i + maxLen
		if j > n {
			j = n
		}
		if j < n {
			for j > i && !utf8.RuneStart(text[j]) {
				j--
			}
			window := text[i:j]
			cut := strings.LastIndex(window, "\n\n")
			if cut == -1 {
				cut = strings.LastIndex(window, "\n")
			}
			if cut == -1 {
				cut = strings.LastIndex(window, " ")
			}
			if cut > minSplitPoint {
				j = i + cut
			}
		}
		if j == i {
			// maxLen is narrower than the rune at i; emit the whole rune.
			_, size := utf8.DecodeRuneInString(text[i:])
			j = i + size
		}
		chunk := strings.TrimSpace(text[i:j])
		if chunk != "" {
			parts = append(parts, chunk)
		}
		i = j
	}
	if len(parts) == 0 {
		return []string{""}
	}
	return parts
}

// MessageSender delivers one message chunk to Discord under the agent's
// identity and returns the resulting Discord message id.
type MessageSender interface {
	SendMessage(ctx context.Context, content, username, avatarURL string) (string, error)
	EnsureIdentity(ctx context.Context) (string, error)
}

// PostResult reports where a relayed post landed.
type PostResult struct {
	Seq              int64
	DiscordMessageID string
	Chunks           int
}

// Relay sends agent posts to Discord and records them. Chunks that were
// delivered before a mid-post failure stay recorded; the caller sees the
// failure and may retry the remainder.
type Relay struct {
	sender    MessageSender
	store     *store.Store
	channelID string
	maxLen    int
}

// NewRelay creates a relay for the monitored channel.
func NewRelay(sender MessageSender, st *store.Store, channelID string, maxLen int) *Relay {
	return &Relay{sender: sender, store: st, channelID: channelID, maxLen: maxLen}
}

// Post splits body, sends each chunk under the agent's name, and records
// each delivered chunk as an agent-authored post. If live ingestion
// recorded the webhook message first, the existing row is promoted to
// agent authorship instead of inserting a duplicate.
func (r *Relay) Post(ctx context.Context, agent *store.Agent, body string) (*PostResult, error) {
	if _, err := r.sender.EnsureIdentity(ctx); err != nil {
		return nil, err
	}

	chunks := SplitMessage(body, r.maxLen)
	res := &PostResult{}

	for _, chunk := range chunks {
		msgID, err := r.sender.SendMessage(ctx, chunk, agent.Name, agent.AvatarURL)
		if err != nil {
			if res.Chunks > 0 {
				return res, err
			}
			return nil, err
		}
		if msgID != "" {
			res.DiscordMessageID = msgID
		}

		seq, err := r.store.AppendPost(store.PostInsert{
			AuthorKind:       store.AuthorAgent,
			AuthorID:         agent.AgentID,
			AuthorName:       agent.Name,
			Body:             chunk,
			CreatedAt:        time.Now().UTC().Format(time.RFC3339Nano),
			DiscordMessageID: msgID,
			ChannelID:        r.channelID,
			SourceChannelID:  r.channelID,
		})
		if errors.Is(err, store.ErrAlreadyExists) && msgID != "" {
			seq, err = r.store.ReconcileAsAgent(msgID, r.channelID, agent.AgentID, agent.Name)
		}
		if err != nil {
			return res, err
		}
		res.Seq = seq
		res.Chunks++
	}
	return res, nil
}
