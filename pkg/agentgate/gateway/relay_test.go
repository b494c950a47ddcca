package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/agentgate/pkg/agentgate/discord"
	"github.com/jholhewres/agentgate/pkg/agentgate/store"
)

func TestSplitMessageShortText(t *testing.T) {
	parts := SplitMessage("hello", 1900)
	if len(parts) != 1 || parts[0] != "hello" {
		t.Fatalf("expected single chunk, got %v", parts)
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	parts := SplitMessage("   ", 1900)
	if len(parts) != 1 || parts[0] != "" {
		t.Fatalf("expected single empty chunk, got %v", parts)
	}
}

func TestSplitMessageHardCut(t *testing.T) {
	text := strings.Repeat("a", 50)
	parts := SplitMessage(text, 10)
	if len(parts) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(parts))
	}
	for i, p := range parts {
		if len(p) > 10 {
			t.Fatalf("chunk %d exceeds limit: %d bytes", i, len(p))
		}
	}
	if strings.Join(parts, "") != text {
		t.Fatal("chunks do not reassemble the input")
	}
}

func TestSplitMessagePrefersParagraphBreak(t *testing.T) {
	first := strings.Repeat("a", 300)
	second := strings.Repeat("b", 300)
	text := first + "\n\n" + second

	parts := SplitMessage(text, 400)
	if len(parts) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(parts), parts)
	}
	if parts[0] != first || parts[1] != second {
		t.Fatal("expected split exactly at the paragraph break")
	}
}

func TestSplitMessageMultibyteHardCut(t *testing.T) {
	// No break candidates anywhere, 3 bytes per rune: the hard cut must
	// back up to a rune boundary instead of slicing mid-sequence.
	text := strings.Repeat("世", 600)
	parts := SplitMessage(text, 1000)
	if len(parts) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(parts))
	}
	var rejoined strings.Builder
	for i, p := range parts {
		if !utf8.ValidString(p) {
			t.Fatalf("chunk %d is not valid UTF-8: %q", i, p)
		}
		if len(p) > 1000 {
			t.Fatalf("chunk %d exceeds limit: %d bytes", i, len(p))
		}
		rejoined.WriteString(p)
	}
	if rejoined.String() != text {
		t.Fatal("chunks do not reassemble the input")
	}
}

func TestSplitMessageLimitNarrowerThanRune(t *testing.T) {
	parts := SplitMessage("世界", 2)
	if len(parts) != 2 || parts[0] != "世" || parts[1] != "界" {
		t.Fatalf("expected one rune per chunk, got %v", parts)
	}
}

func TestSplitMessageIgnoresEarlyBoundary(t *testing.T) {
	// The only space sits well before the minimum cut point, so the
	// chunk is cut hard at the limit instead.
	text := "ab cd" + strings.Repeat("x", 600)
	parts := SplitMessage(text, 400)
	if len(parts) < 2 {
		t.Fatalf("expected multiple chunks, got %v", parts)
	}
	if len(parts[0]) != 400 {
		t.Fatalf("expected hard cut at 400, got %d", len(parts[0]))
	}
}

// fakeSender records sent chunks and can fail or ingest-race on demand.
type fakeSender struct {
	sent    []string
	nextID  int
	failAt  int                // 1-based chunk index to fail on, 0 = never
	prePost func(msgID string) // runs before returning, simulates the ingest race
}

func (f *fakeSender) EnsureIdentity(context.Context) (string, error) {
	return "hook-1", nil
}

func (f *fakeSender) SendMessage(_ context.Context, content, _, _ string) (string, error) {
	if f.failAt > 0 && len(f.sent)+1 == f.failAt {
		return "", &discord.APIError{Status: 500, Body: "boom"}
	}
	f.sent = append(f.sent, content)
	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	if f.prePost != nil {
		f.prePost(id)
	}
	return id, nil
}

func openRelayStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "relay.db"), nil)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRelayPostSingleChunk(t *testing.T) {
	st := openRelayStore(t)
	sender := &fakeSender{}
	relay := NewRelay(sender, st, "chan-1", 1900)

	agent := &store.Agent{AgentID: "agent-1", Name: "Poster"}
	res, err := relay.Post(context.Background(), agent, "hello room")
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if res.Chunks != 1 || res.DiscordMessageID != "msg-1" {
		t.Fatalf("unexpected result %+v", res)
	}

	posts, _ := st.FetchInbox("chan-1", 0, 10)
	if len(posts) != 1 {
		t.Fatalf("expected 1 recorded post, got %d", len(posts))
	}
	p := posts[0]
	if p.AuthorKind != store.AuthorAgent || p.AuthorID != "agent-1" || p.Body != "hello room" {
		t.Fatalf("unexpected post %+v", p)
	}
	if p.Seq != res.Seq {
		t.Fatalf("result seq %d does not match stored seq %d", res.Seq, p.Seq)
	}
}

func TestRelayPostMultiChunk(t *testing.T) {
	st := openRelayStore(t)
	sender := &fakeSender{}
	relay := NewRelay(sender, st, "chan-1", 400)

	body := strings.Repeat("a", 300) + "\n\n" + strings.Repeat("b", 300)
	agent := &store.Agent{AgentID: "agent-1", Name: "Poster"}

	res, err := relay.Post(context.Background(), agent, body)
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if res.Chunks != 2 {
		t.Fatalf("expected 2 chunks, got %d", res.Chunks)
	}
	if res.DiscordMessageID != "msg-2" {
		t.Fatalf("expected last message id msg-2, got %s", res.DiscordMessageID)
	}

	posts, _ := st.FetchInbox("chan-1", 0, 10)
	if len(posts) != 2 {
		t.Fatalf("expected 2 recorded posts, got %d", len(posts))
	}
	if res.Seq != posts[1].Seq {
		t.Fatalf("result should carry the last chunk's seq")
	}
}

func TestRelayPostPartialFailureKeepsSentChunks(t *testing.T) {
	st := openRelayStore(t)
	sender := &fakeSender{failAt: 2}
	relay := NewRelay(sender, st, "chan-1", 400)

	body := strings.Repeat("a", 300) + "\n\n" + strings.Repeat("b", 300)
	agent := &store.Agent{AgentID: "agent-1", Name: "Poster"}

	res, err := relay.Post(context.Background(), agent, body)
	if err == nil {
		t.Fatal("expected transport failure")
	}
	var apiErr *discord.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 500 {
		t.Fatalf("expected APIError 500, got %v", err)
	}
	if res == nil || res.Chunks != 1 {
		t.Fatalf("expected one delivered chunk before the failure, got %+v", res)
	}

	posts, _ := st.FetchInbox("chan-1", 0, 10)
	if len(posts) != 1 {
		t.Fatalf("delivered chunk should stay recorded, got %d posts", len(posts))
	}
}

func TestRelayReconcilesIngestRace(t *testing.T) {
	st := openRelayStore(t)

	// Simulate the live ingest observing the webhook message and
	// recording it before the relay's own insert runs.
	sender := &fakeSender{}
	sender.prePost = func(msgID string) {
		_, err := st.AppendPost(store.PostInsert{
			AuthorKind:       store.AuthorWebhook,
			AuthorID:         "hook-1",
			AuthorName:       "Poster",
			Body:             "hello room",
			CreatedAt:        time.Now().UTC().Format(time.RFC3339Nano),
			DiscordMessageID: msgID,
			ChannelID:        "chan-1",
			SourceChannelID:  "chan-1",
		})
		if err != nil {
			t.Fatalf("simulated ingest insert failed: %v", err)
		}
	}

	relay := NewRelay(sender, st, "chan-1", 1900)
	agent := &store.Agent{AgentID: "agent-1", Name: "Poster"}

	res, err := relay.Post(context.Background(), agent, "hello room")
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	posts, _ := st.FetchInbox("chan-1", 0, 10)
	if len(posts) != 1 {
		t.Fatalf("race must leave exactly one post, got %d", len(posts))
	}
	if posts[0].AuthorKind != store.AuthorAgent || posts[0].AuthorID != "agent-1" {
		t.Fatalf("post should be promoted to agent authorship, got %+v", posts[0])
	}
	if res.Seq != posts[0].Seq {
		t.Fatalf("result seq %d does not match reconciled seq %d", res.Seq, posts[0].Seq)
	}
}
