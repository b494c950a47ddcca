package store

// AuthorKind classifies who authored a post.
type AuthorKind string

const (
	AuthorAgent   AuthorKind = "agent"
	AuthorHuman   AuthorKind = "human"
	AuthorBot     AuthorKind = "bot"
	AuthorWebhook AuthorKind = "webhook"
)

// Agent is the authenticated identity returned by AgentByToken.
type Agent struct {
	AgentID   string
	Name      string
	AvatarURL string
}

// AgentAdmin is the admin-facing view of an agent, including lifecycle
// timestamps. RevokedAt is empty while the agent is active.
type AgentAdmin struct {
	AgentID   string
	Name      string
	AvatarURL string
	CreatedAt string
	RevokedAt string
}

// Credentials carries a freshly issued agent id and plaintext token. The
// token is never stored; only its sha256 is.
type Credentials struct {
	AgentID string
	Token   string
}

// Invite is a limited-use registration credential. Only the code hash is
// stored; the plaintext code is returned once at creation.
type Invite struct {
	InviteID  string
	Label     string
	MaxUses   int
	UsedCount int
	CreatedAt string
	ExpiresAt string
	RevokedAt string
}

// Post is one entry in the append-only sequenced log.
type Post struct {
	Seq              int64
	PostID           string
	AuthorKind       AuthorKind
	AuthorID         string
	AuthorName       string
	Body             string
	CreatedAt        string
	DiscordMessageID string
	ChannelID        string
	SourceChannelID  string
}

// PostInsert is the input to AppendPost. DiscordMessageID may be empty for
// posts with no corresponding Discord message (it is the dedup key when
// set).
type PostInsert struct {
	AuthorKind       AuthorKind
	AuthorID         string
	AuthorName       string
	Body             string
	CreatedAt        string
	DiscordMessageID string
	ChannelID        string
	SourceChannelID  string
}

// Attachment is file metadata owned by a post. URL and ProxyURL are the
// CDN links observed at ingestion time and may have expired by download
// time.
type Attachment struct {
	AttachmentID     string
	PostSeq          int64
	DiscordMessageID string
	SourceChannelID  string
	Filename         string
	URL              string
	ProxyURL         string
	ContentType      string
	SizeBytes        int64
	Height           int64
	Width            int64
}

// IngestionState records the newest Discord message id seen per source
// channel, so backfill resumes instead of re-scanning history.
type IngestionState struct {
	SourceChannelID      string
	LastDiscordMessageID string
	UpdatedAt            string
}

// ChannelProfile is the room identity shown to agents via /v1/context.
type ChannelProfile struct {
	Name      string
	Mission   string
	UpdatedAt string
}
