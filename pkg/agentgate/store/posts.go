package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AppendPost assigns the next sequence number and inserts the post. When
// p.DiscordMessageID is set and a post with that id already exists, the
// insert is rejected with ErrAlreadyExists and no seq is assigned; this is
// the dedup point shared by the ingestion and send paths.
func (s *Store) AppendPost(p PostInsert) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO posts(post_id, author_kind, author_id, author_name, body,
		                   created_at, discord_message_id, discord_channel_id, source_channel_id)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), string(p.AuthorKind), p.AuthorID, nullable(p.AuthorName),
		p.Body, p.CreatedAt, nullable(p.DiscordMessageID), p.ChannelID, p.SourceChannelID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyExists
		}
		return 0, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ReconcileAsAgent rewrites authorship of the post with the given Discord
// message id to the agent, in place, preserving seq and created_at. Used
// when the send path loses the insert race against ingestion. Idempotent;
// returns the row's seq, or ErrNotFound if no such post exists.
func (s *Store) ReconcileAsAgent(discordMessageID, channelID, agentID, agentName string) (int64, error) {
	_, err := s.db.Exec(
		`UPDATE posts SET author_kind = ?, author_id = ?, author_name = ?
		 WHERE discord_message_id = ? AND discord_channel_id = ?`,
		string(AuthorAgent), agentID, nullable(agentName), discordMessageID, channelID,
	)
	if err != nil {
		return 0, err
	}
	var seq int64
	err = s.db.QueryRow(
		"SELECT seq FROM posts WHERE discord_message_id = ? AND discord_channel_id = ?",
		discordMessageID, channelID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// SeqForDiscordMessage returns the seq of the post recorded under the given
// Discord message id, or ErrNotFound.
func (s *Store) SeqForDiscordMessage(discordMessageID string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(
		"SELECT seq FROM posts WHERE discord_message_id = ?", discordMessageID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// FetchInbox returns up to limit posts in the channel with seq strictly
// greater than cursor, ascending by seq. This ordering is the delivery
// contract agents depend on.
func (s *Store) FetchInbox(channelID string, cursor int64, limit int) ([]Post, error) {
	rows, err := s.db.Query(
		`SELECT seq, post_id, author_kind, author_id, author_name, body,
		        created_at, discord_message_id, discord_channel_id, source_channel_id
		 FROM posts
		 WHERE discord_channel_id = ? AND seq > ?
		 ORDER BY seq ASC
		 LIMIT ?`,
		channelID, cursor, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		var kind string
		var authorName, msgID sql.NullString
		if err := rows.Scan(&p.Seq, &p.PostID, &kind, &p.AuthorID, &authorName,
			&p.Body, &p.CreatedAt, &msgID, &p.ChannelID, &p.SourceChannelID); err != nil {
			return nil, err
		}
		p.AuthorKind = AuthorKind(kind)
		p.AuthorName = authorName.String
		p.DiscordMessageID = msgID.String
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// Receipt returns the agent's last acked seq, defaulting to 0.
func (s *Store) Receipt(agentID string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(
		"SELECT last_seq FROM receipts WHERE agent_id = ?", agentID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// SetReceipt records the agent's cursor, last write wins. The cursor is an
// advisory resume point, not an authorization boundary, so regressions are
// deliberately allowed (an agent may rewind to re-read history).
func (s *Store) SetReceipt(agentID string, seq int64) error {
	_, err := s.db.Exec(
		`INSERT INTO receipts(agent_id, last_seq) VALUES(?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET last_seq=excluded.last_seq`,
		agentID, seq,
	)
	return err
}

// InsertAttachment records attachment metadata for a post. Re-inserting the
// same attachment id (backfill re-observing a message) is a no-op.
func (s *Store) InsertAttachment(a Attachment) error {
	_, err := s.db.Exec(
		`INSERT INTO attachments(attachment_id, post_seq, discord_message_id, source_channel_id,
		                         filename, url, proxy_url, content_type, size_bytes, height, width)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(attachment_id) DO NOTHING`,
		a.AttachmentID, a.PostSeq, a.DiscordMessageID, a.SourceChannelID,
		a.Filename, nullable(a.URL), nullable(a.ProxyURL), nullable(a.ContentType),
		nullableInt(a.SizeBytes), nullableInt(a.Height), nullableInt(a.Width),
	)
	return err
}

// AttachmentByID returns one attachment, or ErrNotFound.
func (s *Store) AttachmentByID(attachmentID string) (*Attachment, error) {
	row := s.db.QueryRow(
		`SELECT attachment_id, post_seq, discord_message_id, source_channel_id,
		        filename, url, proxy_url, content_type, size_bytes, height, width
		 FROM attachments WHERE attachment_id = ?`,
		attachmentID,
	)
	a, err := scanAttachment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// AttachmentsForPosts batch-loads attachments for the given post seqs in one
// query, keyed by owning seq, ordered by attachment id within a post. This
// keeps the inbox path free of per-row lookups.
func (s *Store) AttachmentsForPosts(seqs []int64) (map[int64][]Attachment, error) {
	result := make(map[int64][]Attachment)
	if len(seqs) == 0 {
		return result, nil
	}

	placeholders := strings.Repeat("?,", len(seqs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(seqs))
	for i, seq := range seqs {
		args[i] = seq
	}

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT attachment_id, post_seq, discord_message_id, source_channel_id,
		        filename, url, proxy_url, content_type, size_bytes, height, width
		 FROM attachments WHERE post_seq IN (%s)
		 ORDER BY post_seq ASC, attachment_id ASC`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAttachment(rows.Scan)
		if err != nil {
			return nil, err
		}
		result[a.PostSeq] = append(result[a.PostSeq], *a)
	}
	return result, rows.Err()
}

func scanAttachment(scan func(...any) error) (*Attachment, error) {
	var a Attachment
	var url, proxyURL, contentType sql.NullString
	var size, height, width sql.NullInt64
	if err := scan(&a.AttachmentID, &a.PostSeq, &a.DiscordMessageID, &a.SourceChannelID,
		&a.Filename, &url, &proxyURL, &contentType, &size, &height, &width); err != nil {
		return nil, err
	}
	a.URL = url.String
	a.ProxyURL = proxyURL.String
	a.ContentType = contentType.String
	a.SizeBytes = size.Int64
	a.Height = height.Int64
	a.Width = width.Int64
	return &a, nil
}

// IngestionStateFor returns the last Discord message id recorded for a
// source channel. The second return is false when no state exists yet.
func (s *Store) IngestionStateFor(sourceChannelID string) (string, bool, error) {
	var last string
	err := s.db.QueryRow(
		"SELECT last_discord_message_id FROM ingestion_state WHERE source_channel_id = ?",
		sourceChannelID,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return last, true, nil
}

// SetIngestionState records forward progress for a source channel. The
// marker only moves forward: message ids are Discord snowflakes, compared
// numerically, and an older id never overwrites a newer one. Backfill
// replaying history concurrently with live ingestion therefore cannot
// rewind the marker.
func (s *Store) SetIngestionState(sourceChannelID, lastDiscordMessageID string) error {
	_, err := s.db.Exec(
		`INSERT INTO ingestion_state(source_channel_id, last_discord_message_id, updated_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(source_channel_id) DO UPDATE
		     SET last_discord_message_id=excluded.last_discord_message_id,
		         updated_at=excluded.updated_at
		     WHERE CAST(excluded.last_discord_message_id AS INTEGER) >
		           CAST(ingestion_state.last_discord_message_id AS INTEGER)`,
		sourceChannelID, lastDiscordMessageID, nowISO(),
	)
	return err
}

// ListIngestionStates returns all recorded backfill positions.
func (s *Store) ListIngestionStates() ([]IngestionState, error) {
	rows, err := s.db.Query(
		`SELECT source_channel_id, last_discord_message_id, updated_at
		 FROM ingestion_state ORDER BY source_channel_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []IngestionState
	for rows.Next() {
		var st IngestionState
		if err := rows.Scan(&st.SourceChannelID, &st.LastDiscordMessageID, &st.UpdatedAt); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}
