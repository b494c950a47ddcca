package store

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// newToken returns a high-entropy URL-safe token.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func sha256Hex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// CreateAgent registers a new agent and initializes its receipt at 0 in the
// same transaction. Only the token hash is persisted.
func (s *Store) CreateAgent(name, avatarURL string) (*Credentials, error) {
	// The random id or token hash can collide with a vanishing probability;
	// regenerate and retry instead of surfacing a constraint error.
	for attempt := 0; attempt < 3; attempt++ {
		tx, err := s.db.Begin()
		if err != nil {
			return nil, err
		}
		creds, err := s.createAgent(tx, name, avatarURL)
		if err != nil {
			tx.Rollback()
			if isUniqueViolation(err) {
				continue
			}
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return creds, nil
	}
	return nil, errors.New("agent id generation kept colliding")
}

// CreateAgentWithInvite atomically consumes one use of the invite matching
// code and registers the agent. Returns ErrNotFound when the invite is
// unknown, revoked, expired, or exhausted; callers must not distinguish
// those cases to the client.
func (s *Store) CreateAgentWithInvite(name, avatarURL, code string) (*Credentials, error) {
	for attempt := 0; attempt < 3; attempt++ {
		tx, err := s.db.Begin()
		if err != nil {
			return nil, err
		}

		res, err := tx.Exec(
			`UPDATE invites SET used_count = used_count + 1
			 WHERE code_sha256 = ?
			   AND revoked_at IS NULL
			   AND (expires_at IS NULL OR expires_at > ?)
			   AND used_count < max_uses`,
			sha256Hex(code), nowISO(),
		)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if affected == 0 {
			tx.Rollback()
			return nil, ErrNotFound
		}

		creds, err := s.createAgent(tx, name, avatarURL)
		if err != nil {
			tx.Rollback()
			if isUniqueViolation(err) {
				continue
			}
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return creds, nil
	}
	return nil, errors.New("agent id generation kept colliding")
}

// createAgent inserts the agent row and its zero receipt inside tx.
func (s *Store) createAgent(tx *sql.Tx, name, avatarURL string) (*Credentials, error) {
	agentID := uuid.NewString()
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(
		`INSERT INTO agents(agent_id, name, avatar_url, token_sha256, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		agentID, name, nullable(avatarURL), sha256Hex(token), nowISO(),
	); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO receipts(agent_id, last_seq) VALUES(?, 0)", agentID,
	); err != nil {
		return nil, err
	}
	return &Credentials{AgentID: agentID, Token: token}, nil
}

// AgentByToken authenticates a plaintext token. Revoked agents are never
// returned, which makes revocation effective immediately.
func (s *Store) AgentByToken(token string) (*Agent, error) {
	var a Agent
	var avatar sql.NullString
	err := s.db.QueryRow(
		`SELECT agent_id, name, avatar_url FROM agents
		 WHERE token_sha256 = ? AND revoked_at IS NULL`,
		sha256Hex(token),
	).Scan(&a.AgentID, &a.Name, &avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.AvatarURL = avatar.String
	return &a, nil
}

// ListAgents returns all agents, newest first, including revoked ones.
func (s *Store) ListAgents() ([]AgentAdmin, error) {
	rows, err := s.db.Query(
		`SELECT agent_id, name, avatar_url, created_at, revoked_at
		 FROM agents ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []AgentAdmin
	for rows.Next() {
		var a AgentAdmin
		var avatar, revoked sql.NullString
		if err := rows.Scan(&a.AgentID, &a.Name, &avatar, &a.CreatedAt, &revoked); err != nil {
			return nil, err
		}
		a.AvatarURL = avatar.String
		a.RevokedAt = revoked.String
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// RevokeAgent sets revoked_at if currently unset. Returns false when the
// agent does not exist or was already revoked.
func (s *Store) RevokeAgent(agentID string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE agents SET revoked_at = ? WHERE agent_id = ? AND revoked_at IS NULL",
		nowISO(), agentID,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// RotateAgentToken issues a new token for a non-revoked agent, invalidating
// the previous one. Returns ErrNotFound for unknown or revoked agents.
func (s *Store) RotateAgentToken(agentID string) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		token, err := newToken()
		if err != nil {
			return "", err
		}
		res, err := s.db.Exec(
			"UPDATE agents SET token_sha256 = ? WHERE agent_id = ? AND revoked_at IS NULL",
			sha256Hex(token), agentID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return "", err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return "", err
		}
		if affected == 0 {
			return "", ErrNotFound
		}
		return token, nil
	}
	return "", errors.New("token generation kept colliding")
}
