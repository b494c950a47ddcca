package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// CreateInvite issues a new invite and returns it with the plaintext code.
// The code is shown once; only its sha256 is stored. Random id or code
// collisions are retried with fresh values.
func (s *Store) CreateInvite(label string, maxUses int, expiresAt string) (*Invite, string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		inviteID := uuid.NewString()
		code, err := newToken()
		if err != nil {
			return nil, "", err
		}
		createdAt := nowISO()

		_, err = s.db.Exec(
			`INSERT INTO invites(invite_id, label, code_sha256, max_uses, used_count, created_at, expires_at)
			 VALUES(?, ?, ?, ?, 0, ?, ?)`,
			inviteID, nullable(label), sha256Hex(code), maxUses, createdAt, nullable(expiresAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return nil, "", err
		}

		inv := &Invite{
			InviteID:  inviteID,
			Label:     label,
			MaxUses:   maxUses,
			CreatedAt: createdAt,
			ExpiresAt: expiresAt,
		}
		return inv, code, nil
	}
	return nil, "", errors.New("invite id generation kept colliding")
}

// ListInvites returns all invites, newest first.
func (s *Store) ListInvites() ([]Invite, error) {
	rows, err := s.db.Query(
		`SELECT invite_id, label, max_uses, used_count, created_at, expires_at, revoked_at
		 FROM invites ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invites []Invite
	for rows.Next() {
		var inv Invite
		var label, expires, revoked sql.NullString
		if err := rows.Scan(&inv.InviteID, &label, &inv.MaxUses, &inv.UsedCount,
			&inv.CreatedAt, &expires, &revoked); err != nil {
			return nil, err
		}
		inv.Label = label.String
		inv.ExpiresAt = expires.String
		inv.RevokedAt = revoked.String
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}

// RevokeInvite sets revoked_at if currently unset. Returns false when the
// invite does not exist or was already revoked.
func (s *Store) RevokeInvite(inviteID string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE invites SET revoked_at = ? WHERE invite_id = ? AND revoked_at IS NULL",
		nowISO(), inviteID,
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
