package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AddMember adds userID to chatID. Adding an existing member is a no-op.
func (s *Store) AddMember(ctx context.Context, chatID, userID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO chat_members (chat_id, user_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_id, user_id) DO NOTHING`),
		chatID, userID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: add member: %w", err)
	}
	return nil
}

// RemoveMember removes userID from chatID.
func (s *Store) RemoveMember(ctx context.Context, chatID, userID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM chat_members WHERE chat_id = $1 AND user_id = $2`), chatID, userID)
	if err != nil {
		return fmt.Errorf("store: remove member: %w", err)
	}
	return nil
}

// MembersOf returns the members of chatID in ascending id order.
func (s *Store) MembersOf(ctx context.Context, chatID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT user_id FROM chat_members WHERE chat_id = $1 ORDER BY user_id`), chatID)
	if err != nil {
		return nil, fmt.Errorf("store: members of chat %d: %w", chatID, err)
	}
	return scanIDs(rows)
}

// IsMember reports whether userID belongs to chatID.
func (s *Store) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM chat_members WHERE chat_id = $1 AND user_id = $2`),
		chatID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: is member: %w", err)
	}
	return n > 0, nil
}

// CoMembersOf returns every user sharing at least one chat with userID,
// excluding userID itself.
func (s *Store) CoMembersOf(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT DISTINCT other.user_id
		FROM chat_members self
		JOIN chat_members other ON other.chat_id = self.chat_id
		WHERE self.user_id = $1 AND other.user_id <> $1
		ORDER BY other.user_id`), userID)
	if err != nil {
		return nil, fmt.Errorf("store: co-members of user %d: %w", userID, err)
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate ids: %w", err)
	}
	return ids, nil
}
