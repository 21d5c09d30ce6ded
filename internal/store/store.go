// Package store provides the durable message, read-marker and membership
// storage. The same SQL runs on PostgreSQL (lib/pq) and on SQLite
// (modernc.org/sqlite) for single-node and test deployments.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/windi/messenger/internal/chat"
	"github.com/windi/messenger/internal/metrics"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store manages messages, read markers and chat membership.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// single writer
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}
	return New(db, driver), nil
}

// New wraps an existing database handle.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

var placeholder = regexp.MustCompile(`\$(\d+)`)

// q adapts $N placeholders to the active driver.
func (s *Store) q(query string) string {
	if s.driver == DriverSQLite {
		return placeholder.ReplaceAllString(query, "?$1")
	}
	return query
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// InsertMessageIfAbsent stores a message unless one already exists for
// (chatID, senderID, clientMessageID). It returns the stored record and
// whether this call created it; a duplicate returns the existing record
// unchanged.
func (s *Store) InsertMessageIfAbsent(ctx context.Context, chatID, senderID int64, clientMessageID, text string) (chat.Message, bool, error) {
	defer observe("insert_message", time.Now())

	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO messages (chat_id, sender_id, client_message_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chat_id, sender_id, client_message_id) DO NOTHING
		RETURNING id`),
		chatID, senderID, clientMessageID, text, now.UnixMilli(),
	).Scan(&id)

	switch {
	case err == nil:
		return chat.Message{
			ID:              id,
			ChatID:          chatID,
			SenderID:        senderID,
			Text:            text,
			ClientMessageID: clientMessageID,
			CreatedAt:       time.UnixMilli(now.UnixMilli()).UTC(),
		}, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return chat.Message{}, false, fmt.Errorf("store: insert message: %w", err)
	}

	existing, err := s.messageByDedupKey(ctx, chatID, senderID, clientMessageID)
	if err != nil {
		return chat.Message{}, false, err
	}
	return existing, false, nil
}

func (s *Store) messageByDedupKey(ctx context.Context, chatID, senderID int64, clientMessageID string) (chat.Message, error) {
	m := chat.Message{ChatID: chatID, SenderID: senderID, ClientMessageID: clientMessageID}
	var createdAt int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, text, created_at
		FROM messages
		WHERE chat_id = $1 AND sender_id = $2 AND client_message_id = $3`),
		chatID, senderID, clientMessageID,
	).Scan(&m.ID, &m.Text, &createdAt)
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: load existing message: %w", err)
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	return m, nil
}

// UpsertReadMarker moves the user's read marker to seq if seq is greater than
// the stored value. It reports whether the marker changed.
func (s *Store) UpsertReadMarker(ctx context.Context, chatID, userID, seq int64) (bool, error) {
	defer observe("upsert_read_marker", time.Now())

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO read_markers (chat_id, user_id, last_read_seq, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id, user_id) DO UPDATE
		SET last_read_seq = excluded.last_read_seq, updated_at = excluded.updated_at
		WHERE read_markers.last_read_seq < excluded.last_read_seq`),
		chatID, userID, seq, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("store: upsert read marker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: upsert read marker rows: %w", err)
	}
	return n > 0, nil
}

// ReadMarker returns the stored marker, or a zero LastRead if none exists.
func (s *Store) ReadMarker(ctx context.Context, chatID, userID int64) (chat.ReadMarker, error) {
	rm := chat.ReadMarker{ChatID: chatID, UserID: userID}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT last_read_seq, updated_at FROM read_markers
		WHERE chat_id = $1 AND user_id = $2`),
		chatID, userID,
	).Scan(&rm.LastRead, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rm, nil
	}
	if err != nil {
		return chat.ReadMarker{}, fmt.Errorf("store: read marker: %w", err)
	}
	rm.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rm, nil
}

// MessageCount returns the number of stored messages in a chat.
func (s *Store) MessageCount(ctx context.Context, chatID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM messages WHERE chat_id = $1`), chatID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}
