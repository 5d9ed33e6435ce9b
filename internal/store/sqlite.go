package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/graylink/internal/infrastructure/database"
	"github.com/nerrad567/graylink/migrations"
)

// provisionTimeout bounds schema migration during Open.
const provisionTimeout = 30 * time.Second

// SQLiteStore implements Store on the arrived_messages table.
//
// Arrival timestamps are stored as Unix nanoseconds. Ties are broken by
// insertion sequence so ordering is stable even with a coarse clock.
type SQLiteStore struct {
	db    *sql.DB
	owned *database.DB

	now func() time.Time

	// lastArrival keeps timestamps non-decreasing if the wall clock steps back.
	lastArrival int64
	arrivalMu   sync.Mutex
}

// Open provisions the database file, applies the schema and returns a store
// that owns the connection. Any failure is wrapped in ErrUnavailable.
//
// Parameters:
//   - cfg: Database location and pragmas
//
// Returns:
//   - *SQLiteStore: Ready store; Close releases the database
//   - error: ErrUnavailable wrapping the underlying cause
func Open(cfg database.Config) (*SQLiteStore, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s := NewSQLiteStore(db.DB)
	s.owned = db
	return s, nil
}

// NewSQLiteStore wraps an existing connection whose schema is already
// migrated. The caller keeps ownership of db.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:  db,
		now: time.Now,
	}
}

// Close releases the database if the store opened it.
func (s *SQLiteStore) Close() error {
	if s.owned == nil {
		return nil
	}
	return s.owned.Close()
}

// arrivalStamp returns a non-decreasing nanosecond timestamp.
func (s *SQLiteStore) arrivalStamp() int64 {
	s.arrivalMu.Lock()
	defer s.arrivalMu.Unlock()

	ts := s.now().UnixNano()
	if ts < s.lastArrival {
		ts = s.lastArrival
	}
	s.lastArrival = ts
	return ts
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, key, topic string, payload []byte, qos byte, retained, duplicate bool) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	if topic == "" {
		return "", ErrEmptyTopic
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating message id: %w", err)
	}
	if payload == nil {
		payload = []byte{}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO arrived_messages
			(message_id, connection_key, topic, payload, qos, retained, duplicate, arrived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), key, topic, payload, int64(qos), boolToInt(retained), boolToInt(duplicate), s.arrivalStamp(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting message: %w", err)
	}
	return id.String(), nil
}

// AllFor implements Store.
func (s *SQLiteStore) AllFor(ctx context.Context, key string) ([]StoredMessage, error) {
	query := `
		SELECT message_id, connection_key, topic, payload, qos, retained, duplicate, arrived_at
		FROM arrived_messages`
	var args []any
	if key != "" {
		query += " WHERE connection_key = ?"
		args = append(args, key)
	}
	query += " ORDER BY arrived_at ASC, seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []StoredMessage
	for rows.Next() {
		var (
			m                   StoredMessage
			qos                 int64
			retained, duplicate int64
			arrivedAt           int64
		)
		if err := rows.Scan(&m.ID, &m.ConnectionKey, &m.Topic, &m.Payload, &qos, &retained, &duplicate, &arrivedAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.QoS = byte(qos) // #nosec G115 -- CHECK constraint limits qos to 0..2
		m.Retained = retained != 0
		m.Duplicate = duplicate != 0
		m.ArrivedAt = time.Unix(0, arrivedAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM arrived_messages WHERE connection_key = ? AND message_id = ?",
		key, id,
	)
	if err != nil {
		return false, fmt.Errorf("deleting message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context, key string) (int64, error) {
	query := "DELETE FROM arrived_messages"
	var args []any
	if key != "" {
		query += " WHERE connection_key = ?"
		args = append(args, key)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clearing messages: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context, key string) (int, error) {
	query := "SELECT COUNT(*) FROM arrived_messages"
	var args []any
	if key != "" {
		query += " WHERE connection_key = ?"
		args = append(args, key)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
