// Package cache persists the session's notification list in SQLite so the
// CLI can show the last known state before the first refresh completes.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/notiflow/db"
	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/logger"
	"github.com/teranos/notiflow/notification"
)

// Store reads and writes cached notifications for one organization scope.
type Store struct {
	db     *sql.DB
	scope  string
	logger *zap.SugaredLogger
}

// NewStore returns a store scoped to orgID ("" for the token's default org).
func NewStore(conn *sql.DB, orgID string, l *zap.SugaredLogger) *Store {
	return &Store{
		db:     conn,
		scope:  orgID,
		logger: logger.OrNop(l).With(logger.FieldComponent, "cache", logger.FieldOrgID, orgID),
	}
}

// Load returns the cached list in its stored order (newest first).
func (s *Store) Load(ctx context.Context) ([]notification.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, id, type, title, message, data, timestamp, read
		FROM notifications
		WHERE scope = ?
		ORDER BY position ASC`, s.scope)
	if err != nil {
		return nil, wrapDBError(err, "failed to query cached notifications")
	}
	defer rows.Close()

	var out []notification.Notification
	for rows.Next() {
		var (
			n         notification.Notification
			id, typ   string
			data      sql.NullString
			timestamp string
		)
		if err := rows.Scan(&n.Key, &id, &typ, &n.Title, &n.Message, &data, &timestamp, &n.Read); err != nil {
			return nil, wrapDBError(err, "failed to scan cached notification")
		}
		n.ID = notification.ID(id)
		n.Type = notification.ParseSeverity(typ)
		n.Timestamp = notification.ParseTimestamp(timestamp)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &n.Data); err != nil {
				s.logger.Warnw("Dropping unreadable cached payload",
					logger.FieldNotificationID, n.Key,
					logger.FieldError, err)
				n.Data = nil
			}
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError(err, "failed to iterate cached notifications")
	}
	return out, nil
}

// Replace overwrites the cached list with ns, keeping its order.
func (s *Store) Replace(ctx context.Context, ns []notification.Notification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError(err, "failed to begin cache transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM notifications WHERE scope = ?", s.scope); err != nil {
		return wrapDBError(err, "failed to clear cached notifications")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO notifications (scope, key, id, type, title, message, data, timestamp, read, position, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return wrapDBError(err, "failed to prepare cache insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, n := range ns {
		args, err := s.rowArgs(n, i, now)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return wrapDBError(err, "failed to insert cached notification")
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapDBError(err, "failed to commit cached notifications")
	}

	s.logger.Debugw("Cache replaced", logger.FieldCount, len(ns))
	return nil
}

// Upsert stores n. A new key goes to the front of the list; an existing key
// keeps its position.
func (s *Store) Upsert(ctx context.Context, n notification.Notification) error {
	var front sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT MIN(position) FROM notifications WHERE scope = ?", s.scope).Scan(&front); err != nil {
		return wrapDBError(err, "failed to read cache head")
	}
	position := 0
	if front.Valid {
		position = int(front.Int64) - 1
	}

	args, err := s.rowArgs(n, position, time.Now().UTC())
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (scope, key, id, type, title, message, data, timestamp, read, position, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, key) DO UPDATE SET
			id = excluded.id,
			type = excluded.type,
			title = excluded.title,
			message = excluded.message,
			data = excluded.data,
			timestamp = excluded.timestamp,
			read = excluded.read,
			updated_at = excluded.updated_at`, args...)
	if err != nil {
		return wrapDBError(err, "failed to upsert cached notification")
	}
	return nil
}

// Remove deletes the entry with the given key. Unknown keys are not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM notifications WHERE scope = ? AND key = ?", s.scope, key); err != nil {
		return wrapDBError(err, "failed to remove cached notification")
	}
	return nil
}

// Clear deletes every entry in the scope.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE scope = ?", s.scope); err != nil {
		return wrapDBError(err, "failed to clear cached notifications")
	}
	return nil
}

func (s *Store) rowArgs(n notification.Notification, position int, now time.Time) ([]interface{}, error) {
	if n.Key == "" {
		notification.AssignKey(&n)
	}

	var data sql.NullString
	if n.Data != nil {
		b, err := json.Marshal(n.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode data for notification %s", n.Key)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}

	timestamp := ""
	if !n.Timestamp.IsZero() {
		timestamp = n.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	return []interface{}{
		s.scope, n.Key, string(n.ID), string(n.Type), n.Title, n.Message,
		data, timestamp, n.Read, position, now,
	}, nil
}

func wrapDBError(err error, msg string) error {
	if db.IsDatabaseClosed(err) {
		return errors.Wrap(errors.WithSecondaryError(db.ErrDatabaseClosed, err), msg)
	}
	return errors.Wrap(err, msg)
}
