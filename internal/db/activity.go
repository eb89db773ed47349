package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hostlane/hostlane/internal/models"
)

// AppendActivity inserts an audit row. Rows are never updated or deleted.
func (s *Store) AppendActivity(ctx context.Context, entry models.ActivityLogEntry) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	if strings.TrimSpace(entry.ServerID) == "" {
		return 0, errors.New("activity server id is required")
	}
	if entry.Action == "" {
		return 0, errors.New("activity action is required")
	}
	if entry.ActorID == "" {
		return 0, errors.New("activity actor is required")
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO activity_log (server_id, actor_id, action, ts, source_address, details)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ServerID,
		entry.ActorID,
		entry.Action,
		formatTime(ts),
		nullIfEmpty(entry.SourceAddress),
		nullIfEmpty(entry.Details),
	)
	if err != nil {
		return 0, fmt.Errorf("insert activity %q for server %s: %w", entry.Action, entry.ServerID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("activity id: %w", err)
	}
	return id, nil
}

// ListActivity returns a server's audit trail in timestamp order, starting after afterID.
func (s *Store) ListActivity(ctx context.Context, serverID string, afterID int64, limit int) ([]models.ActivityLogEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return nil, errors.New("server id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, server_id, actor_id, action, ts, source_address, details
		FROM activity_log WHERE server_id = ? AND id > ? ORDER BY ts ASC, id ASC LIMIT ?`, serverID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()
	var out []models.ActivityLogEntry
	for rows.Next() {
		entry, err := scanActivityRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return out, nil
}

func scanActivityRow(scanner interface{ Scan(dest ...any) error }) (models.ActivityLogEntry, error) {
	var entry models.ActivityLogEntry
	var action, ts string
	var source, details sql.NullString
	if err := scanner.Scan(&entry.ID, &entry.ServerID, &entry.ActorID, &action, &ts, &source, &details); err != nil {
		return models.ActivityLogEntry{}, err
	}
	entry.Action = models.ActivityAction(action)
	parsed, err := parseTime(ts)
	if err != nil {
		return models.ActivityLogEntry{}, fmt.Errorf("parse activity ts: %w", err)
	}
	entry.Timestamp = parsed
	if source.Valid {
		entry.SourceAddress = source.String
	}
	if details.Valid {
		entry.Details = details.String
	}
	return entry, nil
}
