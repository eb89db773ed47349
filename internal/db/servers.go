package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hostlane/hostlane/internal/models"
	"github.com/shopspring/decimal"
)

// Fixed width so stored timestamps compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const serverColumns = `id, owner_id, name, type, status, previous_status, external_id, ip_address,
	cpu, memory_mb, storage_gb, bandwidth_gb, price_monthly, expires_at, reconciled_at, created_at, updated_at`

var (
	ErrServerNotFound      = errors.New("server not found")
	ErrExternalIDImmutable = errors.New("server external id is immutable")
	ErrServerDeleted       = errors.New("server is deleted")
)

// ServerFilter narrows ListServers. Zero fields match everything.
type ServerFilter struct {
	OwnerID string
	Status  models.ServerStatus
	Limit   int
}

// ServerPatch holds the derived fields a lifecycle action may write.
// Nil fields are left untouched.
type ServerPatch struct {
	ExternalID *string
	IPAddress  *string
	ExpiresAt  *time.Time
}

func (p ServerPatch) empty() bool {
	return p.ExternalID == nil && p.IPAddress == nil && p.ExpiresAt == nil
}

// CreateServer inserts a new server row.
func (s *Store) CreateServer(ctx context.Context, server models.Server) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if server.ID == "" {
		return errors.New("server id is required")
	}
	if server.OwnerID == "" {
		return errors.New("server owner is required")
	}
	if !server.Type.Valid() {
		return fmt.Errorf("invalid server type %q", server.Type)
	}
	if server.Status == "" {
		return errors.New("server status is required")
	}
	now := time.Now().UTC()
	createdAt := server.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := server.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO servers (
		id, owner_id, name, type, status, previous_status, external_id, ip_address,
		cpu, memory_mb, storage_gb, bandwidth_gb, price_monthly, expires_at, reconciled_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		server.ID,
		server.OwnerID,
		server.Name,
		server.Type,
		server.Status,
		nullIfEmpty(string(server.PreviousStatus)),
		nullIfEmpty(server.ExternalID),
		nullIfEmpty(server.IPAddress),
		server.Spec.CPU,
		server.Spec.MemoryMB,
		server.Spec.StorageGB,
		server.Spec.BandwidthGB,
		server.PriceMonthly.String(),
		nullTime(server.ExpiresAt),
		nullTime(server.ReconciledAt),
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert server %s: %w", server.ID, err)
	}
	return nil
}

// GetServer loads the latest committed state of a server.
func (s *Store) GetServer(ctx context.Context, id string) (models.Server, error) {
	if s == nil || s.DB == nil {
		return models.Server{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	server, err := scanServerRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Server{}, fmt.Errorf("%w: %s", ErrServerNotFound, id)
		}
		return models.Server{}, fmt.Errorf("load server %s: %w", id, err)
	}
	return server, nil
}

// ListServers returns servers ordered by created_at descending.
func (s *Store) ListServers(ctx context.Context, filter ServerFilter) ([]models.Server, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	var where []string
	var args []any
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT ` + serverColumns + ` FROM servers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryServers(ctx, "list servers", query, args...)
}

// CountServersByStatus returns a count of servers grouped by status.
func (s *Store) CountServersByStatus(ctx context.Context) (map[models.ServerStatus]int, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM servers GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count servers: %w", err)
	}
	defer rows.Close()
	out := make(map[models.ServerStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan server count: %w", err)
		}
		out[models.ServerStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate server counts: %w", err)
	}
	return out, nil
}

// CompareAndSetStatus moves a server from expected to next if and only if
// its current status is expected. It reports whether the write happened.
//
// DELETED is terminal: a server in DELETED never matches. Moving to DELETED
// also clears the external id and address.
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expected, next models.ServerStatus) (bool, error) {
	return s.compareAndSetStatus(ctx, id, expected, next, nil)
}

// CompareAndSetStatusIfUnchanged is CompareAndSetStatus that also requires
// the row's updated_at to equal updatedAt, so a write based on a stale read
// loses even when intervening actions restored the expected status.
func (s *Store) CompareAndSetStatusIfUnchanged(ctx context.Context, id string, expected, next models.ServerStatus, updatedAt time.Time) (bool, error) {
	return s.compareAndSetStatus(ctx, id, expected, next, &updatedAt)
}

func (s *Store) compareAndSetStatus(ctx context.Context, id string, expected, next models.ServerStatus, updatedAt *time.Time) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("server id is required")
	}
	if expected == "" || next == "" {
		return false, errors.New("expected and next status are required")
	}
	if expected == models.ServerDeleted {
		return false, nil
	}
	query := `UPDATE servers SET status = ?, previous_status = ?, updated_at = ?`
	if next == models.ServerDeleted {
		query += `, external_id = NULL, ip_address = NULL`
	}
	query += ` WHERE id = ? AND status = ? AND status != ?`
	args := []any{next, expected, formatTime(time.Now().UTC()), id, expected, models.ServerDeleted}
	if updatedAt != nil {
		query += ` AND updated_at = ?`
		args = append(args, formatTime(*updatedAt))
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update server %s status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected server %s: %w", id, err)
	}
	return affected > 0, nil
}

// ExpireIfDue moves a server from expected to EXPIRED only while its term
// still ends before now. An extension written after the caller listed the
// server makes this a no-op.
func (s *Store) ExpireIfDue(ctx context.Context, id string, expected models.ServerStatus, now time.Time) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("server id is required")
	}
	if expected != models.ServerActive && expected != models.ServerStopped {
		return false, fmt.Errorf("server %s: only ACTIVE or STOPPED servers expire, not %s", id, expected)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE servers SET status = ?, previous_status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		models.ServerExpired, expected, formatTime(time.Now().UTC()), id, expected, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("expire server %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected server %s: %w", id, err)
	}
	return affected > 0, nil
}

// UpdateServer writes derived fields. A non-empty external id can only be
// rewritten with the same value.
func (s *Store) UpdateServer(ctx context.Context, id string, patch ServerPatch) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("server id is required")
	}
	if patch.empty() {
		return nil
	}
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now().UTC())}
	where := "id = ? AND status != ?"
	whereArgs := []any{id, models.ServerDeleted}
	if patch.ExternalID != nil {
		sets = append(sets, "external_id = ?")
		args = append(args, nullIfEmpty(*patch.ExternalID))
		where += " AND (external_id IS NULL OR external_id = '' OR external_id = ?)"
		whereArgs = append(whereArgs, *patch.ExternalID)
	}
	if patch.IPAddress != nil {
		sets = append(sets, "ip_address = ?")
		args = append(args, nullIfEmpty(*patch.IPAddress))
	}
	if patch.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, nullTime(*patch.ExpiresAt))
	}
	args = append(args, whereArgs...)
	res, err := s.DB.ExecContext(ctx, `UPDATE servers SET `+strings.Join(sets, ", ")+` WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("update server %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected server %s: %w", id, err)
	}
	if affected > 0 {
		return nil
	}
	current, err := s.GetServer(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == models.ServerDeleted {
		return fmt.Errorf("%w: %s", ErrServerDeleted, id)
	}
	return fmt.Errorf("%w: %s has %s", ErrExternalIDImmutable, id, current.ExternalID)
}

// MarkReconciled records when provider state was last merged for a server.
func (s *Store) MarkReconciled(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE servers SET reconciled_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark server %s reconciled: %w", id, err)
	}
	return nil
}

// ListReconcilable returns up to limit provisioned servers that are neither
// DELETED, REQUESTED nor held by an in-flight action, least recently
// reconciled first.
func (s *Store) ListReconcilable(ctx context.Context, limit int) ([]models.Server, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	excluded := append([]models.ServerStatus{models.ServerDeleted, models.ServerRequested}, models.TransitionalStatuses()...)
	placeholders, args := statusArgs(excluded)
	args = append(args, limit)
	query := `SELECT ` + serverColumns + ` FROM servers
		WHERE status NOT IN (` + placeholders + `) AND external_id IS NOT NULL AND external_id != ''
		ORDER BY COALESCE(reconciled_at, '') ASC, id ASC LIMIT ?`
	return s.queryServers(ctx, "list reconcilable servers", query, args...)
}

// ListExpiring returns ACTIVE or STOPPED servers whose term ended before now.
func (s *Store) ListExpiring(ctx context.Context, now time.Time, limit int) ([]models.Server, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	query := `SELECT ` + serverColumns + ` FROM servers
		WHERE status IN (?, ?) AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at ASC LIMIT ?`
	return s.queryServers(ctx, "list expiring servers", query, models.ServerActive, models.ServerStopped, formatTime(now), limit)
}

// ListStaleClaims returns servers held in a transitional status since at or
// before cutoff. REQUESTED rows that old are included too: a provision that
// never reached its claim leaves them behind.
func (s *Store) ListStaleClaims(ctx context.Context, cutoff time.Time) ([]models.Server, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	placeholders, args := statusArgs(append([]models.ServerStatus{models.ServerRequested}, models.TransitionalStatuses()...))
	args = append(args, formatTime(cutoff))
	query := `SELECT ` + serverColumns + ` FROM servers
		WHERE status IN (` + placeholders + `) AND updated_at <= ? ORDER BY updated_at ASC`
	return s.queryServers(ctx, "list stale claims", query, args...)
}

func (s *Store) queryServers(ctx context.Context, op string, query string, args ...any) ([]models.Server, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []models.Server
	for rows.Next() {
		server, err := scanServerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, server)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", op, err)
	}
	return out, nil
}

func statusArgs(statuses []models.ServerStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		marks[i] = "?"
		args[i] = status
	}
	return strings.Join(marks, ", "), args
}

func scanServerRow(scanner interface{ Scan(dest ...any) error }) (models.Server, error) {
	var server models.Server
	var serverType, status string
	var previous, externalID, ip sql.NullString
	var price string
	var expires, reconciled sql.NullString
	var createdAt, updatedAt string
	if err := scanner.Scan(
		&server.ID, &server.OwnerID, &server.Name, &serverType, &status, &previous, &externalID, &ip,
		&server.Spec.CPU, &server.Spec.MemoryMB, &server.Spec.StorageGB, &server.Spec.BandwidthGB,
		&price, &expires, &reconciled, &createdAt, &updatedAt,
	); err != nil {
		return models.Server{}, err
	}
	if status == "" {
		return models.Server{}, errors.New("server status missing")
	}
	server.Type = models.ServerType(serverType)
	server.Status = models.ServerStatus(status)
	if previous.Valid {
		server.PreviousStatus = models.ServerStatus(previous.String)
	}
	if externalID.Valid {
		server.ExternalID = externalID.String
	}
	if ip.Valid {
		server.IPAddress = ip.String
	}
	amount, err := decimal.NewFromString(price)
	if err != nil {
		return models.Server{}, fmt.Errorf("parse price_monthly: %w", err)
	}
	server.PriceMonthly = amount
	if expires.Valid {
		if server.ExpiresAt, err = parseTime(expires.String); err != nil {
			return models.Server{}, fmt.Errorf("parse expires_at: %w", err)
		}
	}
	if reconciled.Valid {
		if server.ReconciledAt, err = parseTime(reconciled.String); err != nil {
			return models.Server{}, fmt.Errorf("parse reconciled_at: %w", err)
		}
	}
	if server.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Server{}, fmt.Errorf("parse created_at: %w", err)
	}
	if server.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Server{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return server, nil
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed, nil
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func nullTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return formatTime(value)
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
