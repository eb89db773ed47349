package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hostlane/hostlane/internal/models"
	"github.com/shopspring/decimal"
)

var ErrInsufficientFunds = errors.New("insufficient credits")

// CreditBalance returns a user's prepaid balance. Unknown users have zero.
func (s *Store) CreditBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if s == nil || s.DB == nil {
		return decimal.Zero, errors.New("db store is nil")
	}
	if strings.TrimSpace(userID) == "" {
		return decimal.Zero, errors.New("user id is required")
	}
	var raw string
	err := s.DB.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load credits for %s: %w", userID, err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance for %s: %w", userID, err)
	}
	return balance, nil
}

// TopUpCredits adds amount to a user's balance.
func (s *Store) TopUpCredits(ctx context.Context, userID string, amount decimal.Decimal, reference string) (models.CreditTransaction, error) {
	return s.applyCredit(ctx, userID, models.CreditTopUp, amount, reference)
}

// DebitCredits atomically subtracts amount from a user's balance, failing
// with ErrInsufficientFunds without any write when the balance is short.
func (s *Store) DebitCredits(ctx context.Context, userID string, amount decimal.Decimal, reference string) (models.CreditTransaction, error) {
	return s.applyCredit(ctx, userID, models.CreditDebit, amount, reference)
}

func (s *Store) applyCredit(ctx context.Context, userID string, kind models.CreditTransactionKind, amount decimal.Decimal, reference string) (models.CreditTransaction, error) {
	if s == nil || s.DB == nil {
		return models.CreditTransaction{}, errors.New("db store is nil")
	}
	if strings.TrimSpace(userID) == "" {
		return models.CreditTransaction{}, errors.New("user id is required")
	}
	if !amount.IsPositive() {
		return models.CreditTransaction{}, errors.New("credit amount must be positive")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("begin credit %s: %w", kind, err)
	}
	defer func() { _ = tx.Rollback() }()

	balance := decimal.Zero
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE user_id = ?`, userID).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return models.CreditTransaction{}, fmt.Errorf("load credits for %s: %w", userID, err)
	default:
		if balance, err = decimal.NewFromString(raw); err != nil {
			return models.CreditTransaction{}, fmt.Errorf("parse balance for %s: %w", userID, err)
		}
	}

	next := balance.Add(amount)
	if kind == models.CreditDebit {
		next = balance.Sub(amount)
		if next.IsNegative() {
			return models.CreditTransaction{}, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, balance.StringFixed(2), amount.StringFixed(2))
		}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `INSERT INTO credit_accounts (user_id, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		userID, next.String(), formatTime(now)); err != nil {
		return models.CreditTransaction{}, fmt.Errorf("write balance for %s: %w", userID, err)
	}
	record := models.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: next,
		Reference:    reference,
		CreatedAt:    now,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO credit_transactions (id, user_id, kind, amount, balance_after, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.UserID, record.Kind, record.Amount.String(), record.BalanceAfter.String(),
		nullIfEmpty(record.Reference), formatTime(record.CreatedAt)); err != nil {
		return models.CreditTransaction{}, fmt.Errorf("record credit %s for %s: %w", kind, userID, err)
	}
	if err := tx.Commit(); err != nil {
		return models.CreditTransaction{}, fmt.Errorf("commit credit %s for %s: %w", kind, userID, err)
	}
	return record, nil
}

// ListCreditTransactions returns a user's most recent ledger movements, newest first.
func (s *Store) ListCreditTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, kind, amount, balance_after, reference, created_at
		FROM credit_transactions WHERE user_id = ? ORDER BY created_at DESC, id ASC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()
	var out []models.CreditTransaction
	for rows.Next() {
		var record models.CreditTransaction
		var kind, amount, after, createdAt string
		var reference sql.NullString
		if err := rows.Scan(&record.ID, &record.UserID, &kind, &amount, &after, &reference, &createdAt); err != nil {
			return nil, err
		}
		record.Kind = models.CreditTransactionKind(kind)
		if record.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if record.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, fmt.Errorf("parse balance_after: %w", err)
		}
		if reference.Valid {
			record.Reference = reference.String
		}
		if record.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credit transactions: %w", err)
	}
	return out, nil
}
