package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var Schema string

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccountID(ctx context.Context, keyHash string) (string, error) {
	query := `
		SELECT user_uuid::text
		FROM apikeys
		WHERE api_key = $1 AND status = 'active'
	`

	var accountID string
	err := s.db.QueryRow(ctx, query, keyHash).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAccountNotFound
		}
		return "", fmt.Errorf("failed to get account: %w", err)
	}

	return accountID, nil
}

func (s *PostgresStore) SumActiveCredits(ctx context.Context, accountID string, at time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(credits), 0)
		FROM credits
		WHERE user_uuid = $1 AND expired_at >= $2
	`

	var total float64
	if err := s.db.QueryRow(ctx, query, accountID, at).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum credits: %w", err)
	}

	return total, nil
}

func (s *PostgresStore) InsertUsage(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO usage_logs (api_key, user_uuid, service_type, usage_amount, cost, model, request_id, status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''), $10)
		RETURNING id::text
	`
	err := s.db.QueryRow(ctx, query,
		e.APIKeyHash, e.AccountID, string(e.ServiceType), e.UsageAmount, e.Cost,
		e.Model, e.RequestID, string(e.Status), e.ErrorMessage, e.CreatedAt,
	).Scan(&e.ID)

	if err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}

	return nil
}

func (s *PostgresStore) UsageByAccount(ctx context.Context, accountID string, from, to time.Time) ([]*Entry, error) {
	query := `
		SELECT id::text, user_uuid::text, service_type, usage_amount, cost, model,
		       COALESCE(request_id, ''), status, COALESCE(error_message, ''), created_at
		FROM usage_logs
		WHERE user_uuid = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e           Entry
			serviceType string
			status      string
		)
		err := rows.Scan(
			&e.ID, &e.AccountID, &serviceType, &e.UsageAmount, &e.Cost, &e.Model,
			&e.RequestID, &status, &e.ErrorMessage, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		e.ServiceType = ServiceType(serviceType)
		e.Status = Status(status)
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return entries, nil
}

func (s *PostgresStore) TotalCostByAccount(ctx context.Context, accountID string, from, to time.Time) (float64, error) {
	// Per-kind summaries and per-call rows repeat what the session total
	// already covers.
	query := `
		SELECT COALESCE(SUM(cost), 0)
		FROM usage_logs
		WHERE user_uuid = $1 AND created_at BETWEEN $2 AND $3
		  AND status <> 'error'
		  AND service_type = 'session_summary'
	`
	var total float64
	err := s.db.QueryRow(ctx, query, accountID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}

	return total, nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, keyHash, accountID string) error {
	query := `
		INSERT INTO apikeys (api_key, user_uuid, status)
		VALUES ($1, $2, 'active')
	`
	if _, err := s.db.Exec(ctx, query, keyHash, accountID); err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddCredits(ctx context.Context, accountID string, amount float64, expiresAt time.Time) error {
	query := `
		INSERT INTO credits (user_uuid, credits, expired_at)
		VALUES ($1, $2, $3)
	`
	if _, err := s.db.Exec(ctx, query, accountID, amount, expiresAt); err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}
	return nil
}
