package seeder

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	TestAPIKey    = "test-api-key-12345"
	TestAccountID = "00000000-0000-0000-0000-000000000001"
	TestCredit    = 100.0
)

// Accounts is the part of the ledger the seeder writes through.
type Accounts interface {
	CreateAPIKey(ctx context.Context, credential, accountID string) error
	Grant(ctx context.Context, accountID string, amount float64, expiresAt time.Time) error
}

// SeedTestAccount registers the test key and grants it a year of credit.
func SeedTestAccount(ctx context.Context, accounts Accounts, logger *zap.Logger) {
	if err := accounts.CreateAPIKey(ctx, TestAPIKey, TestAccountID); err != nil {
		logger.Warn("seeder: API key may already exist, skipping", zap.Error(err))
		return
	}
	if err := accounts.Grant(ctx, TestAccountID, TestCredit, time.Now().AddDate(1, 0, 0)); err != nil {
		logger.Error("seeder: failed to grant test credit", zap.Error(err))
		return
	}
	logger.Info("seeder: test account created",
		zap.String("key", TestAPIKey),
		zap.String("account_id", TestAccountID),
		zap.Float64("credit", TestCredit),
	)
}
