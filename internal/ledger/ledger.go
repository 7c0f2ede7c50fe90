package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrLedgerUnavailable  = errors.New("ledger unavailable")
)

type ServiceType string

const (
	ServiceLLM            ServiceType = "llm"
	ServiceTTS            ServiceType = "tts"
	ServiceSTT            ServiceType = "stt"
	ServiceVAD            ServiceType = "vad"
	ServiceLLMSummary     ServiceType = "llm_summary"
	ServiceTTSSummary     ServiceType = "tts_summary"
	ServiceSTTSummary     ServiceType = "stt_summary"
	ServiceSessionSummary ServiceType = "session_summary"
)

type Status string

const (
	StatusSuccess   Status = "success"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Entry is one row of the append-only usage log.
type Entry struct {
	ID           string      `json:"id"`
	APIKeyHash   string      `json:"-"`
	AccountID    string      `json:"account_id"`
	ServiceType  ServiceType `json:"service_type"`
	UsageAmount  float64     `json:"usage_amount"`
	Cost         float64     `json:"cost"`
	Model        string      `json:"model"`
	RequestID    string      `json:"request_id,omitempty"`
	Status       Status      `json:"status"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Record is the input to AuthorizeAndRecord.
type Record struct {
	Credential   string
	ServiceType  ServiceType
	UsageAmount  float64
	Cost         float64
	Model        string
	RequestID    string
	Status       Status
	ErrorMessage string
}

// Store is the account store behind the ledger. Implementations return
// ErrAccountNotFound from GetAccountID when no active key matches; every
// other error is treated as a backend fault.
type Store interface {
	GetAccountID(ctx context.Context, keyHash string) (string, error)
	SumActiveCredits(ctx context.Context, accountID string, at time.Time) (float64, error)
	InsertUsage(ctx context.Context, entry *Entry) error
	UsageByAccount(ctx context.Context, accountID string, from, to time.Time) ([]*Entry, error)
	TotalCostByAccount(ctx context.Context, accountID string, from, to time.Time) (float64, error)
	CreateAPIKey(ctx context.Context, keyHash, accountID string) error
	AddCredits(ctx context.Context, accountID string, amount float64, expiresAt time.Time) error
}

const accountCacheTTL = 5 * time.Minute

// Ledger resolves credentials, checks credit and appends usage entries.
// It holds no per-session state and is safe for concurrent use.
type Ledger struct {
	store   Store
	cache   *redis.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New builds a Ledger. cache may be nil, in which case every resolve goes to
// the store.
func New(store Store, cache *redis.Client, logger *zap.Logger, tracer trace.Tracer) *Ledger {
	settings := gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrAccountNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("ledger breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Ledger{
		store:   store,
		cache:   cache,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
		tracer:  tracer,
		now:     time.Now,
	}
}

// HashKey returns the stored form of a credential.
func HashKey(credential string) string {
	h := sha256.New()
	h.Write([]byte(credential))
	return hex.EncodeToString(h.Sum(nil))
}

func (l *Ledger) execute(fn func() (interface{}, error)) (interface{}, error) {
	return l.breaker.Execute(fn)
}

func unavailable(stage string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLedgerUnavailable, stage, err)
}

func cacheKey(keyHash string) string {
	return fmt.Sprintf("ledger:apikey:%s", keyHash)
}

// ResolveAccount maps a credential to its account id. Hits are served from
// the Redis cache for up to five minutes, so a revoked key may still pass
// here; AuthorizeAndRecord always asks the store.
func (l *Ledger) ResolveAccount(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrAccountNotFound
	}
	keyHash := HashKey(credential)

	if l.cache != nil {
		accountID, err := l.cache.Get(ctx, cacheKey(keyHash)).Result()
		if err == nil && accountID != "" {
			return accountID, nil
		}
		if err != nil && err != redis.Nil {
			l.logger.Warn("ledger: redis error on account lookup", zap.Error(err))
		}
	}

	accountID, err := l.lookup(ctx, keyHash)
	if err != nil {
		return "", err
	}

	if l.cache != nil {
		if err := l.cache.Set(ctx, cacheKey(keyHash), accountID, accountCacheTTL).Err(); err != nil {
			l.logger.Warn("ledger: failed to cache account", zap.Error(err))
		}
	}
	return accountID, nil
}

// lookup resolves keyHash against the store in one round trip. A key the
// store no longer knows is evicted from the cache.
func (l *Ledger) lookup(ctx context.Context, keyHash string) (string, error) {
	res, err := l.execute(func() (interface{}, error) {
		return l.store.GetAccountID(ctx, keyHash)
	})
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			l.evict(ctx, keyHash)
			return "", ErrAccountNotFound
		}
		return "", unavailable("resolve account", err)
	}
	return res.(string), nil
}

func (l *Ledger) evict(ctx context.Context, keyHash string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Del(ctx, cacheKey(keyHash)).Err(); err != nil {
		l.logger.Warn("ledger: failed to evict cached account", zap.Error(err))
	}
}

// AvailableCredit sums the account's unexpired grants as of now.
func (l *Ledger) AvailableCredit(ctx context.Context, accountID string) (float64, error) {
	res, err := l.execute(func() (interface{}, error) {
		return l.store.SumActiveCredits(ctx, accountID, l.now())
	})
	if err != nil {
		return 0, unavailable("available credit", err)
	}
	return res.(float64), nil
}

// AuthorizeAndRecord resolves the credential against the store, checks credit
// when the cost is positive, and appends exactly one entry. Nothing is
// written when any step fails.
func (l *Ledger) AuthorizeAndRecord(ctx context.Context, rec Record) (*Entry, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.authorize_and_record")
	defer span.End()
	span.SetAttributes(
		attribute.String("service_type", string(rec.ServiceType)),
		attribute.String("request_id", rec.RequestID),
		attribute.Float64("cost", rec.Cost),
	)

	entry, err := l.authorizeAndRecord(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return entry, nil
}

func (l *Ledger) authorizeAndRecord(ctx context.Context, rec Record) (*Entry, error) {
	if rec.Credential == "" {
		return nil, ErrAccountNotFound
	}
	accountID, err := l.lookup(ctx, HashKey(rec.Credential))
	if err != nil {
		return nil, err
	}

	if rec.Cost > 0 {
		available, err := l.AvailableCredit(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if available < rec.Cost {
			return nil, fmt.Errorf("%w: account %s has %.6f, needs %.6f",
				ErrInsufficientCredit, accountID, available, rec.Cost)
		}
	}

	status := rec.Status
	if status == "" {
		status = StatusSuccess
	}
	entry := &Entry{
		APIKeyHash:   HashKey(rec.Credential),
		AccountID:    accountID,
		ServiceType:  rec.ServiceType,
		UsageAmount:  rec.UsageAmount,
		Cost:         rec.Cost,
		Model:        rec.Model,
		RequestID:    rec.RequestID,
		Status:       status,
		ErrorMessage: rec.ErrorMessage,
		CreatedAt:    l.now(),
	}

	_, err = l.execute(func() (interface{}, error) {
		return nil, l.store.InsertUsage(ctx, entry)
	})
	if err != nil {
		return nil, unavailable("append usage", err)
	}

	l.logger.Debug("usage recorded",
		zap.String("account_id", accountID),
		zap.String("service_type", string(entry.ServiceType)),
		zap.Float64("usage_amount", entry.UsageAmount),
		zap.Float64("cost", entry.Cost),
		zap.String("status", string(entry.Status)),
	)
	return entry, nil
}

// UsageByAccount lists entries created in [from, to], newest first.
func (l *Ledger) UsageByAccount(ctx context.Context, accountID string, from, to time.Time) ([]*Entry, error) {
	res, err := l.execute(func() (interface{}, error) {
		return l.store.UsageByAccount(ctx, accountID, from, to)
	})
	if err != nil {
		return nil, unavailable("usage by account", err)
	}
	return res.([]*Entry), nil
}

// TotalCostByAccount sums the costs of settled sessions in [from, to].
func (l *Ledger) TotalCostByAccount(ctx context.Context, accountID string, from, to time.Time) (float64, error) {
	res, err := l.execute(func() (interface{}, error) {
		return l.store.TotalCostByAccount(ctx, accountID, from, to)
	})
	if err != nil {
		return 0, unavailable("total cost", err)
	}
	return res.(float64), nil
}

// Grant adds a credit grant that counts until expiresAt.
func (l *Ledger) Grant(ctx context.Context, accountID string, amount float64, expiresAt time.Time) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %v", amount)
	}
	return l.store.AddCredits(ctx, accountID, amount, expiresAt)
}

// CreateAPIKey registers an active credential for accountID.
func (l *Ledger) CreateAPIKey(ctx context.Context, credential, accountID string) error {
	return l.store.CreateAPIKey(ctx, HashKey(credential), accountID)
}
