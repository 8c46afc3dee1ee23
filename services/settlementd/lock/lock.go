// Package lock implements a fleet-wide mutex on top of the database's unique
// index on (type, resource_id). Exclusivity lives in the store, so the
// primitive holds across any number of service instances.
package lock

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	serrors "nftledger/services/settlementd/errors"
	"nftledger/services/settlementd/models"
)

const (
	DefaultTTL         = 10 * time.Second
	DefaultBackoff     = 500 * time.Millisecond
	DefaultMaxAttempts = 120
	DefaultMaxWait     = 60 * time.Second

	pgUniqueViolation = "23505"
)

// Config tunes acquisition. Zero values fall back to the defaults above.
type Config struct {
	TTL         time.Duration
	Backoff     time.Duration
	MaxAttempts int
	MaxWait     time.Duration
	Logger      *slog.Logger
	// Observer is notified about contention; optional.
	Observer Observer
}

// Observer receives lock contention signals for metrics.
type Observer interface {
	LockContended(lockType string)
	LockExhausted(lockType string)
}

// Manager acquires and releases lock rows.
type Manager struct {
	db          *gorm.DB
	ttl         time.Duration
	backoff     time.Duration
	maxAttempts int
	maxWait     time.Duration
	logger      *slog.Logger
	observer    Observer
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
}

// NewManager constructs a lock manager bound to db.
func NewManager(db *gorm.DB, cfg Config) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("lock: database required")
	}
	m := &Manager{
		db:          db,
		ttl:         cfg.TTL,
		backoff:     cfg.Backoff,
		maxAttempts: cfg.MaxAttempts,
		maxWait:     cfg.MaxWait,
		logger:      cfg.Logger,
		observer:    cfg.Observer,
		now:         time.Now,
		sleep:       sleepContext,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.backoff <= 0 {
		m.backoff = DefaultBackoff
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.maxWait <= 0 {
		m.maxWait = DefaultMaxWait
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// WithClock overrides the time source. Intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// Do runs fn while holding the (lockType, resourceID) lock. The lock row is
// removed once fn returns, whatever the outcome.
func (m *Manager) Do(ctx context.Context, lockType, resourceID string, fn func(ctx context.Context) error) error {
	_, err := WithLock(ctx, m, lockType, resourceID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// WithLock runs fn under the lock and returns its result.
func WithLock[T any](ctx context.Context, m *Manager, lockType, resourceID string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := m.acquire(ctx, lockType, resourceID); err != nil {
		return zero, err
	}
	defer m.release(lockType, resourceID)
	return fn(ctx)
}

func (m *Manager) acquire(ctx context.Context, lockType, resourceID string) error {
	if strings.TrimSpace(lockType) == "" || strings.TrimSpace(resourceID) == "" {
		return serrors.New(serrors.CodeValidation, "lock", "type and resource id required")
	}
	started := m.now()
	for attempt := 1; ; attempt++ {
		err := m.tryInsert(ctx, lockType, resourceID)
		if err == nil {
			return nil
		}
		if !IsUniqueViolation(err) {
			return fmt.Errorf("lock: acquire %s/%s: %w", lockType, resourceID, err)
		}
		if m.observer != nil {
			m.observer.LockContended(lockType)
		}
		waited := m.now().Sub(started)
		if attempt >= m.maxAttempts || waited+m.backoff > m.maxWait {
			if m.observer != nil {
				m.observer.LockExhausted(lockType)
			}
			m.logger.Warn("lock contention exhausted",
				slog.String("type", lockType),
				slog.String("resource", resourceID),
				slog.Int("attempts", attempt),
				slog.Duration("waited", waited))
			return &serrors.Error{
				Code: serrors.CodeContentionExhausted,
				Op:   "lock",
				Msg:  fmt.Sprintf("%s/%s still held after %d attempts", lockType, resourceID, attempt),
			}
		}
		if err := m.sleep(ctx, m.backoff); err != nil {
			return err
		}
	}
}

func (m *Manager) tryInsert(ctx context.Context, lockType, resourceID string) error {
	now := m.now().UTC()
	db := m.db.WithContext(ctx)
	if err := db.Where("type = ? AND expires_at <= ?", lockType, now).Delete(&models.Lock{}).Error; err != nil {
		return fmt.Errorf("purge expired: %w", err)
	}
	row := models.Lock{
		Type:       lockType,
		ResourceID: resourceID,
		ExpiresAt:  now.Add(m.ttl),
		CreatedAt:  now,
	}
	return db.Create(&row).Error
}

func (m *Manager) release(lockType, resourceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.db.WithContext(ctx).
		Where("type = ? AND resource_id = ?", lockType, resourceID).
		Delete(&models.Lock{}).Error
	if err != nil {
		m.logger.Error("lock release failed",
			slog.String("type", lockType),
			slog.String("resource", resourceID),
			slog.Any("error", err))
	}
}

// IsUniqueViolation reports whether err came from a unique-index conflict,
// across the drivers the service runs against.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
