package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/IamMattHenry/salemate-notify/internal/models"
	apperrors "github.com/IamMattHenry/salemate-notify/pkg/errors"
)

// DefaultTimeout bounds every store call so a stalled database surfaces as a
// retryable failure instead of a hang.
const DefaultTimeout = 5 * time.Second

// Store is the durable notification record. It is the only shared mutable
// resource in the engine: all read-state mutation goes through its atomic
// single- or multi-row primitives, and every committed mutation is published
// on the change feed.
type Store struct {
	db      *gorm.DB
	feed    *Feed
	timeout time.Duration
}

// Option customises the Store.
type Option func(*Store)

// WithTimeout overrides the per-call timeout budget.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New constructs a Store around the provided database handle.
func New(db *gorm.DB, feed *Feed, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("store: db is required")
	}
	if feed == nil {
		feed = NewFeed()
	}

	s := &Store{db: db, feed: feed, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Feed exposes the change feed for delivery subscriptions.
func (s *Store) Feed() *Feed { return s.feed }

// Create persists a new notification and publishes a created event.
func (s *Store) Create(ctx context.Context, notification *models.Notification) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		return s.mapError(ctx, fmt.Errorf("store: create notification: %w", err))
	}

	s.feed.Publish(Change{Kind: ChangeCreated, NotificationID: notification.ID})
	return nil
}

// Get loads a notification with its read rows.
func (s *Store) Get(ctx context.Context, id string) (*models.Notification, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var notification models.Notification
	err := s.db.WithContext(ctx).
		Preload("Reads").
		First(&notification, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, s.mapError(ctx, fmt.Errorf("store: load notification: %w", err))
	}

	return &notification, nil
}

// ListRecent returns the newest notifications with read rows preloaded,
// ordered by creation time descending with the id as tiebreak. This is the
// indexed recent-history window every visibility computation starts from.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]models.Notification, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	var rows []models.Notification
	err := s.db.WithContext(ctx).
		Preload("Reads").
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, s.mapError(ctx, fmt.Errorf("store: list recent: %w", err))
	}

	return rows, nil
}

// MarkBroadcastRead adds the recipient to a broadcast notification's read
// set. Membership is add-only and idempotent: a duplicate acknowledgement
// conflicts on the composite key and is skipped, so concurrent reads from
// different recipients commute and retries are safe.
func (s *Store) MarkBroadcastRead(ctx context.Context, notificationID, recipientID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	row := models.NotificationRead{
		NotificationID: notificationID,
		RecipientID:    recipientID,
		CreatedAt:      time.Now().UTC(),
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return s.mapError(ctx, fmt.Errorf("store: mark broadcast read: %w", err))
	}

	s.feed.Publish(Change{Kind: ChangeRead, NotificationID: notificationID})
	return nil
}

// MarkTargetedRead flips a targeted notification's read flag. The flag moves
// false to true exactly once; repeating the update is a no-op.
func (s *Store) MarkTargetedRead(ctx context.Context, notificationID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND read = ?", notificationID, false).
		Updates(map[string]any{"read": true, "read_at": now}).Error
	if err != nil {
		return s.mapError(ctx, fmt.Errorf("store: mark targeted read: %w", err))
	}

	s.feed.Publish(Change{Kind: ChangeRead, NotificationID: notificationID})
	return nil
}

// MarkManyRead applies the read mutation for every supplied notification in
// one transaction. Either every row is marked or none is: a failure part way
// through rolls the whole batch back so the caller never half-clears an
// inbox.
func (s *Store) MarkManyRead(ctx context.Context, recipientID string, broadcastIDs, targetedIDs []string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if len(broadcastIDs) == 0 && len(targetedIDs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(broadcastIDs) > 0 {
			rows := make([]models.NotificationRead, 0, len(broadcastIDs))
			for _, id := range broadcastIDs {
				rows = append(rows, models.NotificationRead{
					NotificationID: id,
					RecipientID:    recipientID,
					CreatedAt:      now,
				})
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
				return err
			}
		}

		if len(targetedIDs) > 0 {
			if err := tx.Model(&models.Notification{}).
				Where("id IN ? AND read = ?", targetedIDs, false).
				Updates(map[string]any{"read": true, "read_at": now}).Error; err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return s.mapError(ctx, fmt.Errorf("store: mark many read: %w", err))
	}

	for _, id := range append(broadcastIDs, targetedIDs...) {
		s.feed.Publish(Change{Kind: ChangeRead, NotificationID: id})
	}
	return nil
}

// DeleteOlderThan removes notifications created before the cutoff together
// with their read rows. Used by the retention pruner.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&models.Notification{}).
			Where("created_at < ?", cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Where("notification_id IN ?", ids).
			Delete(&models.NotificationRead{}).Error; err != nil {
			return err
		}

		result := tx.Where("id IN ?", ids).Delete(&models.Notification{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, s.mapError(ctx, fmt.Errorf("store: delete older than: %w", err))
	}

	if removed > 0 {
		s.feed.Publish(Change{Kind: ChangePruned})
	}
	return removed, nil
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// mapError folds timeouts and transport failures into the retryable
// StoreUnavailable taxonomy; everything else passes through wrapped.
func (s *Store) mapError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		(ctx != nil && ctx.Err() != nil) {
		return apperrors.ErrStoreUnavailable.WithInternal(err)
	}
	return err
}
