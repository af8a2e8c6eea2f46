package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/adscribe/adscribe/internal/models"
)

// subscriberRepo implements SubscriberRepository using GORM.
type subscriberRepo struct {
	db *gorm.DB
}

// NewSubscriberRepository creates a new SubscriberRepository.
func NewSubscriberRepository(db *gorm.DB) SubscriberRepository {
	return &subscriberRepo{db: db}
}

// Add records a subscriber; idempotent by (video_id, ai_user_id, user_id).
func (r *subscriberRepo) Add(ctx context.Context, sub *models.Subscriber) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "video_id"}, {Name: "ai_user_id"}, {Name: "user_id"},
			},
			DoNothing: true,
		}).
		Create(sub).Error
	if err != nil {
		return fmt.Errorf("adding subscriber %s/%s: %w", sub.Key(), sub.UserID, err)
	}
	return nil
}

// List returns all subscribers for a job in insertion order.
func (r *subscriberRepo) List(ctx context.Context, key models.JobKey) ([]*models.Subscriber, error) {
	var subs []*models.Subscriber
	err := r.db.WithContext(ctx).
		Where("video_id = ? AND ai_user_id = ?", key.VideoID, key.AIUserID).
		Order("created_at ASC, id ASC").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("listing subscribers %s: %w", key, err)
	}
	return subs, nil
}

// Get returns one subscriber row by its ULID.
func (r *subscriberRepo) Get(ctx context.Context, id models.ULID) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting subscriber %s: %w", id, err)
	}
	return &sub, nil
}

// Ensure subscriberRepo implements SubscriberRepository at compile time.
var _ SubscriberRepository = (*subscriberRepo)(nil)
