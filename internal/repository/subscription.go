package repository

import (
	"context"

	"purchase-processor/internal/model"

	"gorm.io/gorm"
)

type SubscriptionRepository interface {
	Create(ctx context.Context, tx *gorm.DB, sub *model.PaymentsSubscription) error
	Save(ctx context.Context, tx *gorm.DB, sub *model.PaymentsSubscription) error
	Delete(ctx context.Context, tx *gorm.DB, id uint) error
	FindByID(ctx context.Context, tx *gorm.DB, id uint) (*model.PaymentsSubscription, error)
	FindByUUID(ctx context.Context, uuid string) (*model.PaymentsSubscription, error)
	FindByProviderID(ctx context.Context, tx *gorm.DB, provider model.Provider, providerID string) (*model.PaymentsSubscription, error)
}

type subscriptionRepoImpl struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepoImpl{
		db: db,
	}
}

func (r *subscriptionRepoImpl) Create(ctx context.Context, tx *gorm.DB, sub *model.PaymentsSubscription) error {
	return conn(r.db, tx).WithContext(ctx).Create(sub).Error
}

func (r *subscriptionRepoImpl) Save(ctx context.Context, tx *gorm.DB, sub *model.PaymentsSubscription) error {
	return conn(r.db, tx).WithContext(ctx).Save(sub).Error
}

// Delete removes a subscription that never reached the provider.
func (r *subscriptionRepoImpl) Delete(ctx context.Context, tx *gorm.DB, id uint) error {
	return conn(r.db, tx).WithContext(ctx).
		Where("id = ? AND state = ?", id, model.SubscriptionPending).
		Delete(&model.PaymentsSubscription{}).Error
}

func (r *subscriptionRepoImpl) FindByID(ctx context.Context, tx *gorm.DB, id uint) (*model.PaymentsSubscription, error) {
	var sub model.PaymentsSubscription
	err := conn(r.db, tx).WithContext(ctx).
		Where("id = ?", id).
		First(&sub).
		Error
	if err != nil {
		return nil, notFound(err)
	}

	return &sub, nil
}

func (r *subscriptionRepoImpl) FindByUUID(ctx context.Context, uuid string) (*model.PaymentsSubscription, error) {
	var sub model.PaymentsSubscription
	err := r.db.WithContext(ctx).
		Where("uuid = ?", uuid).
		First(&sub).
		Error
	if err != nil {
		return nil, notFound(err)
	}

	return &sub, nil
}

func (r *subscriptionRepoImpl) FindByProviderID(ctx context.Context, tx *gorm.DB, provider model.Provider, providerID string) (*model.PaymentsSubscription, error) {
	var sub model.PaymentsSubscription
	err := conn(r.db, tx).WithContext(ctx).
		Where("provider = ? AND provider_id = ?", provider, providerID).
		First(&sub).
		Error
	if err != nil {
		return nil, notFound(err)
	}

	return &sub, nil
}
