package repository

import (
	"context"
	"errors"
	"time"

	"purchase-processor/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentMethodRepository interface {
	Save(ctx context.Context, tx *gorm.DB, pm *model.PaymentMethod) error
	GetToken(ctx context.Context, customerID uint, provider model.Provider) (string, error)
}

type paymentMethodRepoImpl struct {
	db *gorm.DB
}

func NewPaymentMethodRepository(db *gorm.DB) PaymentMethodRepository {
	return &paymentMethodRepoImpl{
		db: db,
	}
}

func (r *paymentMethodRepoImpl) Save(ctx context.Context, tx *gorm.DB, pm *model.PaymentMethod) error {
	return conn(r.db, tx).WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "customer_id"}, {Name: "provider"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"token":      pm.Token,
			"updated_at": time.Now(),
		}),
	}).Create(pm).Error
}

// GetToken returns ErrNotFound when the customer has nothing vaulted.
func (r *paymentMethodRepoImpl) GetToken(ctx context.Context, customerID uint, provider model.Provider) (string, error) {
	var pm model.PaymentMethod
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND provider = ?", customerID, provider).
		First(&pm).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	return pm.Token, nil
}
