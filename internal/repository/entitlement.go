package repository

import (
	"context"
	"time"

	"purchase-processor/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EntitlementRepository interface {
	// Grant creates the owner's entitlement to a product or, when one exists,
	// re-points it at the new offer and expiry.
	Grant(ctx context.Context, tx *gorm.DB, e *model.Entitlement) (*model.Entitlement, error)
	Save(ctx context.Context, tx *gorm.DB, e *model.Entitlement) error
	FindByID(ctx context.Context, tx *gorm.DB, id uint) (*model.Entitlement, error)
	FindByOwner(ctx context.Context, tx *gorm.DB, ownerKey string, productID uint) (*model.Entitlement, error)
	ListByOwner(ctx context.Context, ownerKey string) ([]*model.Entitlement, error)
}

type entitlementRepoImpl struct {
	db *gorm.DB
}

func NewEntitlementRepository(db *gorm.DB) EntitlementRepository {
	return &entitlementRepoImpl{
		db: db,
	}
}

func (r *entitlementRepoImpl) Grant(ctx context.Context, tx *gorm.DB, e *model.Entitlement) (*model.Entitlement, error) {
	db := conn(r.db, tx).WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_key"}, {Name: "product_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"offer_id":                 e.OfferID,
			"provider":                 e.Provider,
			"realm_id":                 e.RealmID,
			"customer_id":              e.CustomerID,
			"payments_subscription_id": e.PaymentsSubscriptionID,
			"expires_at":               e.ExpiresAt,
			"successful_payments":      e.SuccessfulPayments,
			"updated_at":               time.Now(),
		}),
	}).Create(e).Error
	if err != nil {
		return nil, err
	}

	// The upserted row id is not portable across drivers; read it back.
	return r.FindByOwner(ctx, tx, e.OwnerKey, e.ProductID)
}

func (r *entitlementRepoImpl) Save(ctx context.Context, tx *gorm.DB, e *model.Entitlement) error {
	return conn(r.db, tx).WithContext(ctx).Save(e).Error
}

func (r *entitlementRepoImpl) FindByID(ctx context.Context, tx *gorm.DB, id uint) (*model.Entitlement, error) {
	var e model.Entitlement
	err := conn(r.db, tx).WithContext(ctx).
		Where("id = ?", id).
		First(&e).Error
	if err != nil {
		return nil, notFound(err)
	}

	return &e, nil
}

func (r *entitlementRepoImpl) FindByOwner(ctx context.Context, tx *gorm.DB, ownerKey string, productID uint) (*model.Entitlement, error) {
	var e model.Entitlement
	err := conn(r.db, tx).WithContext(ctx).
		Where("owner_key = ? AND product_id = ?", ownerKey, productID).
		First(&e).Error
	if err != nil {
		return nil, notFound(err)
	}

	return &e, nil
}

func (r *entitlementRepoImpl) ListByOwner(ctx context.Context, ownerKey string) ([]*model.Entitlement, error) {
	var es []*model.Entitlement
	err := r.db.WithContext(ctx).
		Where("owner_key = ?", ownerKey).
		Order("id").
		Find(&es).Error
	if err != nil {
		return nil, err
	}

	return es, nil
}
