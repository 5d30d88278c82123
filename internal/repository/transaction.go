package repository

import (
	"context"
	"fmt"
	"time"

	"purchase-processor/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type TransactionRepository interface {
	Create(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	Save(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	FindByID(ctx context.Context, tx *gorm.DB, id uint) (*model.Transaction, error)
	FindByUUID(ctx context.Context, uuid string) (*model.Transaction, error)
	FindByProviderID(ctx context.Context, tx *gorm.DB, provider model.Provider, kind model.TransactionKind, providerID string) (*model.Transaction, error)
	FindByRedirectToken(ctx context.Context, provider model.Provider, token string) (*model.Transaction, error)
	SumRefunded(ctx context.Context, tx *gorm.DB, referenceID uint) (decimal.Decimal, error)
	ListPendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error)
	ListOpenRedirects(ctx context.Context, realmID, customerID, productID uint) ([]*model.Transaction, error)
	ListEstimatedFees(ctx context.Context, providers []model.Provider, since time.Time, limit int) ([]*model.Transaction, error)
}

type transactionRepoImpl struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepoImpl{
		db: db,
	}
}

func (r *transactionRepoImpl) Create(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return conn(r.db, tx).WithContext(ctx).Create(t).Error
}

// Save writes the whole row so the model's validation hook sees final values.
func (r *transactionRepoImpl) Save(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return conn(r.db, tx).WithContext(ctx).Save(t).Error
}

func (r *transactionRepoImpl) FindByID(ctx context.Context, tx *gorm.DB, id uint) (*model.Transaction, error) {
	var t model.Transaction
	err := conn(r.db, tx).WithContext(ctx).
		Where("id = ?", id).
		First(&t).Error
	if err != nil {
		return nil, notFound(err)
	}

	return &t, nil
}

func (r *transactionRepoImpl) FindByUUID(ctx context.Context, uuid string) (*model.Transaction, error) {
	var t model.Transaction
	err := r.db.WithContext(ctx).
		Where("uuid = ?", uuid).
		First(&t).Error
	if err != nil {
		return nil, notFound(err)
	}

	return &t, nil
}

func (r *transactionRepoImpl) FindByProviderID(ctx context.Context, tx *gorm.DB, provider model.Provider, kind model.TransactionKind, providerID string) (*model.Transaction, error) {
	var t model.Transaction
	err := conn(r.db, tx).WithContext(ctx).
		Where("provider = ? AND kind = ? AND provider_id = ?", provider, kind, providerID).
		Order("id DESC").
		First(&t).Error
	if err != nil {
		return nil, notFound(err)
	}

	return &t, nil
}

// FindByRedirectToken finds the purchase a provider approval page was opened for.
func (r *transactionRepoImpl) FindByRedirectToken(ctx context.Context, provider model.Provider, token string) (*model.Transaction, error) {
	var t model.Transaction
	err := r.db.WithContext(ctx).
		Where("provider = ? AND kind = ? AND redirect_token = ?", provider, model.KindPurchase, token).
		First(&t).Error
	if err != nil {
		return nil, notFound(err)
	}

	return &t, nil
}

// SumRefunded returns the magnitude already refunded against a purchase.
func (r *transactionRepoImpl) SumRefunded(ctx context.Context, tx *gorm.DB, referenceID uint) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := conn(r.db, tx).WithContext(ctx).
		Model(&model.Transaction{}).
		Select("SUM(subtotal)").
		Where("reference_id = ? AND kind = ? AND state <> ?", referenceID, model.KindRefund, model.StateFailed).
		Row().
		Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum refunds for %d: %w", referenceID, err)
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}

	return sum.Decimal.Abs(), nil
}

func (r *transactionRepoImpl) ListPendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	var ts []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("kind = ? AND state = ? AND created_at < ?", model.KindPurchase, model.StatePending, olderThan).
		Order("id").
		Limit(limit).
		Find(&ts).Error
	if err != nil {
		return nil, err
	}

	return ts, nil
}

// ListOpenRedirects returns pending purchases of a product still waiting for
// the customer to approve them at the provider. A zero customerID matches the
// whole realm.
func (r *transactionRepoImpl) ListOpenRedirects(ctx context.Context, realmID, customerID, productID uint) ([]*model.Transaction, error) {
	q := r.db.WithContext(ctx).
		Where("kind = ? AND state = ? AND redirect_token <> '' AND realm_id = ? AND product_id = ?",
			model.KindPurchase, model.StatePending, realmID, productID)
	if customerID != 0 {
		q = q.Where("customer_id = ?", customerID)
	}

	var ts []*model.Transaction
	if err := q.Order("id DESC").Find(&ts).Error; err != nil {
		return nil, err
	}

	return ts, nil
}

// ListEstimatedFees returns recent refunds and redirect purchases from the
// given providers whose fee is still the flat-rate estimate. Subscription
// cycles carry no order to read back and are left out.
func (r *transactionRepoImpl) ListEstimatedFees(ctx context.Context, providers []model.Provider, since time.Time, limit int) ([]*model.Transaction, error) {
	if len(providers) == 0 {
		return nil, nil
	}

	var ts []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("state = ? AND fee_estimated = ? AND provider_id <> '' AND provider IN ? AND created_at >= ?",
			model.StateComplete, true, providers, since).
		Where("kind = ? OR (kind = ? AND redirect_token <> '')", model.KindRefund, model.KindPurchase).
		Order("id").
		Limit(limit).
		Find(&ts).Error
	if err != nil {
		return nil, err
	}

	return ts, nil
}
