package repository

import (
	"context"
	"fmt"

	"purchase-processor/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CatalogRepository interface {
	Seed(ctx context.Context) error
	FindRealm(ctx context.Context, realmID uint) (*model.Realm, error)
	FindCustomer(ctx context.Context, customerID uint) (*model.Customer, error)
	FindProduct(ctx context.Context, productID uint) (*model.Product, error)
	FindOffer(ctx context.Context, offerID uint) (*model.Offer, error)
	FindOfferByPlan(ctx context.Context, provider model.Provider, planID string) (*model.Offer, error)
	FindCouponByCode(ctx context.Context, code string) (*model.Coupon, error)
	RedeemCoupon(ctx context.Context, tx *gorm.DB, couponID uint) error
}

type catalogRepoImpl struct {
	db *gorm.DB
}

func NewCatalogRepository(db *gorm.DB) CatalogRepository {
	return &catalogRepoImpl{
		db: db,
	}
}

// Seed inserts a demo realm with one customer, a one-time offer and a
// monthly offer. Existing rows are left alone.
func (r *catalogRepoImpl) Seed(ctx context.Context) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		realm := model.Realm{ID: 1, UUID: uuid.NewString(), Name: "Demo Realm"}
		customer := model.Customer{ID: 1, UUID: uuid.NewString(), RealmID: 1, Email: "buyer@example.com", FirstName: "Demo", LastName: "Buyer"}
		products := []model.Product{
			{ID: 1, UUID: uuid.NewString(), RealmID: 1, Name: "Lifetime Pass"},
			{ID: 2, UUID: uuid.NewString(), RealmID: 1, Name: "Premium"},
		}
		offers := []model.Offer{
			{ID: 1, UUID: uuid.NewString(), RealmID: 1, ProductID: 1, Name: "Lifetime Pass", Price: decimal.RequireFromString("19.99"), Currency: "USD", Active: true},
			{ID: 2, UUID: uuid.NewString(), RealmID: 1, ProductID: 2, Name: "Premium Monthly", Price: decimal.RequireFromString("9.99"), Currency: "USD", BillingPeriod: model.Monthly, BillingInterval: 1, Active: true},
		}
		coupon := model.Coupon{Code: "WELCOME5", RealmID: 1, Amount: decimal.RequireFromString("5"), Active: true}

		for _, v := range []interface{}{&realm, &customer, &products, &offers, &coupon} {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(v).Error; err != nil {
				return fmt.Errorf("seed %T: %w", v, err)
			}
		}
		return nil
	})
}

func (r *catalogRepoImpl) FindRealm(ctx context.Context, realmID uint) (*model.Realm, error) {
	var realm model.Realm
	err := r.db.WithContext(ctx).
		Where("id = ?", realmID).
		First(&realm).Error
	if err != nil {
		return nil, notFound(err)
	}

	return &realm, nil
}

func (r *catalogRepoImpl) FindCustomer(ctx context.Context, customerID uint) (*model.Customer, error) {
	var customer model.Customer
	err := r.db.WithContext(ctx).
		Where("id = ?", customerID).
		First(&customer).Error
	if err != nil {
		return nil, notFound(err)
	}

	return &customer, nil
}

func (r *catalogRepoImpl) FindProduct(ctx context.Context, productID uint) (*model.Product, error) {
	var product model.Product
	err := r.db.WithContext(ctx).
		Where("id = ?", productID).
		First(&product).Error
	if err != nil {
		return nil, notFound(err)
	}

	return &product, nil
}

func (r *catalogRepoImpl) FindOffer(ctx context.Context, offerID uint) (*model.Offer, error) {
	var offer model.Offer
	err := r.db.WithContext(ctx).
		Where("id = ?", offerID).
		First(&offer).Error
	if err != nil {
		return nil, notFound(err)
	}

	return &offer, nil
}

func (r *catalogRepoImpl) FindOfferByPlan(ctx context.Context, provider model.Provider, planID string) (*model.Offer, error) {
	column := "braintree_plan_id"
	if provider == model.ProviderPaypal {
		column = "paypal_plan_id"
	}

	var offer model.Offer
	err := r.db.WithContext(ctx).
		Where(column+" = ?", planID).
		First(&offer).Error
	if err != nil {
		return nil, notFound(err)
	}

	return &offer, nil
}

func (r *catalogRepoImpl) FindCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	var coupon model.Coupon
	err := r.db.WithContext(ctx).
		Where("code = ?", code).
		First(&coupon).Error
	if err != nil {
		return nil, notFound(err)
	}

	return &coupon, nil
}

// RedeemCoupon counts one use, refusing to exceed the redemption limit.
func (r *catalogRepoImpl) RedeemCoupon(ctx context.Context, tx *gorm.DB, couponID uint) error {
	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Coupon{}).
		Where("id = ? AND (max_redemptions = 0 OR redemptions < max_redemptions)", couponID).
		Update("redemptions", gorm.Expr("redemptions + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("coupon %d exhausted or missing", couponID)
	}

	return nil
}
