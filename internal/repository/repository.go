package repository

import (
	"errors"

	"purchase-processor/internal/model"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("record not found")

// AutoMigrate creates or updates every ledger table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Realm{},
		&model.Customer{},
		&model.Product{},
		&model.Offer{},
		&model.Coupon{},
		&model.Transaction{},
		&model.PaymentsSubscription{},
		&model.Entitlement{},
		&model.WebhookEvent{},
		&model.PaymentMethod{},
	)
}

// conn prefers the caller's transaction.
func conn(db, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
