package payout

import (
	"context"

	"creator-earnings/pkg/repository"

	"gorm.io/gorm"
)

// AccountDirectory reads payout accounts owned by another subsystem.
type AccountDirectory interface {
	Get(ctx context.Context, tx *gorm.DB, accountID string) (*PayoutAccount, error)
	// Default returns nil when the user has no default account.
	Default(ctx context.Context, tx *gorm.DB, userID string) (*PayoutAccount, error)
}

type gormDirectory struct {
	accounts repository.Repository[PayoutAccount]
}

func NewAccountDirectory(db *gorm.DB) AccountDirectory {
	return &gormDirectory{accounts: repository.ProvideStore[PayoutAccount](db)}
}

func (d *gormDirectory) repo(tx *gorm.DB) repository.Repository[PayoutAccount] {
	if tx != nil {
		return d.accounts.WithTrx(tx)
	}
	return d.accounts
}

func (d *gormDirectory) Get(ctx context.Context, tx *gorm.DB, accountID string) (*PayoutAccount, error) {
	if accountID == "" {
		return nil, nil
	}
	return d.repo(tx).FindOne(ctx, &PayoutAccount{ID: accountID})
}

func (d *gormDirectory) Default(ctx context.Context, tx *gorm.DB, userID string) (*PayoutAccount, error) {
	if userID == "" {
		return nil, nil
	}
	return d.repo(tx).FindOne(ctx, &PayoutAccount{UserID: userID, IsDefault: true})
}
