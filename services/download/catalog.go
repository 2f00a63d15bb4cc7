package download

import (
	"context"

	"creator-earnings/pkg/repository"

	"gorm.io/gorm"
)

// ProductCatalog resolves the owner and price of a product.
type ProductCatalog interface {
	Product(ctx context.Context, tx *gorm.DB, productID string) (*Product, error)
}

type gormCatalog struct {
	products repository.Repository[Product]
}

func NewProductCatalog(db *gorm.DB) ProductCatalog {
	return &gormCatalog{products: repository.ProvideStore[Product](db)}
}

func (c *gormCatalog) Product(ctx context.Context, tx *gorm.DB, productID string) (*Product, error) {
	repo := c.products
	if tx != nil {
		repo = repo.WithTrx(tx)
	}
	return repo.FindOne(ctx, &Product{ID: productID})
}
