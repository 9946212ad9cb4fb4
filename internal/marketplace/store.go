package marketplace

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store persists offers, products and orders. Anything that reads and then
// writes stock-affecting state goes through WithProductLock.
type Store interface {
	CreateOffer(ctx context.Context, o *Offer) error
	Offer(ctx context.Context, id string) (*Offer, error)
	ListOffers(ctx context.Context, conversationID string) ([]*Offer, error)
	// CompareAndSetStatus moves the offer from one status to another in a
	// single conditional write. It fails with InvalidTransition if the stored
	// status is no longer from.
	CompareAndSetStatus(ctx context.Context, id string, from, to Status) (*Offer, error)

	CreateProduct(ctx context.Context, p *Product) error
	Product(ctx context.Context, id string) (*Product, error)
	// Snapshot returns the product and its stock-holding offers as of one
	// consistent point in time.
	Snapshot(ctx context.Context, productID string) (*Product, []*Offer, error)

	Order(ctx context.Context, id string) (*Order, error)

	// WithProductLock runs fn in a transaction holding the product's lock.
	// Nothing fn wrote is kept unless it returns nil.
	WithProductLock(ctx context.Context, productID string, fn func(Tx) error) error
}

// Tx is the unit of work scoped to one locked product.
type Tx interface {
	Product(ctx context.Context) (*Product, error)
	SetProductQuantity(ctx context.Context, qty decimal.Decimal) error
	// Offer locks the offer row. Offers of other products are NotFound.
	Offer(ctx context.Context, id string) (*Offer, error)
	ReservedOffers(ctx context.Context) ([]*Offer, error)
	SaveOffer(ctx context.Context, o *Offer) error

	Order(ctx context.Context, id string) (*Order, error)
	// OrderByOffer and OrderByPayment return nil, nil when there is no match.
	OrderByOffer(ctx context.Context, offerID string) (*Order, error)
	OrderByPayment(ctx context.Context, reference string) (*Order, error)
	InsertOrder(ctx context.Context, o *Order) error
	SaveOrder(ctx context.Context, o *Order) error
}
