package marketplace

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/matmarket/internal/apperr"
	"github.com/sudo-init-do/matmarket/internal/notify"
)

// reservedTotal sums the stock held by reserved offers, skipping exclude.
func reservedTotal(offers []*Offer, exclude string) decimal.Decimal {
	total := decimal.Zero
	for _, o := range offers {
		if o.ID == exclude || !o.holdsStock() {
			continue
		}
		total = total.Add(*o.ReservedQuantity)
	}
	return total
}

func availability(p *Product, reserved []*Offer) Availability {
	held := reservedTotal(reserved, "")
	available := p.Quantity.Sub(held)
	return Availability{
		ProductID: p.ID,
		Quantity:  p.Quantity,
		Reserved:  held,
		Available: available,
		SoldOut:   !available.IsPositive(),
	}
}

// Availability is the product's stock minus everything currently reserved.
func (s *Service) Availability(ctx context.Context, productID string) (Availability, error) {
	if productID == "" {
		return Availability{}, apperr.Validation("product id is required")
	}
	p, reserved, err := s.store.Snapshot(ctx, productID)
	if err != nil {
		return Availability{}, err
	}
	return availability(p, reserved), nil
}

// ReserveOffer claims qty of the product for an accepted offer at price (the
// offer's price when nil). The availability check and the write happen under
// the product lock, so concurrent reservations cannot jointly oversell.
// Reserving an already reserved offer replaces its reservation.
func (s *Service) ReserveOffer(ctx context.Context, callerID, offerID string, qty decimal.Decimal, price *decimal.Decimal) (*Offer, error) {
	if err := checkPositive("quantity", qty, quantityScale); err != nil {
		return nil, err
	}
	if price != nil {
		if err := checkPositive("price", *price, priceScale); err != nil {
			return nil, err
		}
	}
	peek, err := s.loadOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if err := sellerOnly.check(peek, callerID); err != nil {
		return nil, err
	}

	var reserved *Offer
	err = s.store.WithProductLock(ctx, peek.ProductID, func(tx Tx) error {
		offer, err := tx.Offer(ctx, offerID)
		if err != nil {
			return err
		}
		if offer.Status != StatusAccepted {
			return apperr.InvalidTransition("offer %s is %s; only accepted offers can be reserved", offer.ID, offer.Status)
		}
		if err := tryReserve(ctx, tx, offer, qty); err != nil {
			return err
		}

		offer.Reserved = true
		q := qty
		offer.ReservedQuantity = &q
		p := offer.Price
		if price != nil {
			p = *price
		}
		offer.ReservedPrice = &p
		offer.UpdatedAt = s.now().UTC()
		if err := tx.SaveOffer(ctx, offer); err != nil {
			return err
		}
		reserved = offer
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, notify.OfferReserved, reserved, callerID, "")
	return reserved, nil
}

// tryReserve admits qty for offer against the locked product. Another
// offer in the same conversation already holding stock is refused: only one
// offer per conversation can be the final one.
func tryReserve(ctx context.Context, tx Tx, offer *Offer, qty decimal.Decimal) error {
	product, err := tx.Product(ctx)
	if err != nil {
		return err
	}
	held, err := tx.ReservedOffers(ctx)
	if err != nil {
		return err
	}
	for _, o := range held {
		if o.ID != offer.ID && o.ConversationID == offer.ConversationID {
			return apperr.InvalidTransition("offer %s is already reserved in this conversation", o.ID)
		}
	}
	available := product.Quantity.Sub(reservedTotal(held, offer.ID))
	if qty.GreaterThan(available) {
		if available.IsNegative() {
			available = decimal.Zero
		}
		return apperr.InsufficientAvailability(qty, available)
	}
	return nil
}

// SetStock creates the product for sellerID or changes its quantity. Stock
// already reserved cannot be taken away.
func (s *Service) SetStock(ctx context.Context, sellerID, productID string, qty decimal.Decimal) (*Product, error) {
	if sellerID == "" || productID == "" {
		return nil, apperr.Validation("seller and product id are required")
	}
	if qty.IsNegative() {
		return nil, apperr.Validation("quantity must not be negative")
	}
	if err := checkScale("quantity", qty, quantityScale); err != nil {
		return nil, err
	}

	existing, err := s.store.Product(ctx, productID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		p := &Product{ID: productID, SellerID: sellerID, Quantity: qty}
		if err := s.store.CreateProduct(ctx, p); err != nil {
			return nil, err
		}
		s.stockChanged(ctx, sellerID, productID)
		return s.store.Product(ctx, productID)
	}
	if err != nil {
		return nil, err
	}
	if existing.SellerID != sellerID {
		return nil, apperr.Forbidden("product %s belongs to another seller", productID)
	}

	err = s.store.WithProductLock(ctx, productID, func(tx Tx) error {
		held, err := tx.ReservedOffers(ctx)
		if err != nil {
			return err
		}
		if total := reservedTotal(held, ""); qty.LessThan(total) {
			return apperr.Validation("quantity %s is below the %s currently reserved", qty, total)
		}
		return tx.SetProductQuantity(ctx, qty)
	})
	if err != nil {
		return nil, err
	}
	s.stockChanged(ctx, sellerID, productID)
	return s.store.Product(ctx, productID)
}

func (s *Service) stockChanged(ctx context.Context, sellerID, productID string) {
	_ = s.pub.Publish(ctx, notify.Event{Type: notify.ProductStockChanged, ProductID: productID, ActorID: sellerID, SellerID: sellerID})
}
