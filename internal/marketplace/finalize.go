package marketplace

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/sudo-init-do/matmarket/internal/apperr"
	"github.com/sudo-init-do/matmarket/internal/notify"
)

// Buy is the buyer's purchase of a reserved offer. The order starts out
// pending payment; ConfirmPayment settles it.
func (s *Service) Buy(ctx context.Context, callerID, offerID string) (*Order, error) {
	peek, err := s.loadOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if err := buyerOnly.check(peek, callerID); err != nil {
		return nil, err
	}
	return s.finalize(ctx, peek, callerID, "")
}

// Finalize is the payment path's entry point: settlement for offerID has been
// confirmed under paymentRef, so the order is created already paid. Without a
// reference it behaves like Buy. Safe to retry with the same offer or
// reference; a repeat fails with AlreadyFinalized carrying the order id.
func (s *Service) Finalize(ctx context.Context, offerID, paymentRef string) (*Order, error) {
	peek, err := s.loadOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	return s.finalize(ctx, peek, "", strings.TrimSpace(paymentRef))
}

// finalize writes the order, consumes the reserved stock and marks the
// offer purchased in one transaction.
func (s *Service) finalize(ctx context.Context, peek *Offer, actorID, paymentRef string) (*Order, error) {
	var order *Order
	var purchased *Offer
	err := s.store.WithProductLock(ctx, peek.ProductID, func(tx Tx) error {
		if paymentRef != "" {
			used, err := tx.OrderByPayment(ctx, paymentRef)
			if err != nil {
				return err
			}
			if used != nil {
				return apperr.AlreadyFinalized(used.OfferID, used.ID)
			}
		}

		offer, err := tx.Offer(ctx, peek.ID)
		if err != nil {
			return err
		}
		if offer.Status == StatusPurchased {
			existing, err := tx.OrderByOffer(ctx, offer.ID)
			if err != nil {
				return err
			}
			orderID := ""
			if existing != nil {
				orderID = existing.ID
			}
			return apperr.AlreadyFinalized(offer.ID, orderID)
		}
		if !offer.Status.CanTransition(StatusPurchased) || !offer.Reserved || offer.ReservedQuantity == nil {
			return apperr.InvalidTransition("offer %s must be accepted and reserved to be purchased (status %s, reserved %t)",
				offer.ID, offer.Status, offer.Reserved)
		}

		product, err := tx.Product(ctx)
		if err != nil {
			return err
		}
		qty := *offer.ReservedQuantity
		if product.Quantity.LessThan(qty) {
			return apperr.InsufficientAvailability(qty, product.Quantity)
		}
		price := offer.Price
		if offer.ReservedPrice != nil {
			price = *offer.ReservedPrice
		}

		now := s.now().UTC()
		order = &Order{
			ID:          uuid.New().String(),
			OfferID:     offer.ID,
			ProductID:   offer.ProductID,
			BuyerID:     offer.BuyerID,
			SellerID:    offer.SellerID,
			Quantity:    qty,
			AgreedPrice: price,
			AmountTotal: qty.Mul(price),
			Currency:    s.currency,
			Status:      OrderPendingPayment,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if paymentRef != "" {
			ref := paymentRef
			order.Status = OrderPaid
			order.PaymentReference = &ref
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.SetProductQuantity(ctx, product.Quantity.Sub(qty)); err != nil {
			return err
		}
		offer.Status = StatusPurchased
		offer.UpdatedAt = now
		if err := tx.SaveOffer(ctx, offer); err != nil {
			return err
		}
		purchased = offer
		return nil
	})
	if err != nil {
		if apperr.IsRetryable(err) {
			s.log.WarnContext(ctx, "finalize rolled back", "offer_id", peek.ID, "error", err)
		}
		return nil, err
	}

	s.log.InfoContext(ctx, "offer purchased", "offer_id", purchased.ID, "order_id", order.ID,
		"quantity", order.Quantity.String(), "status", order.Status)
	s.publish(ctx, notify.OfferPurchased, purchased, actorID, order.ID)
	if order.Status == OrderPaid {
		s.publish(ctx, notify.OrderPaid, purchased, actorID, order.ID)
	}
	return order, nil
}

// ConfirmPayment settles a pending order. Confirming again with the same
// reference returns the order unchanged; a different reference is refused.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, paymentRef string) (*Order, error) {
	paymentRef = strings.TrimSpace(paymentRef)
	if orderID == "" || paymentRef == "" {
		return nil, apperr.Validation("order id and payment reference are required")
	}
	peek, err := s.store.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var confirmed *Order
	changed := false
	err = s.store.WithProductLock(ctx, peek.ProductID, func(tx Tx) error {
		order, err := tx.Order(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == OrderPaid {
			if order.PaymentReference != nil && *order.PaymentReference == paymentRef {
				confirmed = order
				return nil
			}
			return apperr.InvalidTransition("order %s is already paid under another reference", order.ID)
		}
		used, err := tx.OrderByPayment(ctx, paymentRef)
		if err != nil {
			return err
		}
		if used != nil {
			return apperr.InvalidTransition("payment reference already settles order %s", used.ID)
		}

		ref := paymentRef
		order.Status = OrderPaid
		order.PaymentReference = &ref
		order.UpdatedAt = s.now().UTC()
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		confirmed, changed = order, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		evt := notify.Event{
			Type:      notify.OrderPaid,
			ProductID: confirmed.ProductID,
			OfferID:   confirmed.OfferID,
			OrderID:   confirmed.ID,
			BuyerID:   confirmed.BuyerID,
			SellerID:  confirmed.SellerID,
		}
		if offer, err := s.store.Offer(ctx, confirmed.OfferID); err == nil {
			evt.ConversationID = offer.ConversationID
		}
		_ = s.pub.Publish(ctx, evt)
	}
	return confirmed, nil
}

// GetOrder returns an order to its buyer or seller.
func (s *Service) GetOrder(ctx context.Context, callerID, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, apperr.Validation("order id is required")
	}
	order, err := s.store.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if callerID == "" || (callerID != order.BuyerID && callerID != order.SellerID) {
		return nil, apperr.Forbidden("not a party to order %s", order.ID)
	}
	return order, nil
}
