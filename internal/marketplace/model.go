package marketplace

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
	StatusPurchased Status = "purchased"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusRejected, StatusWithdrawn},
	StatusAccepted: {StatusPurchased},
}

// CanTransition reports whether an offer in s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool { return len(transitions[s]) == 0 }

// Offer is a buyer's proposal on one product inside one conversation.
// Quantity nil means the whole lot. The Reserved* fields are only set once
// the seller has reserved stock against an accepted offer.
type Offer struct {
	ID               string           `json:"id"`
	ProductID        string           `json:"product_id"`
	ConversationID   string           `json:"conversation_id"`
	BuyerID          string           `json:"buyer_id"`
	SellerID         string           `json:"seller_id"`
	Price            decimal.Decimal  `json:"price"`
	Quantity         *decimal.Decimal `json:"quantity"`
	Note             *string          `json:"note,omitempty"`
	Status           Status           `json:"status"`
	Reserved         bool             `json:"reserved"`
	ReservedQuantity *decimal.Decimal `json:"reserved_quantity,omitempty"`
	ReservedPrice    *decimal.Decimal `json:"reserved_price,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// holdsStock reports whether the offer counts against product availability.
func (o *Offer) holdsStock() bool {
	return o.Status == StatusAccepted && o.Reserved && o.ReservedQuantity != nil
}

func (o *Offer) clone() *Offer {
	cp := *o
	cp.Quantity = cloneDecimal(o.Quantity)
	cp.ReservedQuantity = cloneDecimal(o.ReservedQuantity)
	cp.ReservedPrice = cloneDecimal(o.ReservedPrice)
	if o.Note != nil {
		n := *o.Note
		cp.Note = &n
	}
	return &cp
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}

// Product is the inventory slice of a listing.
type Product struct {
	ID        string          `json:"id"`
	SellerID  string          `json:"seller_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Availability is a derived read; nothing about it is stored.
type Availability struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
	SoldOut   bool            `json:"sold_out"`
}

type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderPaid           OrderStatus = "paid"
)

// Order is written once per purchased offer.
type Order struct {
	ID               string          `json:"id"`
	OfferID          string          `json:"offer_id"`
	ProductID        string          `json:"product_id"`
	BuyerID          string          `json:"buyer_id"`
	SellerID         string          `json:"seller_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	AgreedPrice      decimal.Decimal `json:"agreed_price"`
	AmountTotal      decimal.Decimal `json:"amount_total"`
	Currency         string          `json:"currency"`
	Status           OrderStatus     `json:"status"`
	PaymentReference *string         `json:"payment_reference,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (o *Order) clone() *Order {
	cp := *o
	if o.PaymentReference != nil {
		r := *o.PaymentReference
		cp.PaymentReference = &r
	}
	return &cp
}
