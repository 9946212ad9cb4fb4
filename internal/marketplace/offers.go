package marketplace

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/matmarket/internal/apperr"
	"github.com/sudo-init-do/matmarket/internal/messaging"
	"github.com/sudo-init-do/matmarket/internal/notify"
)

const maxNoteLen = 2000

// Quantities are stored with 3 decimal places, prices with 4.
const (
	quantityScale = 3
	priceScale    = 4
)

// checkScale refuses values with more decimal places than storage keeps,
// which would otherwise be rounded silently.
func checkScale(field string, d decimal.Decimal, places int32) error {
	if !d.Round(places).Equal(d) {
		return apperr.Validation("%s must have at most %d decimal places", field, places)
	}
	return nil
}

func checkPositive(field string, d decimal.Decimal, places int32) error {
	if !d.IsPositive() {
		return apperr.Validation("%s must be greater than zero", field)
	}
	return checkScale(field, d, places)
}

// Conversations resolves the conversation an offer is made in.
type Conversations interface {
	Get(ctx context.Context, id string) (*messaging.Conversation, error)
}

// Service is the negotiation engine: offer state machine, reservation
// ledger and order finalizer over one Store.
type Service struct {
	store    Store
	convs    Conversations
	pub      notify.Publisher
	currency string
	now      func() time.Time
	log      *slog.Logger
}

func NewService(store Store, convs Conversations, pub notify.Publisher, currency string, log *slog.Logger) *Service {
	if pub == nil {
		pub = notify.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		convs:    convs,
		pub:      pub,
		currency: currency,
		now:      time.Now,
		log:      log.With("component", "marketplace"),
	}
}

type OfferInput struct {
	Price    decimal.Decimal  `json:"price"`
	Quantity *decimal.Decimal `json:"quantity"`
	Note     *string          `json:"note"`
}

func (in *OfferInput) validate() error {
	if err := checkPositive("price", in.Price, priceScale); err != nil {
		return err
	}
	if in.Quantity != nil {
		if err := checkPositive("quantity", *in.Quantity, quantityScale); err != nil {
			return err
		}
	}
	if in.Note != nil {
		n := strings.TrimSpace(*in.Note)
		if utf8.RuneCountInString(n) > maxNoteLen {
			return apperr.Validation("note must be at most %d characters", maxNoteLen)
		}
		if n == "" {
			in.Note = nil
		} else {
			in.Note = &n
		}
	}
	return nil
}

// MakeOffer creates a pending offer from the conversation's buyer on the
// conversation's product.
func (s *Service) MakeOffer(ctx context.Context, callerID, conversationID string, in OfferInput) (*Offer, error) {
	conv, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	role, err := messaging.ResolveRole(conv, callerID)
	if err != nil {
		return nil, err
	}
	if role != messaging.RoleBuyer {
		return nil, apperr.Forbidden("only the buyer can make an offer")
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if !conv.ProductLinked() {
		return nil, apperr.Validation("conversation %s is not about a product", conv.ID)
	}
	product, err := s.store.Product(ctx, conv.ProductID)
	if err != nil {
		return nil, err
	}
	if product.SellerID != conv.SellerID {
		return nil, apperr.Validation("product %s is not sold by the conversation's seller", product.ID)
	}

	now := s.now().UTC()
	offer := &Offer{
		ID:             uuid.New().String(),
		ProductID:      product.ID,
		ConversationID: conv.ID,
		BuyerID:        conv.BuyerID,
		SellerID:       conv.SellerID,
		Price:          in.Price,
		Quantity:       in.Quantity,
		Note:           in.Note,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateOffer(ctx, offer); err != nil {
		return nil, err
	}
	s.publish(ctx, notify.OfferCreated, offer, callerID, "")
	return offer, nil
}

func (s *Service) AcceptOffer(ctx context.Context, callerID, offerID string) (*Offer, error) {
	return s.transition(ctx, callerID, offerID, sellerOnly, StatusAccepted, notify.OfferAccepted)
}

func (s *Service) RejectOffer(ctx context.Context, callerID, offerID string) (*Offer, error) {
	return s.transition(ctx, callerID, offerID, sellerOnly, StatusRejected, notify.OfferRejected)
}

func (s *Service) WithdrawOffer(ctx context.Context, callerID, offerID string) (*Offer, error) {
	return s.transition(ctx, callerID, offerID, buyerOnly, StatusWithdrawn, notify.OfferWithdrawn)
}

type actor int

const (
	buyerOnly actor = iota
	sellerOnly
)

func (a actor) check(o *Offer, callerID string) error {
	switch {
	case a == buyerOnly && callerID != "" && callerID == o.BuyerID:
		return nil
	case a == sellerOnly && callerID != "" && callerID == o.SellerID:
		return nil
	case a == buyerOnly:
		return apperr.Forbidden("only the buyer of offer %s can do this", o.ID)
	default:
		return apperr.Forbidden("only the seller of offer %s can do this", o.ID)
	}
}

// transition applies a single-row status change. The write is
// conditional on the status read, so a concurrent transition loses with
// InvalidTransition instead of overwriting.
func (s *Service) transition(ctx context.Context, callerID, offerID string, who actor, to Status, event string) (*Offer, error) {
	offer, err := s.loadOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if err := who.check(offer, callerID); err != nil {
		return nil, err
	}
	if !offer.Status.CanTransition(to) {
		return nil, apperr.InvalidTransition("offer %s is %s and cannot become %s", offer.ID, offer.Status, to)
	}
	updated, err := s.store.CompareAndSetStatus(ctx, offer.ID, offer.Status, to)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, event, updated, callerID, "")
	return updated, nil
}

// GetOffer returns an offer to one of its two parties.
func (s *Service) GetOffer(ctx context.Context, callerID, offerID string) (*Offer, error) {
	offer, err := s.loadOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if callerID == "" || (callerID != offer.BuyerID && callerID != offer.SellerID) {
		return nil, apperr.Forbidden("not a party to offer %s", offer.ID)
	}
	return offer, nil
}

// ListOffers returns every offer in a conversation, oldest first.
func (s *Service) ListOffers(ctx context.Context, callerID, conversationID string) ([]*Offer, error) {
	conv, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := messaging.ResolveRole(conv, callerID); err != nil {
		return nil, err
	}
	offers, err := s.store.ListOffers(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if offers == nil {
		offers = []*Offer{}
	}
	return offers, nil
}

func (s *Service) loadOffer(ctx context.Context, offerID string) (*Offer, error) {
	if offerID == "" {
		return nil, apperr.Validation("offer id is required")
	}
	return s.store.Offer(ctx, offerID)
}

func (s *Service) publish(ctx context.Context, typ string, o *Offer, actorID, orderID string) {
	_ = s.pub.Publish(ctx, notify.Event{
		Type:           typ,
		ConversationID: o.ConversationID,
		ProductID:      o.ProductID,
		OfferID:        o.ID,
		OrderID:        orderID,
		ActorID:        actorID,
		BuyerID:        o.BuyerID,
		SellerID:       o.SellerID,
	})
}
