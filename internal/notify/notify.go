// Package notify is the change feed. Commands publish an Event after their
// mutation has committed; delivery to viewers is best-effort and never fails
// the command.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPublishTimeout bounds how long one sink may hold up a command.
const DefaultPublishTimeout = 2 * time.Second

const (
	OfferCreated        = "offer.created"
	OfferAccepted       = "offer.accepted"
	OfferRejected       = "offer.rejected"
	OfferWithdrawn      = "offer.withdrawn"
	OfferReserved       = "offer.reserved"
	OfferPurchased      = "offer.purchased"
	OrderPaid           = "order.paid"
	ProductStockChanged = "product.stock_changed"
	ConversationUpdated = "conversation.updated"
)

// Event tells subscribers which rows changed so they can recompute. It
// carries identifiers, not full state.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ProductID      string    `json:"product_id,omitempty"`
	OfferID        string    `json:"offer_id,omitempty"`
	OrderID        string    `json:"order_id,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	BuyerID        string    `json:"buyer_id,omitempty"`
	SellerID       string    `json:"seller_id,omitempty"`
	At             time.Time `json:"at"`
}

// Topics returns the subscription keys this event should be delivered on.
func (e Event) Topics() []string {
	var topics []string
	if e.ConversationID != "" {
		topics = append(topics, ConversationTopic(e.ConversationID))
	}
	if e.ProductID != "" {
		topics = append(topics, ProductTopic(e.ProductID))
	}
	return topics
}

func ConversationTopic(id string) string { return "conversation:" + id }
func ProductTopic(id string) string      { return "product:" + id }

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Fanout delivers to every publisher and logs failures instead of returning
// them. Delivery ignores the caller's cancellation; each sink runs
// concurrently under its own timeout.
type Fanout struct {
	pubs    []Publisher
	timeout time.Duration
	log     *slog.Logger
}

func NewFanout(log *slog.Logger, pubs ...Publisher) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{pubs: pubs, timeout: DefaultPublishTimeout, log: log.With("component", "notify")}
}

// Add registers another publisher. Not safe for use once Publish is running.
func (f *Fanout) Add(p Publisher) {
	f.pubs = append(f.pubs, p)
}

func (f *Fanout) Publish(ctx context.Context, evt Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	ctx = context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, p := range f.pubs {
		wg.Add(1)
		go func(p Publisher) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()
			if err := p.Publish(pctx, evt); err != nil {
				f.log.WarnContext(ctx, "change notification failed",
					"type", evt.Type, "offer_id", evt.OfferID, "conversation_id", evt.ConversationID, "error", err)
			}
		}(p)
	}
	wg.Wait()
	return nil
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
