package alerts

import "time"

// Task type constants
const (
	TaskOfferUpdate = "alert:offer_update"
	TaskOrderUpdate = "alert:order_update"
)

const (
	queueAlerts = "alerts"
	queueOrders = "orders"
)

// Envelope is what a delivery channel would render.
type Envelope struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// AlertPayload tells one participant that the other side acted.
type AlertPayload struct {
	Event          string    `json:"event"`
	RecipientID    string    `json:"recipient_id"`
	ActorID        string    `json:"actor_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ProductID      string    `json:"product_id,omitempty"`
	OfferID        string    `json:"offer_id,omitempty"`
	OrderID        string    `json:"order_id,omitempty"`
	Envelope       Envelope  `json:"envelope"`
	SentAt         time.Time `json:"sent_at"`
}
