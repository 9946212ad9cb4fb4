package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sudo-init-do/matmarket/internal/notify"
)

type taskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer turns change events into background alert tasks for the
// participant who did not cause them.
type Enqueuer struct {
	client taskClient
}

func NewEnqueuer(client taskClient) *Enqueuer {
	return &Enqueuer{client: client}
}

func (e *Enqueuer) Publish(ctx context.Context, evt notify.Event) error {
	tasks, err := BuildTasks(evt)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		queue := queueAlerts
		if t.Type() == TaskOrderUpdate {
			queue = queueOrders
		}
		if _, err := e.client.EnqueueContext(ctx, t, asynq.Queue(queue), asynq.MaxRetry(5)); err != nil {
			return fmt.Errorf("enqueue %s: %w", t.Type(), err)
		}
	}
	return nil
}

// BuildTasks returns the alert tasks evt should produce. Overlay changes are
// private to one side and produce none.
func BuildTasks(evt notify.Event) ([]*asynq.Task, error) {
	subject, body, ok := describe(evt)
	if !ok {
		return nil, nil
	}
	typ := TaskOfferUpdate
	if evt.Type == notify.OfferPurchased || evt.Type == notify.OrderPaid {
		typ = TaskOrderUpdate
	}

	var tasks []*asynq.Task
	for _, recipient := range recipients(evt) {
		payload := AlertPayload{
			Event:          evt.Type,
			RecipientID:    recipient,
			ActorID:        evt.ActorID,
			ConversationID: evt.ConversationID,
			ProductID:      evt.ProductID,
			OfferID:        evt.OfferID,
			OrderID:        evt.OrderID,
			Envelope:       Envelope{Subject: subject, Body: body},
			SentAt:         time.Now(),
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, asynq.NewTask(typ, b))
	}
	return tasks, nil
}

// recipients is the counterparty of the actor, or both sides when the actor
// is neither (payment callbacks).
func recipients(evt notify.Event) []string {
	switch evt.ActorID {
	case evt.BuyerID:
		return nonEmpty(evt.SellerID)
	case evt.SellerID:
		return nonEmpty(evt.BuyerID)
	default:
		return nonEmpty(evt.BuyerID, evt.SellerID)
	}
}

func nonEmpty(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func describe(evt notify.Event) (subject, body string, ok bool) {
	switch evt.Type {
	case notify.OfferCreated:
		return "New offer", fmt.Sprintf("You received offer %s.", evt.OfferID), true
	case notify.OfferAccepted:
		return "Offer accepted", fmt.Sprintf("Offer %s was accepted.", evt.OfferID), true
	case notify.OfferRejected:
		return "Offer rejected", fmt.Sprintf("Offer %s was rejected.", evt.OfferID), true
	case notify.OfferWithdrawn:
		return "Offer withdrawn", fmt.Sprintf("Offer %s was withdrawn.", evt.OfferID), true
	case notify.OfferReserved:
		return "Stock reserved", fmt.Sprintf("Stock is reserved for offer %s. You can now complete the purchase.", evt.OfferID), true
	case notify.OfferPurchased:
		return "Offer purchased", fmt.Sprintf("Offer %s was purchased as order %s.", evt.OfferID, evt.OrderID), true
	case notify.OrderPaid:
		return "Payment received", fmt.Sprintf("Order %s is paid.", evt.OrderID), true
	}
	return "", "", false
}
