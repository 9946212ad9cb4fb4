package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/matmarket/internal/notify"
)

type fakeClient struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeClient) EnqueueContext(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, t)
	return &asynq.TaskInfo{ID: "t1", Type: t.Type()}, nil
}

func payloadOf(t *testing.T, task *asynq.Task) AlertPayload {
	t.Helper()
	var p AlertPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	return p
}

func TestOfferEventAlertsCounterparty(t *testing.T) {
	client := &fakeClient{}
	e := NewEnqueuer(client)

	err := e.Publish(context.Background(), notify.Event{
		Type: notify.OfferAccepted, OfferID: "o1", ActorID: "s1", BuyerID: "b1", SellerID: "s1",
	})
	require.NoError(t, err)
	require.Len(t, client.tasks, 1)
	assert.Equal(t, TaskOfferUpdate, client.tasks[0].Type())

	p := payloadOf(t, client.tasks[0])
	assert.Equal(t, "b1", p.RecipientID)
	assert.Equal(t, notify.OfferAccepted, p.Event)
	assert.Equal(t, "Offer accepted", p.Envelope.Subject)
}

func TestPaymentEventAlertsBothSides(t *testing.T) {
	tasks, err := BuildTasks(notify.Event{Type: notify.OrderPaid, OrderID: "ord1", BuyerID: "b1", SellerID: "s1"})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, TaskOrderUpdate, tasks[0].Type())
	assert.ElementsMatch(t, []string{"b1", "s1"}, []string{payloadOf(t, tasks[0]).RecipientID, payloadOf(t, tasks[1]).RecipientID})
}

func TestOverlayEventsProduceNoAlerts(t *testing.T) {
	client := &fakeClient{}
	require.NoError(t, NewEnqueuer(client).Publish(context.Background(),
		notify.Event{Type: notify.ConversationUpdated, ConversationID: "c1", ActorID: "b1", BuyerID: "b1", SellerID: "s1"}))
	assert.Empty(t, client.tasks)
}

func TestEnqueueFailureIsReturned(t *testing.T) {
	client := &fakeClient{err: errors.New("redis down")}
	err := NewEnqueuer(client).Publish(context.Background(),
		notify.Event{Type: notify.OfferCreated, OfferID: "o1", ActorID: "b1", BuyerID: "b1", SellerID: "s1"})
	assert.ErrorContains(t, err, "redis down")
}

func TestWorkerHandlesAlerts(t *testing.T) {
	w := &Worker{log: slog.Default()}
	mux := w.Mux()

	tasks, err := BuildTasks(notify.Event{Type: notify.OfferReserved, OfferID: "o1", ActorID: "s1", BuyerID: "b1", SellerID: "s1"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.NoError(t, mux.ProcessTask(context.Background(), tasks[0]))

	err = mux.ProcessTask(context.Background(), asynq.NewTask(TaskOfferUpdate, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
