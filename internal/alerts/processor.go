package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Worker consumes alert tasks. Delivery is simulated with a log line;
// real channels (email, push) plug in here.
type Worker struct {
	server *asynq.Server
	log    *slog.Logger
}

func NewWorker(redisAddr string, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	server := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			queueOrders: 10,
			queueAlerts: 5,
		},
	})
	return &Worker{server: server, log: log.With("component", "alerts")}
}

// Mux routes each task type to its handler.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskOfferUpdate, w.handleAlert)
	mux.HandleFunc(TaskOrderUpdate, w.handleAlert)
	return mux
}

// Start runs the worker in the background.
func (w *Worker) Start() error {
	return w.server.Start(w.Mux())
}

func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

func (w *Worker) handleAlert(ctx context.Context, t *asynq.Task) error {
	var p AlertPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		// malformed payloads never succeed on retry
		return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	w.log.InfoContext(ctx, "alert delivered",
		"task", t.Type(), "event", p.Event, "recipient_id", p.RecipientID,
		"offer_id", p.OfferID, "order_id", p.OrderID, "subject", p.Envelope.Subject)
	return nil
}
