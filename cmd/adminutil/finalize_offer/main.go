package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/sudo-init-do/matmarket/internal/apperr"
	"github.com/sudo-init-do/matmarket/internal/config"
	"github.com/sudo-init-do/matmarket/internal/db"
	"github.com/sudo-init-do/matmarket/internal/logging"
	"github.com/sudo-init-do/matmarket/internal/marketplace"
	"github.com/sudo-init-do/matmarket/internal/messaging"
)

// Reconciliation path: records a purchase whose payment settled but whose
// callback never reached the server.
func main() {
	offerID := pflag.String("offer", "", "ID of the reserved offer to finalize")
	paymentRef := pflag.String("payment-ref", "", "Payment reference confirming settlement")
	orderID := pflag.String("confirm-order", "", "Instead of finalizing, mark this pending order paid")
	pflag.Parse()

	if (*offerID == "") == (*orderID == "") {
		fmt.Fprintln(os.Stderr, "usage: finalize_offer --offer <id> [--payment-ref <ref>] | --confirm-order <id> --payment-ref <ref>")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(os.Stderr, cfg.LogLevel, "text")

	ctx := context.Background()
	pool, err := db.Init(ctx, cfg.DSN())
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	convs := messaging.NewService(messaging.NewPgStore(pool), nil)
	svc := marketplace.NewService(marketplace.NewPgStore(pool), convs, nil, cfg.Currency, log)

	var order *marketplace.Order
	if *orderID != "" {
		order, err = svc.ConfirmPayment(ctx, *orderID, *paymentRef)
	} else {
		order, err = svc.Finalize(ctx, *offerID, *paymentRef)
	}
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) && appErr.Kind == apperr.KindAlreadyFinalized {
			fmt.Printf("already finalized as order %s\n", appErr.OrderID)
			return
		}
		log.Error("finalize failed", "offer_id", *offerID, "order_id", *orderID,
			"retryable", apperr.IsRetryable(err), "error", err)
		os.Exit(1)
	}
	fmt.Printf("order %s %s: %s x %s = %s %s\n",
		order.ID, order.Status, order.Quantity, order.AgreedPrice, order.AmountTotal, order.Currency)
}
