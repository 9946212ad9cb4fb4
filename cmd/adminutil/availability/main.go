package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/sudo-init-do/matmarket/internal/config"
	"github.com/sudo-init-do/matmarket/internal/db"
	"github.com/sudo-init-do/matmarket/internal/logging"
	"github.com/sudo-init-do/matmarket/internal/marketplace"
	"github.com/sudo-init-do/matmarket/internal/messaging"
)

func main() {
	productID := pflag.StringP("product", "p", "", "ID of the product to inspect")
	asJSON := pflag.Bool("json", false, "Print the result as JSON")
	pflag.Parse()

	if *productID == "" {
		fmt.Fprintln(os.Stderr, "usage: availability --product <id> [--json]")
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

	a, err := svc.Availability(ctx, *productID)
	if err != nil {
		log.Error("availability lookup failed", "product_id", *productID, "error", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(a)
		return
	}
	fmt.Printf("product   %s\nquantity  %s\nreserved  %s\navailable %s\nsold out  %t\n",
		a.ProductID, a.Quantity, a.Reserved, a.Available, a.SoldOut)
}
