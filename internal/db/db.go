package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var Conn *pgxpool.Pool

// Init connects to Postgres and makes sure the marketplace tables exist.
func Init(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	slog.Info("connected to postgres")

	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	Conn = pool
	return pool, nil
}

// EnsureSchema creates every table the engine needs. Safe to run repeatedly.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	steps := []struct {
		name string
		ddl  string
	}{
		{"products", productsDDL},
		{"conversations", conversationsDDL},
		{"conversation_overlays", overlaysDDL},
		{"offers", offersDDL},
		{"orders", ordersDDL},
	}
	for _, s := range steps {
		if _, err := pool.Exec(ctx, s.ddl); err != nil {
			return fmt.Errorf("ensure %s table: %w", s.name, err)
		}
	}
	slog.Info("schema ensured")
	return nil
}

// products only carries the inventory slice; listings live elsewhere
const productsDDL = `
	CREATE TABLE IF NOT EXISTS products (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		seller_id UUID NOT NULL,
		quantity NUMERIC(18,3) NOT NULL CHECK (quantity >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`

const conversationsDDL = `
	CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		buyer_id UUID NOT NULL,
		seller_id UUID NOT NULL,
		product_id UUID NULL REFERENCES products(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (buyer_id <> seller_id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair
		ON conversations (buyer_id, seller_id, COALESCE(product_id, '00000000-0000-0000-0000-000000000000'::uuid));
	CREATE INDEX IF NOT EXISTS idx_conversations_buyer ON conversations (buyer_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_seller ON conversations (seller_id);`

// one row per (conversation, role); a side can only ever touch its own row
const overlaysDDL = `
	CREATE TABLE IF NOT EXISTS conversation_overlays (
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('buyer','seller')),
		title_override TEXT NULL,
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		muted_until TIMESTAMPTZ NULL,
		unread INTEGER NOT NULL DEFAULT 0 CHECK (unread >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (conversation_id, role)
	);`

const offersDDL = `
	CREATE TABLE IF NOT EXISTS offers (
		id UUID PRIMARY KEY,
		product_id UUID NOT NULL REFERENCES products(id),
		conversation_id UUID NOT NULL REFERENCES conversations(id),
		buyer_id UUID NOT NULL,
		seller_id UUID NOT NULL,
		price NUMERIC(18,4) NOT NULL CHECK (price > 0),
		quantity NUMERIC(18,3) NULL CHECK (quantity > 0),
		note TEXT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending','accepted','rejected','withdrawn','purchased')),
		reserved BOOLEAN NOT NULL DEFAULT FALSE,
		reserved_quantity NUMERIC(18,3) NULL,
		reserved_price NUMERIC(18,4) NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (buyer_id <> seller_id)
	);
	CREATE INDEX IF NOT EXISTS idx_offers_conversation ON offers (conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_offers_product_reserved ON offers (product_id) WHERE status = 'accepted' AND reserved;`

const ordersDDL = `
	CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		offer_id UUID NOT NULL UNIQUE REFERENCES offers(id),
		product_id UUID NOT NULL REFERENCES products(id),
		buyer_id UUID NOT NULL,
		seller_id UUID NOT NULL,
		quantity NUMERIC(18,3) NOT NULL CHECK (quantity > 0),
		agreed_price NUMERIC(18,4) NOT NULL,
		amount_total NUMERIC(20,4) NOT NULL,
		currency CHAR(3) NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending_payment','paid')),
		payment_reference TEXT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`

// IsTransient reports whether err is a failure after which re-running the
// whole transaction may succeed: serialization conflicts, deadlocks, lock
// timeouts, dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57P01", "57P03":
			return true
		}
		// class 08 is connection exceptions
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsUniqueViolation reports a unique constraint failure, optionally for a given constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsForeignKeyViolation reports a write that referenced a missing row.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// IsInvalidInput reports a value Postgres could not parse, such as a
// malformed UUID.
func IsInvalidInput(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "22P02" || pgErr.Code == "22003")
}

// IsCheckViolation reports a row rejected by a CHECK constraint.
func IsCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}
