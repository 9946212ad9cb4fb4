package marketplace

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/matmarket/internal/apperr"
	"github.com/sudo-init-do/matmarket/internal/db"
)

// PgStore is the Postgres Store. Numerics travel as text so no precision is
// lost between NUMERIC and decimal.Decimal.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func storeErr(msg string, err error) error {
	if apperr.IsBusiness(err) {
		return err
	}
	if db.IsTransient(err) {
		return apperr.Retryable(msg, err)
	}
	if db.IsInvalidInput(err) {
		return apperr.Validation("malformed identifier or number")
	}
	if db.IsForeignKeyViolation(err) {
		return apperr.Validation("referenced record does not exist")
	}
	if db.IsCheckViolation(err) {
		return apperr.Validation("value out of range")
	}
	// a concurrent writer won a unique constraint; re-running will observe it
	if db.IsUniqueViolation(err, "") {
		return apperr.Retryable(msg, err)
	}
	return apperr.Internal(msg, err)
}

const offerCols = `id::text, product_id::text, conversation_id::text, buyer_id::text, seller_id::text,
	price::text, quantity::text, note, status, reserved, reserved_quantity::text, reserved_price::text,
	created_at, updated_at`

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func parseNullDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullDecimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	var price, status string
	var qty, rqty, rprice *string
	if err := row.Scan(&o.ID, &o.ProductID, &o.ConversationID, &o.BuyerID, &o.SellerID,
		&price, &qty, &o.Note, &status, &o.Reserved, &rqty, &rprice, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = Status(status)
	var err error
	if o.Price, err = parseDecimal(price); err != nil {
		return nil, fmt.Errorf("offer price: %w", err)
	}
	if o.Quantity, err = parseNullDecimal(qty); err != nil {
		return nil, fmt.Errorf("offer quantity: %w", err)
	}
	if o.ReservedQuantity, err = parseNullDecimal(rqty); err != nil {
		return nil, fmt.Errorf("reserved quantity: %w", err)
	}
	if o.ReservedPrice, err = parseNullDecimal(rprice); err != nil {
		return nil, fmt.Errorf("reserved price: %w", err)
	}
	return &o, nil
}

func collectOffers(rows pgx.Rows) ([]*Offer, error) {
	defer rows.Close()
	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const productCols = `id::text, seller_id::text, quantity::text, updated_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	var qty string
	if err := row.Scan(&p.ID, &p.SellerID, &qty, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Quantity, err = parseDecimal(qty); err != nil {
		return nil, fmt.Errorf("product quantity: %w", err)
	}
	return &p, nil
}

const orderCols = `id::text, offer_id::text, product_id::text, buyer_id::text, seller_id::text,
	quantity::text, agreed_price::text, amount_total::text, currency, status, payment_reference,
	created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var qty, price, total, status string
	if err := row.Scan(&o.ID, &o.OfferID, &o.ProductID, &o.BuyerID, &o.SellerID,
		&qty, &price, &total, &o.Currency, &status, &o.PaymentReference, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = OrderStatus(status)
	var err error
	if o.Quantity, err = parseDecimal(qty); err != nil {
		return nil, fmt.Errorf("order quantity: %w", err)
	}
	if o.AgreedPrice, err = parseDecimal(price); err != nil {
		return nil, fmt.Errorf("order price: %w", err)
	}
	if o.AmountTotal, err = parseDecimal(total); err != nil {
		return nil, fmt.Errorf("order total: %w", err)
	}
	return &o, nil
}

func (s *PgStore) CreateOffer(ctx context.Context, o *Offer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO offers (id, product_id, conversation_id, buyer_id, seller_id, price, quantity, note, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $10)`,
		o.ID, o.ProductID, o.ConversationID, o.BuyerID, o.SellerID,
		o.Price.String(), nullDecimalArg(o.Quantity), o.Note, string(o.Status), o.CreatedAt,
	)
	if err != nil {
		return storeErr("failed to create offer", err)
	}
	return nil
}

func (s *PgStore) Offer(ctx context.Context, id string) (*Offer, error) {
	o, err := scanOffer(s.pool.QueryRow(ctx, `SELECT `+offerCols+` FROM offers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("offer %s not found", id)
	}
	if err != nil {
		return nil, storeErr("failed to fetch offer", err)
	}
	return o, nil
}

func (s *PgStore) ListOffers(ctx context.Context, conversationID string) ([]*Offer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+offerCols+` FROM offers WHERE conversation_id = $1 ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, storeErr("failed to list offers", err)
	}
	offers, err := collectOffers(rows)
	if err != nil {
		return nil, storeErr("failed to list offers", err)
	}
	return offers, nil
}

func (s *PgStore) CompareAndSetStatus(ctx context.Context, id string, from, to Status) (*Offer, error) {
	o, err := scanOffer(s.pool.QueryRow(ctx, `
		UPDATE offers SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+offerCols,
		id, string(from), string(to)))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.Offer(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, apperr.InvalidTransition("offer %s is %s, not %s", id, current.Status, from)
	}
	if err != nil {
		return nil, storeErr("failed to update offer status", err)
	}
	return o, nil
}

func (s *PgStore) CreateProduct(ctx context.Context, p *Product) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO products (id, seller_id, quantity) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.SellerID, p.Quantity.String())
	if err != nil {
		return storeErr("failed to create product", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.InvalidTransition("product %s already exists", p.ID)
	}
	return nil
}

func (s *PgStore) Product(ctx context.Context, id string) (*Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("product %s not found", id)
	}
	if err != nil {
		return nil, storeErr("failed to fetch product", err)
	}
	return p, nil
}

func (s *PgStore) Snapshot(ctx context.Context, productID string) (*Product, []*Offer, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, storeErr("transaction start failed", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanProduct(tx.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id = $1`, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, apperr.NotFound("product %s not found", productID)
	}
	if err != nil {
		return nil, nil, storeErr("failed to fetch product", err)
	}
	rows, err := tx.Query(ctx, `SELECT `+offerCols+` FROM offers
		WHERE product_id = $1 AND status = 'accepted' AND reserved`, productID)
	if err != nil {
		return nil, nil, storeErr("failed to list reservations", err)
	}
	offers, err := collectOffers(rows)
	if err != nil {
		return nil, nil, storeErr("failed to list reservations", err)
	}
	return p, offers, nil
}

func (s *PgStore) Order(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("order %s not found", id)
	}
	if err != nil {
		return nil, storeErr("failed to fetch order", err)
	}
	return o, nil
}

// WithProductLock takes SELECT ... FOR UPDATE on the product row first, so
// every stock-affecting transaction on a product is serialized and always
// acquires product before offer locks.
func (s *PgStore) WithProductLock(ctx context.Context, productID string, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("transaction start failed", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id::text FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("product %s not found", productID)
	}
	if err != nil {
		return storeErr("failed to lock product", err)
	}

	if err := fn(&pgTx{tx: tx, productID: productID}); err != nil {
		return storeErr("transaction failed", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return storeErr("commit failed", err)
	}
	return nil
}

type pgTx struct {
	tx        pgx.Tx
	productID string
}

func (t *pgTx) Product(ctx context.Context) (*Product, error) {
	p, err := scanProduct(t.tx.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id = $1`, t.productID))
	if err != nil {
		return nil, storeErr("failed to fetch product", err)
	}
	return p, nil
}

func (t *pgTx) SetProductQuantity(ctx context.Context, qty decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE products SET quantity = $2::numeric, updated_at = NOW() WHERE id = $1`,
		t.productID, qty.String())
	if err != nil {
		return storeErr("failed to update product quantity", err)
	}
	return nil
}

func (t *pgTx) Offer(ctx context.Context, id string) (*Offer, error) {
	o, err := scanOffer(t.tx.QueryRow(ctx,
		`SELECT `+offerCols+` FROM offers WHERE id = $1 AND product_id = $2 FOR UPDATE`, id, t.productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("offer %s not found", id)
	}
	if err != nil {
		return nil, storeErr("failed to lock offer", err)
	}
	return o, nil
}

func (t *pgTx) ReservedOffers(ctx context.Context) ([]*Offer, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+offerCols+` FROM offers
		WHERE product_id = $1 AND status = 'accepted' AND reserved`, t.productID)
	if err != nil {
		return nil, storeErr("failed to list reservations", err)
	}
	offers, err := collectOffers(rows)
	if err != nil {
		return nil, storeErr("failed to list reservations", err)
	}
	return offers, nil
}

func (t *pgTx) SaveOffer(ctx context.Context, o *Offer) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE offers
		SET status = $3, reserved = $4, reserved_quantity = $5::numeric, reserved_price = $6::numeric, updated_at = $7
		WHERE id = $1 AND product_id = $2`,
		o.ID, t.productID, string(o.Status), o.Reserved,
		nullDecimalArg(o.ReservedQuantity), nullDecimalArg(o.ReservedPrice), o.UpdatedAt,
	)
	if err != nil {
		return storeErr("failed to save offer", err)
	}
	return nil
}

func (t *pgTx) Order(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1 AND product_id = $2 FOR UPDATE`, id, t.productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("order %s not found", id)
	}
	if err != nil {
		return nil, storeErr("failed to lock order", err)
	}
	return o, nil
}

func (t *pgTx) orderWhere(ctx context.Context, where string, arg any) (*Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("failed to fetch order", err)
	}
	return o, nil
}

func (t *pgTx) OrderByOffer(ctx context.Context, offerID string) (*Order, error) {
	return t.orderWhere(ctx, `offer_id = $1`, offerID)
}

func (t *pgTx) OrderByPayment(ctx context.Context, reference string) (*Order, error) {
	return t.orderWhere(ctx, `payment_reference = $1`, reference)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (id, offer_id, product_id, buyer_id, seller_id, quantity, agreed_price, amount_total,
			currency, status, payment_reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11, $12, $12)`,
		o.ID, o.OfferID, o.ProductID, o.BuyerID, o.SellerID,
		o.Quantity.String(), o.AgreedPrice.String(), o.AmountTotal.String(),
		o.Currency, string(o.Status), o.PaymentReference, o.CreatedAt,
	)
	if err != nil {
		return storeErr("failed to create order", err)
	}
	return nil
}

func (t *pgTx) SaveOrder(ctx context.Context, o *Order) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE orders SET status = $2, payment_reference = $3, updated_at = $4 WHERE id = $1`,
		o.ID, string(o.Status), o.PaymentReference, o.UpdatedAt)
	if err != nil {
		return storeErr("failed to update order", err)
	}
	return nil
}
