package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sudo-init-do/matmarket/internal/apperr"
	"github.com/sudo-init-do/matmarket/internal/db"
)

// PgStore is the Postgres Store.
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
	return apperr.Internal(msg, err)
}

const conversationCols = `id::text, buyer_id::text, seller_id::text, COALESCE(product_id::text, ''), created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.BuyerID, &c.SellerID, &c.ProductID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PgStore) Create(ctx context.Context, c *Conversation) (*Conversation, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, storeErr("transaction start failed", err)
	}
	defer tx.Rollback(ctx)

	var product *string
	if c.ProductID != "" {
		product = &c.ProductID
	}

	// ON CONFLICT on the pair index makes concurrent opens converge on one row
	created, err := scanConversation(tx.QueryRow(ctx, `
		INSERT INTO conversations (id, buyer_id, seller_id, product_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
		RETURNING `+conversationCols,
		c.ID, c.BuyerID, c.SellerID, product,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanConversation(tx.QueryRow(ctx, `
			SELECT `+conversationCols+` FROM conversations
			WHERE buyer_id = $1 AND seller_id = $2 AND product_id IS NOT DISTINCT FROM $3`,
			c.BuyerID, c.SellerID, product,
		))
		if err != nil {
			return nil, false, storeErr("failed to fetch conversation", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, storeErr("failed to create conversation", err)
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO conversation_overlays (conversation_id, role) VALUES ($1, 'buyer'), ($1, 'seller')`,
		created.ID,
	); err != nil {
		return nil, false, storeErr("failed to create overlays", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, false, storeErr("commit failed", err)
	}
	return created, true, nil
}

func (s *PgStore) Get(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("conversation %s not found", id)
	}
	if err != nil {
		return nil, storeErr("failed to fetch conversation", err)
	}
	return c, nil
}

const overlayCols = `conversation_id::text, role, title_override, archived, deleted, muted_until, unread, updated_at`

func scanOverlay(row pgx.Row) (*Overlay, error) {
	var o Overlay
	var role string
	if err := row.Scan(&o.ConversationID, &role, &o.TitleOverride, &o.Archived, &o.Deleted, &o.MutedUntil, &o.Unread, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Role = Role(role)
	return &o, nil
}

func (s *PgStore) Overlay(ctx context.Context, id string, role Role) (*Overlay, error) {
	o, err := scanOverlay(s.pool.QueryRow(ctx,
		`SELECT `+overlayCols+` FROM conversation_overlays WHERE conversation_id = $1 AND role = $2`,
		id, string(role)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("conversation %s not found", id)
	}
	if err != nil {
		return nil, storeErr("failed to fetch overlay", err)
	}
	return o, nil
}

func (s *PgStore) UpdateOverlay(ctx context.Context, id string, role Role, fn func(*Overlay) error) (*Overlay, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("transaction start failed", err)
	}
	defer tx.Rollback(ctx)

	o, err := scanOverlay(tx.QueryRow(ctx,
		`SELECT `+overlayCols+` FROM conversation_overlays WHERE conversation_id = $1 AND role = $2 FOR UPDATE`,
		id, string(role)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("conversation %s not found", id)
	}
	if err != nil {
		return nil, storeErr("failed to lock overlay", err)
	}

	if err := fn(o); err != nil {
		return nil, err
	}

	updated, err := scanOverlay(tx.QueryRow(ctx, `
		UPDATE conversation_overlays
		SET title_override = $3, archived = $4, deleted = $5, muted_until = $6, unread = $7, updated_at = $8
		WHERE conversation_id = $1 AND role = $2
		RETURNING `+overlayCols,
		id, string(role), o.TitleOverride, o.Archived, o.Deleted, o.MutedUntil, o.Unread, time.Now().UTC(),
	))
	if err != nil {
		return nil, storeErr("failed to update overlay", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, storeErr("commit failed", err)
	}
	return updated, nil
}

func (s *PgStore) IncrementUnread(ctx context.Context, id string, role Role) (*Overlay, error) {
	o, err := scanOverlay(s.pool.QueryRow(ctx, `
		UPDATE conversation_overlays SET unread = unread + 1, updated_at = NOW()
		WHERE conversation_id = $1 AND role = $2
		RETURNING `+overlayCols,
		id, string(role)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("conversation %s not found", id)
	}
	if err != nil {
		return nil, storeErr("failed to increment unread", err)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, id); err != nil {
		return nil, storeErr("failed to touch conversation", err)
	}
	return o, nil
}

func (s *PgStore) ListForUser(ctx context.Context, userID string) ([]View, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id::text, c.buyer_id::text, c.seller_id::text, COALESCE(c.product_id::text, ''), c.created_at, c.updated_at,
		       o.role, o.title_override, o.archived, o.deleted, o.muted_until, o.unread, o.updated_at
		FROM conversations c
		JOIN conversation_overlays o
		  ON o.conversation_id = c.id
		 AND o.role = CASE WHEN c.buyer_id = $1 THEN 'buyer' ELSE 'seller' END
		WHERE c.buyer_id = $1 OR c.seller_id = $1
		ORDER BY c.updated_at DESC`, userID)
	if err != nil {
		return nil, storeErr("failed to list conversations", err)
	}
	defer rows.Close()

	var views []View
	for rows.Next() {
		var v View
		var role string
		c := &v.Conversation
		o := &v.Overlay
		if err := rows.Scan(&c.ID, &c.BuyerID, &c.SellerID, &c.ProductID, &c.CreatedAt, &c.UpdatedAt,
			&role, &o.TitleOverride, &o.Archived, &o.Deleted, &o.MutedUntil, &o.Unread, &o.UpdatedAt); err != nil {
			return nil, storeErr("failed to parse conversation record", err)
		}
		v.Role = Role(role)
		o.ConversationID, o.Role = c.ID, v.Role
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("failed to list conversations", err)
	}
	return views, nil
}
