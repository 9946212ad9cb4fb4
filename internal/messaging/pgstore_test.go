package messaging

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/matmarket/internal/apperr"
	"github.com/sudo-init-do/matmarket/internal/db"
)

// pgPool connects to MATMARKET_TEST_DSN and ensures the schema. Tests using
// it are skipped when the variable is unset.
func pgPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("MATMARKET_TEST_DSN")
	if dsn == "" {
		t.Skip("MATMARKET_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.EnsureSchema(ctx, pool))
	return pool
}

func TestPgStoreCreateConvergesOnOneRow(t *testing.T) {
	store := NewPgStore(pgPool(t))
	ctx := context.Background()
	buyerID, sellerID := uuid.NewString(), uuid.NewString()

	const racers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, isNew, err := store.Create(ctx, &Conversation{ID: uuid.NewString(), BuyerID: buyerID, SellerID: sellerID})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[conv.ID] = true
			if isNew {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
}

func TestPgStoreOverlaysStayPerRole(t *testing.T) {
	store := NewPgStore(pgPool(t))
	ctx := context.Background()
	buyerID, sellerID := uuid.NewString(), uuid.NewString()

	conv, _, err := store.Create(ctx, &Conversation{ID: uuid.NewString(), BuyerID: buyerID, SellerID: sellerID})
	require.NoError(t, err)

	title := "pallets"
	o, err := store.UpdateOverlay(ctx, conv.ID, RoleBuyer, func(o *Overlay) error {
		o.Archived = true
		o.TitleOverride = &title
		return nil
	})
	require.NoError(t, err)
	assert.True(t, o.Archived)

	_, err = store.UpdateOverlay(ctx, conv.ID, RoleSeller, func(*Overlay) error {
		return apperr.Validation("nope")
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	o, err = store.IncrementUnread(ctx, conv.ID, RoleSeller)
	require.NoError(t, err)
	assert.Equal(t, 1, o.Unread)
	assert.False(t, o.Archived)

	views, err := store.ListForUser(ctx, buyerID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, RoleBuyer, views[0].Role)
	assert.True(t, views[0].Overlay.Archived)
	require.NotNil(t, views[0].Overlay.TitleOverride)
	assert.Equal(t, "pallets", *views[0].Overlay.TitleOverride)
	assert.Zero(t, views[0].Overlay.Unread)
}

func TestPgStoreClassifiesBadInput(t *testing.T) {
	store := NewPgStore(pgPool(t))
	ctx := context.Background()

	_, err := store.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = store.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, _, err = store.Create(ctx, &Conversation{
		ID: uuid.NewString(), BuyerID: uuid.NewString(), SellerID: uuid.NewString(), ProductID: uuid.NewString(),
	})
	assert.ErrorIs(t, err, apperr.ErrValidation, "unknown product")
}
