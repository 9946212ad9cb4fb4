package marketplace

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/matmarket/internal/apperr"
	"github.com/sudo-init-do/matmarket/internal/db"
	"github.com/sudo-init-do/matmarket/internal/messaging"
)

// pgFixture runs the service against MATMARKET_TEST_DSN. Skipped when unset.
type pgFixture struct {
	ctx      context.Context
	store    *PgStore
	convs    *messaging.Service
	svc      *Service
	sellerID string
	product  string
}

func newPgFixture(t *testing.T, stock string) *pgFixture {
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

	store := NewPgStore(pool)
	convs := messaging.NewService(messaging.NewPgStore(pool), nil)
	f := &pgFixture{
		ctx:      ctx,
		store:    store,
		convs:    convs,
		svc:      NewService(store, convs, nil, "EUR", nil),
		sellerID: uuid.NewString(),
		product:  uuid.NewString(),
	}
	_, err = f.svc.SetStock(ctx, f.sellerID, f.product, dec(stock))
	require.NoError(t, err)
	return f
}

// acceptedOffer opens a conversation for a fresh buyer and returns an
// accepted offer in it.
func (f *pgFixture) acceptedOffer(t *testing.T, price string, qty *string) *Offer {
	t.Helper()
	buyerID := uuid.NewString()
	conv, _, err := f.convs.Open(f.ctx, buyerID, buyerID, f.sellerID, f.product)
	require.NoError(t, err)
	in := OfferInput{Price: dec(price)}
	if qty != nil {
		in.Quantity = decPtr(*qty)
	}
	o, err := f.svc.MakeOffer(f.ctx, buyerID, conv.ID, in)
	require.NoError(t, err)
	o, err = f.svc.AcceptOffer(f.ctx, f.sellerID, o.ID)
	require.NoError(t, err)
	return o
}

func TestPgStoreDecimalRoundTrip(t *testing.T) {
	f := newPgFixture(t, "10.5")
	qty := "1.250"
	o := f.acceptedOffer(t, "12.3456", &qty)

	stored, err := f.store.Offer(f.ctx, o.ID)
	require.NoError(t, err)
	assertDec(t, "12.3456", stored.Price)
	require.NotNil(t, stored.Quantity)
	assertDec(t, "1.25", *stored.Quantity)
	assert.Equal(t, StatusAccepted, stored.Status)

	p, err := f.store.Product(f.ctx, f.product)
	require.NoError(t, err)
	assertDec(t, "10.5", p.Quantity)
}

func TestPgStoreCompareAndSetStatus(t *testing.T) {
	f := newPgFixture(t, "5")
	o := f.acceptedOffer(t, "3", nil)

	_, err := f.store.CompareAndSetStatus(f.ctx, o.ID, StatusPending, StatusRejected)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.store.CompareAndSetStatus(f.ctx, uuid.NewString(), StatusPending, StatusRejected)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPgStoreRejectsValuesStorageWouldRound(t *testing.T) {
	f := newPgFixture(t, "5")
	buyerID := uuid.NewString()
	conv, _, err := f.convs.Open(f.ctx, buyerID, buyerID, f.sellerID, f.product)
	require.NoError(t, err)

	// written straight to the store so only the CHECK constraint sees it
	now := time.Now().UTC()
	err = f.store.CreateOffer(f.ctx, &Offer{
		ID: uuid.NewString(), ProductID: f.product, ConversationID: conv.ID,
		BuyerID: buyerID, SellerID: f.sellerID, Price: dec("0.00001"),
		Status: StatusPending, CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.MakeOffer(f.ctx, buyerID, conv.ID, OfferInput{Price: dec("1"), Quantity: decPtr("0.0001")})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestPgStoreConcurrentReservationsNeverOversell(t *testing.T) {
	f := newPgFixture(t, "10")

	const racers = 7
	offers := make([]*Offer, racers)
	for i := range offers {
		offers[i] = f.acceptedOffer(t, "4", nil)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		won  int
		lost int
	)
	for _, o := range offers {
		wg.Add(1)
		go func(o *Offer) {
			defer wg.Done()
			_, err := f.svc.ReserveOffer(f.ctx, f.sellerID, o.ID, dec("3"), nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case apperr.KindOf(err) == apperr.KindInsufficientAvailability:
				lost++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(o)
	}
	wg.Wait()

	assert.Equal(t, 3, won)
	assert.Equal(t, racers-3, lost)

	a, err := f.svc.Availability(f.ctx, f.product)
	require.NoError(t, err)
	assertDec(t, "9", a.Reserved)
	assertDec(t, "1", a.Available)
}

func TestPgStoreFinalizeIsIdempotent(t *testing.T) {
	f := newPgFixture(t, "10")
	o := f.acceptedOffer(t, "2.5", nil)
	_, err := f.svc.ReserveOffer(f.ctx, f.sellerID, o.ID, dec("4"), nil)
	require.NoError(t, err)

	ref := "pay-" + uuid.NewString()
	order, err := f.svc.Finalize(f.ctx, o.ID, ref)
	require.NoError(t, err)
	assert.Equal(t, OrderPaid, order.Status)

	stored, err := f.store.Order(f.ctx, order.ID)
	require.NoError(t, err)
	assertDec(t, "10", stored.AmountTotal)
	require.NotNil(t, stored.PaymentReference)
	assert.Equal(t, ref, *stored.PaymentReference)

	_, err = f.svc.Finalize(f.ctx, o.ID, ref)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindAlreadyFinalized, appErr.Kind)
	assert.Equal(t, order.ID, appErr.OrderID)

	a, err := f.svc.Availability(f.ctx, f.product)
	require.NoError(t, err)
	assertDec(t, "6", a.Quantity)
	assertDec(t, "0", a.Reserved)
}
