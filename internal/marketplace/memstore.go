package marketplace

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/matmarket/internal/apperr"
)

// MemoryStore keeps everything in process. Each product has its own mutex
// standing in for the row lock; a transaction stages its writes and applies
// them in one step when fn succeeds.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]*Product
	offers   map[string]*Offer
	orders   map[string]*Order

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]*Product),
		offers:   make(map[string]*Offer),
		orders:   make(map[string]*Order),
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateOffer(_ context.Context, o *Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[o.ID]; ok {
		return apperr.Internal("duplicate offer id", nil)
	}
	s.offers[o.ID] = o.clone()
	return nil
}

func (s *MemoryStore) Offer(_ context.Context, id string) (*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, apperr.NotFound("offer %s not found", id)
	}
	return o.clone(), nil
}

func (s *MemoryStore) ListOffers(_ context.Context, conversationID string) ([]*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Offer
	for _, o := range s.offers {
		if o.ConversationID == conversationID {
			out = append(out, o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CompareAndSetStatus(_ context.Context, id string, from, to Status) (*Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, apperr.NotFound("offer %s not found", id)
	}
	if o.Status != from {
		return nil, apperr.InvalidTransition("offer %s is %s, not %s", id, o.Status, from)
	}
	next := o.clone()
	next.Status = to
	next.UpdatedAt = s.now().UTC()
	s.offers[id] = next
	return next.clone(), nil
}

func (s *MemoryStore) CreateProduct(_ context.Context, p *Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.ID]; ok {
		return apperr.InvalidTransition("product %s already exists", p.ID)
	}
	cp := *p
	cp.UpdatedAt = s.now().UTC()
	s.products[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Product(_ context.Context, id string) (*Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, apperr.NotFound("product %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Snapshot(_ context.Context, productID string) (*Product, []*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, nil, apperr.NotFound("product %s not found", productID)
	}
	cp := *p
	return &cp, s.reservedLocked(productID), nil
}

func (s *MemoryStore) reservedLocked(productID string) []*Offer {
	var out []*Offer
	for _, o := range s.offers {
		if o.ProductID == productID && o.holdsStock() {
			out = append(out, o.clone())
		}
	}
	return out
}

func (s *MemoryStore) Order(_ context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %s not found", id)
	}
	return o.clone(), nil
}

func (s *MemoryStore) productLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStore) WithProductLock(ctx context.Context, productID string, fn func(Tx) error) error {
	if _, err := s.Product(ctx, productID); err != nil {
		return err
	}
	l := s.productLock(productID)
	l.Lock()
	defer l.Unlock()

	tx := &memTx{
		s:         s,
		productID: productID,
		offers:    make(map[string]*Offer),
		orders:    make(map[string]*Order),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return apperr.Retryable("transaction aborted", err)
	}
	tx.commit()
	return nil
}

// memTx reads through to the store and stages writes.
type memTx struct {
	s         *MemoryStore
	productID string
	quantity  *decimal.Decimal
	offers    map[string]*Offer
	orders    map[string]*Order
}

func (t *memTx) Product(ctx context.Context) (*Product, error) {
	p, err := t.s.Product(ctx, t.productID)
	if err != nil {
		return nil, err
	}
	if t.quantity != nil {
		p.Quantity = *t.quantity
	}
	return p, nil
}

func (t *memTx) SetProductQuantity(_ context.Context, qty decimal.Decimal) error {
	if qty.IsNegative() {
		return apperr.Internal("product quantity would go negative", nil)
	}
	t.quantity = &qty
	return nil
}

func (t *memTx) Offer(ctx context.Context, id string) (*Offer, error) {
	if o, ok := t.offers[id]; ok {
		return o.clone(), nil
	}
	o, err := t.s.Offer(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.ProductID != t.productID {
		return nil, apperr.NotFound("offer %s not found", id)
	}
	return o, nil
}

func (t *memTx) ReservedOffers(context.Context) ([]*Offer, error) {
	t.s.mu.RLock()
	committed := t.s.reservedLocked(t.productID)
	t.s.mu.RUnlock()

	var out []*Offer
	for _, o := range committed {
		if _, staged := t.offers[o.ID]; !staged {
			out = append(out, o)
		}
	}
	for _, o := range t.offers {
		if o.holdsStock() {
			out = append(out, o.clone())
		}
	}
	return out, nil
}

func (t *memTx) SaveOffer(_ context.Context, o *Offer) error {
	if o.ProductID != t.productID {
		return apperr.Internal("offer belongs to another product", nil)
	}
	t.offers[o.ID] = o.clone()
	return nil
}

func (t *memTx) Order(ctx context.Context, id string) (*Order, error) {
	if o, ok := t.orders[id]; ok {
		return o.clone(), nil
	}
	o, err := t.s.Order(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.ProductID != t.productID {
		return nil, apperr.NotFound("order %s not found", id)
	}
	return o, nil
}

func (t *memTx) findOrder(match func(*Order) bool) *Order {
	for _, o := range t.orders {
		if match(o) {
			return o.clone()
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, o := range t.s.orders {
		if match(o) {
			return o.clone()
		}
	}
	return nil
}

func (t *memTx) OrderByOffer(_ context.Context, offerID string) (*Order, error) {
	return t.findOrder(func(o *Order) bool { return o.OfferID == offerID }), nil
}

func (t *memTx) OrderByPayment(_ context.Context, reference string) (*Order, error) {
	return t.findOrder(func(o *Order) bool {
		return o.PaymentReference != nil && *o.PaymentReference == reference
	}), nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *Order) error {
	if existing, _ := t.OrderByOffer(ctx, o.OfferID); existing != nil {
		return apperr.AlreadyFinalized(o.OfferID, existing.ID)
	}
	t.orders[o.ID] = o.clone()
	return nil
}

func (t *memTx) SaveOrder(_ context.Context, o *Order) error {
	t.orders[o.ID] = o.clone()
	return nil
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	now := t.s.now().UTC()
	if t.quantity != nil {
		p := t.s.products[t.productID]
		p.Quantity = *t.quantity
		p.UpdatedAt = now
	}
	for id, o := range t.offers {
		t.s.offers[id] = o
	}
	for id, o := range t.orders {
		t.s.orders[id] = o
	}
}
