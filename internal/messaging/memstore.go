package messaging

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sudo-init-do/matmarket/internal/apperr"
)

type overlayKey struct {
	conversationID string
	role           Role
}

type pairKey struct {
	buyerID, sellerID, productID string
}

// MemoryStore keeps conversations in process. Used by STORE=memory and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	convs    map[string]*Conversation
	pairs    map[pairKey]string
	overlays map[overlayKey]*Overlay
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[string]*Conversation),
		pairs:    make(map[pairKey]string),
		overlays: make(map[overlayKey]*Overlay),
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, c *Conversation) (*Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk := pairKey{c.BuyerID, c.SellerID, c.ProductID}
	if id, ok := s.pairs[pk]; ok {
		cp := *s.convs[id]
		return &cp, false, nil
	}

	now := s.now().UTC()
	stored := *c
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.convs[stored.ID] = &stored
	s.pairs[pk] = stored.ID
	for _, r := range []Role{RoleBuyer, RoleSeller} {
		s.overlays[overlayKey{stored.ID, r}] = &Overlay{ConversationID: stored.ID, Role: r, UpdatedAt: now}
	}

	cp := stored
	return &cp, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, apperr.NotFound("conversation %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) Overlay(_ context.Context, id string, role Role) (*Overlay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overlays[overlayKey{id, role}]
	if !ok {
		return nil, apperr.NotFound("conversation %s not found", id)
	}
	return cloneOverlay(o), nil
}

func (s *MemoryStore) UpdateOverlay(_ context.Context, id string, role Role, fn func(*Overlay) error) (*Overlay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := overlayKey{id, role}
	cur, ok := s.overlays[key]
	if !ok {
		return nil, apperr.NotFound("conversation %s not found", id)
	}
	next := cloneOverlay(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	// the key is not editable through fn
	next.ConversationID, next.Role = id, role
	next.UpdatedAt = s.now().UTC()
	s.overlays[key] = next
	return cloneOverlay(next), nil
}

func (s *MemoryStore) IncrementUnread(ctx context.Context, id string, role Role) (*Overlay, error) {
	o, err := s.UpdateOverlay(ctx, id, role, func(o *Overlay) error {
		o.Unread++
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if c, ok := s.convs[id]; ok {
		c.UpdatedAt = o.UpdatedAt
	}
	s.mu.Unlock()
	return o, nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string) ([]View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var views []View
	for _, c := range s.convs {
		var role Role
		switch userID {
		case c.BuyerID:
			role = RoleBuyer
		case c.SellerID:
			role = RoleSeller
		default:
			continue
		}
		views = append(views, View{
			Conversation: *c,
			Role:         role,
			Overlay:      *cloneOverlay(s.overlays[overlayKey{c.ID, role}]),
		})
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].Conversation.UpdatedAt.After(views[j].Conversation.UpdatedAt)
	})
	return views, nil
}

func cloneOverlay(o *Overlay) *Overlay {
	cp := *o
	if o.TitleOverride != nil {
		t := *o.TitleOverride
		cp.TitleOverride = &t
	}
	if o.MutedUntil != nil {
		m := *o.MutedUntil
		cp.MutedUntil = &m
	}
	return &cp
}
