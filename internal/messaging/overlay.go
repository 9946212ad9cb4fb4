package messaging

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/sudo-init-do/matmarket/internal/apperr"
	"github.com/sudo-init-do/matmarket/internal/notify"
)

const maxTitleLen = 200

// Service is the conversation overlay command surface. Every mutator
// resolves the caller's role first and only ever writes that role's row.
type Service struct {
	store Store
	pub   notify.Publisher
	now   func() time.Time
}

func NewService(store Store, pub notify.Publisher) *Service {
	if pub == nil {
		pub = notify.Discard{}
	}
	return &Service{store: store, pub: pub, now: time.Now}
}

// Open returns the conversation between buyer and seller about productID
// (empty for a general conversation), creating it on first contact. actorID
// is the caller and must be one of the two.
func (s *Service) Open(ctx context.Context, actorID, buyerID, sellerID, productID string) (*Conversation, bool, error) {
	if buyerID == "" || sellerID == "" {
		return nil, false, apperr.Validation("buyer_id and seller_id are required")
	}
	if buyerID == sellerID {
		return nil, false, apperr.Validation("buyer and seller must be different users")
	}
	if actorID == "" || (actorID != buyerID && actorID != sellerID) {
		return nil, false, apperr.Forbidden("caller must be the buyer or the seller")
	}
	conv, created, err := s.store.Create(ctx, &Conversation{
		ID:        uuid.New().String(),
		BuyerID:   buyerID,
		SellerID:  sellerID,
		ProductID: productID,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.publish(ctx, conv, actorID)
	}
	return conv, created, nil
}

// Get loads a conversation without any participant check. Used by the offer
// commands, which do their own role checks.
func (s *Service) Get(ctx context.Context, id string) (*Conversation, error) {
	if id == "" {
		return nil, apperr.Validation("conversation id is required")
	}
	return s.store.Get(ctx, id)
}

// Authorize loads the conversation and resolves userID's role in it.
func (s *Service) Authorize(ctx context.Context, id, userID string) (*Conversation, Role, error) {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	role, err := ResolveRole(conv, userID)
	if err != nil {
		return nil, "", err
	}
	return conv, role, nil
}

// View returns the conversation as userID sees it.
func (s *Service) View(ctx context.Context, id, userID string) (*View, error) {
	conv, role, err := s.Authorize(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	o, err := s.store.Overlay(ctx, id, role)
	if err != nil {
		return nil, err
	}
	return &View{Conversation: *conv, Role: role, Overlay: *o}, nil
}

// List returns userID's conversations, newest first. Conversations the caller
// deleted are never returned; archived ones only when includeArchived is set.
func (s *Service) List(ctx context.Context, userID string, includeArchived bool) ([]View, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	views, err := s.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(views))
	for _, v := range views {
		if v.Overlay.Deleted || (v.Overlay.Archived && !includeArchived) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Rename sets the caller's private title. An empty title clears it.
func (s *Service) Rename(ctx context.Context, id, userID, title string) (*View, error) {
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) > maxTitleLen {
		return nil, apperr.Validation("title must be at most %d characters", maxTitleLen)
	}
	return s.mutate(ctx, id, userID, func(o *Overlay) error {
		if title == "" {
			o.TitleOverride = nil
			return nil
		}
		o.TitleOverride = &title
		return nil
	})
}

func (s *Service) SetArchived(ctx context.Context, id, userID string, archived bool) (*View, error) {
	return s.mutate(ctx, id, userID, func(o *Overlay) error {
		o.Archived = archived
		return nil
	})
}

// SoftDelete hides the conversation for the caller only.
func (s *Service) SoftDelete(ctx context.Context, id, userID string) (*View, error) {
	return s.mutate(ctx, id, userID, func(o *Overlay) error {
		o.Deleted = true
		return nil
	})
}

func (s *Service) Mute(ctx context.Context, id, userID string, until time.Time) (*View, error) {
	if !until.After(s.now()) {
		return nil, apperr.Validation("mute until must be in the future")
	}
	until = until.UTC()
	return s.mutate(ctx, id, userID, func(o *Overlay) error {
		o.MutedUntil = &until
		return nil
	})
}

func (s *Service) Unmute(ctx context.Context, id, userID string) (*View, error) {
	return s.mutate(ctx, id, userID, func(o *Overlay) error {
		o.MutedUntil = nil
		return nil
	})
}

func (s *Service) MarkRead(ctx context.Context, id, userID string) (*View, error) {
	return s.mutate(ctx, id, userID, func(o *Overlay) error {
		o.Unread = 0
		return nil
	})
}

// RecordIncoming is called by the chat transport when senderID posts a
// message. It bumps the recipient's unread counter and leaves the sender's
// row alone.
func (s *Service) RecordIncoming(ctx context.Context, id, senderID string) (*Overlay, error) {
	conv, role, err := s.Authorize(ctx, id, senderID)
	if err != nil {
		return nil, err
	}
	o, err := s.store.IncrementUnread(ctx, id, role.Other())
	if err != nil {
		return nil, err
	}
	s.publish(ctx, conv, senderID)
	return o, nil
}

// UnreadTotals sums userID's unread counters across conversations not
// deleted on their side, split by product-linked vs general.
func (s *Service) UnreadTotals(ctx context.Context, userID string) (UnreadTotals, error) {
	var totals UnreadTotals
	if userID == "" {
		return totals, apperr.Validation("user id is required")
	}
	views, err := s.store.ListForUser(ctx, userID)
	if err != nil {
		return totals, err
	}
	for _, v := range views {
		if v.Overlay.Deleted {
			continue
		}
		if v.Conversation.ProductLinked() {
			totals.Product += v.Overlay.Unread
		} else {
			totals.General += v.Overlay.Unread
		}
	}
	totals.Total = totals.Product + totals.General
	return totals, nil
}

func (s *Service) mutate(ctx context.Context, id, userID string, fn func(*Overlay) error) (*View, error) {
	conv, role, err := s.Authorize(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	o, err := s.store.UpdateOverlay(ctx, id, role, fn)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, conv, userID)
	return &View{Conversation: *conv, Role: role, Overlay: *o}, nil
}

func (s *Service) publish(ctx context.Context, conv *Conversation, actorID string) {
	_ = s.pub.Publish(ctx, notify.Event{
		Type:           notify.ConversationUpdated,
		ConversationID: conv.ID,
		ActorID:        actorID,
		BuyerID:        conv.BuyerID,
		SellerID:       conv.SellerID,
	})
}
