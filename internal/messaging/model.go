package messaging

import (
	"time"

	"github.com/sudo-init-do/matmarket/internal/apperr"
)

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

func (r Role) Valid() bool { return r == RoleBuyer || r == RoleSeller }

// Other returns the opposite side of the conversation.
func (r Role) Other() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// Conversation is the shared row both participants see. ProductID is empty
// for general conversations.
type Conversation struct {
	ID        string    `json:"id"`
	BuyerID   string    `json:"buyer_id"`
	SellerID  string    `json:"seller_id"`
	ProductID string    `json:"product_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Conversation) ProductLinked() bool { return c.ProductID != "" }

// ResolveRole returns the side userID is on. Buyer and seller are always
// different users, so at most one branch matches.
func ResolveRole(c *Conversation, userID string) (Role, error) {
	switch {
	case userID == "":
		return "", apperr.NotAParticipant(c.ID)
	case userID == c.BuyerID:
		return RoleBuyer, nil
	case userID == c.SellerID:
		return RoleSeller, nil
	default:
		return "", apperr.NotAParticipant(c.ID)
	}
}

// Overlay is one participant's private view state of a conversation.
type Overlay struct {
	ConversationID string     `json:"conversation_id"`
	Role           Role       `json:"role"`
	TitleOverride  *string    `json:"title_override,omitempty"`
	Archived       bool       `json:"archived"`
	Deleted        bool       `json:"deleted"`
	MutedUntil     *time.Time `json:"muted_until,omitempty"`
	Unread         int        `json:"unread"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (o *Overlay) Muted(now time.Time) bool {
	return o.MutedUntil != nil && now.Before(*o.MutedUntil)
}

// View is a conversation as seen by one participant.
type View struct {
	Conversation Conversation `json:"conversation"`
	Role         Role         `json:"role"`
	Overlay      Overlay      `json:"overlay"`
}

// UnreadTotals splits a user's unread count by conversation kind.
type UnreadTotals struct {
	Product int `json:"product"`
	General int `json:"general"`
	Total   int `json:"total"`
}
