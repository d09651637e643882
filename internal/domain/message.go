package domain

import (
	"strings"
	"time"
)

// SenderRole identifies which side of a conversation wrote a message.
type SenderRole string

const (
	SenderCustomer     SenderRole = "Customer"
	SenderVendor       SenderRole = "Vendor"
	SenderUnrecognized SenderRole = "Unrecognized"
)

// ParseSenderRole maps a role name to a SenderRole. Matching ignores case
// and surrounding whitespace; anything else is SenderUnrecognized.
func ParseSenderRole(name string) SenderRole {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "customer":
		return SenderCustomer
	case "vendor":
		return SenderVendor
	default:
		return SenderUnrecognized
	}
}

// MessageImage is an image attached to a chat message.
type MessageImage struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// ChatMessage is a message delivered over the hub. Each subscriber receives
// its own copy, Images included.
type ChatMessage struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversationId"`
	SenderType     SenderRole     `json:"senderType"`
	MessageText    string         `json:"messageText"`
	IsRead         bool           `json:"isRead"`
	CreatedAt      time.Time      `json:"createdAt"`
	Images         []MessageImage `json:"images"`
}

// ConversationUpdate is the summary projection of a conversation, pushed
// whenever its last message or unread count changes.
type ConversationUpdate struct {
	ConversationID int64     `json:"conversationId"`
	LastMessage    string    `json:"lastMessage"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	UnreadCount    int       `json:"unreadCount"`
}
