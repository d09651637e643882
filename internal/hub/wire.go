package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"farmchat/internal/domain"
)

// RoleMap maps the hub's numeric sender codes to roles. The server contract
// for these codes is deployment specific, so the mapping comes from
// configuration. An empty map decodes every numeric code as
// SenderUnrecognized; role names still decode.
type RoleMap map[int]domain.SenderRole

// ParseRoleMap converts the configured code table ("0" -> "Customer").
func ParseRoleMap(codes map[string]string) (RoleMap, error) {
	m := make(RoleMap, len(codes))
	for k, v := range codes {
		code, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("sender role code %q: not an integer", k)
		}
		role := domain.ParseSenderRole(v)
		if role == domain.SenderUnrecognized {
			return nil, fmt.Errorf("sender role code %d: unknown role %q", code, v)
		}
		m[code] = role
	}
	return m, nil
}

// role decodes a senderType field, which the hub sends either as a role
// name or as a numeric code. ok is false when the value matched nothing.
func (m RoleMap) role(raw json.RawMessage) (role domain.SenderRole, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return domain.SenderUnrecognized, false
	}

	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		if code, err := strconv.Atoi(strings.TrimSpace(name)); err == nil {
			return m.code(code)
		}
		role := domain.ParseSenderRole(name)
		return role, role != domain.SenderUnrecognized
	}

	var code int
	if err := json.Unmarshal(raw, &code); err == nil {
		return m.code(code)
	}
	return domain.SenderUnrecognized, false
}

func (m RoleMap) code(code int) (domain.SenderRole, bool) {
	if role, ok := m[code]; ok {
		return role, true
	}
	return domain.SenderUnrecognized, false
}

type wireMessage struct {
	ID             int64                 `json:"id"`
	ConversationID int64                 `json:"conversationId"`
	SenderType     json.RawMessage       `json:"senderType"`
	MessageText    string                `json:"messageText"`
	IsRead         bool                  `json:"isRead"`
	CreatedAt      string                `json:"createdAt"`
	Images         []domain.MessageImage `json:"images"`
}

type wireUpdate struct {
	ConversationID int64   `json:"conversationId"`
	LastMessage    *string `json:"lastMessage"`
	LastMessageAt  *string `json:"lastMessageAt"`
	UnreadCount    int     `json:"unreadCount"`
}

// decodeMessage turns a ReceiveMessage argument into a ChatMessage.
// knownRole is false when senderType had to fall back to Unrecognized.
func decodeMessage(raw json.RawMessage, roles RoleMap) (msg domain.ChatMessage, knownRole bool, err error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.ChatMessage{}, false, fmt.Errorf("decode message: %w", err)
	}
	createdAt, err := parseTimestamp(w.CreatedAt)
	if err != nil {
		return domain.ChatMessage{}, false, fmt.Errorf("decode message %d: %w", w.ID, err)
	}
	role, knownRole := roles.role(w.SenderType)

	images := w.Images
	if images == nil {
		images = []domain.MessageImage{}
	}
	return domain.ChatMessage{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderType:     role,
		MessageText:    w.MessageText,
		IsRead:         w.IsRead,
		CreatedAt:      createdAt,
		Images:         images,
	}, knownRole, nil
}

func decodeUpdate(raw json.RawMessage) (domain.ConversationUpdate, error) {
	var w wireUpdate
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.ConversationUpdate{}, fmt.Errorf("decode conversation update: %w", err)
	}
	u := domain.ConversationUpdate{
		ConversationID: w.ConversationID,
		UnreadCount:    w.UnreadCount,
	}
	if w.LastMessage != nil {
		u.LastMessage = *w.LastMessage
	}
	if w.LastMessageAt != nil {
		at, err := parseTimestamp(*w.LastMessageAt)
		if err != nil {
			return domain.ConversationUpdate{}, fmt.Errorf("decode conversation update %d: %w", w.ConversationID, err)
		}
		u.LastMessageAt = at
	}
	return u, nil
}

// timestampLayouts covers what the hub emits: RFC 3339 with an offset or Z,
// and server-local times with no zone, which are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
