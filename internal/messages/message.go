// Package messages turns raw chat database rows into canonical message records.
package messages

import (
	"strings"
	"time"

	"github.com/kalambet/imsgd/internal/blob"
)

// TextUnavailable is the text of a message whose content could not be recovered.
const TextUnavailable = "[message content not available]"

// Reaction (tapback) rows carry an associated_message_type in this range.
const (
	reactionTypeMin = 2000
	reactionTypeMax = 3005
)

// Row is one message row as returned by a row source. Empty strings and nil
// slices stand for NULL columns.
type Row struct {
	RowID          int64
	GUID           string
	Text           string
	Body           []byte
	Date           int64
	IsFromMe       bool
	IsRead         bool
	Handle         string
	ChatID         string
	ChatName       string
	AssociatedType int64
	HasAttachments bool
}

// Query bounds a row fetch. Rows come back newest first.
type Query struct {
	// Since is an inclusive native-epoch cutoff. Zero means no cutoff.
	Since            int64
	Handle           string
	IncomingOnly     bool
	UnreadOnly       bool
	IncludeReactions bool
	// Limit caps the number of rows. Zero means unbounded.
	Limit int
}

// Message is the canonical, client-facing form of a row.
type Message struct {
	Text      string    `json:"text"`
	Date      time.Time `json:"date"`
	IsFromMe  bool      `json:"is_from_me"`
	Phone     string    `json:"phone"`
	IsGroup   bool      `json:"is_group"`
	GroupID   string    `json:"group_id,omitempty"`
	GroupName string    `json:"group_name,omitempty"`

	// ContactName is filled in by callers that hold a contact table.
	ContactName string `json:"contact_name,omitempty"`
}

// IsReaction reports whether the row is a tapback rather than a message.
func IsReaction(r Row) bool {
	return r.AssociatedType >= reactionTypeMin && r.AssociatedType <= reactionTypeMax
}

// IsGroupChat reports whether a chat identifier names a group conversation:
// either "chat" followed only by digits, or a comma-separated handle list.
func IsGroupChat(chatID string) bool {
	if strings.Contains(chatID, ",") {
		return true
	}
	digits, ok := strings.CutPrefix(chatID, "chat")
	if !ok || digits == "" {
		return false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	return true
}

// ResolveText returns the row's canonical text: the plain column when set,
// otherwise whatever the body decoder recovers, otherwise TextUnavailable.
func ResolveText(r Row) string {
	if r.Text != "" {
		return r.Text
	}
	if len(r.Body) > 0 {
		if text, ok := blob.Decode(r.Body); ok {
			return text
		}
	}
	return TextUnavailable
}

// Normalize builds the canonical message for a row.
func Normalize(r Row) Message {
	m := Message{
		Text:     ResolveText(r),
		Date:     Time(r.Date),
		IsFromMe: r.IsFromMe,
		Phone:    r.Handle,
	}
	if r.ChatID != "" && IsGroupChat(r.ChatID) {
		m.IsGroup = true
		m.GroupID = r.ChatID
		m.GroupName = r.ChatName
	}
	return m
}

// NormalizeAll normalizes rows in order.
func NormalizeAll(rows []Row) []Message {
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, Normalize(r))
	}
	return out
}
