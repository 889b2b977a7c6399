package service

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/imsgd/internal/contacts"
	"github.com/kalambet/imsgd/internal/messages"
	"github.com/kalambet/imsgd/internal/protocol"
)

const (
	topContactsLimit = 10
	followupLimit    = 50
)

// TopContact is one entry of AnalyticsResult.TopContacts.
type TopContact struct {
	Phone        string `json:"phone"`
	ContactName  string `json:"contact_name,omitempty"`
	MessageCount int    `json:"message_count"`
}

// AnalyticsResult is returned by the analytics method. BusiestHour and
// BusiestDay are null when the window holds no messages. TopContacts is only
// computed when no contact filter is given.
type AnalyticsResult struct {
	PeriodDays      int          `json:"period_days"`
	TotalMessages   int          `json:"total_messages"`
	SentCount       int          `json:"sent_count"`
	ReceivedCount   int          `json:"received_count"`
	AvgPerDay       float64      `json:"avg_per_day"`
	BusiestHour     *int         `json:"busiest_hour"`
	BusiestDay      *string      `json:"busiest_day"`
	TopContacts     []TopContact `json:"top_contacts,omitempty"`
	AttachmentCount int          `json:"attachment_count"`
	ReactionCount   int          `json:"reaction_count"`
	Contact         string       `json:"contact,omitempty"`
	ContactName     string       `json:"contact_name,omitempty"`
}

type directionCounts struct {
	total, sent, received int
}

// countDirections counts non-reaction rows by direction.
func countDirections(rows []messages.Row) directionCounts {
	var c directionCounts
	for _, r := range rows {
		if messages.IsReaction(r) {
			continue
		}
		c.total++
		if r.IsFromMe {
			c.sent++
		} else {
			c.received++
		}
	}
	return c
}

func (s *Service) analytics(ctx context.Context, p protocol.Params) (any, error) {
	days := p.NonNegativeInt("days", 30, maxDays)
	contact := strings.TrimSpace(p.String("contact", ""))

	q := messages.Query{Since: s.cutoff(days), IncludeReactions: true}
	res := AnalyticsResult{PeriodDays: days}
	if contact != "" {
		handle := contact
		if phone, ok := s.contacts.PhoneForName(contact); ok {
			handle = phone
			res.ContactName = contact
		}
		res.Contact = handle
		if name := s.contactName(handle); name != "" {
			res.ContactName = name
		}
		q.Handle = handleFilter(handle)
	}

	rows, err := s.fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	c := countDirections(rows)
	res.TotalMessages, res.SentCount, res.ReceivedCount = c.total, c.sent, c.received
	if days > 0 {
		res.AvgPerDay = math.Round(float64(c.total)/float64(days)*10) / 10
	}

	var hours [24]int
	var weekdays [7]int
	perHandle := make(map[string]int)
	for _, r := range rows {
		if messages.IsReaction(r) {
			res.ReactionCount++
			continue
		}
		if r.HasAttachments {
			res.AttachmentCount++
		}
		hours[messages.HourOfDay(r.Date)]++
		weekdays[messages.DayOfWeek(r.Date)]++
		if r.Handle != "" {
			perHandle[r.Handle]++
		}
	}

	if c.total > 0 {
		hour := argmax(hours[:])
		day := messages.DayName(argmax(weekdays[:]))
		res.BusiestHour = &hour
		res.BusiestDay = &day
	}
	if contact == "" {
		res.TopContacts = s.topContacts(perHandle)
	}
	return res, nil
}

// handleFilter turns a phone or email into a substring that matches the raw
// handle column.
func handleFilter(handle string) string {
	if key := contacts.NormalizeHandle(handle); key != "" {
		return key
	}
	return handle
}

func (s *Service) topContacts(perHandle map[string]int) []TopContact {
	out := make([]TopContact, 0, len(perHandle))
	for handle, n := range perHandle {
		out = append(out, TopContact{Phone: handle, MessageCount: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageCount != out[j].MessageCount {
			return out[i].MessageCount > out[j].MessageCount
		}
		return out[i].Phone < out[j].Phone
	})
	if len(out) > topContactsLimit {
		out = out[:topContactsLimit]
	}
	for i := range out {
		out[i].ContactName = s.contactName(out[i].Phone)
	}
	return out
}

// argmax returns the index of the largest count, the lowest index on ties.
func argmax(counts []int) int {
	best := 0
	for i, n := range counts {
		if n > counts[best] {
			best = i
		}
	}
	return best
}

// UnansweredQuestion is an incoming question with no reply in time.
type UnansweredQuestion struct {
	Phone       string    `json:"phone"`
	ContactName string    `json:"contact_name,omitempty"`
	Text        string    `json:"text"`
	Date        time.Time `json:"date"`
	DaysAgo     int64     `json:"days_ago"`
}

// StaleConversation is a conversation whose last word is theirs.
type StaleConversation struct {
	Phone       string    `json:"phone"`
	ContactName string    `json:"contact_name,omitempty"`
	LastText    string    `json:"last_text"`
	LastDate    time.Time `json:"last_date"`
	DaysAgo     int64     `json:"days_ago"`
}

// FollowupResult is returned by the followup method.
type FollowupResult struct {
	UnansweredQuestions []UnansweredQuestion `json:"unanswered_questions"`
	StaleConversations  []StaleConversation  `json:"stale_conversations"`
	TotalItems          int                  `json:"total_items"`
}

var questionMarkers = []string{"?", "when", "what", "where", "how", "why", "can you", "could you"}

func isQuestion(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range questionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func (s *Service) followup(ctx context.Context, p protocol.Params) (any, error) {
	days := p.NonNegativeInt("days", 30, maxDays)
	stale := p.NonNegativeInt("stale", 3, maxDays)
	return s.followupItems(ctx, days, stale)
}

func (s *Service) followupItems(ctx context.Context, days, stale int) (FollowupResult, error) {
	rows, err := s.fetch(ctx, messages.Query{Since: s.cutoff(days)})
	if err != nil {
		return FollowupResult{}, err
	}

	now := s.now()
	staleNanos := messages.DaysToNanos(stale)
	staleBefore := messages.FromTime(now) - staleNanos

	// Rows are newest first; collect outgoing dates per handle for reply checks.
	replies := make(map[string][]int64)
	for _, r := range rows {
		if r.IsFromMe && r.Handle != "" {
			replies[r.Handle] = append(replies[r.Handle], r.Date)
		}
	}

	res := FollowupResult{
		UnansweredQuestions: []UnansweredQuestion{},
		StaleConversations:  []StaleConversation{},
	}

	for _, r := range rows {
		if len(res.UnansweredQuestions) == followupLimit {
			break
		}
		if r.IsFromMe || r.Handle == "" {
			continue
		}
		text := messages.ResolveText(r)
		if !isQuestion(text) || answered(replies[r.Handle], r.Date, staleNanos) {
			continue
		}
		res.UnansweredQuestions = append(res.UnansweredQuestions, UnansweredQuestion{
			Phone:       r.Handle,
			ContactName: s.contactName(r.Handle),
			Text:        text,
			Date:        messages.Time(r.Date),
			DaysAgo:     messages.DaysSince(now, r.Date),
		})
	}

	seen := make(map[string]bool)
	for _, r := range rows {
		if r.Handle == "" || seen[r.Handle] {
			continue
		}
		seen[r.Handle] = true
		if r.IsFromMe || r.Date >= staleBefore {
			continue
		}
		res.StaleConversations = append(res.StaleConversations, StaleConversation{
			Phone:       r.Handle,
			ContactName: s.contactName(r.Handle),
			LastText:    messages.ResolveText(r),
			LastDate:    messages.Time(r.Date),
			DaysAgo:     messages.DaysSince(now, r.Date),
		})
		if len(res.StaleConversations) == followupLimit {
			break
		}
	}

	res.TotalItems = len(res.UnansweredQuestions) + len(res.StaleConversations)
	return res, nil
}

// answered reports whether any reply falls strictly after asked and strictly
// before asked+window.
func answered(replies []int64, asked, window int64) bool {
	for _, d := range replies {
		if d > asked && d < asked+window {
			return true
		}
	}
	return false
}
