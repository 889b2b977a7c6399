package service

import (
	"context"
	"time"

	"github.com/kalambet/imsgd/internal/messages"
	"github.com/kalambet/imsgd/internal/protocol"
)

// senderStats aggregates the rows of one handle. Rows arrive newest first, so
// the first row seen is the latest.
type senderStats struct {
	handle     string
	count      int
	lastDate   int64
	sampleText string
}

// groupByHandle aggregates rows per handle in order of latest activity.
func groupByHandle(rows []messages.Row) []*senderStats {
	var order []*senderStats
	index := make(map[string]*senderStats)
	for _, r := range rows {
		if r.Handle == "" {
			continue
		}
		st, ok := index[r.Handle]
		if !ok {
			st = &senderStats{handle: r.Handle, lastDate: r.Date}
			st.sampleText = messages.ResolveText(r)
			index[r.Handle] = st
			order = append(order, st)
		}
		st.count++
	}
	return order
}

// HandleEntry is one entry of HandlesResult.
type HandleEntry struct {
	Handle       string    `json:"handle"`
	ContactName  string    `json:"contact_name,omitempty"`
	MessageCount int       `json:"message_count"`
	LastDate     time.Time `json:"last_date"`
}

// HandlesResult is returned by the handles method.
type HandlesResult struct {
	Handles []HandleEntry `json:"handles"`
	Count   int           `json:"count"`
}

func (s *Service) handles(ctx context.Context, p protocol.Params) (any, error) {
	days := p.NonNegativeInt("days", 30, maxDays)
	limit := p.PositiveInt("limit", 50, maxLimit)

	rows, err := s.fetch(ctx, messages.Query{Since: s.cutoff(days)})
	if err != nil {
		return nil, err
	}

	out := []HandleEntry{}
	for _, st := range groupByHandle(rows) {
		if len(out) == limit {
			break
		}
		out = append(out, HandleEntry{
			Handle:       st.handle,
			ContactName:  s.contactName(st.handle),
			MessageCount: st.count,
			LastDate:     messages.Time(st.lastDate),
		})
	}
	return HandlesResult{Handles: out, Count: len(out)}, nil
}

// SenderEntry describes a handle that is not in the contact table.
type SenderEntry struct {
	Handle       string    `json:"handle"`
	MessageCount int       `json:"message_count"`
	LastDate     time.Time `json:"last_date"`
	SampleText   string    `json:"sample_text"`
}

// unknownSenders lists incoming handles with no contact entry, latest first.
func (s *Service) unknownSenders(ctx context.Context, days int) ([]SenderEntry, error) {
	rows, err := s.fetch(ctx, messages.Query{Since: s.cutoff(days), IncomingOnly: true})
	if err != nil {
		return nil, err
	}

	out := []SenderEntry{}
	for _, st := range groupByHandle(rows) {
		if _, known := s.contacts.DisplayName(st.handle); known {
			continue
		}
		out = append(out, SenderEntry{
			Handle:       st.handle,
			MessageCount: st.count,
			LastDate:     messages.Time(st.lastDate),
			SampleText:   st.sampleText,
		})
	}
	return out, nil
}

// UnknownResult is returned by the unknown method.
type UnknownResult struct {
	UnknownSenders []SenderEntry `json:"unknown_senders"`
	Count          int           `json:"count"`
}

func (s *Service) unknown(ctx context.Context, p protocol.Params) (any, error) {
	days := p.NonNegativeInt("days", 30, maxDays)
	limit := p.PositiveInt("limit", 20, maxLimit)

	senders, err := s.unknownSenders(ctx, days)
	if err != nil {
		return nil, err
	}
	if len(senders) > limit {
		senders = senders[:limit]
	}
	return UnknownResult{UnknownSenders: senders, Count: len(senders)}, nil
}

// DiscoverCriteria echoes the thresholds a discover call used.
type DiscoverCriteria struct {
	Days        int `json:"days"`
	MinMessages int `json:"min_messages"`
}

// DiscoverResult is returned by the discover method.
type DiscoverResult struct {
	DiscoveryCandidates []SenderEntry    `json:"discovery_candidates"`
	Count               int              `json:"count"`
	Criteria            DiscoverCriteria `json:"criteria"`
}

func (s *Service) discover(ctx context.Context, p protocol.Params) (any, error) {
	days := p.NonNegativeInt("days", 90, maxDays)
	minMessages := p.PositiveInt("min_messages", 3, 0)

	senders, err := s.unknownSenders(ctx, days)
	if err != nil {
		return nil, err
	}
	candidates := []SenderEntry{}
	for _, e := range senders {
		if e.MessageCount >= minMessages {
			candidates = append(candidates, e)
		}
	}
	return DiscoverResult{
		DiscoveryCandidates: candidates,
		Count:               len(candidates),
		Criteria:            DiscoverCriteria{Days: days, MinMessages: minMessages},
	}, nil
}
