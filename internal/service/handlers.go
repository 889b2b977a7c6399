package service

import (
	"context"
	"math"
	"time"

	"github.com/kalambet/imsgd/internal/messages"
	"github.com/kalambet/imsgd/internal/protocol"
)

// HealthResult is returned by the health method.
type HealthResult struct {
	PID            int     `json:"pid"`
	StartedAt      string  `json:"started_at"`
	ProtocolV      int     `json:"protocol_v"`
	Version        string  `json:"version"`
	ContactsLoaded int     `json:"contacts_loaded"`
	UptimeS        float64 `json:"uptime_s"`
}

func (s *Service) health(_ context.Context, _ protocol.Params) (any, error) {
	uptime := s.now().Sub(s.startedAt).Seconds()
	return HealthResult{
		PID:            s.pid,
		StartedAt:      s.startedAt.UTC().Format(time.RFC3339),
		ProtocolV:      protocol.Version,
		Version:        s.version,
		ContactsLoaded: s.contacts.Len(),
		UptimeS:        math.Round(uptime*1000) / 1000,
	}, nil
}

// RecentResult is returned by the recent method.
type RecentResult struct {
	Messages []messages.Message `json:"messages"`
	Count    int                `json:"count"`
	Days     int                `json:"days"`
}

func (s *Service) recent(ctx context.Context, p protocol.Params) (any, error) {
	days := p.NonNegativeInt("days", 7, maxDays)
	limit := p.PositiveInt("limit", 20, maxLimit)
	return s.recentMessages(ctx, days, limit)
}

func (s *Service) recentMessages(ctx context.Context, days, limit int) (RecentResult, error) {
	rows, err := s.fetch(ctx, messages.Query{Since: s.cutoff(days), Limit: limit})
	if err != nil {
		return RecentResult{}, err
	}
	msgs := s.normalize(rows)
	return RecentResult{Messages: msgs, Count: len(msgs), Days: days}, nil
}

// UnreadResult is returned by the unread method.
type UnreadResult struct {
	Messages    []messages.Message `json:"messages"`
	UnreadCount int                `json:"unread_count"`
}

func (s *Service) unread(ctx context.Context, p protocol.Params) (any, error) {
	limit := p.PositiveInt("limit", 50, maxLimit)
	rows, err := s.fetch(ctx, messages.Query{UnreadOnly: true, Limit: limit})
	if err != nil {
		return nil, err
	}
	msgs := s.normalize(rows)
	return UnreadResult{Messages: msgs, UnreadCount: len(msgs)}, nil
}

// AnalyticsSummary is the compact analytics block of a bundle.
type AnalyticsSummary struct {
	TotalMessages int `json:"total_messages"`
	SentCount     int `json:"sent_count"`
	ReceivedCount int `json:"received_count"`
	PeriodDays    int `json:"period_days"`
}

// bundle runs several cheap queries in one round trip. Section names that are
// not recognised are skipped.
func (s *Service) bundle(ctx context.Context, p protocol.Params) (any, error) {
	result := make(map[string]any)

	for _, section := range p.List("include", "unread_count,recent") {
		switch section {
		case "unread_count":
			rows, err := s.fetch(ctx, messages.Query{UnreadOnly: true})
			if err != nil {
				return nil, err
			}
			result["unread_count"] = len(rows)

		case "recent":
			days := p.NonNegativeInt("recent_days", 7, maxDays)
			limit := p.PositiveInt("recent_limit", 10, maxLimit)
			recent, err := s.recentMessages(ctx, days, limit)
			if err != nil {
				return nil, err
			}
			result["recent"] = recent.Messages

		case "analytics":
			days := p.NonNegativeInt("analytics_days", 30, maxDays)
			rows, err := s.fetch(ctx, messages.Query{Since: s.cutoff(days)})
			if err != nil {
				return nil, err
			}
			c := countDirections(rows)
			result["analytics"] = AnalyticsSummary{
				TotalMessages: c.total,
				SentCount:     c.sent,
				ReceivedCount: c.received,
				PeriodDays:    days,
			}

		case "followup_count":
			days := p.NonNegativeInt("followup_days", 30, maxDays)
			stale := p.NonNegativeInt("followup_stale", 3, maxDays)
			f, err := s.followupItems(ctx, days, stale)
			if err != nil {
				return nil, err
			}
			result["followup_count"] = f.TotalItems
		}
	}
	return result, nil
}
