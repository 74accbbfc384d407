package events

import (
	"context"
	"sync"
	"time"

	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/metrics"
	"github.com/imyashkale/sitedeploy/internal/models"
)

// Event types
const (
	TypeSiteCreated  = "site.created"
	TypeSiteStatus   = "site.status"
	TypeSiteDomain   = "site.domain"
	TypeBatchStarted = "batch.started"
	TypeBatchSite    = "batch.site"
	TypeBatchDone    = "batch.finished"
)

// Event is a notification about a site or a batch
type Event struct {
	Type      string                 `json:"type"`
	SiteID    string                 `json:"site_id,omitempty"`
	Domain    string                 `json:"domain,omitempty"`
	BatchID   string                 `json:"batch_id,omitempty"`
	From      string                 `json:"from,omitempty"`
	To        string                 `json:"to,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publisher fans events out to interested consumers and keeps a short history
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close() error
}

// MemoryPublisher keeps the most recent events in process
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemoryPublisher creates a publisher holding up to limit events
func NewMemoryPublisher(limit int) *MemoryPublisher {
	if limit <= 0 {
		limit = 500
	}
	return &MemoryPublisher{limit: limit}
}

// Publish implements Publisher
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	p.mu.Lock()
	p.events = append(p.events, event)
	if len(p.events) > p.limit {
		p.events = p.events[len(p.events)-p.limit:]
	}
	p.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"event":    event.Type,
		"site_id":  event.SiteID,
		"batch_id": event.BatchID,
	}).Debug("Event published")
	return nil
}

// Recent returns up to limit events, newest first
func (p *MemoryPublisher) Recent(ctx context.Context, limit int) ([]Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit <= 0 || limit > len(p.events) {
		limit = len(p.events)
	}
	out := make([]Event, 0, limit)
	for i := len(p.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, p.events[i])
	}
	return out, nil
}

// Close implements Publisher
func (p *MemoryPublisher) Close() error { return nil }

// SiteObserver turns committed registry changes into events and metrics
type SiteObserver struct {
	publisher Publisher
}

// NewSiteObserver creates an observer publishing to p
func NewSiteObserver(p Publisher) *SiteObserver {
	return &SiteObserver{publisher: p}
}

// SiteChanged publishes creation, status and domain transitions
func (o *SiteObserver) SiteChanged(ctx context.Context, before, after *models.Site) {
	var evs []Event
	switch {
	case before == nil:
		evs = append(evs, Event{Type: TypeSiteCreated, To: string(after.Status)})
	default:
		if before.Status != after.Status {
			metrics.RecordTransition(string(before.Status), string(after.Status))
			evs = append(evs, Event{
				Type:    TypeSiteStatus,
				From:    string(before.Status),
				To:      string(after.Status),
				Message: after.Message,
			})
		}
		if before.Provider() != after.Provider() || before.DomainStatus != after.DomainStatus {
			evs = append(evs, Event{
				Type: TypeSiteDomain,
				From: string(before.Provider()),
				To:   string(after.Provider()),
				Data: map[string]interface{}{"domain_status": after.DomainStatus},
			})
		}
	}

	for _, ev := range evs {
		ev.SiteID = after.ID
		ev.Domain = after.DomainName
		ev.Timestamp = after.UpdatedAt
		if err := o.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
			logger.WithFields(map[string]interface{}{
				"site_id": after.ID,
				"event":   ev.Type,
				"error":   err.Error(),
			}).Warn("Failed to publish site event")
		}
	}
}
