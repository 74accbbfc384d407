package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublisher_RecentNewestFirst(t *testing.T) {
	p := NewMemoryPublisher(3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, p.Publish(ctx, Event{Type: TypeSiteStatus, SiteID: id}))
	}

	recent, err := p.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "d", recent[0].SiteID)
	assert.Equal(t, "b", recent[2].SiteID)
	assert.False(t, recent[0].Timestamp.IsZero())

	recent, err = p.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "d", recent[0].SiteID)
}

func TestSiteObserver_SiteChanged(t *testing.T) {
	p := NewMemoryPublisher(10)
	obs := NewSiteObserver(p)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	created := &models.Site{ID: "s1", DomainName: "example.com", Status: models.StatusPending, UpdatedAt: now}
	obs.SiteChanged(ctx, nil, created)

	deploying := created.Clone()
	deploying.Status = models.StatusDeploying
	obs.SiteChanged(ctx, created, deploying)

	// a port-only change produces no event
	ported := deploying.Clone()
	ported.Port = 3000
	obs.SiteChanged(ctx, deploying, ported)

	live := ported.Clone()
	live.Status = models.StatusLive
	live.DomainStatus = true
	live.DomainProvider = models.ProviderCloudflare
	obs.SiteChanged(ctx, ported, live)

	recent, err := p.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 4)

	types := make([]string, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		types = append(types, recent[i].Type)
	}
	assert.Equal(t, []string{TypeSiteCreated, TypeSiteStatus, TypeSiteStatus, TypeSiteDomain}, types)

	status := recent[1]
	assert.Equal(t, "deploying", status.From)
	assert.Equal(t, "live", status.To)
	assert.Equal(t, "example.com", status.Domain)
	assert.Equal(t, now, status.Timestamp)

	domain := recent[0]
	assert.Equal(t, "unknown", domain.From)
	assert.Equal(t, "cloudflare", domain.To)
}

type failingPublisher struct{ MemoryPublisher }

func (f *failingPublisher) Publish(ctx context.Context, event Event) error {
	return errors.New("bus down")
}

func TestSiteObserver_PublishErrorIsSwallowed(t *testing.T) {
	obs := NewSiteObserver(&failingPublisher{})
	assert.NotPanics(t, func() {
		obs.SiteChanged(context.Background(), nil, &models.Site{ID: "s1"})
	})
}

func TestEvent_JSON(t *testing.T) {
	ev := Event{
		Type:      TypeBatchSite,
		SiteID:    "s1",
		BatchID:   "20240501_120000",
		To:        "live",
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"batch.site","site_id":"s1","batch_id":"20240501_120000","to":"live","timestamp":"2024-05-01T12:00:00Z"}`, string(raw))
}

func TestNewRedisPublisher_Unreachable(t *testing.T) {
	_, err := NewRedisPublisher("127.0.0.1:1", "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}
