package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/imyashkale/sitedeploy/internal/config"
	"github.com/imyashkale/sitedeploy/internal/events"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/imyashkale/sitedeploy/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, store string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		ServerIP:            "1.2.3.4",
		DefaultPort:         3000,
		PortRangeSpan:       10,
		ProjectDeployPath:   filepath.Join(dir, "sites"),
		PM2Prefix:           "nextjs_site_",
		ProcessTimeout:      time.Minute,
		SitesStore:          store,
		SitesJSONPath:       filepath.Join(dir, "sites.json"),
		SQLitePath:          filepath.Join(dir, "sites.db"),
		ProviderMaxAttempts: 1,
		ProviderBackoffBase: time.Millisecond,
		BulkMaxWorkers:      2,
		DeployWorkers:       1,
	}
}

func TestNew_StoreBackends(t *testing.T) {
	for _, store := range []string{config.StoreJSON, config.StoreSQLite} {
		t.Run(store, func(t *testing.T) {
			cfg := testConfig(t, store)
			a, err := New(context.Background(), cfg)
			require.NoError(t, err)

			site, err := a.Registry.Create(context.Background(), &models.Site{
				Name: "Example", Repo: "https://github.com/u/r", DomainName: "example.com",
			})
			require.NoError(t, err)
			assert.Equal(t, models.StatusPending, site.Status)
			assert.IsType(t, &events.MemoryPublisher{}, a.Publisher)

			recent, err := a.Publisher.Recent(context.Background(), 1)
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, events.TypeSiteCreated, recent[0].Type)

			require.NoError(t, a.Close())
		})
	}
}

func TestApp_WorkersRunQueuedJobs(t *testing.T) {
	cfg := testConfig(t, config.StoreJSON)
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	ctx := context.Background()

	// an unusable repository fails at the first stage without touching the host
	site, err := a.Registry.Create(ctx, &models.Site{Name: "Bad", Repo: "not a repo", DomainName: "bad.com"})
	require.NoError(t, err)

	a.StartWorkers()
	require.NoError(t, a.Jobs.Enqueue(&queue.DeployJob{SiteID: site.ID}))

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(shutdownCtx))

	assert.ErrorIs(t, a.Jobs.Enqueue(&queue.DeployJob{SiteID: site.ID}), queue.ErrQueueClosed)
}

func TestApp_HandleJobRejectsUnknownKind(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, config.StoreJSON))
	require.NoError(t, err)
	defer a.Close()

	err = a.HandleJob(&queue.DeployJob{SiteID: "x", Kind: "teleport"})
	assert.ErrorContains(t, err, "unknown job kind")
}

func TestEnsureDeployPath(t *testing.T) {
	cfg := testConfig(t, config.StoreJSON)
	require.NoError(t, EnsureDeployPath(cfg))
	assert.DirExists(t, cfg.ProjectDeployPath)
}
