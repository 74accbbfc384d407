package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/imyashkale/sitedeploy/internal/apperror"
	"github.com/imyashkale/sitedeploy/internal/events"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedDeployer blocks every Deploy until released
type gatedDeployer struct {
	mu      sync.Mutex
	entered chan string
	release chan struct{}
	calls   []string
	opts    []DeployOptions
	failIDs map[string]error
}

func newGatedDeployer() *gatedDeployer {
	return &gatedDeployer{
		entered: make(chan string, 16),
		release: make(chan struct{}),
		failIDs: map[string]error{},
	}
}

func (d *gatedDeployer) DeployWith(ctx context.Context, id string, opts DeployOptions) error {
	d.mu.Lock()
	d.calls = append(d.calls, id)
	d.opts = append(d.opts, opts)
	err := d.failIDs[id]
	d.mu.Unlock()
	d.entered <- id
	<-d.release
	return err
}

func TestBulk_IsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	env.onCloudflare("a.com", "b.com")
	a := env.createSite(t, "a.com", "https://github.com/u/a")
	b := env.createSite(t, "b.com", "not a repo")
	pub := events.NewMemoryPublisher(100)
	bc := NewBulkCoordinator(env.registry, env.pipeline, pub, 3)
	bc.now = func() time.Time { return time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC) }

	report, err := bc.DeployBatch(context.Background(), []string{a.ID, b.ID, "ghost"}, BatchOptions{Concurrency: 2})
	require.NoError(t, err)

	assert.Equal(t, "20240501_123045", report.ID)
	assert.Equal(t, models.ResultLive, report.Results[a.ID].Status)
	assert.Equal(t, models.ResultFailed, report.Results[b.ID].Status)
	assert.Contains(t, report.Results[b.ID].Message, "validate stage")
	assert.Equal(t, "site not found", report.Results["ghost"].Message)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Failed)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))

	assert.Equal(t, models.StatusLive, env.get(t, a.ID).Status)
	assert.Equal(t, models.StatusFailed, env.get(t, b.ID).Status)

	status := bc.Status()
	assert.False(t, status.Running)
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 1, status.Completed)
	assert.Equal(t, 2, status.Failed)
	assert.Zero(t, status.Pending)
	assert.Zero(t, status.InProgress)
	assert.Equal(t, report, bc.LastReport())
	assert.NotEmpty(t, bc.Logs())

	recent, err := pub.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, events.TypeBatchDone, recent[0].Type)
}

func TestBulk_PendingOnlyAndAllSites(t *testing.T) {
	env := newTestEnv(t)
	env.onCloudflare("a.com", "b.com", "c.com")
	a := env.createSite(t, "a.com", "https://github.com/u/a")
	b := env.createSite(t, "b.com", "https://github.com/u/b")
	c := env.createSite(t, "c.com", "https://github.com/u/c")
	ctx := context.Background()
	require.NoError(t, env.pipeline.Deploy(ctx, a.ID))

	bc := NewBulkCoordinator(env.registry, env.pipeline, nil, 3)
	report, err := bc.DeployBatch(ctx, nil, BatchOptions{PendingOnly: true})
	require.NoError(t, err)

	assert.Len(t, report.Results, 2)
	assert.NotContains(t, report.Results, a.ID)
	assert.Equal(t, models.ResultLive, report.Results[b.ID].Status)
	assert.Equal(t, models.ResultLive, report.Results[c.ID].Status)

	report, err = bc.DeployBatch(ctx, nil, BatchOptions{})
	require.NoError(t, err)
	assert.Len(t, report.Results, 3)
	assert.Equal(t, 3, report.Succeeded)
}

func TestBulk_OneBatchAtATime(t *testing.T) {
	env := newTestEnv(t)
	site := env.createSite(t, "a.com", "https://github.com/u/a")
	dep := newGatedDeployer()
	bc := NewBulkCoordinator(env.registry, dep, nil, 3)
	ctx := context.Background()

	progress, err := bc.StartBatch(ctx, []string{site.ID}, BatchOptions{})
	require.NoError(t, err)
	assert.True(t, progress.Running)
	<-dep.entered

	_, err = bc.StartBatch(ctx, []string{site.ID}, BatchOptions{})
	assert.ErrorIs(t, err, ErrBatchRunning)
	_, err = bc.DeployBatch(ctx, nil, BatchOptions{})
	assert.ErrorIs(t, err, ErrBatchRunning)

	status := bc.Status()
	assert.Equal(t, 1, status.InProgress)

	close(dep.release)
	require.NoError(t, bc.Wait(ctx))
	assert.False(t, bc.Status().Running)
	assert.Equal(t, 1, bc.LastReport().Succeeded)
}

func TestBulk_StopSkipsUnstartedWork(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for _, d := range []string{"a.com", "b.com", "c.com", "d.com"} {
		ids = append(ids, env.createSite(t, d, "https://github.com/u/"+d).ID)
	}
	dep := newGatedDeployer()
	dep.failIDs[ids[0]] = errors.New("deploy stage: deployment cancelled")
	bc := NewBulkCoordinator(env.registry, dep, nil, 3)
	ctx := context.Background()

	assert.False(t, bc.Stop())
	_, err := bc.StartBatch(ctx, ids, BatchOptions{Concurrency: 1})
	require.NoError(t, err)
	first := <-dep.entered
	assert.Equal(t, ids[0], first)

	assert.True(t, bc.Stop())
	close(dep.release)
	require.NoError(t, bc.Wait(ctx))

	report := bc.LastReport()
	require.NotNil(t, report)
	assert.Equal(t, models.ResultFailed, report.Results[ids[0]].Status)
	for _, id := range ids[1:] {
		assert.Equal(t, models.ResultSkipped, report.Results[id].Status, id)
	}
	assert.Equal(t, 3, report.Skipped)
	assert.Len(t, dep.calls, 1)
	assert.Contains(t, bc.Logs()[len(bc.Logs())-1], "3 skipped")
}

func TestBulk_ConcurrencyIsBounded(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for _, d := range []string{"a.com", "b.com", "c.com", "d.com", "e.com"} {
		ids = append(ids, env.createSite(t, d, "https://github.com/u/"+d).ID)
	}
	dep := newGatedDeployer()
	bc := NewBulkCoordinator(env.registry, dep, nil, 3)
	ctx := context.Background()

	_, err := bc.StartBatch(ctx, ids, BatchOptions{Concurrency: 2})
	require.NoError(t, err)
	<-dep.entered
	<-dep.entered

	select {
	case id := <-dep.entered:
		t.Fatalf("third deployment %s started while two were in flight", id)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 2, bc.Status().InProgress)
	assert.Equal(t, 3, bc.Status().Pending)

	close(dep.release)
	require.NoError(t, bc.Wait(ctx))
	assert.Equal(t, 5, bc.LastReport().Succeeded)
}

func TestBulk_ImportAndExport(t *testing.T) {
	env := newTestEnv(t)
	env.createSite(t, "existing.com", "https://github.com/u/existing")
	bc := NewBulkCoordinator(env.registry, env.pipeline, nil, 3)
	ctx := context.Background()

	report, err := bc.Import(ctx, []models.ImportSite{
		{Repo: "https://github.com/u/a", DomainName: "A.com", Name: "A"},
		{Repo: "https://github.com/u/a2", DomainName: "a.com", Name: "A again"},
		{Repo: "https://github.com/u/e", DomainName: "existing.com", Name: "E"},
		{Repo: "nope", DomainName: "bad.com", Name: "Bad"},
		{Repo: "https://github.com/u/b", DomainName: "b.com", Name: "B"},
	})
	require.NoError(t, err)

	require.Len(t, report.Created, 2)
	assert.Equal(t, "a.com", report.Created[0].DomainName)
	assert.Equal(t, models.StatusPending, report.Created[0].Status)
	assert.Equal(t, []string{"a.com", "existing.com"}, report.Duplicates)
	assert.Contains(t, report.Invalid, "bad.com")

	exported, err := bc.Export(ctx, "")
	require.NoError(t, err)
	require.Len(t, exported, 3)
	assert.Equal(t, "existing.com", exported[0].DomainName)
	assert.Equal(t, models.ImportSite{Repo: "https://github.com/u/a", DomainName: "a.com", Name: "A"}, exported[1].ImportSite)
	assert.Equal(t, report.Created[0].ID, exported[1].ID)
	assert.Equal(t, models.StatusPending, exported[1].Status)
}

func TestBulk_ExportFilter(t *testing.T) {
	env := newTestEnv(t)
	env.onCloudflare("a.com")
	a := env.createSite(t, "a.com", "https://github.com/u/a")
	b := env.createSite(t, "b.com", "https://github.com/u/b")
	ctx := context.Background()
	require.NoError(t, env.pipeline.Deploy(ctx, a.ID))
	bc := NewBulkCoordinator(env.registry, env.pipeline, nil, 3)

	tests := []struct {
		name    string
		filter  string
		wantIDs []string
	}{
		{name: "empty", filter: "", wantIDs: []string{a.ID, b.ID}},
		{name: "all", filter: models.FilterAll, wantIDs: []string{a.ID, b.ID}},
		{name: "pending", filter: models.FilterPending, wantIDs: []string{b.ID}},
		{name: "live", filter: models.FilterLive, wantIDs: []string{a.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exported, err := bc.Export(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, e := range exported {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}

	_, err := bc.Export(ctx, "deleted")
	var ve *apperror.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "filter", ve.Field)
}

func TestBulk_DeployOptionsReachPipeline(t *testing.T) {
	env := newTestEnv(t)
	site := env.createSite(t, "a.com", "https://github.com/u/a")
	dep := newGatedDeployer()
	close(dep.release)
	bc := NewBulkCoordinator(env.registry, dep, nil, 3)
	ctx := context.Background()

	_, err := bc.DeployBatch(ctx, []string{site.ID}, BatchOptions{Deploy: DeployOptions{SkipDomain: true}})
	require.NoError(t, err)
	require.Len(t, dep.opts, 1)
	assert.True(t, dep.opts[0].SkipDomain)
	assert.False(t, dep.opts[0].SkipBuild)
	assert.Contains(t, strings.Join(bc.Logs(), "\n"), "setup domain: false")

	_, err = bc.DeployBatch(ctx, nil, BatchOptions{Deploy: DeployOptions{SkipBuild: true, SkipDomain: true}})
	var ve *apperror.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.False(t, bc.Status().Running)
}

func TestBulk_LogsCarryComponent(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithOutput("INFO", &buf)
	defer logger.Init("INFO")

	env := newTestEnv(t)
	site := env.createSite(t, "a.com", "https://github.com/u/a")
	dep := newGatedDeployer()
	close(dep.release)
	bc := NewBulkCoordinator(env.registry, dep, nil, 1)

	_, err := bc.DeployBatch(context.Background(), []string{site.ID}, BatchOptions{})
	require.NoError(t, err)

	var tagged []string
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var entry map[string]interface{}
		if json.Unmarshal(sc.Bytes(), &entry) != nil {
			continue
		}
		if entry["component"] == "bulk" {
			tagged = append(tagged, entry["msg"].(string))
		}
	}
	assert.Contains(t, tagged, "Batch deployment started")
	assert.Contains(t, tagged, "Batch deployment finished")
}
