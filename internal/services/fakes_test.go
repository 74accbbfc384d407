package services

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/imyashkale/sitedeploy/internal/database"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/imyashkale/sitedeploy/internal/ports"
	"github.com/imyashkale/sitedeploy/internal/provider"
	"github.com/imyashkale/sitedeploy/internal/repository"
	"github.com/imyashkale/sitedeploy/internal/supervisor"
	"github.com/stretchr/testify/require"
)

const testServerIP = "1.2.3.4"

type nsMap struct {
	mu    sync.RWMutex
	hosts map[string][]string
}

func (m *nsMap) set(domain string, hosts ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[domain] = hosts
}

func (m *nsMap) LookupNS(ctx context.Context, name string) ([]*net.NS, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hosts, ok := m.hosts[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	out := make([]*net.NS, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, &net.NS{Host: h})
	}
	return out, nil
}

type stubProvider struct {
	mu      sync.Mutex
	name    models.DomainProvider
	err     error
	pending bool
	manual  bool
	setups  []string
	txt     map[string]string
}

func newStubProvider(name models.DomainProvider) *stubProvider {
	return &stubProvider{name: name, txt: map[string]string{}}
}

func (p *stubProvider) Name() models.DomainProvider { return p.name }

func (p *stubProvider) SetupDomain(ctx context.Context, domain string) (*provider.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setups = append(p.setups, domain)
	res := &provider.Result{
		Log:              []string{fmt.Sprintf("%s: synced %s", p.name, domain)},
		PendingMigration: p.pending,
	}
	if p.manual {
		res.ManualActionRequired = true
		res.Nameservers = []string{"ada.ns.cloudflare.com", "bob.ns.cloudflare.com"}
	}
	return res, p.err
}

func (p *stubProvider) AddTxtRecord(ctx context.Context, domain, name, value string) (*provider.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txt[name+"."+domain] = value
	return &provider.Result{Log: []string{"txt " + name}}, p.err
}

func (p *stubProvider) setupCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.setups...)
}

type fakeSupervisor struct {
	mu         sync.Mutex
	startErr   error
	restartErr error
	started    []string
	stopped    []string
	restarted  []string
}

func (s *fakeSupervisor) Start(ctx context.Context, site *models.Site) (*supervisor.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.started = append(s.started, site.DomainName)
	return &supervisor.Handle{Name: "nextjs_site_" + site.DomainName, PID: 100 + len(s.started)}, nil
}

func (s *fakeSupervisor) Stop(ctx context.Context, site *models.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, site.DomainName)
	return nil
}

func (s *fakeSupervisor) Restart(ctx context.Context, site *models.Site) (*supervisor.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restartErr != nil {
		return nil, s.restartErr
	}
	s.restarted = append(s.restarted, site.DomainName)
	return &supervisor.Handle{Name: "nextjs_site_" + site.DomainName, PID: 900}, nil
}

func (s *fakeSupervisor) IsRunning(ctx context.Context, site *models.Site) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.started {
		if d == site.DomainName {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeSupervisor) snapshot() (started, stopped, restarted []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...), append([]string(nil), s.stopped...), append([]string(nil), s.restarted...)
}

type fakeBuilder struct {
	base      string
	mu        sync.Mutex
	failRepos map[string]error
	builds    int
	entered   chan struct{}
	release   chan struct{}
}

func (b *fakeBuilder) ProjectDir(domain string) (string, error) {
	return filepath.Join(b.base, domain), nil
}

func (b *fakeBuilder) Build(ctx context.Context, repo, dir string, log *BuildLogger) error {
	b.mu.Lock()
	b.builds++
	n := b.builds
	err := b.failRepos[repo]
	entered, release := b.entered, b.release
	b.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	if err != nil {
		log.LogError(StageBuild, err.Error())
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "build.txt"), []byte(fmt.Sprint(n)), 0o644); err != nil {
		return err
	}
	log.LogInfo(StageBuild, "Build completed")
	return nil
}

type testEnv struct {
	registry   *repository.SiteRegistry
	allocator  *ports.Allocator
	supervisor *fakeSupervisor
	builder    *fakeBuilder
	resolver   *nsMap
	cloudflare *stubProvider
	namecheap  *stubProvider
	selector   *provider.Selector
	pipeline   *PipelineService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := database.NewJSONFileStore(filepath.Join(dir, "sites.json"))
	require.NoError(t, err)

	env := &testEnv{
		registry:   repository.NewSiteRegistry(store, testServerIP),
		allocator:  ports.NewAllocator(3000, 10),
		supervisor: &fakeSupervisor{},
		builder:    &fakeBuilder{base: filepath.Join(dir, "sites"), failRepos: map[string]error{}},
		resolver:   &nsMap{hosts: map[string][]string{}},
		cloudflare: newStubProvider(models.ProviderCloudflare),
		namecheap:  newStubProvider(models.ProviderNamecheap),
	}
	env.namecheap.pending = true
	env.selector = provider.NewSelector(provider.NewDetector(env.resolver, nil), env.cloudflare, env.namecheap)
	env.pipeline = NewPipelineService(env.registry, env.allocator, env.supervisor, env.selector, env.builder)
	t.Cleanup(func() { _ = env.registry.Close() })
	return env
}

func (e *testEnv) createSite(t *testing.T, domain, repo string) *models.Site {
	t.Helper()
	site, err := e.registry.Create(context.Background(), &models.Site{
		Name:       "Site " + domain,
		Repo:       repo,
		DomainName: domain,
	})
	require.NoError(t, err)
	return site
}

func (e *testEnv) onCloudflare(domains ...string) {
	for _, d := range domains {
		e.resolver.set(d, "ada.ns.cloudflare.com.", "bob.ns.cloudflare.com.")
	}
}

func (e *testEnv) get(t *testing.T, id string) *models.Site {
	t.Helper()
	site, err := e.registry.Get(context.Background(), id)
	require.NoError(t, err)
	return site
}
