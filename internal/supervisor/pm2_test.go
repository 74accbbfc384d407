package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/imyashkale/sitedeploy/internal/apperror"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/imyashkale/sitedeploy/internal/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const onlineList = `[PM2] Spawning PM2 daemon
[{"name":"nextjs_site_example.com","pid":4242,"pm2_env":{"status":"online"}},{"name":"other","pid":7,"pm2_env":{"status":"stopped"}}]`

func projectDir(t *testing.T, withPackage bool) string {
	dir := t.TempDir()
	if withPackage {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"x"}`), 0o644))
	}
	return dir
}

func newTestSupervisor(runner shell.Runner, bound bool) *Supervisor {
	s := NewSupervisor(runner, "nextjs_site_")
	s.portInUse = func(int) bool { return bound }
	return s
}

func TestSupervisor_ProcessName(t *testing.T) {
	s := NewSupervisor(shell.NewFakeRunner(), "nextjs_site_")
	assert.Equal(t, "nextjs_site_example.com", s.ProcessName(&models.Site{DomainName: "example.com"}))
}

func TestSupervisor_Start(t *testing.T) {
	runner := shell.NewFakeRunner().On("pm2 jlist", "[]", nil)
	s := newTestSupervisor(runner, false)
	dir := projectDir(t, true)

	// second jlist returns the started process
	started := false
	runner.Hook = func(cmd shell.Command) (shell.FakeResponse, bool) {
		if cmd.String() == "pm2 jlist" && started {
			return shell.FakeResponse{Output: onlineList}, true
		}
		if len(cmd.Args) > 0 && cmd.Args[0] == "start" {
			started = true
			assert.Equal(t, dir, cmd.Dir)
		}
		return shell.FakeResponse{}, false
	}

	handle, err := s.Start(context.Background(), &models.Site{DomainName: "example.com", Port: 3001, ProjectDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "nextjs_site_example.com", handle.Name)
	assert.Equal(t, 4242, handle.PID)
	assert.Equal(t, []string{
		"pm2 jlist",
		"pm2 start npm --name nextjs_site_example.com -- run start -- -p 3001",
		"pm2 save",
		"pm2 jlist",
	}, runner.Calls())
}

func TestSupervisor_StartReplacesExisting(t *testing.T) {
	runner := shell.NewFakeRunner().On("pm2 jlist", onlineList, nil)
	s := newTestSupervisor(runner, false)

	_, err := s.Start(context.Background(), &models.Site{DomainName: "example.com", Port: 3001, ProjectDir: projectDir(t, true)})
	require.NoError(t, err)
	assert.Contains(t, runner.Calls(), "pm2 delete nextjs_site_example.com")
}

func TestSupervisor_StartFailures(t *testing.T) {
	tests := []struct {
		name   string
		site   func(t *testing.T) *models.Site
		runner *shell.FakeRunner
		bound  bool
		reason string
	}{
		{
			name:   "missing project dir",
			site:   func(t *testing.T) *models.Site { return &models.Site{DomainName: "a.com", Port: 3000, ProjectDir: "/nonexistent/dir"} },
			runner: shell.NewFakeRunner(),
			reason: "project directory missing",
		},
		{
			name: "missing package.json",
			site: func(t *testing.T) *models.Site {
				return &models.Site{DomainName: "a.com", Port: 3000, ProjectDir: projectDir(t, false)}
			},
			runner: shell.NewFakeRunner(),
			reason: "package.json not found",
		},
		{
			name: "pm2 not installed",
			site: func(t *testing.T) *models.Site {
				return &models.Site{DomainName: "a.com", Port: 3000, ProjectDir: projectDir(t, true)}
			},
			runner: shell.NewFakeRunner().Uninstall("pm2"),
			reason: "pm2 is not installed",
		},
		{
			name: "port bound by foreign process",
			site: func(t *testing.T) *models.Site {
				return &models.Site{DomainName: "a.com", Port: 3000, ProjectDir: projectDir(t, true)}
			},
			runner: shell.NewFakeRunner().On("pm2 jlist", "[]", nil),
			bound:  true,
			reason: "port 3000 is already in use",
		},
		{
			name: "pm2 start fails",
			site: func(t *testing.T) *models.Site {
				return &models.Site{DomainName: "a.com", Port: 3000, ProjectDir: projectDir(t, true)}
			},
			runner: shell.NewFakeRunner().On("pm2 jlist", "[]", nil).On("pm2 start", "boom\nscript not found", errors.New("exit 1")),
			reason: "pm2 start failed: script not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(tt.runner, tt.bound)
			_, err := s.Start(context.Background(), tt.site(t))
			var ple *apperror.ProcessLaunchError
			require.ErrorAs(t, err, &ple)
			assert.Equal(t, "nextjs_site_a.com", ple.Process)
			assert.Contains(t, ple.Reason, tt.reason)
		})
	}
}

func TestSupervisor_Stop(t *testing.T) {
	site := &models.Site{DomainName: "example.com"}

	runner := shell.NewFakeRunner()
	require.NoError(t, newTestSupervisor(runner, false).Stop(context.Background(), site))
	assert.Equal(t, []string{"pm2 delete nextjs_site_example.com", "pm2 save"}, runner.Calls())

	missing := shell.NewFakeRunner().On("pm2 delete", "[PM2][ERROR] Process or Namespace nextjs_site_example.com not found", errors.New("exit 1"))
	assert.NoError(t, newTestSupervisor(missing, false).Stop(context.Background(), site))

	broken := shell.NewFakeRunner().On("pm2 delete", "daemon unreachable", errors.New("exit 1"))
	assert.Error(t, newTestSupervisor(broken, false).Stop(context.Background(), site))
}

func TestSupervisor_RestartFallsBackToStart(t *testing.T) {
	runner := shell.NewFakeRunner().
		On("pm2 restart", "Process nextjs_site_example.com not found", errors.New("exit 1")).
		On("pm2 jlist", "[]", nil)
	s := newTestSupervisor(runner, false)

	handle, err := s.Restart(context.Background(), &models.Site{DomainName: "example.com", Port: 3001, ProjectDir: projectDir(t, true)})
	require.NoError(t, err)
	assert.Equal(t, "nextjs_site_example.com", handle.Name)
	assert.Contains(t, runner.Calls(), "pm2 start npm --name nextjs_site_example.com -- run start -- -p 3001")
}

func TestSupervisor_IsRunning(t *testing.T) {
	s := newTestSupervisor(shell.NewFakeRunner().On("pm2 jlist", onlineList, nil), false)

	running, err := s.IsRunning(context.Background(), &models.Site{DomainName: "example.com"})
	require.NoError(t, err)
	assert.True(t, running)

	running, err = s.IsRunning(context.Background(), &models.Site{DomainName: "nope.com"})
	require.NoError(t, err)
	assert.False(t, running)
}

func TestParseJList(t *testing.T) {
	_, err := parseJList("no json here")
	assert.Error(t, err)

	procs, err := parseJList(onlineList)
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, "stopped", procs[1].PM2Env.Status)
}
