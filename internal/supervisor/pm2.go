package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/imyashkale/sitedeploy/internal/apperror"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/imyashkale/sitedeploy/internal/shell"
)

const pm2Binary = "pm2"

// Handle identifies a launched process
type Handle struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
}

// ProcessInfo is the subset of `pm2 jlist` output we read
type ProcessInfo struct {
	Name   string `json:"name"`
	PID    int    `json:"pid"`
	PM2Env struct {
		Status string `json:"status"`
	} `json:"pm2_env"`
}

// Supervisor launches and controls site processes through pm2.
// Process identity comes from the site record alone.
type Supervisor struct {
	runner    shell.Runner
	prefix    string
	portInUse func(port int) bool
}

// NewSupervisor creates a pm2-backed supervisor
func NewSupervisor(runner shell.Runner, prefix string) *Supervisor {
	return &Supervisor{
		runner:    runner,
		prefix:    prefix,
		portInUse: portBound,
	}
}

// ProcessName is the pm2 name for a site
func (s *Supervisor) ProcessName(site *models.Site) string {
	return s.prefix + site.DomainName
}

// Start launches the site's production server on its assigned port.
// An existing process with the same name is replaced.
func (s *Supervisor) Start(ctx context.Context, site *models.Site) (*Handle, error) {
	name := s.ProcessName(site)
	launchErr := func(reason string, err error) error {
		return &apperror.ProcessLaunchError{Process: name, Reason: reason, Err: err}
	}

	if site.ProjectDir == "" {
		return nil, launchErr("project directory not set", nil)
	}
	if info, err := os.Stat(site.ProjectDir); err != nil || !info.IsDir() {
		return nil, launchErr("project directory missing: "+site.ProjectDir, err)
	}
	if _, err := os.Stat(filepath.Join(site.ProjectDir, "package.json")); err != nil {
		return nil, launchErr("package.json not found in "+site.ProjectDir, err)
	}
	if site.Port == 0 {
		return nil, launchErr("no port assigned", nil)
	}
	if _, err := s.runner.LookPath(pm2Binary); err != nil {
		return nil, launchErr("pm2 is not installed", err)
	}

	procs, err := s.list(ctx)
	if err != nil {
		return nil, launchErr("could not read pm2 process list", err)
	}
	if findProcess(procs, name) != nil {
		logger.WithField("process", name).Info("Replacing existing pm2 process")
		if _, err := s.pm2(ctx, "", "delete", name); err != nil {
			return nil, launchErr("could not remove existing process", err)
		}
	}

	if s.portInUse(site.Port) {
		return nil, launchErr(fmt.Sprintf("port %d is already in use", site.Port), nil)
	}

	if out, err := s.pm2(ctx, site.ProjectDir, "start", "npm", "--name", name, "--", "run", "start", "--", "-p", strconv.Itoa(site.Port)); err != nil {
		return nil, launchErr("pm2 start failed: "+lastLine(out), err)
	}
	if _, err := s.pm2(ctx, "", "save"); err != nil {
		logger.WithFields(map[string]interface{}{
			"process": name,
			"error":   err.Error(),
		}).Warn("pm2 save failed")
	}

	handle := &Handle{Name: name}
	if procs, err := s.list(ctx); err == nil {
		if p := findProcess(procs, name); p != nil {
			handle.PID = p.PID
		}
	}

	logger.WithFields(map[string]interface{}{
		"process": name,
		"port":    site.Port,
		"pid":     handle.PID,
	}).Info("Site process started")
	return handle, nil
}

// Stop removes the site's process. A process pm2 does not know is not an error.
func (s *Supervisor) Stop(ctx context.Context, site *models.Site) error {
	name := s.ProcessName(site)
	out, err := s.pm2(ctx, "", "delete", name)
	if err != nil {
		if isNotFound(out) || errors.Is(err, shell.ErrNotInstalled) {
			return nil
		}
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	if _, err := s.pm2(ctx, "", "save"); err != nil {
		logger.WithField("process", name).Warnf("pm2 save failed: %v", err)
	}
	logger.WithField("process", name).Info("Site process stopped")
	return nil
}

// Restart restarts the site's process, starting it when pm2 does not know it
func (s *Supervisor) Restart(ctx context.Context, site *models.Site) (*Handle, error) {
	name := s.ProcessName(site)
	out, err := s.pm2(ctx, "", "restart", name)
	if err != nil {
		if isNotFound(out) {
			return s.Start(ctx, site)
		}
		return nil, &apperror.ProcessLaunchError{Process: name, Reason: "pm2 restart failed", Err: err}
	}

	handle := &Handle{Name: name}
	if procs, err := s.list(ctx); err == nil {
		if p := findProcess(procs, name); p != nil {
			handle.PID = p.PID
		}
	}
	return handle, nil
}

// IsRunning reports whether the site's process is online
func (s *Supervisor) IsRunning(ctx context.Context, site *models.Site) (bool, error) {
	procs, err := s.list(ctx)
	if err != nil {
		return false, err
	}
	p := findProcess(procs, s.ProcessName(site))
	return p != nil && p.PM2Env.Status == "online", nil
}

func (s *Supervisor) pm2(ctx context.Context, dir string, args ...string) (string, error) {
	return s.runner.Run(ctx, shell.Command{Dir: dir, Name: pm2Binary, Args: args})
}

func (s *Supervisor) list(ctx context.Context) ([]ProcessInfo, error) {
	out, err := s.pm2(ctx, "", "jlist")
	if err != nil {
		return nil, err
	}
	return parseJList(out)
}

// parseJList decodes `pm2 jlist`, skipping any banner lines printed before the JSON array
func parseJList(out string) ([]ProcessInfo, error) {
	var lastErr error
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		var procs []ProcessInfo
		if err := json.Unmarshal([]byte(line), &procs); err != nil {
			lastErr = err
			continue
		}
		return procs, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("failed to parse pm2 jlist: %w", lastErr)
	}
	return nil, fmt.Errorf("unexpected pm2 jlist output")
}

func findProcess(procs []ProcessInfo, name string) *ProcessInfo {
	for i := range procs {
		if procs[i].Name == name {
			return &procs[i]
		}
	}
	return nil
}

func isNotFound(out string) bool {
	return strings.Contains(strings.ToLower(out), "not found")
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func portBound(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}
