package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/shell"
	"gopkg.in/yaml.v2"
)

const (
	ManifestFile = "site.yaml"

	defaultInstallCommand = "npm install --no-audit --no-fund --production=false --prefer-offline"
	defaultBuildCommand   = "npm run build"
	lowMemoryFlags        = "--no-optional"
	defaultNodeMemoryMB   = 4096
	outputTailLines       = 20
)

// Manifest is the optional site.yaml at the repository root
type Manifest struct {
	Install      string            `yaml:"install"`
	Build        string            `yaml:"build"`
	Env          map[string]string `yaml:"env"`
	NodeMemoryMB int               `yaml:"node_memory_mb"`
}

// Fetcher retrieves a repository into dir and returns the checked-out commit
type Fetcher interface {
	Fetch(ctx context.Context, repo, dir string) (string, error)
}

// GitFetcher clones with go-git at depth 1
type GitFetcher struct {
	progress io.Writer
}

// NewGitFetcher creates a fetcher. progress may be nil.
func NewGitFetcher(progress io.Writer) *GitFetcher {
	return &GitFetcher{progress: progress}
}

// Fetch implements Fetcher
func (f *GitFetcher) Fetch(ctx context.Context, repo, dir string) (string, error) {
	r, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:          repo,
		Depth:        1,
		SingleBranch: true,
		Progress:     f.progress,
	})
	if err != nil {
		return "", fmt.Errorf("git clone failed: %w", err)
	}
	head, err := r.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// SourceBuilder fetches a site's source and builds it with npm
type SourceBuilder struct {
	fetcher Fetcher
	runner  shell.Runner
	baseDir string
}

// NewSourceBuilder creates a builder placing projects under baseDir
func NewSourceBuilder(fetcher Fetcher, runner shell.Runner, baseDir string) *SourceBuilder {
	return &SourceBuilder{
		fetcher: fetcher,
		runner:  runner,
		baseDir: baseDir,
	}
}

// ProjectDir is the directory a domain is built into
func (b *SourceBuilder) ProjectDir(domain string) (string, error) {
	return filepath.Abs(filepath.Join(b.baseDir, domain))
}

// Build replaces dir with a fresh clone of repo and builds it
func (b *SourceBuilder) Build(ctx context.Context, repo, dir string, log *BuildLogger) error {
	const stage = StageBuild

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}
	if _, err := os.Stat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove existing directory %s: %w", dir, err)
		}
		log.LogInfof(stage, "Removed existing directory: %s", dir)
	}

	log.LogInfof(stage, "Cloning %s", repo)
	commit, err := b.fetcher.Fetch(ctx, repo, dir)
	if err != nil {
		log.LogError(stage, err.Error())
		return err
	}
	if len(commit) > 8 {
		commit = commit[:8]
	}
	log.LogInfof(stage, "Repository cloned at commit %s", commit)

	if _, err := os.Stat(filepath.Join(dir, "package.json")); err != nil {
		return errors.New("package.json not found in repository root")
	}

	manifest, err := LoadManifest(dir)
	if err != nil {
		log.LogError(stage, err.Error())
		return err
	}
	if manifest.Install != defaultInstallCommand || manifest.Build != defaultBuildCommand || len(manifest.Env) > 0 {
		log.LogInfof(stage, "Using %s (install: %q, build: %q, %d env vars)", ManifestFile, manifest.Install, manifest.Build, len(manifest.Env))
	}
	env := manifest.environ()

	if err := b.install(ctx, dir, manifest, env, log); err != nil {
		return err
	}

	log.LogInfof(stage, "Running %s", manifest.Build)
	out, err := b.run(ctx, dir, manifest.Build, env)
	log.LogLines(stage, tail(out, outputTailLines))
	if err != nil {
		log.LogError(stage, "Build failed")
		return fmt.Errorf("failed to build project: %w", err)
	}

	log.LogInfo(stage, "Build completed")
	return nil
}

// install runs the install command, retrying once with more heap when the
// first attempt was killed for memory
func (b *SourceBuilder) install(ctx context.Context, dir string, m *Manifest, env []string, log *BuildLogger) error {
	const stage = StageBuild

	log.LogInfof(stage, "Running %s", m.Install)
	out, err := b.run(ctx, dir, m.Install, env)
	if err == nil {
		log.LogLines(stage, tail(out, 3))
		return nil
	}
	lines := tail(out, outputTailLines)
	log.LogLines(stage, lines)

	if !killed(tail(out, 3)) {
		log.LogError(stage, "Dependency installation failed")
		return fmt.Errorf("failed to install dependencies: %w", err)
	}

	log.LogWarning(stage, "Retrying npm install with memory-saving options...")
	retryEnv := append(append([]string{}, env...), fmt.Sprintf("NODE_OPTIONS=--max-old-space-size=%d", m.NodeMemoryMB))
	out, err = b.run(ctx, dir, m.Install+" "+lowMemoryFlags, retryEnv)
	log.LogLines(stage, tail(out, outputTailLines))
	if err != nil {
		log.LogError(stage, "Dependency installation failed again")
		return fmt.Errorf("failed to install dependencies due to memory constraints: %w", err)
	}
	return nil
}

func (b *SourceBuilder) run(ctx context.Context, dir, commandLine string, env []string) (string, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return "", errors.New("empty command")
	}
	return b.runner.Run(ctx, shell.Command{
		Dir:  dir,
		Env:  env,
		Name: fields[0],
		Args: fields[1:],
	})
}

// LoadManifest reads site.yaml from dir, filling defaults for absent keys
func LoadManifest(dir string) (*Manifest, error) {
	m := &Manifest{}
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", ManifestFile, err)
	default:
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("invalid YAML syntax in %s: %w", ManifestFile, err)
		}
		logger.WithFields(map[string]interface{}{
			"dir":  dir,
			"keys": len(m.Env),
		}).Debug("Loaded site manifest")
	}

	if strings.TrimSpace(m.Install) == "" {
		m.Install = defaultInstallCommand
	}
	if strings.TrimSpace(m.Build) == "" {
		m.Build = defaultBuildCommand
	}
	if m.NodeMemoryMB <= 0 {
		m.NodeMemoryMB = defaultNodeMemoryMB
	}
	return m, nil
}

func (m *Manifest) environ() []string {
	keys := make([]string, 0, len(m.Env))
	for k := range m.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+m.Env[k])
	}
	return env
}

func killed(lines []string) bool {
	for _, line := range lines {
		if strings.Contains(line, "Killed") {
			return true
		}
	}
	return false
}

// tail returns the last n non-empty lines of out
func tail(out string, n int) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if s := strings.TrimRight(line, "\r "); s != "" {
			lines = append(lines, s)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
