package shell

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakeRunner is an in-memory Runner for tests. Responses are matched against
// the command line by prefix; the longest matching prefix wins.
type FakeRunner struct {
	mu        sync.Mutex
	responses map[string]FakeResponse
	missing   map[string]bool
	calls     []Command
	Hook      func(cmd Command) (FakeResponse, bool)
}

// FakeResponse is the scripted result of a command
type FakeResponse struct {
	Output string
	Err    error
}

// NewFakeRunner creates an empty fake where every command succeeds with no output
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		responses: make(map[string]FakeResponse),
		missing:   make(map[string]bool),
	}
}

// On scripts the response for commands starting with prefix
func (f *FakeRunner) On(prefix, output string, err error) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = FakeResponse{Output: output, Err: err}
	return f
}

// Uninstall makes LookPath fail for name
func (f *FakeRunner) Uninstall(name string) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[name] = true
	return f
}

// LookPath implements Runner
func (f *FakeRunner) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[name] {
		return "", fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	return "/usr/bin/" + name, nil
}

// Run implements Runner
func (f *FakeRunner) Run(ctx context.Context, cmd Command) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	hook := f.Hook
	missing := f.missing[cmd.Name]
	line := cmd.String()
	best, found := "", false
	for prefix := range f.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) >= len(best) {
			best, found = prefix, true
		}
	}
	resp := f.responses[best]
	f.mu.Unlock()

	if missing {
		return "", fmt.Errorf("%w: %s", ErrNotInstalled, cmd.Name)
	}
	if hook != nil {
		if r, ok := hook(cmd); ok {
			return r.Output, r.Err
		}
	}
	if !found {
		return "", nil
	}
	return resp.Output, resp.Err
}

// Calls returns the command lines run so far
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.String()
	}
	return out
}

// Commands returns the full commands run so far
func (f *FakeRunner) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.calls))
	copy(out, f.calls)
	return out
}
