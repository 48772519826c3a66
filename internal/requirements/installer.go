package requirements

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// maxInstallFailures is how many failed attempts a requirement gets
// before it is blacklisted for the process lifetime.
const maxInstallFailures = 3

// InstallFunc installs one requirement.
type InstallFunc func(ctx context.Context, requirement string) error

// CheckFunc reports whether a requirement is already satisfied.
type CheckFunc func(requirement string) bool

// Logger is the minimal logging interface the installer depends on.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Installer installs integration requirements with serialized access
// and per-requirement failure memoization.
type Installer struct {
	log     Logger
	install InstallFunc
	check   CheckFunc

	// mu is the global install lock: installs from concurrent setups
	// never overlap.
	mu        sync.Mutex
	failures  map[string]int
	blacklist map[string]struct{}
}

// Options configures an installer. Install is required; Check is
// optional and skips requirements it reports satisfied.
type Options struct {
	Install InstallFunc
	Check   CheckFunc
	Logger  Logger
}

// New creates an installer.
func New(opts Options) *Installer {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}
	install := opts.Install
	if install == nil {
		install = func(context.Context, string) error {
			return fmt.Errorf("requirements: no installer configured")
		}
	}
	return &Installer{
		log:       log,
		install:   install,
		check:     opts.Check,
		failures:  make(map[string]int),
		blacklist: make(map[string]struct{}),
	}
}

// Process installs every requirement for the named integration.
// Blacklisted requirements fail fast without another attempt; a
// requirement that exhausts its attempts here joins the blacklist.
func (i *Installer) Process(ctx context.Context, domain string, reqs []string) error {
	if len(reqs) == 0 {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	var failed []string
	for _, req := range reqs {
		if _, banned := i.blacklist[req]; banned {
			i.log.Warn("requirement previously failed, not retrying",
				"domain", domain, "requirement", req)
			failed = append(failed, req)
			continue
		}
		if i.check != nil && i.check(req) {
			i.log.Debug("requirement already satisfied",
				"domain", domain, "requirement", req)
			continue
		}
		if err := i.installLocked(ctx, domain, req); err != nil {
			failed = append(failed, req)
		}
	}

	if len(failed) > 0 {
		return &RequirementsNotFoundError{Domain: domain, Requirements: failed}
	}
	return nil
}

// installLocked retries the install until it succeeds or the failure
// budget for this requirement is spent. Caller holds mu.
func (i *Installer) installLocked(ctx context.Context, domain, req string) error {
	var lastErr error
	for i.failures[req] < maxInstallFailures {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = i.install(ctx, req)
		if lastErr == nil {
			delete(i.failures, req)
			i.log.Debug("requirement installed",
				"domain", domain, "requirement", req)
			return nil
		}
		i.failures[req]++
		i.log.Warn("requirement install failed",
			"domain", domain, "requirement", req,
			"attempt", i.failures[req], "error", lastErr)
	}

	i.blacklist[req] = struct{}{}
	i.log.Error("requirement blacklisted after repeated failures",
		"domain", domain, "requirement", req, "error", lastErr)
	return lastErr
}

// ClearInstallHistory forgets failures and the blacklist, for config
// reloads and tests.
func (i *Installer) ClearInstallHistory() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failures = make(map[string]int)
	i.blacklist = make(map[string]struct{})
}

// NewExecInstaller returns an InstallFunc that runs the given command
// with the requirement appended, e.g. {"pip", "install"} or
// {"apk", "add"}.
func NewExecInstaller(command []string) InstallFunc {
	return func(ctx context.Context, requirement string) error {
		if len(command) == 0 {
			return fmt.Errorf("requirements: empty install command")
		}
		args := append(append([]string(nil), command[1:]...), requirement)
		cmd := exec.CommandContext(ctx, command[0], args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("requirements: install %s: %w: %s",
				requirement, err, string(out))
		}
		return nil
	}
}
