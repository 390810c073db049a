package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/botfleet/internal/env"
	"github.com/loykin/botfleet/internal/layout"
	"github.com/loykin/botfleet/internal/metrics"
	"github.com/loykin/botfleet/internal/registry"
)

// ConsoleUsers supplies console users and their tokens.
type ConsoleUsers interface {
	ListConsoleUsers(ctx context.Context) ([]registry.ConsoleUser, error)
	ConsoleUserToken(ctx context.Context, id int64) (string, error)
}

// Directory is the part of the client registry the orchestrator reads and writes.
type Directory interface {
	ConsoleUsers
	SetCallbackURL(ctx context.Context, id, url string) error
	SetConsoleUser(ctx context.Context, id string, consoleID int64) error
}

// Result is what a setup or upgrade wrote back.
type Result struct {
	CallbackURL   string
	ConsoleUserID int64
	Version       int
}

// Orchestrator installs, configures and upgrades the integration bundles attached
// to clients. Steps run strictly one after another.
type Orchestrator struct {
	layout  layout.Layout
	catalog *Catalog
	dir     Directory
	op      Operator
	env     *env.Env
	log     *slog.Logger

	stepTimeout  time.Duration
	drainTimeout time.Duration

	mu       sync.RWMutex
	versions map[string]int
}

type Option func(*Orchestrator)

func WithEnv(e *env.Env) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.env = e
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

func New(l layout.Layout, cat *Catalog, dir Directory, op Operator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		layout:       l,
		catalog:      cat,
		dir:          dir,
		op:           op,
		env:          env.New(),
		log:          slog.Default(),
		stepTimeout:  defaultStepTimeout,
		drainTimeout: defaultDrainTimeout,
		versions:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Catalog() *Catalog { return o.catalog }

func (o *Orchestrator) runner(vars []string) *runner {
	return &runner{env: o.env, vars: vars, log: o.log, timeout: o.stepTimeout}
}

// RefreshVersions re-reads the manifest of every catalog archive. Unreadable
// archives count as version 0.
func (o *Orchestrator) RefreshVersions() map[string]int {
	next := make(map[string]int)
	if o.catalog != nil {
		for _, b := range o.catalog.Bundles {
			if b.Archive == "" {
				continue
			}
			v, err := ArchiveVersion(b.Archive)
			if err != nil {
				o.log.Warn("cannot read bundle version", "bundle", b.Name, "archive", b.Archive, "error", err)
			}
			next[b.Name] = v
		}
	}
	o.mu.Lock()
	o.versions = next
	o.mu.Unlock()

	out := make(map[string]int, len(next))
	for k, v := range next {
		out[k] = v
	}
	return out
}

// Version is the archive version of bundle as of the last refresh.
func (o *Orchestrator) Version(bundle string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.versions[bundle]
}

// UpgradeAvailable reports whether the client's bundle archive is newer than the
// installed copy.
func (o *Orchestrator) UpgradeAvailable(c registry.Client) bool {
	if c.Bundle == "" {
		return false
	}
	return NeedsUpgrade(InstalledVersion(o.layout.BundleDir(c.Name, c.Bundle)), o.Version(c.Bundle))
}

// scriptVars are added to the environment of every script run for client c.
func (o *Orchestrator) scriptVars(c registry.Client, dir string) []string {
	return []string{
		"BOTFLEET_CLIENT=" + c.Name,
		"BOTFLEET_CLIENT_DIR=" + o.layout.ClientDir(c.Name),
		"BOTFLEET_BUNDLE_DIR=" + dir,
	}
}

// Setup unpacks, installs and configures the client's bundle, then stores the
// callback and console user gathered during configuration.
func (o *Orchestrator) Setup(ctx context.Context, c registry.Client) (Result, error) {
	if c.Bundle == "" {
		return Result{}, ErrNoBundle
	}
	b, err := o.catalog.Find(c.Bundle)
	if err != nil {
		return Result{}, err
	}
	defer o.RefreshVersions()

	dir := o.layout.BundleDir(c.Name, b.Name)
	o.log.Info("begin bundle setup", "client", c.Name, "bundle", b.Name, "dir", dir)
	r := o.runner(o.scriptVars(c, dir))

	if err := os.RemoveAll(dir); err != nil {
		return Result{}, &SubprocessError{Step: StepUnpack, Script: "tar", Err: err}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Result{}, &SubprocessError{Step: StepUnpack, Script: "tar", Err: err}
	}
	if err := r.unpack(ctx, b.Name, StepUnpack, b.Archive, dir); err != nil {
		return Result{}, err
	}

	if b.Install != "" {
		if _, err := r.run(ctx, b.Name, StepInstall, dir, scriptPath(dir, b.Install)); err != nil {
			return Result{}, err
		}
	}

	res := Result{Version: InstalledVersion(dir), ConsoleUserID: c.ConsoleUserID}
	if b.Configure != "" {
		cr, err := o.configure(ctx, b, c, dir)
		if err != nil {
			return res, err
		}
		res.CallbackURL = cr.CallbackURL
		if cr.ConsoleUserID != 0 {
			res.ConsoleUserID = cr.ConsoleUserID
		}
	}

	if res.ConsoleUserID != c.ConsoleUserID && c.ID != "" {
		if err := o.dir.SetConsoleUser(ctx, c.ID, res.ConsoleUserID); err != nil {
			return res, fmt.Errorf("store console user: %w", err)
		}
	}
	if res.CallbackURL != "" && c.ID != "" {
		if err := o.dir.SetCallbackURL(ctx, c.ID, res.CallbackURL); err != nil {
			return res, fmt.Errorf("store callback url: %w", err)
		}
	}
	o.log.Info("end bundle setup", "client", c.Name, "bundle", b.Name, "version", FormatVersion(res.Version))
	return res, nil
}

func (o *Orchestrator) configure(ctx context.Context, b Bundle, c registry.Client, dir string) (configureResult, error) {
	started := time.Now()
	sess := &promptSession{
		ctx:       ctx,
		client:    c,
		bundle:    b,
		op:        o.op,
		users:     o.dir,
		log:       o.log,
		consoleID: c.ConsoleUserID,
	}
	cf := &configurer{drain: o.drainTimeout, env: o.env.Environ(o.scriptVars(c, dir)...), log: o.log}
	err := cf.run(ctx, sess, dir, scriptPath(dir, b.Configure))
	metrics.RecordBundleStep(b.Name, StepConfigure, time.Since(started), err)
	if err != nil {
		return configureResult{}, err
	}
	return sess.result(), nil
}

// Upgrade stages the newer archive next to the installed bundle, writes and checks
// its manifest, then either runs the bundle's upgrade script with the old and new
// paths or replaces the old directory. A failed replace after the old directory was
// removed returns ErrUpgradeIncomplete.
func (o *Orchestrator) Upgrade(ctx context.Context, c registry.Client) (Result, error) {
	if c.Bundle == "" {
		return Result{}, ErrNoBundle
	}
	b, err := o.catalog.Find(c.Bundle)
	if err != nil {
		return Result{}, err
	}
	defer o.RefreshVersions()

	current := o.layout.BundleDir(c.Name, b.Name)
	installed := InstalledVersion(current)
	available, err := ArchiveVersion(b.Archive)
	if err != nil {
		return Result{}, &SubprocessError{Step: StepUpgrade, Script: b.Archive, Err: err}
	}
	if !NeedsUpgrade(installed, available) {
		return Result{Version: installed}, ErrNoUpgrade
	}

	staged := o.layout.UpgradeDir(c.Name, b.Name)
	o.log.Info("begin bundle upgrade", "client", c.Name, "bundle", b.Name,
		"from", FormatVersion(installed), "to", FormatVersion(available))
	r := o.runner(o.scriptVars(c, staged))

	if err := os.RemoveAll(staged); err != nil {
		return Result{}, &SubprocessError{Step: StepUpgrade, Script: "tar", Err: err}
	}
	if err := os.MkdirAll(staged, 0o750); err != nil {
		return Result{}, &SubprocessError{Step: StepUpgrade, Script: "tar", Err: err}
	}
	if err := r.unpack(ctx, b.Name, StepUpgrade, b.Archive, staged); err != nil {
		return Result{}, err
	}
	if err := writeManifest(staged, available); err != nil {
		return Result{}, err
	}

	started := time.Now()
	if b.Upgrade != "" {
		if _, err := r.run(ctx, b.Name, StepUpgrade, staged, scriptPath(staged, b.Upgrade), current, staged); err != nil {
			return Result{}, err
		}
		if err := os.RemoveAll(staged); err != nil {
			o.log.Warn("cannot remove staged bundle", "dir", staged, "error", err)
		}
	} else {
		err := swap(current, staged)
		metrics.RecordBundleStep(b.Name, StepUpgrade, time.Since(started), err)
		if err != nil {
			return Result{}, err
		}
	}
	o.log.Info("end bundle upgrade", "client", c.Name, "bundle", b.Name, "version", FormatVersion(available))
	return Result{Version: available, CallbackURL: c.CallbackURL, ConsoleUserID: c.ConsoleUserID}, nil
}

func writeManifest(dir string, v int) error {
	path := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(path, []byte(FormatVersion(v)+"\n"), 0o644); err != nil { // #nosec G306 -- manifest is not secret
		return err
	}
	if got := InstalledVersion(dir); got != v {
		return fmt.Errorf("%w: wrote %s, read back %s", ErrBadManifest, FormatVersion(v), FormatVersion(got))
	}
	return nil
}

// swap replaces current with staged.
func swap(current, staged string) error {
	if err := os.RemoveAll(current); err != nil {
		return fmt.Errorf("remove old bundle: %w", err)
	}
	if err := os.Rename(staged, current); err != nil {
		return errors.Join(ErrUpgradeIncomplete, err)
	}
	return nil
}
