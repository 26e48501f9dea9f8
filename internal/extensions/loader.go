// Package extensions validates, test-drives and loads catalogued extensions.
//
// Every load walks NotChecked, CatalogVerified, Compatible, Sandboxed and
// Loaded, or ends in Rejected. Each step spends one element of a
// verification chain minted for the attempt; a broken chain rejects the
// attempt and stops the loader.
package extensions

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/extension-manager/internal/account"
	"github.com/rcourtman/extension-manager/internal/catalog"
	errs "github.com/rcourtman/extension-manager/internal/errors"
	"github.com/rcourtman/extension-manager/internal/guard"
	"github.com/rcourtman/extension-manager/internal/integrity"
	"github.com/rcourtman/extension-manager/internal/metrics"
	"github.com/rcourtman/extension-manager/internal/notices"
	"github.com/rcourtman/extension-manager/internal/subscription"
	"github.com/rcourtman/extension-manager/internal/tokenmint"
)

// State is the position of a load attempt.
type State int

const (
	StateNotChecked State = iota
	StateCatalogVerified
	StateCompatible
	StateSandboxed
	StateLoaded
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateNotChecked:
		return "not_checked"
	case StateCatalogVerified:
		return "catalog_verified"
	case StateCompatible:
		return "compatible"
	case StateSandboxed:
		return "sandboxed"
	case StateLoaded:
		return "loaded"
	default:
		return "rejected"
	}
}

// TestResult is the outcome of test-driving an extension.
type TestResult int

const (
	TestUninitiated     TestResult = -1
	TestInvalidPath     TestResult = 1
	TestInvalidFile     TestResult = 2
	TestInclusionFailed TestResult = 3
	TestSuccess         TestResult = 4
)

// SessionKind scopes what a session may do.
type SessionKind string

const (
	KindList       SessionKind = "list"
	KindLoad       SessionKind = "load"
	KindActivation SessionKind = "activation"
)

// loadSteps is the chain length of one load: catalog, compatibility and
// inclusion.
const loadSteps = 3

// Attempt records one load.
type Attempt struct {
	ID      string                  `json:"id"`
	Slug    string                  `json:"slug"`
	State   State                   `json:"state"`
	Verdict Verdict                 `json:"verdict"`
	Entry   catalog.Entry           `json:"-"`
	Header  Header                  `json:"header"`
	FileSum *integrity.FileChecksum `json:"file_sum,omitempty"`
	Failure *Failure                `json:"failure,omitempty"`
	Err     error                   `json:"-"`
}

// Listing is one catalog entry as shown to administrators.
type Listing struct {
	Entry   catalog.Entry
	Header  *Header
	Verdict Verdict
	Active  bool
	Loaded  bool
}

// LadderSource reports how far the remote subscription checks got.
type LadderSource interface {
	Ladder(ctx context.Context) (subscription.Ladder, error)
}

// Config wires a Loader.
type Config struct {
	Root            string
	Catalog         catalog.Catalog
	Gate            *integrity.Gate
	Mint            *tokenmint.Mint
	Guard           *guard.Guard
	Registry        *Registry
	Repo            *account.Repository
	Subscription    LadderSource
	Notices         *notices.Store
	Versions        Versions
	ManifestTimeout time.Duration
	Logger          *zerolog.Logger
}

// Loader owns every extension load in the process.
type Loader struct {
	root     string
	catalog  catalog.Catalog
	gate     *integrity.Gate
	mint     *tokenmint.Mint
	guard    *guard.Guard
	registry *Registry
	repo     *account.Repository
	sub      LadderSource
	notices  *notices.Store
	checker  *Checker
	headers  *HeaderReader
	sandbox  *Sandbox
	timeout  time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	loaded map[string]*Attempt
}

// NewLoader validates cfg and returns a loader.
func NewLoader(cfg Config) (*Loader, error) {
	switch {
	case cfg.Gate == nil:
		return nil, fmt.Errorf("extensions: integrity gate is required")
	case cfg.Mint == nil || cfg.Guard == nil:
		return nil, fmt.Errorf("extensions: token mint and guard are required")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("extensions: registry is required")
	case cfg.Repo == nil:
		return nil, fmt.Errorf("extensions: option repository is required")
	}
	if cfg.Catalog.Len() == 0 {
		cfg.Catalog = catalog.Default()
	}
	if cfg.Root == "" {
		cfg.Root = cfg.Gate.Root()
	}
	logger := log.Logger.With().Str("component", "extensions").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	headers, err := NewHeaderReader(cfg.Gate)
	if err != nil {
		return nil, err
	}
	cfg.Registry.Freeze()

	return &Loader{
		root:     cfg.Root,
		catalog:  cfg.Catalog,
		gate:     cfg.Gate,
		mint:     cfg.Mint,
		guard:    cfg.Guard,
		registry: cfg.Registry,
		repo:     cfg.Repo,
		sub:      cfg.Subscription,
		notices:  cfg.Notices,
		checker:  NewChecker(cfg.Versions),
		headers:  headers,
		sandbox:  NewSandbox(cfg.Root, cfg.Repo.Store(), logger),
		timeout:  cfg.ManifestTimeout,
		logger:   logger,
		loaded:   make(map[string]*Attempt),
	}, nil
}

// Close releases the header cache.
func (l *Loader) Close() {
	l.headers.Close()
}

// Catalog returns the catalog the loader trusts.
func (l *Loader) Catalog() catalog.Catalog {
	return l.catalog
}

// Checksum digests the catalog and verifies it against the anchors.
func (l *Loader) Checksum() (integrity.Checksum, integrity.Verdict, error) {
	sum, err := l.gate.CatalogChecksum(l.catalog)
	if err != nil {
		return sum, integrity.MissingFields, err
	}
	return sum, integrity.VerifyChecksum(sum), nil
}

// Loaded returns the slugs loaded so far, in order.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.loaded))
	for slug := range l.loaded {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// Session is a verified handle on the loader limited to one kind of work.
type Session struct {
	kind   SessionKind
	loader *Loader
}

// Open verifies tok and returns a session of kind. A token that does not
// verify is a protocol violation.
func (l *Loader) Open(kind SessionKind, tok *tokenmint.Token) (*Session, error) {
	if err := l.guard.Err(); err != nil {
		return nil, err
	}
	switch kind {
	case KindList, KindLoad, KindActivation:
	default:
		return nil, errs.Validation("open_session", fmt.Errorf("unknown session kind %q", kind))
	}
	if err := l.mint.MustVerify(tok); err != nil {
		return nil, err
	}
	return &Session{kind: kind, loader: l}, nil
}

func (l *Loader) session(kind SessionKind) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tok, err := l.mint.Issue()
	if err != nil {
		return nil, err
	}
	return l.Open(kind, &tok)
}

// Kind returns the session kind.
func (s *Session) Kind() SessionKind {
	return s.kind
}

func (s *Session) require(op string, kinds ...SessionKind) error {
	for _, k := range kinds {
		if s.kind == k {
			return nil
		}
	}
	s.loader.logger.Warn().Str("op", op).Str("session", string(s.kind)).Msg("Loader operation refused for session kind")
	return errs.Validation(op, fmt.Errorf("%s is not allowed in a %s session", op, s.kind))
}

// List describes every catalog entry. The catalog must verify first.
func (s *Session) List(ctx context.Context) ([]Listing, error) {
	if err := s.require("list", KindList); err != nil {
		return nil, err
	}
	l := s.loader
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.verifyCatalog(); err != nil {
		return nil, err
	}
	active, err := l.repo.ActiveExtensions(ctx)
	if err != nil {
		return nil, err
	}

	entries := l.catalog.Entries()
	out := make([]Listing, 0, len(entries))
	for _, e := range entries {
		item := Listing{
			Entry:   e,
			Verdict: l.checker.Check(e),
			Active:  active[e.Slug],
		}
		_, item.Loaded = l.loaded[e.Slug]
		if h, err := l.headers.Read(e.HeaderPath(l.root)); err == nil {
			item.Header = &h
		}
		out = append(out, item)
	}
	return out, nil
}

// Load walks slug through the load states.
func (s *Session) Load(ctx context.Context, slug string) (*Attempt, error) {
	if err := s.require("load", KindLoad); err != nil {
		return nil, err
	}
	l := s.loader
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.loadLocked(ctx, strings.TrimSpace(slug))
	return a, a.Err
}

// Boot loads every enabled extension. A catalog that fails verification
// loads nothing and leaves a notice.
func (s *Session) Boot(ctx context.Context) ([]*Attempt, error) {
	if err := s.require("boot", KindLoad); err != nil {
		return nil, err
	}
	l := s.loader
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.verifyCatalog(); err != nil {
		if l.notices != nil && errs.ClassOf(err) == errs.ClassTamper {
			if nerr := l.notices.Set(ctx, notices.CatalogTampered, ""); nerr != nil {
				l.logger.Warn().Err(nerr).Msg("Failed to store tamper notice")
			}
		}
		return nil, err
	}

	active, err := l.repo.ActiveExtensions(ctx)
	if err != nil {
		return nil, err
	}
	slugs := make([]string, 0, len(active))
	for slug, on := range active {
		if on {
			slugs = append(slugs, slug)
		}
	}
	sort.Strings(slugs)

	attempts := make([]*Attempt, 0, len(slugs))
	for _, slug := range slugs {
		attempts = append(attempts, l.loadLocked(ctx, slug))
		if err := l.guard.Err(); err != nil {
			return attempts, err
		}
	}
	metrics.SetExtensionsLoaded(len(l.loaded))
	l.logger.Info().Int("enabled", len(slugs)).Int("loaded", len(l.loaded)).Msg("Extensions booted")
	return attempts, nil
}

// Test test-drives slug: the entry, then every manifest component, each in
// the sandbox with its own chain element.
func (s *Session) Test(ctx context.Context, slug string) (TestResult, *Failure) {
	if err := s.require("test", KindLoad, KindActivation); err != nil {
		return TestUninitiated, nil
	}
	l := s.loader
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.testLocked(ctx, strings.TrimSpace(slug))
}

// Activate validates and enables slug.
func (s *Session) Activate(ctx context.Context, slug string) notices.Result {
	if err := s.require("activate", KindActivation); err != nil {
		return notices.Fail(notices.ExtUnexpected)
	}
	l := s.loader
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activateLocked(ctx, strings.TrimSpace(slug))
}

// List opens a list session and lists the catalog.
func (l *Loader) List(ctx context.Context) ([]Listing, error) {
	sess, err := l.session(KindList)
	if err != nil {
		return nil, err
	}
	return sess.List(ctx)
}

// Load opens a load session and loads slug.
func (l *Loader) Load(ctx context.Context, slug string) (*Attempt, error) {
	sess, err := l.session(KindLoad)
	if err != nil {
		return nil, err
	}
	return sess.Load(ctx, slug)
}

// Boot opens a load session and boots every enabled extension.
func (l *Loader) Boot(ctx context.Context) ([]*Attempt, error) {
	sess, err := l.session(KindLoad)
	if err != nil {
		return nil, err
	}
	return sess.Boot(ctx)
}

// TestExtension opens a load session and test-drives slug.
func (l *Loader) TestExtension(ctx context.Context, slug string) (TestResult, *Failure) {
	sess, err := l.session(KindLoad)
	if err != nil {
		return TestUninitiated, nil
	}
	return sess.Test(ctx, slug)
}

// ActivateExtension opens an activation session and enables slug.
func (l *Loader) ActivateExtension(ctx context.Context, slug string) notices.Result {
	sess, err := l.session(KindActivation)
	if err != nil {
		l.logger.Warn().Err(err).Str("slug", slug).Msg("Extension activation refused")
		return notices.Fail(notices.ExtUnexpected)
	}
	return sess.Activate(ctx, slug)
}

// DeactivateExtension disables slug.
func (l *Loader) DeactivateExtension(ctx context.Context, slug string) notices.Result {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return notices.Fail(notices.ExtDisableFailed)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.repo.SetExtension(ctx, slug, false); err != nil {
		l.logger.Error().Err(err).Str("slug", slug).Msg("Failed to disable extension")
		return notices.Fail(notices.ExtDisableFailed)
	}
	delete(l.loaded, slug)
	metrics.SetExtensionsLoaded(len(l.loaded))
	l.logger.Info().Str("slug", slug).Msg("Extension disabled")
	return notices.Succeed(notices.ExtDisabled)
}

func (l *Loader) verifyCatalog() error {
	_, verdict, err := l.Checksum()
	if err != nil {
		return errs.New(errs.ClassTamper, "verify_catalog", err).WithCode(int(notices.CatalogTampered))
	}
	if verdict != integrity.Valid {
		metrics.RecordTamper("catalog")
		l.logger.Error().Str("verdict", verdict.String()).Msg("Extension catalog failed integrity check")
		return errs.New(errs.ClassTamper, "verify_catalog", fmt.Errorf("catalog checksum %s", verdict)).WithCode(int(notices.CatalogTampered))
	}
	return nil
}

func (l *Loader) loadLocked(ctx context.Context, slug string) *Attempt {
	if prev, ok := l.loaded[slug]; ok {
		return prev
	}
	a := &Attempt{ID: ulid.Make().String(), Slug: slug, State: StateNotChecked, Verdict: VerdictIncompatible}
	logger := l.logger.With().Str("attempt", a.ID).Str("slug", slug).Logger()

	if err := l.guard.Err(); err != nil {
		return l.reject(logger, a, err)
	}
	seed, err := l.mint.Issue()
	if err != nil {
		return l.reject(logger, a, err)
	}
	next, stop := iter.Pull(l.mint.YieldChain(loadSteps, &seed))
	defer stop()

	steps := []func(context.Context, *Attempt) error{
		l.stepCatalog,
		l.stepCompatible,
		l.stepInclude,
	}
	for _, step := range steps {
		tok, ok := next()
		if !ok {
			return l.reject(logger, a, l.brokenChain())
		}
		if err := l.mint.MustVerify(&tok); err != nil {
			return l.reject(logger, a, err)
		}
		if err := step(ctx, a); err != nil {
			return l.reject(logger, a, err)
		}
	}

	a.State = StateLoaded
	l.loaded[slug] = a
	metrics.RecordExtensionLoad(a.State.String())
	metrics.SetExtensionsLoaded(len(l.loaded))
	logger.Info().Str("verdict", a.Verdict.String()).Msg("Extension loaded")
	return a
}

func (l *Loader) stepCatalog(_ context.Context, a *Attempt) error {
	if err := l.verifyCatalog(); err != nil {
		return err
	}
	entry, ok := l.catalog.Get(a.Slug)
	if a.Slug == "" || !ok {
		return errs.New(errs.ClassNotFound, "load_extension", fmt.Errorf("unknown extension %q", a.Slug)).WithSlug(a.Slug)
	}
	a.Entry = entry
	a.State = StateCatalogVerified
	return nil
}

func (l *Loader) stepCompatible(ctx context.Context, a *Attempt) error {
	a.Verdict = l.checker.Check(a.Entry)
	if !a.Verdict.OK() {
		return errs.New(errs.ClassValidation, "load_extension", fmt.Errorf("incompatible with host %s and platform %s", l.checker.Versions().Host, l.checker.Versions().Platform)).WithSlug(a.Slug)
	}
	if a.Entry.Premium() {
		opts, _, err := l.repo.Site(ctx)
		if err != nil {
			return err
		}
		if !opts.IsPremium() {
			return errs.New(errs.ClassValidation, "load_extension", fmt.Errorf("premium subscription required")).WithSlug(a.Slug)
		}
	}
	a.State = StateCompatible
	return nil
}

func (l *Loader) stepInclude(ctx context.Context, a *Attempt) error {
	path := a.Entry.HeaderPath(l.root)
	header, err := l.headers.Read(path)
	if err != nil {
		return err
	}
	a.Header = header
	a.FileSum = l.attest(a.Slug, path)
	module, ok := l.registry.Lookup(a.Slug)
	if !ok {
		return errs.New(errs.ClassNotFound, "load_extension", fmt.Errorf("no code registered")).WithSlug(a.Slug)
	}
	if failure := l.sandbox.Run(ctx, a.Slug, path, module.Entry); failure != nil {
		a.Failure = failure
		return failure
	}
	a.State = StateSandboxed
	return nil
}

func (l *Loader) brokenChain() error {
	if err := l.guard.Err(); err != nil {
		return err
	}
	_ = l.guard.Trip("verification chain ended early")
	return fmt.Errorf("%w: chain ended early", errs.ErrBrokenChain)
}

func (l *Loader) reject(logger zerolog.Logger, a *Attempt, err error) *Attempt {
	from := a.State
	a.State = StateRejected
	a.Err = err
	metrics.RecordExtensionLoad(a.State.String())

	ev := logger.Warn()
	if errs.IsFatal(err) {
		ev = logger.Error()
	}
	ev.Err(err).Str("state", from.String()).Msg("Extension load rejected")
	return a
}

// attest digests an extension file before it runs. Advisory only: a file
// that cannot be hashed is logged and the load continues.
func (l *Loader) attest(slug, path string) *integrity.FileChecksum {
	sum, err := l.gate.FileChecksum(path)
	if err != nil {
		l.logger.Debug().Err(err).Str("slug", slug).Str("file", l.sandbox.relative(path)).Msg("Extension file not attested")
		return nil
	}
	l.logger.Debug().
		Str("slug", slug).
		Str("file", l.sandbox.relative(path)).
		Str("algorithm", string(sum.Algorithm)).
		Str("hash", sum.Hash).
		Msg("Extension file attested")
	return &sum
}

// unit is one sandboxed step of a test drive.
type unit struct {
	file string
	fn   Func
}

func (l *Loader) testLocked(ctx context.Context, slug string) (TestResult, *Failure) {
	if l.guard.Tripped() {
		return TestUninitiated, nil
	}
	entry, ok := l.catalog.Get(slug)
	if slug == "" || !ok {
		return TestInvalidPath, nil
	}
	path := entry.HeaderPath(l.root)
	if !l.gate.ValidatePath(path) {
		return TestInvalidFile, nil
	}
	if _, err := l.headers.Read(path); err != nil {
		return TestInvalidFile, nil
	}
	module, ok := l.registry.Lookup(slug)
	if !ok {
		return TestInvalidFile, nil
	}

	units := []unit{{file: path, fn: module.Entry}}
	manifest, err := ReadManifest(ctx, entry.Dir(l.root), l.timeout)
	if err != nil {
		l.logger.Warn().Err(err).Str("slug", slug).Msg("Extension manifest unreadable")
		return TestInclusionFailed, nil
	}
	units = append(units, l.componentUnits(entry.Dir(l.root), module, manifest)...)

	seed, err := l.mint.Issue()
	if err != nil {
		return TestUninitiated, nil
	}
	next, stop := iter.Pull(l.mint.YieldChain(len(units), &seed))
	defer stop()

	for _, u := range units {
		tok, ok := next()
		if !ok {
			_ = l.brokenChain()
			return TestUninitiated, nil
		}
		if err := l.mint.MustVerify(&tok); err != nil {
			return TestUninitiated, nil
		}
		l.attest(slug, u.file)
		if failure := l.sandbox.Run(ctx, slug, u.file, u.fn); failure != nil {
			return TestInclusionFailed, failure
		}
	}
	l.logger.Debug().Str("slug", slug).Int("units", len(units)).Msg("Extension test passed")
	return TestSuccess, nil
}

// componentUnits expands the manifest into file inclusions followed by the
// component constructor.
func (l *Loader) componentUnits(dir string, module Module, manifest *Manifest) []unit {
	var units []unit
	for _, c := range manifest.Components() {
		for _, rel := range c.Files {
			rel := filepath.ToSlash(filepath.Clean(rel))
			abs := filepath.Join(dir, filepath.FromSlash(rel))
			units = append(units, unit{file: abs, fn: includeFile(dir, abs, rel, module.Files[rel])})
		}
		if c.Name == "" {
			continue
		}
		name := c.Name
		ctor, ok := module.Components[name]
		if !ok {
			ctor = func(context.Context, *Env) error {
				return fmt.Errorf("class '%s\\%s' not found", manifest.Namespace, name)
			}
		}
		units = append(units, unit{file: filepath.Join(dir, ManifestFile), fn: ctor})
	}
	return units
}

// includeFile requires abs to be a regular file under dir before running fn.
func includeFile(dir, abs, rel string, fn Func) Func {
	return func(ctx context.Context, env *Env) error {
		if r, err := filepath.Rel(dir, abs); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			return fmt.Errorf("failed opening required '%s': path escapes extension", rel)
		}
		info, err := os.Lstat(abs)
		if err != nil || !info.Mode().IsRegular() {
			return fmt.Errorf("failed opening required '%s': no such file", rel)
		}
		if fn == nil {
			return nil
		}
		return fn(ctx, env)
	}
}

func (l *Loader) activateLocked(ctx context.Context, slug string) notices.Result {
	_, verdict, err := l.Checksum()
	switch {
	case err != nil || verdict == integrity.MissingFields:
		return notices.Fail(notices.ExtChecksumMissing)
	case verdict == integrity.Mismatch:
		metrics.RecordTamper("catalog")
		return notices.Fail(notices.ExtChecksumMismatch)
	}

	entry, ok := l.catalog.Get(slug)
	if slug == "" || !ok {
		return notices.Fail(notices.ExtUnknown)
	}
	opts, _, err := l.repo.Site(ctx)
	if err != nil {
		l.logger.Error().Err(err).Str("slug", slug).Msg("Failed to read options during extension activation")
		return notices.Fail(notices.ExtUnexpected)
	}

	code := notices.ExtFreeEnabled
	if entry.Premium() {
		if !opts.IsPremium() {
			return notices.Fail(notices.ExtNotEntitled)
		}
		if !l.remoteLicenseValid(ctx) {
			return notices.Fail(notices.ExtLicenseInvalid)
		}
		code = notices.ExtPremiumEnabled
	}

	if !l.checker.Check(entry).OK() {
		return notices.Fail(notices.ExtIncompatible)
	}
	if result, failure := l.testLocked(ctx, slug); result != TestSuccess {
		res := notices.Fail(notices.ExtIncompatible)
		if failure != nil {
			res.Extra = failure.Error() + " " + failure.AdvancedText()
		}
		l.logger.Warn().Str("slug", slug).Int("test", int(result)).Msg("Extension failed test drive")
		return res
	}

	if err := l.repo.SetExtension(ctx, slug, true); err != nil {
		l.logger.Error().Err(err).Str("slug", slug).Msg("Failed to enable extension; removing options")
		if kerr := l.repo.Kill(ctx); kerr != nil {
			l.logger.Error().Err(kerr).Msg("Failed to remove options")
		}
		return notices.Fail(notices.ExtEnableFailed)
	}
	l.logger.Info().Str("slug", slug).Int("notice", int(code)).Msg("Extension enabled")
	return notices.Succeed(code)
}

func (l *Loader) remoteLicenseValid(ctx context.Context) bool {
	if l.sub == nil {
		return false
	}
	ladder, err := l.sub.Ladder(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Subscription check failed during extension activation")
		return false
	}
	return ladder >= subscription.LadderPremium
}
