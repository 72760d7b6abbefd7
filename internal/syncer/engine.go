// Package syncer reconciles the local document with the shared copy in a
// remote repository: pull-and-merge, atomic push with compare-and-swap on
// the branch, and the debounce/watchdog scheduler that drives both.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"accord/api/internal/attachment"
	"accord/api/internal/logger"
	"accord/api/internal/remote"
	"accord/api/internal/store"
)

const (
	DefaultPushAttempts  = 3
	DefaultRemoteTimeout = 30 * time.Second

	commitTimeLayout = "2006-01-02 15:04:05 UTC"
)

// Sealer protects the remote token at rest.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

// Notifier receives user-facing outcome messages.
type Notifier interface {
	Toast(level, message string)
}

type canceller interface {
	Cancel()
}

type Engine struct {
	state    *store.State
	persist  store.Persister
	opener   remote.Opener
	sealer   Sealer
	notifier Notifier
	log      *logger.Logger
	now      func() time.Time

	timeout  time.Duration
	attempts int
	defaults remote.Settings

	syncMu sync.Mutex
	busy   atomic.Bool

	metaMu   sync.Mutex
	settings remote.Settings
	meta     store.SyncState
	pending  canceller
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithSealer(s Sealer) Option {
	return func(e *Engine) { e.sealer = s }
}

func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithPushAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// WithDefaults supplies settings used until the user saves their own.
func WithDefaults(settings remote.Settings) Option {
	return func(e *Engine) { e.defaults = settings }
}

func NewEngine(state *store.State, persist store.Persister, opener remote.Opener, log *logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{
		state:    state,
		persist:  persist,
		opener:   opener,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		timeout:  DefaultRemoteTimeout,
		attempts: DefaultPushAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.settings = e.defaults.Normalize()
	return e
}

// Load restores sync metadata and remote settings saved by a previous run.
func (e *Engine) Load(ctx context.Context) error {
	meta, ok, err := e.persist.LoadSyncState(ctx)
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	if !ok {
		return nil
	}
	settings := remote.Settings{
		Repo:   meta.Remote.Repo,
		Branch: meta.Remote.Branch,
		Path:   meta.Remote.Path,
	}
	if meta.Remote.Token != "" {
		token, err := e.openToken(meta.Remote.Token)
		if err != nil {
			e.log.Warn("stored remote token could not be opened", "error", err)
		} else {
			settings.Token = token
		}
	}
	if settings.Repo == "" {
		settings.Repo = e.defaults.Repo
	}
	if settings.Token == "" {
		settings.Token = e.defaults.Token
	}
	e.metaMu.Lock()
	e.settings = settings.Normalize()
	e.meta = meta
	e.metaMu.Unlock()
	return nil
}

func (e *Engine) openToken(sealed string) (string, error) {
	if e.sealer == nil {
		return sealed, nil
	}
	return e.sealer.Open(sealed)
}

func (e *Engine) sealToken(plain string) (string, error) {
	if e.sealer == nil || plain == "" {
		return plain, nil
	}
	return e.sealer.Seal(plain)
}

// Settings returns the current remote settings including the plain token.
func (e *Engine) Settings() remote.Settings {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.settings
}

// Configure saves new remote settings. An empty token keeps the stored one.
// Pointing at a different repository, branch or folder forgets the base commit.
func (e *Engine) Configure(ctx context.Context, next remote.Settings) (remote.Settings, error) {
	next = next.Normalize()

	e.metaMu.Lock()
	prev := e.settings
	if next.Token == "" {
		next.Token = prev.Token
	}
	meta := e.meta
	if next.Repo != prev.Repo || next.Branch != prev.Branch || next.Path != prev.Path {
		meta.HeadSHA = ""
	}
	e.metaMu.Unlock()

	sealed, err := e.sealToken(next.Token)
	if err != nil {
		return remote.Settings{}, fmt.Errorf("seal remote token: %w", err)
	}
	meta.Remote = store.RemoteSettings{Token: sealed, Repo: next.Repo, Branch: next.Branch, Path: next.Path}
	if err := e.persist.SaveSyncState(ctx, meta); err != nil {
		return remote.Settings{}, fmt.Errorf("save sync state: %w", err)
	}

	e.metaMu.Lock()
	e.settings = next
	e.meta.Remote = meta.Remote
	e.meta.HeadSHA = meta.HeadSHA
	e.metaMu.Unlock()

	e.log.Info("remote settings saved", "repo", next.Repo, "branch", next.Branch, "path", next.Path)
	e.toast("success", "GitHub config saved.")
	return next, nil
}

func (e *Engine) configured(settings remote.Settings) bool {
	if e.opener == nil || settings.Repo == "" {
		return false
	}
	return settings.Token != "" || !e.opener.NeedsToken()
}

func (e *Engine) Configured() bool {
	return e.configured(e.Settings())
}

func (e *Engine) open() (remote.Settings, remote.Store, error) {
	settings := e.Settings()
	if !e.configured(settings) {
		return settings, nil, ErrNotConfigured
	}
	rs, err := e.opener.Open(settings)
	if err != nil {
		return settings, nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}
	return settings, rs, nil
}

func (e *Engine) toast(level, message string) {
	if e.notifier != nil {
		e.notifier.Toast(level, message)
	}
}

func (e *Engine) headSHA() string {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.meta.HeadSHA
}

// updateMeta applies fn to the sync metadata and persists it. Save failures
// are logged: the remote side has already moved by the time this runs.
func (e *Engine) updateMeta(ctx context.Context, fn func(*store.SyncState)) {
	e.metaMu.Lock()
	fn(&e.meta)
	meta := e.meta
	e.metaMu.Unlock()
	if err := e.persist.SaveSyncState(ctx, meta); err != nil {
		e.log.Warn("save sync state failed", "error", err)
	}
}

// setPending is called by the scheduler when a debounced push is armed or cleared.
func (e *Engine) setPending(ctx context.Context, pending bool) {
	e.updateMeta(ctx, func(m *store.SyncState) { m.PendingAutoSync = pending })
}

// PendingAutoSync reports whether a debounced push was armed and has not run yet.
func (e *Engine) PendingAutoSync() bool {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.meta.PendingAutoSync
}

func (e *Engine) attach(c canceller) {
	e.metaMu.Lock()
	e.pending = c
	e.metaMu.Unlock()
}

func (e *Engine) cancelPending() {
	e.metaMu.Lock()
	c := e.pending
	e.metaMu.Unlock()
	if c != nil {
		c.Cancel()
	}
}

func (e *Engine) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

// PullAndMerge folds the remote document into local state and returns the
// new base commit. Quiet pulls report only failures.
func (e *Engine) PullAndMerge(ctx context.Context, quiet bool) (string, error) {
	settings, rs, err := e.open()
	if err != nil {
		if !quiet {
			e.toast("error", "Configure GitHub first.")
		}
		return "", err
	}

	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	e.busy.Store(true)
	defer e.busy.Store(false)

	sha, err := e.pullLocked(ctx, rs, settings, quiet)
	if err != nil {
		e.log.Error("pull failed", "repo", settings.Repo, "error", err)
		e.toast("error", "Merge failed: "+err.Error())
		return "", err
	}
	return sha, nil
}

func (e *Engine) pullLocked(ctx context.Context, rs remote.Store, settings remote.Settings, quiet bool) (string, error) {
	callCtx, cancel := e.call(ctx)
	defer cancel()

	head, err := rs.GetBranchHead(callCtx, settings.Branch)
	if err != nil {
		return "", remoteErr("read branch head", err)
	}
	if head == e.headSHA() {
		if !quiet {
			e.toast("info", "Data is already up to date.")
		}
		return head, nil
	}

	incoming := store.Snapshot{}
	data, err := rs.GetFileContent(callCtx, settings.FilePath(store.DataFileName), head)
	switch {
	case errors.Is(err, remote.ErrNotFound):
	case err != nil:
		return "", remoteErr("read remote document", err)
	default:
		incoming, err = store.ParseSnapshot(data)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrParse, err)
		}
	}

	var result MergeResult
	err = e.state.Commit(ctx, e.persist, func(snap *store.Snapshot) error {
		result = Merge(snap, incoming, e.now())
		return nil
	})
	if err != nil {
		return "", err
	}

	now := e.now()
	e.updateMeta(ctx, func(m *store.SyncState) {
		m.HeadSHA = head
		m.LastPullAt = &now
	})
	e.log.Info("merged remote document",
		"head", head,
		"suggestions", len(result.AddedSuggestions),
		"history", result.AddedHistory,
		"docs", result.DocsReplaced,
	)
	if !quiet {
		e.toast("success", "Merged remote changes ✓")
	}
	return head, nil
}

// Push uploads the local document as a new commit on top of the remote head.
// Automatic pushes without configuration are silently skipped.
func (e *Engine) Push(ctx context.Context, automatic bool) error {
	e.cancelPending()

	settings, rs, err := e.open()
	if err != nil {
		if automatic {
			return nil
		}
		e.toast("error", "Configure GitHub first.")
		return err
	}

	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	e.busy.Store(true)
	defer e.busy.Store(false)

	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		sha, err := e.pushOnce(ctx, rs, settings, automatic)
		if err == nil {
			now := e.now()
			e.updateMeta(ctx, func(m *store.SyncState) {
				m.HeadSHA = sha
				m.LastPushSHA = sha
				m.LastPushAt = &now
				m.PendingAutoSync = false
			})
			e.log.Info("pushed document", "repo", settings.Repo, "branch", settings.Branch, "commit", sha, "attempt", attempt)
			if automatic {
				e.toast("success", "Changes saved to cloud ✓")
			} else {
				e.toast("success", "Sync complete ✓")
			}
			return nil
		}
		if !errors.Is(err, remote.ErrRefConflict) {
			e.log.Error("push failed", "repo", settings.Repo, "error", err)
			e.toast("error", "Sync failed: "+err.Error())
			return err
		}
		e.log.Warn("branch moved during push, retrying", "attempt", attempt, "error", err)
		lastErr = err
	}

	err = fmt.Errorf("%w after %d attempts: %v", ErrConflict, e.attempts, lastErr)
	e.log.Error("push abandoned", "repo", settings.Repo, "error", err)
	e.toast("error", "Sync failed: "+err.Error())
	return err
}

func (e *Engine) pushOnce(ctx context.Context, rs remote.Store, settings remote.Settings, automatic bool) (string, error) {
	base, err := e.pullLocked(ctx, rs, settings, true)
	if err != nil {
		return "", err
	}

	callCtx, cancel := e.call(ctx)
	defer cancel()

	exported, files := attachment.Externalize(e.state.Snapshot())
	entries := make([]remote.TreeEntry, 0, len(files)+1)
	for _, file := range files {
		blob, err := rs.CreateBlob(callCtx, file.Bytes)
		if err != nil {
			return "", remoteErr("upload "+file.Path, err)
		}
		entries = append(entries, remote.TreeEntry{Path: settings.FilePath(file.Path), Mode: remote.ModeFile, BlobSHA: blob})
	}

	doc, err := store.EncodeSnapshotIndent(exported)
	if err != nil {
		return "", err
	}
	blob, err := rs.CreateBlob(callCtx, doc)
	if err != nil {
		return "", remoteErr("upload document", err)
	}
	entries = append(entries, remote.TreeEntry{Path: settings.FilePath(store.DataFileName), Mode: remote.ModeFile, BlobSHA: blob})

	parent, err := rs.GetCommit(callCtx, base)
	if err != nil {
		return "", remoteErr("read base commit", err)
	}
	tree, err := rs.CreateTree(callCtx, parent.TreeSHA, entries)
	if err != nil {
		return "", remoteErr("create tree", err)
	}
	commit, err := rs.CreateCommit(callCtx, commitMessage(automatic, e.now()), tree, []string{base})
	if err != nil {
		return "", remoteErr("create commit", err)
	}
	if err := rs.UpdateRef(callCtx, settings.Branch, commit, base); err != nil {
		if errors.Is(err, remote.ErrRefConflict) {
			return "", err
		}
		return "", remoteErr("update branch", err)
	}
	return commit, nil
}

func commitMessage(automatic bool, at time.Time) string {
	stamp := at.UTC().Format(commitTimeLayout)
	if automatic {
		return "Auto-save — " + stamp
	}
	return "Manual sync — " + stamp
}

// CheckForUpdates compares the remote head with the base commit and runs a
// quiet pull when a teammate has pushed. It never waits for a running sync.
func (e *Engine) CheckForUpdates(ctx context.Context) (bool, error) {
	settings, rs, err := e.open()
	if err != nil {
		return false, nil
	}
	base := e.headSHA()
	if base == "" {
		return false, nil
	}
	if !e.syncMu.TryLock() {
		return false, nil
	}
	defer e.syncMu.Unlock()
	e.busy.Store(true)
	defer e.busy.Store(false)

	callCtx, cancel := e.call(ctx)
	head, err := rs.GetBranchHead(callCtx, settings.Branch)
	cancel()
	if err != nil {
		return false, remoteErr("read branch head", err)
	}
	if head == base {
		return false, nil
	}

	e.log.Info("remote moved", "base", base, "head", head)
	e.toast("info", "Teammate made changes. Merging...")
	if _, err := e.pullLocked(ctx, rs, settings, true); err != nil {
		e.toast("error", "Merge failed: "+err.Error())
		return false, err
	}
	return true, nil
}

// Status summarises sync configuration and progress. The token is never included.
type Status struct {
	Configured      bool       `json:"configured"`
	HasToken        bool       `json:"hasToken"`
	Repo            string     `json:"repo"`
	Branch          string     `json:"branch"`
	Path            string     `json:"path"`
	HeadSHA         string     `json:"headSha"`
	LastPushSHA     string     `json:"lastPushSha"`
	LastPushAt      *time.Time `json:"lastPushAt"`
	LastPullAt      *time.Time `json:"lastPullAt"`
	Busy            bool       `json:"busy"`
	PendingAutoSync bool       `json:"pendingAutoSync"`
}

func (e *Engine) Status() Status {
	e.metaMu.Lock()
	settings := e.settings
	meta := e.meta
	e.metaMu.Unlock()
	return Status{
		Configured:      e.configured(settings),
		HasToken:        settings.Token != "",
		Repo:            settings.Repo,
		Branch:          settings.Branch,
		Path:            settings.Path,
		HeadSHA:         meta.HeadSHA,
		LastPushSHA:     meta.LastPushSHA,
		LastPushAt:      meta.LastPushAt,
		LastPullAt:      meta.LastPullAt,
		Busy:            e.busy.Load(),
		PendingAutoSync: meta.PendingAutoSync,
	}
}

// Connection describes a successful connectivity check.
type Connection struct {
	Repo          string `json:"repo"`
	Branch        string `json:"branch"`
	Head          string `json:"head"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
}

// TestConnection checks that the repository and branch are reachable.
func (e *Engine) TestConnection(ctx context.Context) (Connection, error) {
	settings, rs, err := e.open()
	if err != nil {
		return Connection{}, err
	}
	callCtx, cancel := e.call(ctx)
	defer cancel()

	conn := Connection{Repo: settings.Repo, Branch: settings.Branch}
	if info, ok := rs.(remote.RepositoryInfo); ok {
		conn.DefaultBranch, err = info.Repository(callCtx)
		if err != nil {
			return Connection{}, remoteErr("read repository", err)
		}
	}
	conn.Head, err = rs.GetBranchHead(callCtx, settings.Branch)
	if err != nil {
		return Connection{}, remoteErr("read branch head", err)
	}
	return conn, nil
}

// ResolveMedia returns a displayable location for an attachment payload:
// inline payloads as data URLs, repository paths as raw download links when
// the remote provides them.
func (e *Engine) ResolveMedia(media store.Media) string {
	if media.Path == "" {
		if len(media.Bytes) == 0 {
			return ""
		}
		return attachment.DataURL(media)
	}
	linker, ok := e.opener.(remote.Linker)
	if !ok || !e.Configured() {
		return media.Path
	}
	return linker.Link(e.Settings(), media.Path)
}
