package syncer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accord/api/internal/remote"
	"accord/api/internal/store"
)

var fixedNow = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

type fixture struct {
	state   *store.State
	persist *store.MemoryStore
	remote  *memRemote
	toasts  *ToastFeed
	engine  *Engine
}

func newFixture(t *testing.T, initial store.Snapshot, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		state:   store.NewState(initial),
		persist: store.NewMemoryStore(),
		remote:  newMemRemote(),
		toasts:  NewToastFeed(0),
	}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), WithNotifier(f.toasts)}, opts...)
	f.engine = NewEngine(f.state, f.persist, f.remote, nil, opts...)
	_, err := f.engine.Configure(context.Background(), remote.Settings{Repo: "team/accord", Path: "docs"})
	require.NoError(t, err)
	return f
}

func (f *fixture) messages() []string {
	var out []string
	for _, toast := range f.toasts.Since(0) {
		out = append(out, toast.Message)
	}
	return out
}

func suggestion(id, title string, status store.Status) store.Suggestion {
	return store.Suggestion{
		ID:          id,
		CategoryID:  "cat_net",
		Tag:         store.TagRef{Name: "NET", Emoji: "🌐"},
		Title:       title,
		Status:      status,
		SuggestedBy: "Ana",
		CreatedAt:   fixedNow,
		UpdatedAt:   fixedNow,
	}
}

func TestPullMergesTeammateSuggestion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Snapshot{Suggestions: []store.Suggestion{suggestion("sug_1", "Local idea", store.StatusPending)}})

	teammate := store.Snapshot{
		Config:      store.Config{TeamName: "Other"},
		Suggestions: []store.Suggestion{suggestion("sug_2", "Remote module", store.StatusApproved)},
		History:     []store.HistoryEntry{{ID: "hist_9", Action: store.ActionApproved, SuggestionID: "sug_2", By: "Bo", At: fixedNow}},
	}
	head := f.remote.teammatePush(t, teammate)

	sha, err := f.engine.PullAndMerge(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, head, sha)

	snap := f.state.Snapshot()
	require.Len(t, snap.Suggestions, 2)
	assert.Equal(t, "sug_1", snap.Suggestions[0].ID)
	assert.Equal(t, "sug_2", snap.Suggestions[1].ID)
	require.Len(t, snap.History, 1)
	require.Len(t, snap.Notifications, 1)
	assert.Equal(t, store.NotificationModule, snap.Notifications[0].Type)
	assert.Equal(t, "sug_2", snap.Notifications[0].ID)
	assert.Equal(t, store.DefaultTeamName, snap.Config.TeamName, "remote config is never merged")

	persisted, ok, err := f.persist.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, persisted.Suggestions, 2)

	status := f.engine.Status()
	assert.Equal(t, head, status.HeadSHA)
	require.NotNil(t, status.LastPullAt)

	_, err = f.engine.PullAndMerge(ctx, false)
	require.NoError(t, err)
	assert.Len(t, f.state.Snapshot().Notifications, 1)
	assert.Contains(t, f.messages(), "Merged remote changes ✓")
	assert.Equal(t, "Data is already up to date.", f.messages()[len(f.messages())-1])
}

func TestPullFreshRemoteIsEmptyDocument(t *testing.T) {
	f := newFixture(t, store.Snapshot{Suggestions: []store.Suggestion{suggestion("sug_1", "Local idea", store.StatusPending)}})

	sha, err := f.engine.PullAndMerge(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "c0", sha)
	assert.Len(t, f.state.Snapshot().Suggestions, 1)
	assert.Empty(t, f.toasts.Since(0)[1:], "quiet pull only reports failures")
}

func TestPullParseErrorLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, store.Snapshot{Suggestions: []store.Suggestion{suggestion("sug_1", "Local idea", store.StatusPending)}})
	f.remote.mu.Lock()
	f.remote.commitLocked("docs/"+store.DataFileName, []byte("{not json"))
	f.remote.mu.Unlock()
	before := f.state.Snapshot()

	_, err := f.engine.PullAndMerge(context.Background(), true)
	require.ErrorIs(t, err, ErrParse)
	assert.Equal(t, before, f.state.Snapshot())
	assert.Empty(t, f.engine.Status().HeadSHA)
	assert.True(t, strings.HasPrefix(f.messages()[len(f.messages())-1], "Merge failed: "))
}

func TestPullRemoteErrorIsWrapped(t *testing.T) {
	f := newFixture(t, store.Snapshot{})
	f.remote.failHead = errOffline

	_, err := f.engine.PullAndMerge(context.Background(), true)
	require.ErrorIs(t, err, ErrRemote)
	require.ErrorIs(t, err, errOffline)
}

func TestPushUploadsDocumentAndAttachments(t *testing.T) {
	ctx := context.Background()
	shot := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}
	sug := suggestion("sug_1", "Use QUIC for transport", store.StatusPending)
	sug.Attachments = store.Attachments{
		store.Image{Name: "shot.png", Media: store.Media{MIME: "image/png", Bytes: shot}},
		store.Mermaid{Name: "flow", Source: "graph TD; A-->B"},
	}
	f := newFixture(t, store.Snapshot{Suggestions: []store.Suggestion{sug}})

	require.NoError(t, f.engine.Push(ctx, false))

	head := f.remote.headSHA()
	assert.True(t, strings.HasPrefix(f.remote.messages[head], "Manual sync — 2024-05-01 12:30:00 UTC"))
	assert.Equal(t, shot, f.remote.file(t, "docs/attachments/sug_1_0_shot.png"))

	doc := f.remote.document(t)
	require.Len(t, doc.Suggestions, 1)
	media, ok := store.MediaOf(doc.Suggestions[0].Attachments[0])
	require.True(t, ok)
	assert.Equal(t, "attachments/sug_1_0_shot.png", media.Path)
	assert.Equal(t, store.Mermaid{Name: "flow", Source: "graph TD; A-->B"}, doc.Suggestions[0].Attachments[1])

	local, _ := store.MediaOf(f.state.Snapshot().Suggestions[0].Attachments[0])
	assert.True(t, local.Inline(), "local state keeps inline payloads")

	status := f.engine.Status()
	assert.Equal(t, head, status.HeadSHA)
	assert.Equal(t, head, status.LastPushSHA)
	require.NotNil(t, status.LastPushAt)
	assert.Equal(t, "Sync complete ✓", f.messages()[len(f.messages())-1])
}

func TestPushMergesBeforeUploading(t *testing.T) {
	f := newFixture(t, store.Snapshot{Suggestions: []store.Suggestion{suggestion("sug_1", "Local", store.StatusPending)}})
	f.remote.teammatePush(t, store.Snapshot{Suggestions: []store.Suggestion{suggestion("sug_2", "Remote", store.StatusPending)}})

	require.NoError(t, f.engine.Push(context.Background(), true))

	doc := f.remote.document(t)
	require.Len(t, doc.Suggestions, 2)
	assert.True(t, strings.HasPrefix(f.remote.messages[f.remote.headSHA()], "Auto-save — "))
	assert.Equal(t, "Changes saved to cloud ✓", f.messages()[len(f.messages())-1])
}

func TestPushRetriesAfterRefConflict(t *testing.T) {
	f := newFixture(t, store.Snapshot{Suggestions: []store.Suggestion{suggestion("sug_1", "Local", store.StatusPending)}})
	f.remote.conflicts = 1

	require.NoError(t, f.engine.Push(context.Background(), false))

	_, updates := f.remote.counts()
	assert.Equal(t, 2, updates)
	assert.Equal(t, []byte("teammate"), f.remote.file(t, "docs/unrelated.txt"), "teammate commit is preserved")
	assert.Len(t, f.remote.document(t).Suggestions, 1)
}

func TestPushGivesUpAfterRepeatedConflicts(t *testing.T) {
	f := newFixture(t, store.Snapshot{}, WithPushAttempts(2))
	f.remote.conflicts = 5

	err := f.engine.Push(context.Background(), false)
	require.ErrorIs(t, err, ErrConflict)

	_, updates := f.remote.counts()
	assert.Equal(t, 2, updates)
	assert.Empty(t, f.engine.Status().LastPushSHA)
}

func TestPushFailureLeavesBranchUntouched(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*memRemote)
		op    string
	}{
		{name: "blob", setup: func(m *memRemote) { m.failBlob = errOffline }, op: "upload document"},
		{name: "tree", setup: func(m *memRemote) { m.failTree = errOffline }, op: "create tree"},
		{name: "commit", setup: func(m *memRemote) { m.failCommit = errOffline }, op: "create commit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, store.Snapshot{Suggestions: []store.Suggestion{suggestion("sug_1", "Local", store.StatusPending)}})
			before := f.remote.headSHA()
			tt.setup(f.remote)

			err := f.engine.Push(context.Background(), false)
			require.Error(t, err)
			require.ErrorIs(t, err, ErrRemote)
			require.ErrorIs(t, err, errOffline)
			assert.Contains(t, err.Error(), tt.op)

			_, updates := f.remote.counts()
			assert.Zero(t, updates)
			assert.Equal(t, before, f.remote.headSHA())
			assert.Empty(t, f.engine.Status().LastPushSHA)
			assert.Nil(t, f.engine.Status().LastPushAt)
		})
	}
}

func TestNotConfigured(t *testing.T) {
	ctx := context.Background()
	toasts := NewToastFeed(0)
	engine := NewEngine(store.NewState(store.Snapshot{}), store.NewMemoryStore(), remote.GitHubOpener{}, nil, WithNotifier(toasts))

	assert.False(t, engine.Configured())
	assert.NoError(t, engine.Push(ctx, true))
	assert.Empty(t, toasts.Since(0))

	require.ErrorIs(t, engine.Push(ctx, false), ErrNotConfigured)
	_, err := engine.PullAndMerge(ctx, false)
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = engine.TestConnection(ctx)
	require.ErrorIs(t, err, ErrNotConfigured)
	checked, err := engine.CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.False(t, checked)

	last := toasts.Since(0)
	require.NotEmpty(t, last)
	assert.Equal(t, "Configure GitHub first.", last[len(last)-1].Message)
}

type prefixSealer struct{}

func (prefixSealer) Seal(plain string) (string, error) { return "sealed:" + plain, nil }
func (prefixSealer) Open(sealed string) (string, error) {
	return strings.TrimPrefix(sealed, "sealed:"), nil
}

func TestConfigureSealsTokenAndResetsBase(t *testing.T) {
	ctx := context.Background()
	persist := store.NewMemoryStore()
	engine := NewEngine(store.NewState(store.Snapshot{}), persist, remote.GitHubOpener{}, nil, WithSealer(prefixSealer{}))

	_, err := engine.Configure(ctx, remote.Settings{Token: " ghp_secret ", Repo: "https://github.com/team/accord.git"})
	require.NoError(t, err)
	assert.True(t, engine.Configured())

	meta, ok, err := persist.LoadSyncState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sealed:ghp_secret", meta.Remote.Token)
	assert.Equal(t, "team/accord", meta.Remote.Repo)
	assert.Equal(t, "main", meta.Remote.Branch)

	engine.updateMeta(ctx, func(m *store.SyncState) { m.HeadSHA = "abc" })
	_, err = engine.Configure(ctx, remote.Settings{Repo: "team/accord"})
	require.NoError(t, err)
	assert.Equal(t, "abc", engine.Status().HeadSHA, "same location keeps the base")
	assert.Equal(t, "ghp_secret", engine.Settings().Token, "blank token keeps the stored one")

	_, err = engine.Configure(ctx, remote.Settings{Repo: "team/accord", Branch: "docs"})
	require.NoError(t, err)
	assert.Empty(t, engine.Status().HeadSHA)

	restored := NewEngine(store.NewState(store.Snapshot{}), persist, remote.GitHubOpener{}, nil, WithSealer(prefixSealer{}))
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, "ghp_secret", restored.Settings().Token)
	assert.Equal(t, "docs", restored.Settings().Branch)
	assert.True(t, restored.Status().HasToken)
}

func TestCheckForUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Snapshot{})

	changed, err := f.engine.CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "no base commit known yet")
	headCalls, _ := f.remote.counts()
	assert.Zero(t, headCalls)

	_, err = f.engine.PullAndMerge(ctx, true)
	require.NoError(t, err)

	changed, err = f.engine.CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	f.remote.teammatePush(t, store.Snapshot{Suggestions: []store.Suggestion{suggestion("sug_2", "Remote", store.StatusPending)}})

	f.engine.syncMu.Lock()
	before, _ := f.remote.counts()
	changed, err = f.engine.CheckForUpdates(ctx)
	after, _ := f.remote.counts()
	f.engine.syncMu.Unlock()
	require.NoError(t, err)
	assert.False(t, changed, "busy engine skips the check")
	assert.Equal(t, before, after)

	changed, err = f.engine.CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, f.state.Snapshot().Suggestions, 1)
	assert.Contains(t, f.messages(), "Teammate made changes. Merging...")
}

func TestTestConnectionReturnsHead(t *testing.T) {
	f := newFixture(t, store.Snapshot{})
	conn, err := f.engine.TestConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c0", conn.Head)
	assert.Equal(t, "team/accord", conn.Repo)
	assert.Equal(t, "main", conn.Branch)
}

func TestResolveMedia(t *testing.T) {
	engine := NewEngine(store.NewState(store.Snapshot{}), store.NewMemoryStore(), remote.GitHubOpener{}, nil)
	_, err := engine.Configure(context.Background(), remote.Settings{Token: "t", Repo: "team/accord", Path: "docs"})
	require.NoError(t, err)

	assert.Equal(t,
		"https://raw.githubusercontent.com/team/accord/main/docs/attachments/sug_1_0_a.png",
		engine.ResolveMedia(store.Media{Path: "attachments/sug_1_0_a.png"}))
	assert.Equal(t, "data:image/png;base64,AQI=", engine.ResolveMedia(store.Media{MIME: "image/png", Bytes: []byte{1, 2}}))
	assert.Empty(t, engine.ResolveMedia(store.Media{}))
}

func TestEngineAgainstGitRepository(t *testing.T) {
	ctx := context.Background()
	repos := remote.NewGitRepository(t.TempDir(), "Accord")
	settings := remote.Settings{Repo: "team/accord", Path: "docs"}

	alice := NewEngine(store.NewState(store.Snapshot{Suggestions: []store.Suggestion{suggestion("sug_1", "Alice", store.StatusPending)}}),
		store.NewMemoryStore(), repos, nil)
	_, err := alice.Configure(ctx, settings)
	require.NoError(t, err)
	require.NoError(t, alice.Push(ctx, false))

	bobState := store.NewState(store.Snapshot{Suggestions: []store.Suggestion{suggestion("sug_2", "Bob", store.StatusApproved)}})
	bob := NewEngine(bobState, store.NewMemoryStore(), repos, nil)
	_, err = bob.Configure(ctx, settings)
	require.NoError(t, err)
	require.NoError(t, bob.Push(ctx, false))

	changed, err := alice.CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, alice.state.Snapshot().Suggestions, 2)
	assert.Equal(t, bob.Status().HeadSHA, alice.Status().HeadSHA)
	assert.Len(t, bobState.Snapshot().Suggestions, 2)
}
