package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"accord/api/internal/remote"
	"accord/api/internal/store"
)

// memRemote is an in-memory remote.Store. conflicts makes the next N
// UpdateRef calls lose the race against a teammate commit. The fail fields
// make the matching call return that error.
type memRemote struct {
	mu       sync.Mutex
	seq      int
	blobs    map[string][]byte
	trees    map[string]map[string]string
	commits  map[string]remote.Commit
	messages map[string]string
	head     string

	conflicts      int
	failHead       error
	failBlob       error
	failTree       error
	failCommit     error
	headCalls      int
	updateRefCalls int
}

func newMemRemote() *memRemote {
	m := &memRemote{
		blobs:    map[string][]byte{},
		trees:    map[string]map[string]string{"t0": {}},
		commits:  map[string]remote.Commit{"c0": {SHA: "c0", TreeSHA: "t0"}},
		messages: map[string]string{"c0": "init"},
		head:     "c0",
	}
	return m
}

func (m *memRemote) Open(remote.Settings) (remote.Store, error) { return m, nil }
func (m *memRemote) NeedsToken() bool                           { return false }

func (m *memRemote) next(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s%d", prefix, m.seq)
}

func (m *memRemote) GetBranchHead(_ context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headCalls++
	if m.failHead != nil {
		return "", m.failHead
	}
	return m.head, nil
}

func (m *memRemote) GetCommit(_ context.Context, sha string) (remote.Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	commit, ok := m.commits[sha]
	if !ok {
		return remote.Commit{}, remote.ErrNotFound
	}
	return commit, nil
}

func (m *memRemote) GetFileContent(_ context.Context, path, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	commit, ok := m.commits[ref]
	if !ok {
		return nil, remote.ErrNotFound
	}
	blob, ok := m.trees[commit.TreeSHA][path]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return append([]byte(nil), m.blobs[blob]...), nil
}

func (m *memRemote) CreateBlob(_ context.Context, content []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failBlob != nil {
		return "", m.failBlob
	}
	sha := m.next("b")
	m.blobs[sha] = append([]byte(nil), content...)
	return sha, nil
}

func (m *memRemote) CreateTree(_ context.Context, baseTree string, entries []remote.TreeEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTree != nil {
		return "", m.failTree
	}
	files := map[string]string{}
	for path, blob := range m.trees[baseTree] {
		files[path] = blob
	}
	for _, entry := range entries {
		files[entry.Path] = entry.BlobSHA
	}
	sha := m.next("t")
	m.trees[sha] = files
	return sha, nil
}

func (m *memRemote) CreateCommit(_ context.Context, message, tree string, _ []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCommit != nil {
		return "", m.failCommit
	}
	sha := m.next("c")
	m.commits[sha] = remote.Commit{SHA: sha, TreeSHA: tree}
	m.messages[sha] = message
	return sha, nil
}

func (m *memRemote) UpdateRef(_ context.Context, branch, newSHA, expectedOld string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateRefCalls++
	if m.conflicts > 0 {
		m.conflicts--
		m.commitLocked("docs/unrelated.txt", []byte("teammate"))
	}
	if m.head != expectedOld {
		return &remote.RefConflictError{Branch: branch, Expected: expectedOld, Current: m.head}
	}
	m.head = newSHA
	return nil
}

func (m *memRemote) commitLocked(path string, data []byte) string {
	blob := m.next("b")
	m.blobs[blob] = append([]byte(nil), data...)
	files := map[string]string{}
	for p, b := range m.trees[m.commits[m.head].TreeSHA] {
		files[p] = b
	}
	files[path] = blob
	tree := m.next("t")
	m.trees[tree] = files
	commit := m.next("c")
	m.commits[commit] = remote.Commit{SHA: commit, TreeSHA: tree}
	m.messages[commit] = "teammate"
	m.head = commit
	return commit
}

// teammatePush commits snap as if another editor had pushed it.
func (m *memRemote) teammatePush(t *testing.T, snap store.Snapshot) string {
	t.Helper()
	data, err := store.EncodeSnapshotIndent(snap)
	require.NoError(t, err)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked("docs/"+store.DataFileName, data)
}

func (m *memRemote) document(t *testing.T) store.Snapshot {
	t.Helper()
	data := m.file(t, "docs/"+store.DataFileName)
	snap, err := store.ParseSnapshot(data)
	require.NoError(t, err)
	return snap
}

func (m *memRemote) file(t *testing.T, path string) []byte {
	t.Helper()
	m.mu.Lock()
	head := m.head
	m.mu.Unlock()
	data, err := m.GetFileContent(context.Background(), path, head)
	require.NoError(t, err, "file %s at %s", path, head)
	return data
}

func (m *memRemote) headSHA() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head
}

func (m *memRemote) counts() (headCalls, updateRefCalls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headCalls, m.updateRefCalls
}

var errOffline = errors.New("network unreachable")
