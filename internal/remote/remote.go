// Package remote talks to the version-controlled store that holds the shared
// document: a GitHub repository over REST, or a bare git repository on disk.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound    = errors.New("remote object not found")
	ErrRefConflict = errors.New("remote ref moved")
)

// RefConflictError reports a failed compare-and-swap on a branch.
type RefConflictError struct {
	Branch   string
	Expected string
	Current  string
}

func (e *RefConflictError) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("branch %s no longer at %s", e.Branch, e.Expected)
	}
	return fmt.Sprintf("branch %s moved from %s to %s", e.Branch, e.Expected, e.Current)
}

func (e *RefConflictError) Is(target error) bool {
	return target == ErrRefConflict
}

const (
	ModeFile = "100644"
	// DefaultBranch is used when settings leave the branch empty.
	DefaultBranch = "main"
)

type Commit struct {
	SHA     string
	TreeSHA string
}

// TreeEntry places a blob at a repository path.
type TreeEntry struct {
	Path    string
	Mode    string
	BlobSHA string
}

// Store is the set of primitives the sync engine needs. UpdateRef is a
// compare-and-swap and fails with ErrRefConflict when the branch no longer
// points at expectedOld. Missing files and refs yield ErrNotFound.
type Store interface {
	GetBranchHead(ctx context.Context, branch string) (string, error)
	GetCommit(ctx context.Context, sha string) (Commit, error)
	GetFileContent(ctx context.Context, path, ref string) ([]byte, error)
	CreateBlob(ctx context.Context, content []byte) (string, error)
	CreateTree(ctx context.Context, baseTree string, entries []TreeEntry) (string, error)
	CreateCommit(ctx context.Context, message, tree string, parents []string) (string, error)
	UpdateRef(ctx context.Context, branch, newSHA, expectedOld string) error
}

// Settings locate the document in a remote repository. Token is plain text here.
type Settings struct {
	Token  string `json:"token"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Path   string `json:"path"`
}

// Normalize strips GitHub URL decoration from Repo, trims slashes from Path
// and defaults the branch.
func (s Settings) Normalize() Settings {
	s.Token = strings.TrimSpace(s.Token)
	s.Repo = NormalizeRepo(s.Repo)
	s.Branch = strings.TrimSpace(s.Branch)
	if s.Branch == "" {
		s.Branch = DefaultBranch
	}
	s.Path = strings.Trim(strings.TrimSpace(s.Path), "/")
	return s
}

// FilePath joins name onto the configured document folder.
func (s Settings) FilePath(name string) string {
	if s.Path == "" {
		return name
	}
	return s.Path + "/" + name
}

func NormalizeRepo(repo string) string {
	repo = strings.TrimSpace(repo)
	repo = strings.TrimPrefix(repo, "https://github.com/")
	repo = strings.TrimPrefix(repo, "http://github.com/")
	repo = strings.TrimSuffix(repo, "/")
	repo = strings.TrimSuffix(repo, ".git")
	return repo
}

// RawURL is the public download location of a file on a GitHub branch.
func RawURL(repo, branch, path string) string {
	return "https://raw.githubusercontent.com/" + repo + "/" + branch + "/" + strings.TrimPrefix(path, "/")
}

// Opener builds a Store for the current settings.
type Opener interface {
	Open(settings Settings) (Store, error)
	// NeedsToken reports whether settings without a token count as unconfigured.
	NeedsToken() bool
}

// Linker is implemented by openers whose files have a public download URL.
type Linker interface {
	Link(settings Settings, path string) string
}

// RepositoryInfo is implemented by stores that can describe the repository itself.
type RepositoryInfo interface {
	Repository(ctx context.Context) (string, error)
}
