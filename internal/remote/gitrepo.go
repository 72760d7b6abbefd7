package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
)

// GitRepository implements Store on bare repositories below baseDir, one per
// configured repo name. Branches that do not exist yet are created with an
// empty initial commit.
type GitRepository struct {
	baseDir string
	author  string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func NewGitRepository(baseDir, author string) *GitRepository {
	if strings.TrimSpace(author) == "" {
		author = "Accord"
	}
	return &GitRepository{
		baseDir: baseDir,
		author:  author,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// Open binds the repository named by settings.Repo.
func (g *GitRepository) Open(settings Settings) (Store, error) {
	settings = settings.Normalize()
	if settings.Repo == "" {
		return nil, fmt.Errorf("git remote needs a repository name")
	}
	return &gitStore{owner: g, name: settings.Repo}, nil
}

func (*GitRepository) NeedsToken() bool { return false }

func (g *GitRepository) repoPath(name string) string {
	return filepath.Join(g.baseDir, filepath.FromSlash(name)+".git")
}

func (g *GitRepository) repoLock(name string) *sync.Mutex {
	g.lockMu.Lock()
	defer g.lockMu.Unlock()
	lock, ok := g.locks[name]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	g.locks[name] = lock
	return lock
}

func (g *GitRepository) signature() object.Signature {
	return object.Signature{
		Name:  g.author,
		Email: fmt.Sprintf("%s@local.accord.dev", sanitizeEmail(g.author)),
		When:  g.now(),
	}
}

type gitStore struct {
	owner *GitRepository
	name  string
}

// withRepo opens (or creates) the bare repository under its lock.
func (s *gitStore) withRepo(fn func(repo *git.Repository) error) error {
	lock := s.owner.repoLock(s.name)
	lock.Lock()
	defer lock.Unlock()

	path := s.owner.repoPath(s.name)
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create repo dir: %w", err)
		}
		repo, err = git.PlainInit(path, true)
	}
	if err != nil {
		return fmt.Errorf("open repo %s: %w", s.name, err)
	}
	return fn(repo)
}

func (s *gitStore) GetBranchHead(ctx context.Context, branch string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var head string
	err := s.withRepo(func(repo *git.Repository) error {
		ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
		if err == nil {
			head = ref.Hash().String()
			return nil
		}
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("resolve branch %s: %w", branch, err)
		}
		hash, err := s.initBranch(repo, branch)
		if err != nil {
			return err
		}
		head = hash.String()
		return nil
	})
	return head, err
}

func (s *gitStore) initBranch(repo *git.Repository, branch string) (plumbing.Hash, error) {
	treeHash, err := storeTree(repo, &object.Tree{})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	commitHash, err := s.storeCommit(repo, "Initialize accord data", treeHash, nil)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	branchRef := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, commitHash)); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("create branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef)); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("set HEAD to %s: %w", branch, err)
	}
	return commitHash, nil
}

func (s *gitStore) GetCommit(ctx context.Context, sha string) (Commit, error) {
	if err := ctx.Err(); err != nil {
		return Commit{}, err
	}
	var out Commit
	err := s.withRepo(func(repo *git.Repository) error {
		commitObj, err := repo.CommitObject(plumbing.NewHash(sha))
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return fmt.Errorf("%w: commit %s", ErrNotFound, sha)
		}
		if err != nil {
			return fmt.Errorf("read commit %s: %w", sha, err)
		}
		out = Commit{SHA: commitObj.Hash.String(), TreeSHA: commitObj.TreeHash.String()}
		return nil
	})
	return out, err
}

func (s *gitStore) GetFileContent(ctx context.Context, path, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.withRepo(func(repo *git.Repository) error {
		hash, err := resolveRef(repo, ref)
		if err != nil {
			return err
		}
		commitObj, err := repo.CommitObject(hash)
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return fmt.Errorf("%w: commit %s", ErrNotFound, ref)
		}
		if err != nil {
			return fmt.Errorf("read commit %s: %w", ref, err)
		}
		file, err := commitObj.File(strings.Trim(path, "/"))
		if errors.Is(err, object.ErrFileNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
			return fmt.Errorf("%w: %s@%s", ErrNotFound, path, ref)
		}
		if err != nil {
			return fmt.Errorf("load %s from commit: %w", path, err)
		}
		reader, err := file.Reader()
		if err != nil {
			return fmt.Errorf("open %s reader: %w", path, err)
		}
		defer reader.Close()
		data, err = io.ReadAll(reader)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		return nil
	})
	return data, err
}

func (s *gitStore) CreateBlob(ctx context.Context, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var sha string
	err := s.withRepo(func(repo *git.Repository) error {
		obj := repo.Storer.NewEncodedObject()
		obj.SetType(plumbing.BlobObject)
		obj.SetSize(int64(len(content)))
		writer, err := obj.Writer()
		if err != nil {
			return fmt.Errorf("open blob writer: %w", err)
		}
		if _, err := writer.Write(content); err != nil {
			writer.Close()
			return fmt.Errorf("write blob: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("close blob: %w", err)
		}
		hash, err := repo.Storer.SetEncodedObject(obj)
		if err != nil {
			return fmt.Errorf("store blob: %w", err)
		}
		sha = hash.String()
		return nil
	})
	return sha, err
}

// CreateTree layers entries over baseTree. Entry paths may be nested; the
// intermediate trees are rebuilt from the matching base subtrees.
func (s *gitStore) CreateTree(ctx context.Context, baseTree string, entries []TreeEntry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	files := make(map[string]plumbing.Hash, len(entries))
	for _, entry := range entries {
		if entry.Mode != "" && entry.Mode != ModeFile {
			return "", fmt.Errorf("unsupported tree entry mode %s for %s", entry.Mode, entry.Path)
		}
		files[strings.Trim(entry.Path, "/")] = plumbing.NewHash(entry.BlobSHA)
	}

	var sha string
	err := s.withRepo(func(repo *git.Repository) error {
		base := plumbing.ZeroHash
		if baseTree != "" {
			base = plumbing.NewHash(baseTree)
		}
		hash, err := buildTree(repo, base, files)
		if err != nil {
			return err
		}
		sha = hash.String()
		return nil
	})
	return sha, err
}

func buildTree(repo *git.Repository, base plumbing.Hash, files map[string]plumbing.Hash) (plumbing.Hash, error) {
	byName := map[string]object.TreeEntry{}
	if !base.IsZero() {
		baseTree, err := repo.TreeObject(base)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("read base tree %s: %w", base, err)
		}
		for _, entry := range baseTree.Entries {
			byName[entry.Name] = entry
		}
	}

	nested := map[string]map[string]plumbing.Hash{}
	for path, hash := range files {
		dir, rest, isNested := strings.Cut(path, "/")
		if !isNested {
			byName[path] = object.TreeEntry{Name: path, Mode: filemode.Regular, Hash: hash}
			continue
		}
		if nested[dir] == nil {
			nested[dir] = map[string]plumbing.Hash{}
		}
		nested[dir][rest] = hash
	}

	for dir, children := range nested {
		subBase := plumbing.ZeroHash
		if existing, ok := byName[dir]; ok && existing.Mode == filemode.Dir {
			subBase = existing.Hash
		}
		subHash, err := buildTree(repo, subBase, children)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		byName[dir] = object.TreeEntry{Name: dir, Mode: filemode.Dir, Hash: subHash}
	}

	tree := &object.Tree{Entries: make([]object.TreeEntry, 0, len(byName))}
	for _, entry := range byName {
		tree.Entries = append(tree.Entries, entry)
	}
	sort.Slice(tree.Entries, func(i, j int) bool {
		return treeSortKey(tree.Entries[i]) < treeSortKey(tree.Entries[j])
	})
	return storeTree(repo, tree)
}

// treeSortKey orders entries the way git does: directories sort as if their
// name ended in a slash.
func treeSortKey(entry object.TreeEntry) string {
	if entry.Mode == filemode.Dir {
		return entry.Name + "/"
	}
	return entry.Name
}

func storeTree(repo *git.Repository, tree *object.Tree) (plumbing.Hash, error) {
	obj := repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode tree: %w", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store tree: %w", err)
	}
	return hash, nil
}

func (s *gitStore) CreateCommit(ctx context.Context, message, tree string, parents []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	parentHashes := make([]plumbing.Hash, 0, len(parents))
	for _, parent := range parents {
		parentHashes = append(parentHashes, plumbing.NewHash(parent))
	}
	var sha string
	err := s.withRepo(func(repo *git.Repository) error {
		hash, err := s.storeCommit(repo, message, plumbing.NewHash(tree), parentHashes)
		if err != nil {
			return err
		}
		sha = hash.String()
		return nil
	})
	return sha, err
}

func (s *gitStore) storeCommit(repo *git.Repository, message string, tree plumbing.Hash, parents []plumbing.Hash) (plumbing.Hash, error) {
	sig := s.owner.signature()
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode commit: %w", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store commit: %w", err)
	}
	return hash, nil
}

func (s *gitStore) UpdateRef(ctx context.Context, branch, newSHA, expectedOld string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.withRepo(func(repo *git.Repository) error {
		name := plumbing.NewBranchReferenceName(branch)
		next := plumbing.NewHashReference(name, plumbing.NewHash(newSHA))
		var old *plumbing.Reference
		if expectedOld != "" {
			old = plumbing.NewHashReference(name, plumbing.NewHash(expectedOld))
		}
		err := repo.Storer.CheckAndSetReference(next, old)
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			current := ""
			if ref, refErr := repo.Reference(name, true); refErr == nil {
				current = ref.Hash().String()
			}
			return &RefConflictError{Branch: branch, Expected: expectedOld, Current: current}
		}
		if err != nil {
			return fmt.Errorf("update ref %s: %w", branch, err)
		}
		return nil
	})
}

func resolveRef(repo *git.Repository, ref string) (plumbing.Hash, error) {
	if plumbing.IsHash(ref) {
		return plumbing.NewHash(ref), nil
	}
	branch, err := repo.Reference(plumbing.NewBranchReferenceName(ref), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, fmt.Errorf("%w: ref %s", ErrNotFound, ref)
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve ref %s: %w", ref, err)
	}
	return branch.Hash(), nil
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
