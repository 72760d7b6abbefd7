package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultGitHubAPI = "https://api.github.com"

// APIError is a non-2xx GitHub response.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github %s %s: status=%d %s", e.Method, e.Path, e.Status, e.Message)
}

// GitHub implements Store with the git data API of one repository.
type GitHub struct {
	baseURL    string
	token      string
	repo       string
	httpClient *http.Client
}

func NewGitHub(baseURL, token, repo string, httpClient *http.Client) *GitHub {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultGitHubAPI
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &GitHub{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		repo:       NormalizeRepo(repo),
		httpClient: httpClient,
	}
}

// GitHubOpener opens a client per settings change.
type GitHubOpener struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (o GitHubOpener) Open(settings Settings) (Store, error) {
	settings = settings.Normalize()
	if settings.Token == "" || settings.Repo == "" {
		return nil, fmt.Errorf("github remote needs a token and a repository")
	}
	return NewGitHub(o.BaseURL, settings.Token, settings.Repo, o.HTTPClient), nil
}

func (GitHubOpener) NeedsToken() bool { return true }

// Link points at the raw download of a file on the configured branch.
func (GitHubOpener) Link(settings Settings, path string) string {
	settings = settings.Normalize()
	return RawURL(settings.Repo, settings.Branch, settings.FilePath(path))
}

func (g *GitHub) repoPath(suffix string) string {
	return "/repos/" + g.repo + suffix
}

func (g *GitHub) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var msg struct {
			Message string `json:"message"`
		}
		message := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &msg) == nil && msg.Message != "" {
			message = msg.Message
		}
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: message}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %v", ErrNotFound, apiErr)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Repository fetches repository metadata; it checks token and repository access.
func (g *GitHub) Repository(ctx context.Context) (string, error) {
	var out struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
	}
	if err := g.do(ctx, http.MethodGet, g.repoPath(""), nil, &out); err != nil {
		return "", err
	}
	return out.DefaultBranch, nil
}

func (g *GitHub) GetBranchHead(ctx context.Context, branch string) (string, error) {
	var out struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := g.do(ctx, http.MethodGet, g.repoPath("/git/ref/heads/"+branch), nil, &out); err != nil {
		return "", err
	}
	return out.Object.SHA, nil
}

func (g *GitHub) GetCommit(ctx context.Context, sha string) (Commit, error) {
	var out struct {
		SHA  string `json:"sha"`
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	if err := g.do(ctx, http.MethodGet, g.repoPath("/git/commits/"+sha), nil, &out); err != nil {
		return Commit{}, err
	}
	return Commit{SHA: out.SHA, TreeSHA: out.Tree.SHA}, nil
}

type contentPayload struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (p contentPayload) decode() ([]byte, error) {
	if p.Encoding != "" && p.Encoding != "base64" {
		return []byte(p.Content), nil
	}
	clean := strings.NewReplacer("\n", "", "\r", "").Replace(p.Content)
	return base64.StdEncoding.DecodeString(clean)
}

// GetFileContent reads a file at ref. Files above the contents API size
// limit come back without content and are read through the blob API.
func (g *GitHub) GetFileContent(ctx context.Context, path, ref string) ([]byte, error) {
	query := ""
	if ref != "" {
		query = "?ref=" + url.QueryEscape(ref)
	}
	var out contentPayload
	if err := g.do(ctx, http.MethodGet, g.repoPath("/contents/"+escapePath(path)+query), nil, &out); err != nil {
		return nil, err
	}
	if out.Content == "" && out.SHA != "" {
		var blob contentPayload
		if err := g.do(ctx, http.MethodGet, g.repoPath("/git/blobs/"+out.SHA), nil, &blob); err != nil {
			return nil, err
		}
		out = blob
	}
	data, err := out.decode()
	if err != nil {
		return nil, fmt.Errorf("decode content %s: %w", path, err)
	}
	return data, nil
}

func (g *GitHub) CreateBlob(ctx context.Context, content []byte) (string, error) {
	body := map[string]string{
		"content":  base64.StdEncoding.EncodeToString(content),
		"encoding": "base64",
	}
	var out struct {
		SHA string `json:"sha"`
	}
	if err := g.do(ctx, http.MethodPost, g.repoPath("/git/blobs"), body, &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

func (g *GitHub) CreateTree(ctx context.Context, baseTree string, entries []TreeEntry) (string, error) {
	type item struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
	}
	items := make([]item, 0, len(entries))
	for _, entry := range entries {
		mode := entry.Mode
		if mode == "" {
			mode = ModeFile
		}
		items = append(items, item{Path: entry.Path, Mode: mode, Type: "blob", SHA: entry.BlobSHA})
	}
	body := map[string]any{"tree": items}
	if baseTree != "" {
		body["base_tree"] = baseTree
	}
	var out struct {
		SHA string `json:"sha"`
	}
	if err := g.do(ctx, http.MethodPost, g.repoPath("/git/trees"), body, &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

func (g *GitHub) CreateCommit(ctx context.Context, message, tree string, parents []string) (string, error) {
	if parents == nil {
		parents = []string{}
	}
	body := map[string]any{"message": message, "tree": tree, "parents": parents}
	var out struct {
		SHA string `json:"sha"`
	}
	if err := g.do(ctx, http.MethodPost, g.repoPath("/git/commits"), body, &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

// UpdateRef moves the branch without force. GitHub only guarantees the move
// is a fast-forward, so the head is compared first and a 422 (not a
// fast-forward) is reported as a ref conflict.
func (g *GitHub) UpdateRef(ctx context.Context, branch, newSHA, expectedOld string) error {
	if expectedOld != "" {
		current, err := g.GetBranchHead(ctx, branch)
		if err != nil {
			return err
		}
		if current != expectedOld {
			return &RefConflictError{Branch: branch, Expected: expectedOld, Current: current}
		}
	}
	body := map[string]any{"sha": newSHA, "force": false}
	err := g.do(ctx, http.MethodPatch, g.repoPath("/git/refs/heads/"+branch), body, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
		return &RefConflictError{Branch: branch, Expected: expectedOld}
	}
	return err
}

func escapePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
