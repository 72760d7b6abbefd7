package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"accord/api/internal/archive"
	"accord/api/internal/logger"
	"accord/api/internal/remote"
	"accord/api/internal/search"
	"accord/api/internal/store"
	"accord/api/internal/syncer"
	"accord/api/internal/workflow"
)

// Pinger is implemented by persistence backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ArchiveSink receives exported archives, e.g. an S3 bucket.
type ArchiveSink interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
}

// Deps are the collaborators the API service is assembled from.
type Deps struct {
	State    *store.State
	Workflow *workflow.Service
	Engine   *syncer.Engine
	Search   *search.Service
	Toasts   *syncer.ToastFeed
	Pinger   Pinger
	Sink     ArchiveSink
	Log      *logger.Logger
	Now      func() time.Time
}

// Service is the operation surface behind the HTTP API.
type Service struct {
	state    *store.State
	workflow *workflow.Service
	engine   *syncer.Engine
	search   *search.Service
	toasts   *syncer.ToastFeed
	pinger   Pinger
	sink     ArchiveSink
	log      *logger.Logger
	now      func() time.Time
}

func NewService(deps Deps) *Service {
	s := &Service{
		state:    deps.State,
		workflow: deps.Workflow,
		engine:   deps.Engine,
		search:   deps.Search,
		toasts:   deps.Toasts,
		pinger:   deps.Pinger,
		sink:     deps.Sink,
		log:      deps.Log,
		now:      deps.Now,
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.search == nil {
		s.search = search.NewService(s.state, nil, s.log)
	}
	if s.toasts == nil {
		s.toasts = syncer.NewToastFeed(0)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger.Ping(ctx)
}

func (s *Service) Snapshot() store.Snapshot {
	return s.state.Snapshot()
}

func (s *Service) Counts() store.Counts {
	return s.state.Counts()
}

func (s *Service) SaveSuggestion(ctx context.Context, input workflow.SuggestionInput, actor string) (store.Suggestion, error) {
	return s.workflow.SaveSuggestion(ctx, input, actor)
}

// Transition applies a named lifecycle action. Unknown suggestions are reported
// as not found; the document is left untouched.
func (s *Service) Transition(ctx context.Context, id, actionName, actor, note string) (store.Suggestion, error) {
	action, ok := workflow.ParseAction(actionName)
	if !ok {
		return store.Suggestion{}, notFound("Unknown action")
	}
	found, err := s.workflow.Transition(ctx, id, action, actor, note)
	if err != nil {
		return store.Suggestion{}, err
	}
	if !found {
		return store.Suggestion{}, notFound("Suggestion not found")
	}
	sug, _ := s.state.SuggestionByID(id)
	return sug, nil
}

// Categories lists custom categories followed by level-2 documentation sections.
func (s *Service) Categories() []store.Category {
	snap := s.state.Snapshot()
	return snap.AllCategories()
}

func (s *Service) CreateCategory(ctx context.Context, name, emoji string) (store.Category, error) {
	return s.workflow.CreateCategory(ctx, name, emoji)
}

func (s *Service) History(q search.HistoryQuery) search.HistoryResponse {
	return s.search.History(q)
}

func (s *Service) Suggestions(q search.SuggestionQuery) search.SuggestionResponse {
	return s.search.Suggestions(q)
}

func (s *Service) ClearNotifications(ctx context.Context) error {
	return s.workflow.ClearNotifications(ctx)
}

// SettingsInput updates only the fields that are present.
type SettingsInput struct {
	TeamName    *string `json:"teamName"`
	SavedFolder *string `json:"savedFolder"`
}

func (s *Service) UpdateSettings(ctx context.Context, in SettingsInput) (store.Config, error) {
	if in.TeamName != nil {
		if err := s.workflow.SetTeamName(ctx, *in.TeamName); err != nil {
			return store.Config{}, err
		}
	}
	if in.SavedFolder != nil {
		if err := s.workflow.SetSavedFolder(ctx, *in.SavedFolder); err != nil {
			return store.Config{}, err
		}
	}
	return s.state.Snapshot().Config, nil
}

// AttachmentURL resolves where the payload of one attachment can be displayed.
func (s *Service) AttachmentURL(id string, index int) (string, error) {
	sug, ok := s.state.SuggestionByID(id)
	if !ok {
		return "", notFound("Suggestion not found")
	}
	if index < 0 || index >= len(sug.Attachments) {
		return "", notFound("Attachment not found")
	}
	media, ok := store.MediaOf(sug.Attachments[index])
	if !ok {
		return "", &workflow.DomainError{
			Status:  http.StatusUnprocessableEntity,
			Code:    "NO_MEDIA",
			Message: "Attachment has no media payload",
			Details: map[string]any{"kind": sug.Attachments[index].Kind()},
		}
	}
	return s.engine.ResolveMedia(media), nil
}

func (s *Service) SyncStatus() syncer.Status {
	return s.engine.Status()
}

// SyncConfig is the remote configuration as shown to clients. The token is
// never echoed back.
type SyncConfig struct {
	Repo     string `json:"repo"`
	Branch   string `json:"branch"`
	Path     string `json:"path"`
	HasToken bool   `json:"hasToken"`
}

// SyncConfigInput is a remote configuration update. A blank token keeps the
// stored one.
type SyncConfigInput struct {
	Token  string `json:"token"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Path   string `json:"path"`
}

func (s *Service) SyncConfig() SyncConfig {
	settings := s.engine.Settings()
	return SyncConfig{
		Repo:     settings.Repo,
		Branch:   settings.Branch,
		Path:     settings.Path,
		HasToken: settings.Token != "",
	}
}

func (s *Service) ConfigureSync(ctx context.Context, in SyncConfigInput) (SyncConfig, error) {
	if _, err := s.engine.Configure(ctx, remote.Settings{
		Token:  in.Token,
		Repo:   in.Repo,
		Branch: in.Branch,
		Path:   in.Path,
	}); err != nil {
		return SyncConfig{}, err
	}
	return s.SyncConfig(), nil
}

func (s *Service) TestConnection(ctx context.Context) (syncer.Connection, error) {
	return s.engine.TestConnection(ctx)
}

func (s *Service) Pull(ctx context.Context) (syncer.Status, error) {
	if _, err := s.engine.PullAndMerge(ctx, false); err != nil {
		return syncer.Status{}, err
	}
	return s.engine.Status(), nil
}

func (s *Service) Push(ctx context.Context) (syncer.Status, error) {
	if err := s.engine.Push(ctx, false); err != nil {
		return syncer.Status{}, err
	}
	return s.engine.Status(), nil
}

func (s *Service) Toasts(since uint64) []syncer.Toast {
	return s.toasts.Since(since)
}

// ExportResult is a built archive and, when uploaded, its object location.
type ExportResult struct {
	Name     string
	Data     []byte
	Location string
}

// Export builds the zip archive of the current document. A configured sink
// also receives a copy; upload failures are logged and do not fail the export.
func (s *Service) Export(ctx context.Context) (ExportResult, error) {
	data, err := archive.Export(s.state.Snapshot())
	if err != nil {
		return ExportResult{}, fmt.Errorf("export archive: %w", err)
	}
	result := ExportResult{Name: archive.Name(s.now()), Data: data}
	if s.sink != nil {
		location, err := s.sink.Upload(ctx, result.Name, data)
		if err != nil {
			s.log.Warn("archive upload failed", "name", result.Name, "error", err)
		} else {
			result.Location = location
		}
	}
	return result, nil
}

// ImportArchive replaces the document with the contents of a zip archive and
// reports attachment paths that were referenced but not present.
func (s *Service) ImportArchive(ctx context.Context, data []byte) (store.Counts, []string, error) {
	snap, missing, err := archive.Import(data)
	if err != nil {
		return store.Counts{}, nil, invalidArchive(err)
	}
	if err := s.workflow.ReplaceSnapshot(ctx, snap); err != nil {
		return store.Counts{}, nil, err
	}
	if len(missing) > 0 {
		s.log.Warn("archive import missing attachments", "count", len(missing))
	}
	return s.state.Counts(), missing, nil
}

// ImportJSON replaces the document with a pasted JSON document.
func (s *Service) ImportJSON(ctx context.Context, data []byte) (store.Counts, error) {
	snap, err := store.ParseSnapshot(data)
	if err != nil {
		return store.Counts{}, &workflow.DomainError{
			Status:  http.StatusUnprocessableEntity,
			Code:    "INVALID_DOCUMENT",
			Message: "Invalid JSON document",
		}
	}
	if err := s.workflow.ReplaceSnapshot(ctx, snap); err != nil {
		return store.Counts{}, err
	}
	return s.state.Counts(), nil
}
