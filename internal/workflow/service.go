// Package workflow owns every local mutation of the document: the approval
// state machine, suggestion editing and the small settings operations.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"accord/api/internal/logger"
	"accord/api/internal/store"
	"accord/api/internal/util"
)

// Scheduler receives a request for a debounced remote push after each mutation.
type Scheduler interface {
	Schedule()
}

// Notifier shows short outcome messages to the user.
type Notifier interface {
	Toast(level, message string)
}

type Service struct {
	state    *store.State
	persist  store.Persister
	sched    Scheduler
	notifier Notifier
	log      *logger.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// NewService wires the mutation path. sched may be nil when no remote is used.
func NewService(state *store.State, persist store.Persister, sched Scheduler, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.Nop()
	}
	s := &Service{
		state:   state,
		persist: persist,
		sched:   sched,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) State() *store.State {
	return s.state
}

// commit applies fn, persists the full document and schedules a push.
// A failed push never rolls the mutation back.
func (s *Service) commit(ctx context.Context, fn func(*store.Snapshot) error) error {
	if err := s.state.Commit(ctx, s.persist, fn); err != nil {
		return err
	}
	if s.sched != nil {
		s.sched.Schedule()
	}
	return nil
}

func (s *Service) toast(level, message string) {
	if s.notifier != nil {
		s.notifier.Toast(level, message)
	}
}

func (s *Service) actorOr(actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return s.state.TeamName()
}

// CreateCategory adds a category. The emoji defaults to 🗂️.
func (s *Service) CreateCategory(ctx context.Context, name, emoji string) (store.Category, error) {
	input := categoryInput{Name: strings.TrimSpace(name), Emoji: strings.TrimSpace(emoji)}
	if err := input.Validate(); err != nil {
		return store.Category{}, validationError("invalid category", err)
	}
	if input.Emoji == "" {
		input.Emoji = store.DefaultCategoryEmoji
	}
	cat := store.Category{ID: util.NewID("cat"), Name: input.Name, Emoji: input.Emoji}
	err := s.commit(ctx, func(snap *store.Snapshot) error {
		snap.Categories = append(snap.Categories, cat)
		return nil
	})
	if err != nil {
		return store.Category{}, fmt.Errorf("create category: %w", err)
	}
	s.toast("success", "Category created!")
	return cat, nil
}

// SetTeamName changes the name used for attribution. Blank names fall back to Anonymous.
func (s *Service) SetTeamName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		name = store.DefaultTeamName
	}
	if err := s.commit(ctx, func(snap *store.Snapshot) error {
		snap.Config.TeamName = name
		return nil
	}); err != nil {
		return fmt.Errorf("set team name: %w", err)
	}
	return nil
}

// SetSavedFolder chooses the folder the document is mirrored to. Empty clears it.
func (s *Service) SetSavedFolder(ctx context.Context, folder string) error {
	folder = strings.TrimSpace(folder)
	if err := s.commit(ctx, func(snap *store.Snapshot) error {
		if folder == "" {
			snap.Config.SavedFolder = nil
		} else {
			snap.Config.SavedFolder = store.StringPtr(folder)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("set saved folder: %w", err)
	}
	return nil
}

func (s *Service) ClearNotifications(ctx context.Context) error {
	if err := s.commit(ctx, func(snap *store.Snapshot) error {
		snap.Notifications = []store.Notification{}
		return nil
	}); err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	return nil
}

// ReplaceSnapshot loads a whole document, as pasted JSON or an imported
// archive. The current team name is kept when the incoming one is blank and
// the local notification feed is left alone.
func (s *Service) ReplaceSnapshot(ctx context.Context, next store.Snapshot) error {
	var loaded store.Snapshot
	if err := s.commit(ctx, func(snap *store.Snapshot) error {
		team := snap.Config.TeamName
		notifications := snap.Notifications
		if strings.TrimSpace(next.Config.TeamName) == "" {
			next.Config.TeamName = team
		}
		*snap = next.Clone()
		snap.Notifications = notifications
		loaded = *snap
		return nil
	}); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	s.toast("success", fmt.Sprintf("Data loaded: %d suggestions, %d doc sections.", len(loaded.Suggestions), len(loaded.Docs)))
	return nil
}
