package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// State holds the live application document. Reads hand out deep copies.
type State struct {
	mu      sync.RWMutex
	saveMu  sync.Mutex
	snap    Snapshot
	version uint64
}

func NewState(initial Snapshot) *State {
	initial.Normalize()
	return &State{snap: initial.Clone()}
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone()
}

// Replace swaps the whole document.
func (s *State) Replace(next Snapshot) {
	next.Normalize()
	next = next.Clone()
	s.mu.Lock()
	s.snap = next
	s.version++
	s.mu.Unlock()
}

// Update runs fn against the live document under the write lock. When fn
// returns an error the document is left as it was before the call.
func (s *State) Update(fn func(*Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	working := s.snap.Clone()
	if err := fn(&working); err != nil {
		return err
	}
	working.Normalize()
	s.snap = working
	s.version++
	return nil
}

// Version increases with every change to the document.
func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Read returns a deep copy of the document together with its version.
func (s *State) Read() (Snapshot, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone(), s.version
}

// Commit applies fn and persists the result. Commits are serialised so the
// persisted document never goes backwards. A failed save leaves the
// in-memory change in place and returns the error.
func (s *State) Commit(ctx context.Context, p Persister, fn func(*Snapshot) error) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := s.Update(fn); err != nil {
		return err
	}
	if err := p.SaveSnapshot(ctx, s.Snapshot()); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

func (s *State) SuggestionByID(id string) (Suggestion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.snap.suggestionIndex(id)
	if idx < 0 {
		return Suggestion{}, false
	}
	return s.snap.Suggestions[idx].Clone(), true
}

func (s *State) CategoryByID(id string) (Category, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.CategoryByID(id)
}

func (s *State) TeamName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Config.TeamName
}

func (s *State) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Counts()
}

// Normalize fills defaults and replaces nil collections with empty ones.
func (s *Snapshot) Normalize() {
	if strings.TrimSpace(s.Config.TeamName) == "" {
		s.Config.TeamName = DefaultTeamName
	}
	if s.Categories == nil {
		s.Categories = []Category{}
	}
	if s.Tags == nil {
		s.Tags = []Tag{}
	}
	if s.Suggestions == nil {
		s.Suggestions = []Suggestion{}
	}
	if s.History == nil {
		s.History = []HistoryEntry{}
	}
	if s.Docs == nil {
		s.Docs = []DocSection{}
	}
	if s.Notifications == nil {
		s.Notifications = []Notification{}
	}
	for i := range s.Suggestions {
		if s.Suggestions[i].InfoBoxes == nil {
			s.Suggestions[i].InfoBoxes = []InfoBox{}
		}
		if s.Suggestions[i].Attachments == nil {
			s.Suggestions[i].Attachments = Attachments{}
		}
	}
}

func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Config: Config{
			TeamName:    s.Config.TeamName,
			SavedFolder: cloneString(s.Config.SavedFolder),
		},
		Categories:    cloneSlice(s.Categories),
		Tags:          cloneSlice(s.Tags),
		History:       cloneSlice(s.History),
		Docs:          cloneSlice(s.Docs),
		Notifications: cloneSlice(s.Notifications),
	}
	if s.Suggestions != nil {
		out.Suggestions = make([]Suggestion, len(s.Suggestions))
		for i, sug := range s.Suggestions {
			out.Suggestions[i] = sug.Clone()
		}
	}
	return out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	return append(make([]T, 0, len(in)), in...)
}

func (s *Snapshot) suggestionIndex(id string) int {
	for i := range s.Suggestions {
		if s.Suggestions[i].ID == id {
			return i
		}
	}
	return -1
}

// Suggestion returns a pointer into the document for in-place mutation.
func (s *Snapshot) Suggestion(id string) *Suggestion {
	idx := s.suggestionIndex(id)
	if idx < 0 {
		return nil
	}
	return &s.Suggestions[idx]
}

var sectionNumbering = regexp.MustCompile(`^\d+\.\s*`)

// CategoryByID resolves real categories and synthetic doc:<sectionId> ids.
func (s *Snapshot) CategoryByID(id string) (Category, bool) {
	if id == "" {
		return Category{}, false
	}
	if sectionID, ok := strings.CutPrefix(id, DocCategoryPrefix); ok {
		for _, section := range s.Docs {
			if section.ID == sectionID {
				return DocCategory(section), true
			}
		}
		return Category{}, false
	}
	for _, cat := range s.Categories {
		if cat.ID == id {
			return cat, true
		}
	}
	return Category{}, false
}

// DocCategory presents a documentation section as a category.
func DocCategory(section DocSection) Category {
	return Category{
		ID:           DocCategoryPrefix + section.ID,
		Name:         sectionNumbering.ReplaceAllString(section.Title, ""),
		Emoji:        DocSectionEmoji,
		IsDocSection: true,
	}
}

// AllCategories lists real categories followed by the level-2 documentation sections.
func (s *Snapshot) AllCategories() []Category {
	out := append([]Category{}, s.Categories...)
	for _, section := range s.Docs {
		if section.Level == 2 {
			out = append(out, DocCategory(section))
		}
	}
	return out
}

func (s *Snapshot) TagByName(name string) (Tag, bool) {
	for _, tag := range s.Tags {
		if tag.Name == name {
			return tag, true
		}
	}
	return Tag{}, false
}

// AppendHistory is the only local writer of the history log.
func (s *Snapshot) AppendHistory(entry HistoryEntry) {
	s.History = append(s.History, entry)
}

func (s *Snapshot) Counts() Counts {
	var counts Counts
	for _, sug := range s.Suggestions {
		switch sug.Status {
		case StatusPending:
			counts.Pending++
		case StatusApproved:
			counts.Approved++
		case StatusRejected:
			counts.Rejected++
		case StatusArchived:
			counts.Archived++
		}
	}
	counts.History = len(s.History)
	return counts
}

var (
	demoSuggestionIDs = map[string]bool{"sug_demo1": true, "sug_demo2": true}
	demoCategoryIDs   = map[string]bool{"cat_net": true, "cat_sec": true, "cat_ui": true}
	demoTagIDs        = map[string]bool{"tag_net": true, "tag_nat": true, "tag_sec": true}
)

// PruneDemo drops seed records shipped with early builds. Demo categories
// survive while a real suggestion still references them.
func (s *Snapshot) PruneDemo() bool {
	changed := false

	kept := s.Suggestions[:0:0]
	for _, sug := range s.Suggestions {
		if demoSuggestionIDs[sug.ID] {
			changed = true
			continue
		}
		kept = append(kept, sug)
	}
	s.Suggestions = kept

	used := make(map[string]bool, len(s.Suggestions))
	for _, sug := range s.Suggestions {
		used[sug.CategoryID] = true
	}
	cats := s.Categories[:0:0]
	for _, cat := range s.Categories {
		if demoCategoryIDs[cat.ID] && !used[cat.ID] {
			changed = true
			continue
		}
		cats = append(cats, cat)
	}
	s.Categories = cats

	tags := s.Tags[:0:0]
	for _, tag := range s.Tags {
		if demoTagIDs[tag.ID] {
			changed = true
			continue
		}
		tags = append(tags, tag)
	}
	s.Tags = tags

	history := s.History[:0:0]
	for _, entry := range s.History {
		if demoSuggestionIDs[entry.SuggestionID] {
			changed = true
			continue
		}
		history = append(history, entry)
	}
	s.History = history
	return changed
}
