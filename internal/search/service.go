package search

import (
	"context"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"accord/api/internal/logger"
	"accord/api/internal/store"
)

// Service answers queries from the external index while it holds the
// current document version, and from the live document otherwise.
type Service struct {
	state   *store.State
	backend Backend
	log     *logger.Logger

	mu       sync.Mutex
	indexed  uint64
	hasIndex bool
	indexing bool
}

// NewService creates a search service. backend may be nil.
func NewService(state *store.State, backend Backend, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{state: state, backend: backend, log: log}
}

func (s *Service) History(q HistoryQuery) HistoryResponse {
	snap, version := s.state.Read()
	resp := HistoryResponse{Actors: Actors(snap.History), Query: q.Text}

	if s.useBackend(version) {
		ids, total, err := s.backend.SearchHistory(q)
		if err == nil {
			byID := make(map[string]store.HistoryEntry, len(snap.History))
			for _, entry := range snap.History {
				byID[entry.ID] = entry
			}
			resp.Entries = make([]store.HistoryEntry, 0, len(ids))
			for _, id := range ids {
				if entry, ok := byID[id]; ok {
					resp.Entries = append(resp.Entries, entry)
				}
			}
			resp.Total = total
			return resp
		}
		s.log.Warn("index history search failed, filtering locally", "error", err)
	}

	matched := FilterHistory(snap.History, q)
	resp.Entries = page(matched, q.Offset, q.Limit)
	resp.Total = len(matched)
	return resp
}

func (s *Service) Suggestions(q SuggestionQuery) SuggestionResponse {
	snap, version := s.state.Read()
	resp := SuggestionResponse{Query: q.Text}

	if s.useBackend(version) {
		ids, total, err := s.backend.SearchSuggestions(q)
		if err == nil {
			resp.Suggestions = make([]store.Suggestion, 0, len(ids))
			for _, id := range ids {
				if sug := snap.Suggestion(id); sug != nil {
					resp.Suggestions = append(resp.Suggestions, *sug)
				}
			}
			resp.Total = total
			return resp
		}
		s.log.Warn("index suggestion search failed, filtering locally", "error", err)
	}

	matched := FilterSuggestions(snap.Suggestions, q)
	resp.Suggestions = page(matched, q.Offset, q.Limit)
	resp.Total = len(matched)
	return resp
}

// useBackend reports whether the index holds version. A stale index
// starts a background refresh.
func (s *Service) useBackend(version uint64) bool {
	if s.backend == nil || !s.backend.Healthy() {
		return false
	}
	s.mu.Lock()
	fresh := s.hasIndex && s.indexed == version
	start := !fresh && !s.indexing
	if start {
		s.indexing = true
	}
	s.mu.Unlock()
	if start {
		go s.refresh()
	}
	return fresh
}

// Refresh pushes the current document to the index when it is stale.
func (s *Service) Refresh() {
	if s.backend == nil || !s.backend.Healthy() {
		return
	}
	s.mu.Lock()
	if s.indexing {
		s.mu.Unlock()
		return
	}
	s.indexing = true
	s.mu.Unlock()
	s.refresh()
}

func (s *Service) refresh() {
	snap, version := s.state.Read()

	s.mu.Lock()
	stale := !s.hasIndex || s.indexed != version
	s.mu.Unlock()

	var err error
	if stale {
		err = s.backend.Index(snap)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexing = false
	if err != nil {
		s.log.Warn("search reindex failed", "version", version, "error", err)
		return
	}
	s.indexed = version
	s.hasIndex = true
}

// Run refreshes the index on every tick until ctx is done.
func (s *Service) Run(ctx context.Context, clk clock.Clock, interval time.Duration) {
	if s.backend == nil {
		return
	}
	if clk == nil {
		clk = clock.New()
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}
