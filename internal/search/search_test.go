package search

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accord/api/internal/store"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func sampleHistory() []store.HistoryEntry {
	return []store.HistoryEntry{
		{ID: "hist_1", Action: store.ActionCreated, SuggestionID: "sug_1", Title: "Use QUIC", By: "Ana", At: t0},
		{ID: "hist_2", Action: store.ActionApproved, SuggestionID: "sug_1", Title: "Use QUIC", By: "Bo", At: t0.Add(time.Hour)},
		{ID: "hist_3", Action: store.ActionRejected, SuggestionID: "sug_2", Title: "Drop TLS", By: "Bo", At: t0.Add(2 * time.Hour), Note: "insecure"},
		{ID: "hist_4", Action: store.ActionCreated, SuggestionID: "sug_3", Title: "Dark mode", By: "Cy", At: t0.Add(3 * time.Hour)},
	}
}

func ids(entries []store.HistoryEntry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.ID)
	}
	return out
}

func TestFilterHistory(t *testing.T) {
	history := sampleHistory()
	from := t0.Add(time.Hour)
	to := t0.Add(2 * time.Hour)

	cases := []struct {
		name  string
		query HistoryQuery
		want  []string
	}{
		{name: "all newest first", query: HistoryQuery{}, want: []string{"hist_4", "hist_3", "hist_2", "hist_1"}},
		{name: "oldest first", query: HistoryQuery{Order: OrderAsc}, want: []string{"hist_1", "hist_2", "hist_3", "hist_4"}},
		{name: "text matches note", query: HistoryQuery{Text: "INSECURE"}, want: []string{"hist_3"}},
		{name: "text matches action", query: HistoryQuery{Text: "approved"}, want: []string{"hist_2"}},
		{name: "action", query: HistoryQuery{Action: store.ActionCreated}, want: []string{"hist_4", "hist_1"}},
		{name: "actor", query: HistoryQuery{By: "Bo"}, want: []string{"hist_3", "hist_2"}},
		{name: "inclusive range", query: HistoryQuery{From: &from, To: &to}, want: []string{"hist_3", "hist_2"}},
		{name: "no match", query: HistoryQuery{Text: "kubernetes"}, want: []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ids(FilterHistory(history, tc.query)))
		})
	}
}

func TestFilterSuggestions(t *testing.T) {
	suggestions := []store.Suggestion{
		{ID: "sug_1", Title: "Use QUIC", Body: "lower latency", Tag: store.TagRef{Name: "NET"}, Status: store.StatusPending, CategoryID: "cat_net"},
		{ID: "sug_2", Title: "Dark mode", Tag: store.TagRef{Name: "UI"}, Status: store.StatusPending, CategoryID: "cat_ui"},
		{ID: "sug_3", Title: "Pin TLS", Tag: store.TagRef{Name: "SEC"}, Status: store.StatusApproved, CategoryID: "cat_net"},
	}

	got := FilterSuggestions(suggestions, SuggestionQuery{Status: store.StatusPending})
	require.Len(t, got, 2)

	got = FilterSuggestions(suggestions, SuggestionQuery{Text: "latency"})
	require.Len(t, got, 1)
	assert.Equal(t, "sug_1", got[0].ID)

	got = FilterSuggestions(suggestions, SuggestionQuery{Text: "sec"})
	require.Len(t, got, 1)
	assert.Equal(t, "sug_3", got[0].ID)

	got = FilterSuggestions(suggestions, SuggestionQuery{CategoryID: "cat_net", Status: store.StatusPending})
	require.Len(t, got, 1)
	assert.Equal(t, "sug_1", got[0].ID)
}

func TestActors(t *testing.T) {
	assert.Equal(t, []string{"Ana", "Bo", "Cy"}, Actors(sampleHistory()))
	assert.Equal(t, []string{}, Actors(nil))
}

type fakeBackend struct {
	mu      sync.Mutex
	healthy bool
	fail    error
	indexed []store.Snapshot
	ids     []string
}

func (f *fakeBackend) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeBackend) SearchHistory(HistoryQuery) ([]string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, 0, f.fail
	}
	return f.ids, len(f.ids), nil
}

func (f *fakeBackend) SearchSuggestions(SuggestionQuery) ([]string, int, error) {
	return f.SearchHistory(HistoryQuery{})
}

func (f *fakeBackend) Index(snap store.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, snap)
	return nil
}

func (f *fakeBackend) indexCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.indexed)
}

func TestServiceWithoutBackendFiltersLocally(t *testing.T) {
	state := store.NewState(store.Snapshot{History: sampleHistory()})
	svc := NewService(state, nil, nil)

	resp := svc.History(HistoryQuery{By: "Bo", Limit: 1})
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, []string{"hist_3"}, ids(resp.Entries))
	assert.Equal(t, []string{"Ana", "Bo", "Cy"}, resp.Actors)

	resp = svc.History(HistoryQuery{By: "Bo", Limit: 1, Offset: 5})
	assert.Empty(t, resp.Entries)
}

func TestServiceUsesFreshIndex(t *testing.T) {
	state := store.NewState(store.Snapshot{History: sampleHistory()})
	backend := &fakeBackend{healthy: true, ids: []string{"hist_2", "hist_missing"}}
	svc := NewService(state, backend, nil)

	resp := svc.History(HistoryQuery{Text: "QUIC"})
	assert.Equal(t, []string{"hist_2", "hist_1"}, ids(resp.Entries), "stale index falls back to local filtering")

	require.Eventually(t, func() bool { return backend.indexCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(svc.History(HistoryQuery{Text: "QUIC"}).Entries) == 1
	}, time.Second, 5*time.Millisecond)

	resp = svc.History(HistoryQuery{Text: "QUIC"})
	assert.Equal(t, []string{"hist_2"}, ids(resp.Entries), "unknown ids are dropped")

	require.NoError(t, state.Update(func(s *store.Snapshot) error {
		s.AppendHistory(store.HistoryEntry{ID: "hist_5", Action: store.ActionEdited, By: "Ana", At: t0})
		return nil
	}))
	svc.Refresh()
	assert.Equal(t, 2, backend.indexCount())
	assert.Len(t, backend.indexed[1].History, 5)
}

func TestServiceFallsBackOnBackendError(t *testing.T) {
	state := store.NewState(store.Snapshot{History: sampleHistory()})
	backend := &fakeBackend{healthy: true, fail: errors.New("boom")}
	svc := NewService(state, backend, nil)
	svc.Refresh()

	resp := svc.History(HistoryQuery{Action: store.ActionRejected})
	assert.Equal(t, []string{"hist_3"}, ids(resp.Entries))
	assert.Equal(t, 1, resp.Total)
}

func TestServiceSuggestionsFallback(t *testing.T) {
	state := store.NewState(store.Snapshot{Suggestions: []store.Suggestion{
		{ID: "sug_1", Title: "Use QUIC", Status: store.StatusPending},
		{ID: "sug_2", Title: "Dark mode", Status: store.StatusApproved},
	}})
	svc := NewService(state, &fakeBackend{healthy: false}, nil)

	resp := svc.Suggestions(SuggestionQuery{Status: store.StatusApproved})
	require.Len(t, resp.Suggestions, 1)
	assert.Equal(t, "sug_2", resp.Suggestions[0].ID)
}
