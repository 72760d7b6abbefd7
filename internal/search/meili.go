package search

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"accord/api/internal/logger"
	"accord/api/internal/store"
)

const (
	idxHistory     = "accord_history"
	idxSuggestions = "accord_suggestions"

	defaultLimit = 1000
)

// Meili implements Backend via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *logger.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server is not an error: the client reports unhealthy and
// keeps probing in the background.
func NewMeili(url, apiKey string, log *logger.Logger) *Meili {
	if log == nil {
		log = logger.Nop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    log,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		log.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
		sortable   []string
	}{
		{
			uid:        idxHistory,
			filterable: []string{"action", "by", "at"},
			searchable: []string{"title", "note", "by", "action"},
			sortable:   []string{"at"},
		},
		{
			uid:        idxSuggestions,
			filterable: []string{"status", "categoryId"},
			searchable: []string{"title", "body", "tag"},
			sortable:   []string{"updatedAt"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "id"}); err != nil {
			m.log.Debug("create index (may already exist)", "index", idx.uid, "error", err)
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.log.Warn("update filterable attributes", "index", idx.uid, "error", err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.Warn("update searchable attributes", "index", idx.uid, "error", err)
		}
		if _, err := index.UpdateSortableAttributes(&idx.sortable); err != nil {
			m.log.Warn("update sortable attributes", "index", idx.uid, "error", err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) SearchHistory(q HistoryQuery) ([]string, int, error) {
	var filters []string
	if q.Action != "" {
		filters = append(filters, fmt.Sprintf("action = %q", string(q.Action)))
	}
	if q.By != "" {
		filters = append(filters, fmt.Sprintf("by = %q", q.By))
	}
	if q.From != nil {
		filters = append(filters, fmt.Sprintf("at >= %d", q.From.UnixMilli()))
	}
	if q.To != nil {
		filters = append(filters, fmt.Sprintf("at <= %d", q.To.UnixMilli()))
	}
	order := "at:desc"
	if q.Order == OrderAsc {
		order = "at:asc"
	}
	return m.search(idxHistory, q.Text, filters, []string{order}, q.Limit, q.Offset)
}

func (m *Meili) SearchSuggestions(q SuggestionQuery) ([]string, int, error) {
	var filters []string
	if q.Status != "" {
		filters = append(filters, fmt.Sprintf("status = %q", string(q.Status)))
	}
	if q.CategoryID != "" {
		filters = append(filters, fmt.Sprintf("categoryId = %q", q.CategoryID))
	}
	return m.search(idxSuggestions, q.Text, filters, nil, q.Limit, q.Offset)
}

func (m *Meili) search(uid, text string, filters, sortBy []string, limit, offset int) ([]string, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	req := &meili.SearchRequest{
		IndexUID:             uid,
		Query:                text,
		Limit:                int64(limit),
		Offset:               int64(offset),
		AttributesToRetrieve: []string{"id"},
		Sort:                 sortBy,
	}
	if len(filters) > 0 {
		req.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{req}})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search %s: %w", uid, err)
	}

	var ids []string
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			if id := decodeString(hit, "id"); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, total, nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// Index upserts every history entry and suggestion of snap.
func (m *Meili) Index(snap store.Snapshot) error {
	history := make([]HistoryRecord, 0, len(snap.History))
	for _, entry := range snap.History {
		history = append(history, historyRecord(entry))
	}
	suggestions := make([]SuggestionRecord, 0, len(snap.Suggestions))
	for _, sug := range snap.Suggestions {
		suggestions = append(suggestions, suggestionRecord(sug))
	}

	if len(history) > 0 {
		if _, err := m.client.Index(idxHistory).AddDocuments(history, nil); err != nil {
			return fmt.Errorf("index history: %w", err)
		}
	}
	if len(suggestions) > 0 {
		if _, err := m.client.Index(idxSuggestions).AddDocuments(suggestions, nil); err != nil {
			return fmt.Errorf("index suggestions: %w", err)
		}
	}
	return nil
}
