// Package search answers history and suggestion queries, through
// Meilisearch when it is reachable and by filtering the live document
// otherwise.
package search

import (
	"time"

	"accord/api/internal/store"
)

type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// HistoryQuery filters the audit log. Zero values match everything.
type HistoryQuery struct {
	Text   string
	Action store.HistoryAction
	By     string
	From   *time.Time
	To     *time.Time
	Order  Order
	Limit  int
	Offset int
}

type HistoryResponse struct {
	Entries []store.HistoryEntry `json:"entries"`
	Total   int                  `json:"total"`
	Actors  []string             `json:"actors"`
	Query   string               `json:"query"`
}

// SuggestionQuery filters suggestions of one status.
type SuggestionQuery struct {
	Text       string
	Status     store.Status
	CategoryID string
	Limit      int
	Offset     int
}

type SuggestionResponse struct {
	Suggestions []store.Suggestion `json:"suggestions"`
	Total       int                `json:"total"`
	Query       string             `json:"query"`
}

// Backend is an external index. Searches return matching ids in result order.
type Backend interface {
	Healthy() bool
	SearchHistory(q HistoryQuery) ([]string, int, error)
	SearchSuggestions(q SuggestionQuery) ([]string, int, error)
	Index(snap store.Snapshot) error
}

// HistoryRecord is the data indexed for a history entry.
type HistoryRecord struct {
	ID           string `json:"id"`
	Action       string `json:"action"`
	SuggestionID string `json:"suggestionId"`
	Title        string `json:"title"`
	By           string `json:"by"`
	Note         string `json:"note"`
	At           int64  `json:"at"`
}

// SuggestionRecord is the data indexed for a suggestion.
type SuggestionRecord struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Tag        string `json:"tag"`
	Status     string `json:"status"`
	CategoryID string `json:"categoryId"`
	UpdatedAt  int64  `json:"updatedAt"`
}

func historyRecord(entry store.HistoryEntry) HistoryRecord {
	return HistoryRecord{
		ID:           entry.ID,
		Action:       string(entry.Action),
		SuggestionID: entry.SuggestionID,
		Title:        entry.Title,
		By:           entry.By,
		Note:         entry.Note,
		At:           entry.At.UnixMilli(),
	}
}

func suggestionRecord(sug store.Suggestion) SuggestionRecord {
	return SuggestionRecord{
		ID:         sug.ID,
		Title:      sug.Title,
		Body:       sug.Body,
		Tag:        sug.Tag.Name,
		Status:     string(sug.Status),
		CategoryID: sug.CategoryID,
		UpdatedAt:  sug.UpdatedAt.UnixMilli(),
	}
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
