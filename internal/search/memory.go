package search

import (
	"sort"
	"strings"

	"accord/api/internal/store"
)

// FilterHistory applies q to entries. Text matches case-insensitively
// against action, actor, title and note; the time range is inclusive.
func FilterHistory(entries []store.HistoryEntry, q HistoryQuery) []store.HistoryEntry {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	out := make([]store.HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		if needle != "" {
			haystack := strings.ToLower(string(entry.Action) + entry.By + entry.Title + entry.Note)
			if !strings.Contains(haystack, needle) {
				continue
			}
		}
		if q.Action != "" && entry.Action != q.Action {
			continue
		}
		if q.By != "" && entry.By != q.By {
			continue
		}
		if q.From != nil && entry.At.Before(*q.From) {
			continue
		}
		if q.To != nil && entry.At.After(*q.To) {
			continue
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.Order == OrderAsc {
			return out[i].At.Before(out[j].At)
		}
		return out[i].At.After(out[j].At)
	})
	return out
}

// FilterSuggestions keeps suggestions of q.Status (any when empty) in
// document order. Text matches title, body and tag name.
func FilterSuggestions(suggestions []store.Suggestion, q SuggestionQuery) []store.Suggestion {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	out := make([]store.Suggestion, 0, len(suggestions))
	for _, sug := range suggestions {
		if q.Status != "" && sug.Status != q.Status {
			continue
		}
		if q.CategoryID != "" && sug.CategoryID != q.CategoryID {
			continue
		}
		if needle != "" {
			haystack := strings.ToLower(sug.Title + " " + sug.Body + " " + sug.Tag.Name)
			if !strings.Contains(haystack, needle) {
				continue
			}
		}
		out = append(out, sug)
	}
	return out
}

// Actors lists the distinct history authors, sorted.
func Actors(entries []store.HistoryEntry) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, entry := range entries {
		if entry.By == "" || seen[entry.By] {
			continue
		}
		seen[entry.By] = true
		out = append(out, entry.By)
	}
	sort.Strings(out)
	return out
}
