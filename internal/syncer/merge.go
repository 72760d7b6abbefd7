package syncer

import (
	"time"

	"accord/api/internal/store"
)

type MergeResult struct {
	AddedSuggestions []string
	AddedCategories  int
	AddedTags        int
	AddedHistory     int
	DocsReplaced     bool
	Notifications    []store.Notification
}

func (r MergeResult) Changed() bool {
	return len(r.AddedSuggestions) > 0 || r.AddedCategories > 0 || r.AddedTags > 0 ||
		r.AddedHistory > 0 || r.DocsReplaced
}

// Merge folds a remote document into local. Suggestions, categories and
// history are unions by id where the local copy wins; tags are a union by
// name; docs are replaced only when the remote document carries them.
// Remote-only suggestions raise one notification each, keyed by suggestion id.
func Merge(local *store.Snapshot, remote store.Snapshot, now time.Time) MergeResult {
	var result MergeResult

	localSuggestions := make(map[string]bool, len(local.Suggestions))
	for _, sug := range local.Suggestions {
		localSuggestions[sug.ID] = true
	}
	notified := make(map[string]bool, len(local.Notifications))
	for _, n := range local.Notifications {
		notified[n.ID] = true
	}
	for _, sug := range remote.Suggestions {
		if localSuggestions[sug.ID] {
			continue
		}
		localSuggestions[sug.ID] = true
		local.Suggestions = append(local.Suggestions, sug.Clone())
		result.AddedSuggestions = append(result.AddedSuggestions, sug.ID)
		if notified[sug.ID] {
			continue
		}
		notified[sug.ID] = true
		kind := store.NotificationSuggestion
		if sug.Status == store.StatusApproved {
			kind = store.NotificationModule
		}
		note := store.Notification{Type: kind, Title: sug.Title, By: sug.SuggestedBy, At: now, ID: sug.ID}
		local.Notifications = append(local.Notifications, note)
		result.Notifications = append(result.Notifications, note)
	}

	localCategories := make(map[string]bool, len(local.Categories))
	for _, cat := range local.Categories {
		localCategories[cat.ID] = true
	}
	for _, cat := range remote.Categories {
		if localCategories[cat.ID] {
			continue
		}
		localCategories[cat.ID] = true
		local.Categories = append(local.Categories, cat)
		result.AddedCategories++
	}

	localTags := make(map[string]bool, len(local.Tags))
	for _, tag := range local.Tags {
		localTags[tag.Name] = true
	}
	for _, tag := range remote.Tags {
		if localTags[tag.Name] {
			continue
		}
		localTags[tag.Name] = true
		local.Tags = append(local.Tags, tag)
		result.AddedTags++
	}

	localHistory := make(map[string]bool, len(local.History))
	for _, entry := range local.History {
		localHistory[entry.ID] = true
	}
	for _, entry := range remote.History {
		if localHistory[entry.ID] {
			continue
		}
		localHistory[entry.ID] = true
		local.AppendHistory(entry)
		result.AddedHistory++
	}

	if remote.Docs != nil {
		local.Docs = append([]store.DocSection{}, remote.Docs...)
		result.DocsReplaced = true
	}
	return result
}
