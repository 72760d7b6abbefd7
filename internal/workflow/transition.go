package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"accord/api/internal/store"
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionRevoke  Action = "revoke"
	ActionArchive Action = "archive"
	ActionRestore Action = "restore"
)

type transition struct {
	from    []store.Status
	to      store.Status
	history store.HistoryAction
	toast   string
	attrib  func(*store.Suggestion, string)
}

var transitions = map[Action]transition{
	ActionApprove: {
		from:    []store.Status{store.StatusPending, store.StatusRejected},
		to:      store.StatusApproved,
		history: store.ActionApproved,
		toast:   "Suggestion approved! ✓",
		attrib:  func(s *store.Suggestion, by string) { s.ApprovedBy = store.StringPtr(by) },
	},
	ActionReject: {
		from:    []store.Status{store.StatusPending},
		to:      store.StatusRejected,
		history: store.ActionRejected,
		toast:   "Suggestion rejected.",
		attrib:  func(s *store.Suggestion, by string) { s.RejectedBy = store.StringPtr(by) },
	},
	ActionRevoke: {
		from:    []store.Status{store.StatusApproved},
		to:      store.StatusRejected,
		history: store.ActionRevoked,
		toast:   "Removed from documentation.",
		attrib:  func(s *store.Suggestion, by string) { s.RejectedBy = store.StringPtr(by) },
	},
	ActionArchive: {
		from:    []store.Status{store.StatusRejected},
		to:      store.StatusArchived,
		history: store.ActionArchived,
		toast:   "Archived.",
		attrib:  func(s *store.Suggestion, by string) { s.ArchivedBy = store.StringPtr(by) },
	},
	ActionRestore: {
		from:    []store.Status{store.StatusRejected, store.StatusArchived},
		to:      store.StatusPending,
		history: store.ActionRestored,
		toast:   "Restored to pending.",
	},
}

// ParseAction accepts the lower-case action names used on the wire.
func ParseAction(name string) (Action, bool) {
	action := Action(name)
	_, ok := transitions[action]
	return action, ok
}

func (t transition) allowed(from store.Status) bool {
	for _, status := range t.from {
		if status == from {
			return true
		}
	}
	return false
}

// Transition moves a suggestion through the approval workflow. An unknown id
// is a no-op and reports false. A blank actor falls back to the team name.
// Restores always record an empty note.
func (s *Service) Transition(ctx context.Context, suggestionID string, action Action, actor, note string) (bool, error) {
	rule, ok := transitions[action]
	if !ok {
		return false, validationError("unknown action", map[string]any{"action": string(action)})
	}
	by := s.actorOr(actor)
	if action == ActionRestore {
		note = ""
	}

	found := false
	err := s.commit(ctx, func(snap *store.Snapshot) error {
		sug := snap.Suggestion(suggestionID)
		if sug == nil {
			return errNoSuggestion
		}
		found = true
		if !rule.allowed(sug.Status) {
			return domainError(http.StatusConflict, "INVALID_TRANSITION",
				fmt.Sprintf("cannot %s a %s suggestion", action, sug.Status),
				map[string]any{"from": sug.Status, "action": action}, ErrInvalidTransition)
		}
		now := s.now()
		sug.Status = rule.to
		if rule.attrib != nil {
			rule.attrib(sug, by)
		}
		sug.UpdatedAt = now
		entry := historyFor(rule.history, sug, by, now)
		entry.Note = note
		snap.AppendHistory(entry)
		return nil
	})
	if errors.Is(err, errNoSuggestion) {
		return false, nil
	}
	if err != nil {
		return found, err
	}
	s.log.Info("suggestion transitioned", "id", suggestionID, "action", action, "by", by)
	s.toast(toastLevel(action), rule.toast)
	return true, nil
}

func toastLevel(action Action) string {
	switch action {
	case ActionApprove, ActionRestore:
		return "success"
	default:
		return "info"
	}
}
