package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"accord/api/internal/store"
	"accord/api/internal/util"
)

const (
	MaxAttachments = 20
	maxTitleLength = 300
	infoBoxCount   = 3
)

var defaultInfoBoxLabels = [infoBoxCount]string{"IMPLEMENTATION", "AFFECTS", "BENEFIT"}

// SuggestionInput creates a suggestion when ID is empty and edits it otherwise.
// A nil Attachments list keeps the current attachments on edit.
type SuggestionInput struct {
	ID          string            `json:"id"`
	CategoryID  string            `json:"categoryId"`
	TagName     string            `json:"tagName"`
	TagEmoji    string            `json:"tagEmoji"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	InfoBoxes   []store.InfoBox   `json:"infoBoxes"`
	Attachments store.Attachments `json:"attachments"`
}

func (in *SuggestionInput) normalize() {
	in.ID = strings.TrimSpace(in.ID)
	in.CategoryID = strings.TrimSpace(in.CategoryID)
	in.TagName = strings.ToUpper(strings.TrimSpace(in.TagName))
	in.TagEmoji = strings.TrimSpace(in.TagEmoji)
	in.Title = strings.TrimSpace(in.Title)
}

func (in *SuggestionInput) validate(snap *store.Snapshot) error {
	return validation.ValidateStruct(in,
		validation.Field(&in.Title, validation.Required.Error("title is required"), validation.RuneLength(1, maxTitleLength)),
		validation.Field(&in.TagName, validation.Required.Error("tag is required")),
		validation.Field(&in.CategoryID,
			validation.Required.Error("category is required"),
			validation.By(func(value interface{}) error {
				id, _ := value.(string)
				if _, ok := snap.CategoryByID(id); !ok {
					return errors.New("unknown category")
				}
				return nil
			}),
		),
		validation.Field(&in.Attachments, validation.Length(0, MaxAttachments)),
	)
}

type categoryInput struct {
	Name  string
	Emoji string
}

func (in *categoryInput) Validate() error {
	return validation.ValidateStruct(in,
		validation.Field(&in.Name, validation.Required.Error("name is required"), validation.RuneLength(1, 120)),
	)
}

// SaveSuggestion validates the input before touching the document, upserts
// the tag registry and records a created or edited history entry.
func (s *Service) SaveSuggestion(ctx context.Context, input SuggestionInput, actor string) (store.Suggestion, error) {
	input.normalize()
	by := s.actorOr(actor)

	var saved store.Suggestion
	err := s.commit(ctx, func(snap *store.Snapshot) error {
		if err := input.validate(snap); err != nil {
			return validationError("invalid suggestion", err)
		}

		var existing *store.Suggestion
		if input.ID != "" {
			if existing = snap.Suggestion(input.ID); existing == nil {
				return domainError(http.StatusNotFound, "NOT_FOUND", "suggestion not found", map[string]any{"id": input.ID}, ErrNotFound)
			}
		}

		tag := upsertTag(snap, input.TagName, input.TagEmoji)
		now := s.now()

		if existing != nil {
			existing.Tag = tag
			existing.CategoryID = input.CategoryID
			existing.Title = input.Title
			existing.Body = input.Body
			existing.InfoBoxes = padInfoBoxes(input.InfoBoxes, existing.InfoBoxes)
			if input.Attachments != nil {
				existing.Attachments = input.Attachments.Clone()
			}
			existing.UpdatedAt = now
			snap.AppendHistory(historyFor(store.ActionEdited, existing, by, now))
			saved = existing.Clone()
			return nil
		}

		sug := store.Suggestion{
			ID:          util.NewID("sug"),
			CategoryID:  input.CategoryID,
			Tag:         tag,
			Title:       input.Title,
			Body:        input.Body,
			InfoBoxes:   padInfoBoxes(input.InfoBoxes, nil),
			Status:      store.StatusPending,
			SuggestedBy: by,
			CreatedAt:   now,
			UpdatedAt:   now,
			Attachments: input.Attachments.Clone(),
		}
		if sug.Attachments == nil {
			sug.Attachments = store.Attachments{}
		}
		snap.Suggestions = append(snap.Suggestions, sug)
		snap.AppendHistory(historyFor(store.ActionCreated, &sug, by, now))
		saved = sug.Clone()
		return nil
	})
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			return store.Suggestion{}, err
		}
		return store.Suggestion{}, fmt.Errorf("save suggestion: %w", err)
	}

	if input.ID == "" {
		s.toast("success", "Suggestion created!")
	} else {
		s.toast("success", "Suggestion updated!")
	}
	return saved, nil
}

// upsertTag registers name when it is new and returns the copy to embed.
// An existing registry entry keeps its emoji.
func upsertTag(snap *store.Snapshot, name, emoji string) store.TagRef {
	if tag, ok := snap.TagByName(name); ok {
		return store.TagRef{Name: tag.Name, Emoji: tag.Emoji}
	}
	if emoji == "" {
		emoji = store.DefaultTagEmoji
	}
	snap.Tags = append(snap.Tags, store.Tag{ID: util.NewID("tag"), Name: name, Emoji: emoji})
	return store.TagRef{Name: name, Emoji: emoji}
}

// padInfoBoxes returns exactly three boxes. Missing boxes come from previous,
// then from the default labels.
func padInfoBoxes(boxes, previous []store.InfoBox) []store.InfoBox {
	out := make([]store.InfoBox, infoBoxCount)
	for i := range out {
		switch {
		case i < len(boxes):
			out[i] = boxes[i]
		case i < len(previous):
			out[i] = previous[i]
		default:
			out[i] = store.InfoBox{Label: defaultInfoBoxLabels[i]}
		}
	}
	return out
}

func historyFor(action store.HistoryAction, sug *store.Suggestion, by string, at time.Time) store.HistoryEntry {
	return store.HistoryEntry{
		ID:           util.NewID("hist"),
		Action:       action,
		SuggestionID: sug.ID,
		Title:        sug.Title,
		By:           by,
		At:           at,
	}
}
