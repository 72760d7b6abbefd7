package store

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusArchived Status = "archived"
)

// Statuses lists every suggestion status in display order.
var Statuses = []Status{StatusPending, StatusApproved, StatusRejected, StatusArchived}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusArchived:
		return true
	default:
		return false
	}
}

const (
	DefaultTeamName      = "Anonymous"
	DefaultTagEmoji      = "🏷️"
	DefaultCategoryEmoji = "🗂️"
	DocSectionEmoji      = "📄"
	// DocCategoryPrefix marks category ids that point at a documentation section.
	DocCategoryPrefix = "doc:"
)

type Config struct {
	TeamName    string  `json:"teamName"`
	SavedFolder *string `json:"savedFolder"`
}

type Category struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Emoji        string `json:"emoji"`
	IsDocSection bool   `json:"isDocSection,omitempty"`
}

type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Emoji string `json:"emoji"`
}

// TagRef is the copy of a tag embedded in a suggestion at edit time.
type TagRef struct {
	Name  string `json:"name"`
	Emoji string `json:"emoji"`
}

type InfoBox struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type Suggestion struct {
	ID          string      `json:"id"`
	CategoryID  string      `json:"categoryId"`
	Tag         TagRef      `json:"tag"`
	Title       string      `json:"title"`
	Body        string      `json:"body"`
	InfoBoxes   []InfoBox   `json:"infoBoxes"`
	Status      Status      `json:"status"`
	SuggestedBy string      `json:"suggestedBy"`
	ApprovedBy  *string     `json:"approvedBy"`
	RejectedBy  *string     `json:"rejectedBy"`
	ArchivedBy  *string     `json:"archivedBy"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	Attachments Attachments `json:"attachments"`
}

func (s Suggestion) Clone() Suggestion {
	out := s
	out.InfoBoxes = append([]InfoBox(nil), s.InfoBoxes...)
	out.ApprovedBy = cloneString(s.ApprovedBy)
	out.RejectedBy = cloneString(s.RejectedBy)
	out.ArchivedBy = cloneString(s.ArchivedBy)
	out.Attachments = s.Attachments.Clone()
	return out
}

type HistoryAction string

const (
	ActionCreated  HistoryAction = "created"
	ActionEdited   HistoryAction = "edited"
	ActionApproved HistoryAction = "approved"
	ActionRejected HistoryAction = "rejected"
	ActionRevoked  HistoryAction = "revoked"
	ActionArchived HistoryAction = "archived"
	ActionRestored HistoryAction = "restored"
)

type HistoryEntry struct {
	ID           string        `json:"id"`
	Action       HistoryAction `json:"action"`
	SuggestionID string        `json:"suggestionId"`
	Title        string        `json:"title"`
	By           string        `json:"by"`
	At           time.Time     `json:"at"`
	Note         string        `json:"note"`
}

type NotificationType string

const (
	NotificationModule     NotificationType = "module"
	NotificationSuggestion NotificationType = "suggestion"
)

type Notification struct {
	Type  NotificationType `json:"type"`
	Title string           `json:"title"`
	By    string           `json:"by"`
	At    time.Time        `json:"at"`
	ID    string           `json:"id"`
}

// DocSection is a section of the externally authored documentation.
type DocSection struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Level       int    `json:"level"`
	ContentHTML string `json:"contentHtml"`
}

// Snapshot is the persisted and synced application document.
type Snapshot struct {
	Config        Config         `json:"config"`
	Categories    []Category     `json:"categories"`
	Tags          []Tag          `json:"tags"`
	Suggestions   []Suggestion   `json:"suggestions"`
	History       []HistoryEntry `json:"history"`
	Docs          []DocSection   `json:"docs"`
	Notifications []Notification `json:"notifications"`
}

// RemoteSettings locates the remote repository. Token is stored sealed.
type RemoteSettings struct {
	Token  string `json:"token"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Path   string `json:"path"`
}

// SyncState is the session-level sync metadata. It is persisted locally and never pushed.
type SyncState struct {
	Remote          RemoteSettings `json:"remote"`
	HeadSHA         string         `json:"headSha"`
	LastPushSHA     string         `json:"lastPushSha"`
	LastPushAt      *time.Time     `json:"lastPushAt"`
	LastPullAt      *time.Time     `json:"lastPullAt"`
	PendingAutoSync bool           `json:"pendingAutoSync"`
}

type Counts struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Archived int `json:"archived"`
	History  int `json:"history"`
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

// StringPtr returns a pointer to a copy of value.
func StringPtr(value string) *string {
	return &value
}
