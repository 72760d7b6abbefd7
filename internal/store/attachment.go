package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type AttachmentKind string

const (
	KindImage   AttachmentKind = "image"
	KindVideo   AttachmentKind = "video"
	KindHTML    AttachmentKind = "html"
	KindMermaid AttachmentKind = "mermaid"
)

// Attachment is one of Image, Video, HTMLBlock or Mermaid.
type Attachment interface {
	Kind() AttachmentKind
	Label() string
	isAttachment()
}

// Media is a binary payload held either inline or as a reference into the
// repository attachment directory. Bytes are never mutated in place.
type Media struct {
	MIME  string
	Bytes []byte
	Path  string
}

// Inline reports whether the payload still has to be externalised.
func (m Media) Inline() bool {
	return m.Path == "" && len(m.Bytes) > 0
}

func (m Media) dataString() string {
	if m.Path != "" {
		return m.Path
	}
	if len(m.Bytes) == 0 && m.MIME == "" {
		return ""
	}
	return "data:" + m.MIME + ";base64," + base64.StdEncoding.EncodeToString(m.Bytes)
}

var dataURLPattern = regexp.MustCompile(`^data:([^;,]+);base64,(.*)$`)

func parseMedia(data string) (Media, error) {
	if data == "" {
		return Media{}, nil
	}
	if !strings.HasPrefix(data, "data:") {
		return Media{Path: data}, nil
	}
	match := dataURLPattern.FindStringSubmatch(data)
	if match == nil {
		// Not base64; keep it as an opaque reference rather than dropping it.
		return Media{Path: data}, nil
	}
	payload, err := base64.StdEncoding.DecodeString(match[2])
	if err != nil {
		return Media{}, fmt.Errorf("decode inline payload: %w", err)
	}
	return Media{MIME: match[1], Bytes: payload}, nil
}

type Image struct {
	Name  string
	Media Media
}

type Video struct {
	Name  string
	Media Media
}

type HTMLBlock struct {
	Name   string
	Source string
}

type Mermaid struct {
	Name   string
	Source string
}

func (Image) Kind() AttachmentKind     { return KindImage }
func (Video) Kind() AttachmentKind     { return KindVideo }
func (HTMLBlock) Kind() AttachmentKind { return KindHTML }
func (Mermaid) Kind() AttachmentKind   { return KindMermaid }

func (a Image) Label() string     { return a.Name }
func (a Video) Label() string     { return a.Name }
func (a HTMLBlock) Label() string { return a.Name }
func (a Mermaid) Label() string   { return a.Name }

func (Image) isAttachment()     {}
func (Video) isAttachment()     {}
func (HTMLBlock) isAttachment() {}
func (Mermaid) isAttachment()   {}

// MediaOf returns the binary payload of image and video attachments.
func MediaOf(a Attachment) (Media, bool) {
	switch v := a.(type) {
	case Image:
		return v.Media, true
	case Video:
		return v.Media, true
	case HTMLBlock, Mermaid:
		return Media{}, false
	default:
		return Media{}, false
	}
}

// WithMedia returns a copy of a with its payload replaced. Non-media attachments are returned unchanged.
func WithMedia(a Attachment, media Media) Attachment {
	switch v := a.(type) {
	case Image:
		v.Media = media
		return v
	case Video:
		v.Media = media
		return v
	default:
		return a
	}
}

type Attachments []Attachment

func (a Attachments) Clone() Attachments {
	if a == nil {
		return nil
	}
	return append(Attachments(nil), a...)
}

type wireAttachment struct {
	Type AttachmentKind `json:"type"`
	Name string         `json:"name"`
	Data string         `json:"data"`
}

func (a Attachments) MarshalJSON() ([]byte, error) {
	wire := make([]wireAttachment, 0, len(a))
	for i, item := range a {
		var entry wireAttachment
		switch v := item.(type) {
		case Image:
			entry = wireAttachment{Type: KindImage, Name: v.Name, Data: v.Media.dataString()}
		case Video:
			entry = wireAttachment{Type: KindVideo, Name: v.Name, Data: v.Media.dataString()}
		case HTMLBlock:
			entry = wireAttachment{Type: KindHTML, Name: v.Name, Data: v.Source}
		case Mermaid:
			entry = wireAttachment{Type: KindMermaid, Name: v.Name, Data: v.Source}
		default:
			return nil, fmt.Errorf("attachment %d: unsupported type %T", i, item)
		}
		wire = append(wire, entry)
	}
	return json.Marshal(wire)
}

func (a *Attachments) UnmarshalJSON(data []byte) error {
	var wire []wireAttachment
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire == nil {
		*a = nil
		return nil
	}
	out := make(Attachments, 0, len(wire))
	for i, entry := range wire {
		switch entry.Type {
		case KindImage, KindVideo:
			media, err := parseMedia(entry.Data)
			if err != nil {
				return fmt.Errorf("attachment %d (%s): %w", i, entry.Name, err)
			}
			if entry.Type == KindImage {
				out = append(out, Image{Name: entry.Name, Media: media})
			} else {
				out = append(out, Video{Name: entry.Name, Media: media})
			}
		case KindHTML:
			out = append(out, HTMLBlock{Name: entry.Name, Source: entry.Data})
		case KindMermaid:
			out = append(out, Mermaid{Name: entry.Name, Source: entry.Data})
		default:
			return fmt.Errorf("attachment %d: unknown type %q", i, entry.Type)
		}
	}
	*a = out
	return nil
}
