// Package attachment moves image and video payloads between their inline
// form and files under the attachments/ directory.
package attachment

import (
	"encoding/base64"
	"path"
	"regexp"
	"strconv"
	"strings"

	"accord/api/internal/store"
)

// Dir is the attachment directory, relative to the document.
const Dir = "attachments"

const maxNameLength = 80

// File is an externalised payload. Path is relative to the document folder.
type File struct {
	Path  string
	MIME  string
	Bytes []byte
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._\-]`)

// SanitizeFilename replaces every character outside [A-Za-z0-9._-] with an
// underscore and truncates to 80 characters.
func SanitizeFilename(name string) string {
	clean := unsafeNameChars.ReplaceAllString(name, "_")
	if len(clean) > maxNameLength {
		clean = clean[:maxNameLength]
	}
	return clean
}

// FileName builds <suggestionId>_<index>_<sanitised name>.
func FileName(suggestionID string, index int, name, mime string) string {
	if strings.TrimSpace(name) == "" {
		name = "file." + extensionFor(mime)
	}
	return suggestionID + "_" + strconv.Itoa(index) + "_" + SanitizeFilename(name)
}

func extensionFor(mime string) string {
	if _, sub, ok := strings.Cut(mime, "/"); ok && sub != "" {
		return sub
	}
	return "bin"
}

var mimeByExtension = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"mov":  "video/quicktime",
	"avi":  "video/x-msvideo",
}

// GuessMIME maps a file extension to a MIME type, or returns fallback.
func GuessMIME(filename, fallback string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if mime, ok := mimeByExtension[ext]; ok {
		return mime
	}
	return fallback
}

// DefaultMIME is the fallback type used when hydrating a payload of kind.
func DefaultMIME(kind store.AttachmentKind) string {
	if kind == store.KindVideo {
		return "video/mp4"
	}
	return "image/png"
}

// Externalize returns a copy of snap where every inline image and video
// payload is replaced by an attachments/ path, together with the files to
// write. HTML and Mermaid sources stay inline.
func Externalize(snap store.Snapshot) (store.Snapshot, []File) {
	out := snap.Clone()
	var files []File
	for si := range out.Suggestions {
		sug := &out.Suggestions[si]
		for ai, item := range sug.Attachments {
			media, ok := store.MediaOf(item)
			if !ok || !media.Inline() {
				continue
			}
			rel := Dir + "/" + FileName(sug.ID, ai, item.Label(), media.MIME)
			files = append(files, File{Path: rel, MIME: media.MIME, Bytes: media.Bytes})
			sug.Attachments[ai] = store.WithMedia(item, store.Media{Path: rel})
		}
	}
	return out, files
}

// Lookup returns the payload stored at a document-relative path.
type Lookup func(rel string) ([]byte, bool)

// Hydrate returns a copy of snap where attachment paths found through lookup
// are inlined again. Paths lookup cannot resolve are left as references and
// reported.
func Hydrate(snap store.Snapshot, lookup Lookup) (store.Snapshot, []string) {
	out := snap.Clone()
	var missing []string
	for si := range out.Suggestions {
		sug := &out.Suggestions[si]
		for ai, item := range sug.Attachments {
			media, ok := store.MediaOf(item)
			if !ok || media.Path == "" || !strings.HasPrefix(media.Path, Dir+"/") {
				continue
			}
			payload, found := lookup(media.Path)
			if !found {
				missing = append(missing, media.Path)
				continue
			}
			mime := GuessMIME(media.Path, DefaultMIME(item.Kind()))
			sug.Attachments[ai] = store.WithMedia(item, store.Media{MIME: mime, Bytes: payload})
		}
	}
	return out, missing
}

// DataURL renders an inline payload as a data: URL.
func DataURL(media store.Media) string {
	mime := media.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(media.Bytes)
}
