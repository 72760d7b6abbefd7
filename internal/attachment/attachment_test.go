package attachment

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accord/api/internal/store"
)

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "my_diagram__v2_.png", SanitizeFilename("my diagram (v2).png"))
	assert.Equal(t, "a-b_c.d", SanitizeFilename("a-b_c.d"))
	assert.Len(t, SanitizeFilename(strings.Repeat("x", 200)), 80)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "sug_1_0_shot.png", FileName("sug_1", 0, "shot.png", "image/png"))
	assert.Equal(t, "sug_1_2_file.webm", FileName("sug_1", 2, "", "video/webm"))
	assert.Equal(t, "sug_1_3_file.bin", FileName("sug_1", 3, " ", ""))
}

func TestGuessMIME(t *testing.T) {
	assert.Equal(t, "image/jpeg", GuessMIME("attachments/a.JPG", "x"))
	assert.Equal(t, "video/quicktime", GuessMIME("clip.mov", "x"))
	assert.Equal(t, "image/png", GuessMIME("noext", "image/png"))
	assert.Equal(t, "video/mp4", DefaultMIME(store.KindVideo))
	assert.Equal(t, "image/png", DefaultMIME(store.KindImage))
}

func sampleSnapshot() store.Snapshot {
	return store.Snapshot{Suggestions: []store.Suggestion{{
		ID: "sug_1",
		Attachments: store.Attachments{
			store.Mermaid{Name: "flow", Source: "graph TD"},
			store.Image{Name: "shot one.png", Media: store.Media{MIME: "image/png", Bytes: []byte("png-bytes")}},
			store.Video{Name: "clip.mp4", Media: store.Media{Path: "attachments/sug_1_2_clip.mp4"}},
			store.Video{Name: "", Media: store.Media{MIME: "video/webm", Bytes: []byte("webm-bytes")}},
			store.HTMLBlock{Name: "html", Source: "<p>x</p>"},
		},
	}}}
}

func TestExternalize(t *testing.T) {
	snap := sampleSnapshot()

	out, files := Externalize(snap)
	require.Len(t, files, 2)
	assert.Equal(t, "attachments/sug_1_1_shot_one.png", files[0].Path)
	assert.Equal(t, []byte("png-bytes"), files[0].Bytes)
	assert.Equal(t, "attachments/sug_1_3_file.webm", files[1].Path)

	atts := out.Suggestions[0].Attachments
	media, _ := store.MediaOf(atts[1])
	assert.Equal(t, "attachments/sug_1_1_shot_one.png", media.Path)
	assert.Nil(t, media.Bytes)
	media, _ = store.MediaOf(atts[2])
	assert.Equal(t, "attachments/sug_1_2_clip.mp4", media.Path)
	assert.Equal(t, store.Mermaid{Name: "flow", Source: "graph TD"}, atts[0])
	assert.Equal(t, store.HTMLBlock{Name: "html", Source: "<p>x</p>"}, atts[4])

	original, _ := store.MediaOf(snap.Suggestions[0].Attachments[1])
	assert.True(t, original.Inline(), "input snapshot must not be mutated")
}

func TestHydrateRoundTrip(t *testing.T) {
	out, files := Externalize(sampleSnapshot())
	byPath := map[string][]byte{}
	for _, f := range files {
		byPath[f.Path] = f.Bytes
	}

	hydrated, missing := Hydrate(out, func(rel string) ([]byte, bool) {
		data, ok := byPath[rel]
		return data, ok
	})
	assert.Equal(t, []string{"attachments/sug_1_2_clip.mp4"}, missing)

	atts := hydrated.Suggestions[0].Attachments
	img, _ := store.MediaOf(atts[1])
	require.True(t, img.Inline())
	assert.Equal(t, "image/png", img.MIME)
	assert.True(t, bytes.Equal(img.Bytes, []byte("png-bytes")))

	vid, _ := store.MediaOf(atts[3])
	assert.Equal(t, "video/webm", vid.MIME)
	assert.Equal(t, []byte("webm-bytes"), vid.Bytes)
}
