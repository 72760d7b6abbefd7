// Package archive packs the document and its attachments into a zip file
// and unpacks it again.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"accord/api/internal/attachment"
	"accord/api/internal/store"
)

// MaxEntrySize bounds a single decompressed archive entry.
const MaxEntrySize = 64 << 20

var (
	ErrMissingDocument = errors.New(store.DataFileName + " not found in archive")
	ErrEntryTooLarge   = errors.New("archive entry too large")
)

// Name is the download name for an export taken at t.
func Name(t time.Time) string {
	return "accord-data-" + t.UTC().Format("20060102-150405") + ".zip"
}

// Export writes accord-data.json plus one file per inline image or video
// payload under attachments/.
func Export(snap store.Snapshot) ([]byte, error) {
	exported, files := attachment.Externalize(snap)
	doc, err := store.EncodeSnapshotIndent(exported)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, 6)
	})

	if err := writeEntry(zw, store.DataFileName, doc); err != nil {
		return nil, err
	}
	for _, file := range files {
		if err := writeEntry(zw, file.Path, file.Bytes); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Import reads an archive produced by Export. Attachment paths are inlined
// again; paths with no matching entry are returned as missing. The document
// is returned as stored, without defaults filled in.
func Import(data []byte) (store.Snapshot, []string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return store.Snapshot{}, nil, fmt.Errorf("open archive: %w", err)
	}

	var doc []byte
	files := map[string]*zip.File{}
	for _, f := range zr.File {
		name := strings.TrimPrefix(f.Name, "./")
		switch {
		case name == store.DataFileName:
			doc, err = readEntry(f)
			if err != nil {
				return store.Snapshot{}, nil, err
			}
		case strings.HasPrefix(name, attachment.Dir+"/") && !f.FileInfo().IsDir():
			files[name] = f
		}
	}
	if doc == nil {
		return store.Snapshot{}, nil, ErrMissingDocument
	}

	snap, err := store.ParseSnapshot(doc)
	if err != nil {
		return store.Snapshot{}, nil, err
	}

	var readErr error
	hydrated, missing := attachment.Hydrate(snap, func(rel string) ([]byte, bool) {
		f, ok := files[rel]
		if !ok || readErr != nil {
			return nil, false
		}
		payload, err := readEntry(f)
		if err != nil {
			readErr = err
			return nil, false
		}
		return payload, true
	})
	if readErr != nil {
		return store.Snapshot{}, nil, readErr
	}
	return hydrated, missing, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > MaxEntrySize {
		return nil, fmt.Errorf("%s: %w", f.Name, ErrEntryTooLarge)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, MaxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	if len(data) > MaxEntrySize {
		return nil, fmt.Errorf("%s: %w", f.Name, ErrEntryTooLarge)
	}
	return data, nil
}
