package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"accord/api/internal/logger"
)

// DataFileName is the document name used by mirrors, archives and the remote.
const DataFileName = "accord-data.json"

// FileMirror writes the document as indented JSON into a folder. The folder
// chosen in the document config wins over the configured default.
type FileMirror struct {
	defaultDir string
}

func NewFileMirror(defaultDir string) *FileMirror {
	return &FileMirror{defaultDir: strings.TrimSpace(defaultDir)}
}

func (m *FileMirror) dirFor(snap Snapshot) string {
	if snap.Config.SavedFolder != nil && strings.TrimSpace(*snap.Config.SavedFolder) != "" {
		return strings.TrimSpace(*snap.Config.SavedFolder)
	}
	return m.defaultDir
}

// Write is a no-op when no folder is chosen.
func (m *FileMirror) Write(snap Snapshot) (string, error) {
	dir := m.dirFor(snap)
	if dir == "" {
		return "", nil
	}
	data, err := EncodeSnapshotIndent(snap)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create mirror folder: %w", err)
	}
	target := filepath.Join(dir, DataFileName)
	tmp, err := os.CreateTemp(dir, ".accord-data-*.json")
	if err != nil {
		return "", fmt.Errorf("create mirror temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write mirror: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close mirror: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("replace mirror: %w", err)
	}
	return target, nil
}

// MirroredStore saves through the wrapped persister and then mirrors the
// document to disk. Mirror failures are logged and never returned.
type MirroredStore struct {
	Persister
	mirror *FileMirror
	log    *logger.Logger
}

func WithMirror(p Persister, mirror *FileMirror, log *logger.Logger) *MirroredStore {
	if log == nil {
		log = logger.Nop()
	}
	return &MirroredStore{Persister: p, mirror: mirror, log: log}
}

func (m *MirroredStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := m.Persister.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	if path, err := m.mirror.Write(snap); err != nil {
		m.log.Warn("mirror write failed", "error", err)
	} else if path != "" {
		m.log.Debug("mirrored snapshot", "path", path)
	}
	return nil
}
