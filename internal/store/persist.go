package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Persister keeps the document and the sync metadata across restarts.
// Load methods report false when nothing has been stored yet.
type Persister interface {
	LoadSnapshot(ctx context.Context) (Snapshot, bool, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSyncState(ctx context.Context) (SyncState, bool, error)
	SaveSyncState(ctx context.Context, state SyncState) error
}

// DecodeSnapshot parses a persisted document and fills defaults.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	snap, err := ParseSnapshot(data)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Normalize()
	return snap, nil
}

// ParseSnapshot decodes a document as given, leaving missing fields empty.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	snap.Normalize()
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// EncodeSnapshotIndent is the human-readable form used for mirrors and exports.
func EncodeSnapshotIndent(snap Snapshot) ([]byte, error) {
	snap.Normalize()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSyncState(data []byte) (SyncState, error) {
	var state SyncState
	if err := json.Unmarshal(data, &state); err != nil {
		return SyncState{}, fmt.Errorf("decode sync state: %w", err)
	}
	return state, nil
}

// MemoryStore keeps encoded documents in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot []byte
	sync     []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadSnapshot(_ context.Context) (Snapshot, bool, error) {
	m.mu.Lock()
	data := m.snapshot
	m.mu.Unlock()
	if data == nil {
		return Snapshot{}, false, nil
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.snapshot = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadSyncState(_ context.Context) (SyncState, bool, error) {
	m.mu.Lock()
	data := m.sync
	m.mu.Unlock()
	if data == nil {
		return SyncState{}, false, nil
	}
	state, err := decodeSyncState(data)
	if err != nil {
		return SyncState{}, false, err
	}
	return state, true, nil
}

func (m *MemoryStore) SaveSyncState(_ context.Context, state SyncState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	m.mu.Lock()
	m.sync = data
	m.mu.Unlock()
	return nil
}

// LoadOrInit loads the stored document, prunes demo records and falls back
// to an empty document with the given team name.
func LoadOrInit(ctx context.Context, p Persister, teamName string) (Snapshot, error) {
	snap, ok, err := p.LoadSnapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		snap = Snapshot{Config: Config{TeamName: teamName}}
		snap.Normalize()
		return snap, nil
	}
	if snap.PruneDemo() {
		if err := p.SaveSnapshot(ctx, snap); err != nil {
			return Snapshot{}, fmt.Errorf("save pruned snapshot: %w", err)
		}
	}
	return snap, nil
}
