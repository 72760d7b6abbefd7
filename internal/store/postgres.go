package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	snapshotKey  = "snapshot"
	syncStateKey = "sync"
)

// PostgresStore keeps each document as a jsonb row in accord_documents.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	data, ok, err := s.load(ctx, snapshotKey)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	return s.save(ctx, snapshotKey, data)
}

func (s *PostgresStore) LoadSyncState(ctx context.Context) (SyncState, bool, error) {
	data, ok, err := s.load(ctx, syncStateKey)
	if err != nil || !ok {
		return SyncState{}, false, err
	}
	state, err := decodeSyncState(data)
	if err != nil {
		return SyncState{}, false, err
	}
	return state, true, nil
}

func (s *PostgresStore) SaveSyncState(ctx context.Context, state SyncState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	return s.save(ctx, syncStateKey, data)
}

func (s *PostgresStore) load(ctx context.Context, key string) ([]byte, bool, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM accord_documents WHERE key = $1`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", key, err)
	}
	return body, true, nil
}

func (s *PostgresStore) save(ctx context.Context, key string, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accord_documents (key, body, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (key) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
	`, key, string(body))
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
