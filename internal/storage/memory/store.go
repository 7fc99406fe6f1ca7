// Package memory provides in-memory store implementations for tests and
// single-process development runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kudoshq/ingestd/internal/ingest"
)

type recordKey struct {
	source     string
	externalID string
}

// RecordStore keeps accepted records in a map keyed the same way the
// Postgres unique index is, so replays are idempotent here too.
type RecordStore struct {
	mu      sync.Mutex
	records map[recordKey]ingest.RawRecord
}

// NewRecordStore builds an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[recordKey]ingest.RawRecord)}
}

// InsertRecords inserts records not yet present and returns the number
// actually inserted.
func (s *RecordStore) InsertRecords(_ context.Context, records []ingest.RawRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, rec := range records {
		key := recordKey{source: rec.Source, externalID: rec.SourceExternalID}
		if _, exists := s.records[key]; exists {
			continue
		}
		s.records[key] = rec
		inserted++
	}
	return inserted, nil
}

// Record returns a stored record by its identity key.
func (s *RecordStore) Record(source, externalID string) (ingest.RawRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{source: source, externalID: externalID}]
	return rec, ok
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// ConnectionStore keeps connections in memory.
type ConnectionStore struct {
	mu    sync.Mutex
	conns map[string]ingest.Connection
}

// NewConnectionStore builds a store seeded with the given connections.
func NewConnectionStore(conns ...ingest.Connection) *ConnectionStore {
	s := &ConnectionStore{conns: make(map[string]ingest.Connection)}
	for _, c := range conns {
		s.conns[c.ID] = c
	}
	return s
}

// Put inserts or replaces a connection.
func (s *ConnectionStore) Put(conn ingest.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID] = conn
}

// Connection returns a connection by ID.
func (s *ConnectionStore) Connection(_ context.Context, id string) (ingest.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return ingest.Connection{}, fmt.Errorf("%w: %s", ingest.ErrConnectionNotFound, id)
	}
	return conn, nil
}

// ActiveConnections lists connections eligible for scheduled collection.
func (s *ConnectionStore) ActiveConnections(_ context.Context) ([]ingest.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ingest.Connection
	for _, conn := range s.conns {
		if conn.Status == ingest.ConnectionActive || conn.Status == ingest.ConnectionPending {
			out = append(out, conn)
		}
	}
	return out, nil
}

// UpdateConnectionStatus applies a worker-side status transition.
func (s *ConnectionStore) UpdateConnectionStatus(_ context.Context, id string, status ingest.ConnectionStatus, runErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ingest.ErrConnectionNotFound, id)
	}
	now := time.Now().UTC()
	conn.Status = status
	conn.LastRunError = runErr
	conn.UpdatedAt = now
	if status == ingest.ConnectionActive || status == ingest.ConnectionError {
		conn.LastRunAt = &now
	}
	s.conns[id] = conn
	return nil
}
