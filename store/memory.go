package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps players in process memory. Transactions are serialized and copy on write.
type MemoryStore struct {
	mutex   sync.Mutex
	players map[string]PlayerRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{players: make(map[string]PlayerRecord)}
}

func (s *MemoryStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	working := make(map[string]PlayerRecord, len(s.players))
	for email, record := range s.players {
		working[email] = record
	}

	if err := fn(&memoryTx{players: working}); err != nil {
		return err
	}
	s.players = working
	return nil
}

func (s *MemoryStore) Close() {}

type memoryTx struct {
	players map[string]PlayerRecord
}

func (tx *memoryTx) FindPlayer(ctx context.Context, email, handle string) (*PlayerRecord, error) {
	if record, ok := tx.players[email]; ok {
		return &record, nil
	}
	for _, record := range tx.players {
		if record.Handle == handle {
			return &record, nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memoryTx) InsertPlayer(ctx context.Context, record *PlayerRecord) error {
	if _, err := tx.FindPlayer(ctx, record.Email, record.Handle); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicate, record.Email)
	}
	inserted := *record
	if inserted.CreatedAt.IsZero() {
		inserted.CreatedAt = time.Now()
	}
	tx.players[record.Email] = inserted
	return nil
}

func (tx *memoryTx) SaveServerState(ctx context.Context, email, serverState string) error {
	record, ok := tx.players[email]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	record.ServerState = serverState
	tx.players[email] = record
	return nil
}

func (tx *memoryTx) Verify(ctx context.Context, token string) (*PlayerRecord, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	for email, record := range tx.players {
		if record.VerifyToken == token {
			record.Verified = true
			record.VerifyToken = ""
			tx.players[email] = record
			return &record, nil
		}
	}
	return nil, ErrNotFound
}
