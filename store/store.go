// Package store persists player accounts. The lobby only ever talks to it through Store.Transact.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("player not found")
	ErrDuplicate = errors.New("player already exists")
)

// PlayerRecord is one row of the players table
type PlayerRecord struct {
	Email        string
	Handle       string
	PasswordHash string
	Salt         string
	Iterations   int
	Verified     bool
	VerifyToken  string
	State        string
	ServerState  string
	CreatedAt    time.Time
}

// Tx is the set of operations available inside one transaction
type Tx interface {
	// FindPlayer returns the player whose email is email or whose handle is handle
	FindPlayer(ctx context.Context, email, handle string) (*PlayerRecord, error)
	InsertPlayer(ctx context.Context, record *PlayerRecord) error
	SaveServerState(ctx context.Context, email, serverState string) error
	// Verify marks the player owning token as email validated
	Verify(ctx context.Context, token string) (*PlayerRecord, error)
}

// Store runs transactions. When fn returns an error nothing it did is kept.
type Store interface {
	Transact(ctx context.Context, fn func(tx Tx) error) error
	Close()
}
