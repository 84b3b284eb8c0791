// Package store persists wallets, transactions and approval bits.
//
// A Store is the engine's Journal plus the reads the registry needs to
// rebuild wallets after a restart. SQL backs production deployments
// (Postgres or SQLite); File keeps a JSON snapshot for single-node use, and
// with an empty path is a pure in-memory store for tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/engine"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/owner"
)

var (
	// ErrNotFound is returned when a wallet or transaction is not stored.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with existing state.
	ErrConflict = errors.New("conflict")
)

// WalletRecord is the durable shape of a wallet.
type WalletRecord struct {
	ID        string    `json:"id"`
	Owners    []string  `json:"owners"`
	Threshold int       `json:"threshold"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	Seq       int64     `json:"seq"`
}

// Store persists wallet state.
type Store interface {
	engine.Journal

	SaveWallet(ctx context.Context, w WalletRecord) error
	// ListWallets returns wallets in creation order.
	ListWallets(ctx context.Context) ([]WalletRecord, error)
	// LoadTransactions returns a wallet's transactions in index order.
	LoadTransactions(ctx context.Context, walletID string) ([]ledger.Transaction, error)
	// LoadApprovals returns the current approvers per transaction index.
	LoadApprovals(ctx context.Context, walletID string) (map[uint64][]owner.Owner, error)
	// Atomically runs fn against a view of the store whose reads share one
	// snapshot and whose writes all land or none do. fn must use only the
	// view it is given.
	Atomically(ctx context.Context, fn func(Store) error) error
	Close() error
}
