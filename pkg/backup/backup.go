// Package backup takes point-in-time snapshots of a store and writes them to
// content-addressed object storage.
//
// A snapshot is canonical JSON (RFC 8785) keyed by its SHA-256, so writing
// the same state twice is a no-op and a read can verify what it got.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/owner"
	"github.com/Mindburn-Labs/quorum/pkg/store"
)

// FormatVersion is written into every snapshot.
const FormatVersion = 1

var (
	// ErrIntegrity is returned when stored bytes do not hash to their key.
	ErrIntegrity = errors.New("snapshot integrity check failed")
	// ErrNotEmpty is returned by Apply when the target store already has wallets.
	ErrNotEmpty = errors.New("target store not empty")
	// ErrNotFound is returned by sinks for keys they do not hold.
	ErrNotFound = errors.New("snapshot not found")
)

// Snapshot is the full durable state of every wallet.
type Snapshot struct {
	Version int              `json:"version"`
	Wallets []WalletSnapshot `json:"wallets"`
}

// WalletSnapshot is one wallet with its transactions and approval bits.
type WalletSnapshot struct {
	Wallet       store.WalletRecord       `json:"wallet"`
	Transactions []TxRecord               `json:"transactions"`
	Approvals    map[uint64][]owner.Owner `json:"approvals,omitempty"`
}

// TxRecord is a transaction with its value as a decimal string. Canonical
// JSON numbers are IEEE doubles and would round large values.
type TxRecord struct {
	Index       uint64      `json:"index"`
	Target      string      `json:"target"`
	Value       string      `json:"value"`
	Payload     []byte      `json:"payload,omitempty"`
	Executed    bool        `json:"executed"`
	SubmittedBy owner.Owner `json:"submitted_by"`
	SubmittedAt time.Time   `json:"submitted_at"`
	ExecutedBy  owner.Owner `json:"executed_by,omitempty"`
	ExecutedAt  time.Time   `json:"executed_at"`
	ContentHash string      `json:"content_hash"`
	PrevHash    string      `json:"prev_hash"`
}

func recordOf(tx ledger.Transaction) TxRecord {
	return TxRecord{
		Index:       tx.Index,
		Target:      tx.Target,
		Value:       tx.Value.String(),
		Payload:     tx.Payload,
		Executed:    tx.Executed,
		SubmittedBy: tx.SubmittedBy,
		SubmittedAt: tx.SubmittedAt,
		ExecutedBy:  tx.ExecutedBy,
		ExecutedAt:  tx.ExecutedAt,
		ContentHash: tx.ContentHash,
		PrevHash:    tx.PrevHash,
	}
}

func (r TxRecord) transaction() (ledger.Transaction, error) {
	value, ok := new(big.Int).SetString(r.Value, 10)
	if !ok || value.Sign() < 0 {
		return ledger.Transaction{}, fmt.Errorf("%w: tx %d value %q", ErrIntegrity, r.Index, r.Value)
	}
	return ledger.Transaction{
		Index:       r.Index,
		Target:      r.Target,
		Value:       value,
		Payload:     r.Payload,
		Executed:    r.Executed,
		SubmittedBy: r.SubmittedBy,
		SubmittedAt: r.SubmittedAt,
		ExecutedBy:  r.ExecutedBy,
		ExecutedAt:  r.ExecutedAt,
		ContentHash: r.ContentHash,
		PrevHash:    r.PrevHash,
	}, nil
}

// Sink stores snapshot blobs under a key.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Take reads every wallet from s in one consistent read.
func Take(ctx context.Context, s store.Store) (*Snapshot, error) {
	var snap *Snapshot
	err := s.Atomically(ctx, func(view store.Store) error {
		var err error
		snap, err = take(ctx, view)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func take(ctx context.Context, s store.Store) (*Snapshot, error) {
	wallets, err := s.ListWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	snap := &Snapshot{Version: FormatVersion, Wallets: make([]WalletSnapshot, 0, len(wallets))}
	for _, w := range wallets {
		txs, err := s.LoadTransactions(ctx, w.ID)
		if err != nil {
			return nil, fmt.Errorf("wallet %s: %w", w.ID, err)
		}
		approvals, err := s.LoadApprovals(ctx, w.ID)
		if err != nil {
			return nil, fmt.Errorf("wallet %s: %w", w.ID, err)
		}
		records := make([]TxRecord, len(txs))
		for i, tx := range txs {
			records[i] = recordOf(tx)
		}
		snap.Wallets = append(snap.Wallets, WalletSnapshot{Wallet: w, Transactions: records, Approvals: approvals})
	}
	return snap, nil
}

// Encode renders snap as canonical JSON and returns it with its key.
func Encode(snap *Snapshot) (key string, data []byte, err error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return "", nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	data, err = jcs.Transform(raw)
	if err != nil {
		return "", nil, fmt.Errorf("canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), data, nil
}

// Decode checks data against key and parses it.
func Decode(key string, data []byte) (*Snapshot, error) {
	want, ok := strings.CutPrefix(key, "sha256:")
	if !ok {
		return nil, fmt.Errorf("invalid snapshot key %q", key)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != want {
		return nil, fmt.Errorf("%w: %s", ErrIntegrity, key)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrIntegrity, key, err)
	}
	if snap.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	return &snap, nil
}

// Write takes a snapshot of s and stores it in sink unless an identical one
// is already there.
func Write(ctx context.Context, s store.Store, sink Sink) (string, error) {
	snap, err := Take(ctx, s)
	if err != nil {
		return "", err
	}
	key, data, err := Encode(snap)
	if err != nil {
		return "", err
	}
	exists, err := sink.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return key, nil
	}
	if err := sink.Put(ctx, key, data); err != nil {
		return "", err
	}
	return key, nil
}

// Read fetches and verifies the snapshot stored under key.
func Read(ctx context.Context, sink Sink, key string) (*Snapshot, error) {
	data, err := sink.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return Decode(key, data)
}

// Apply writes snap into an empty store through the same calls the engine
// journals with, so every backend accepts it. Either the whole snapshot lands
// or the store is left as it was.
func Apply(ctx context.Context, snap *Snapshot, s store.Store) error {
	return s.Atomically(ctx, func(view store.Store) error {
		return apply(ctx, snap, view)
	})
}

func apply(ctx context.Context, snap *Snapshot, s store.Store) error {
	existing, err := s.ListWallets(ctx)
	if err != nil {
		return fmt.Errorf("list wallets: %w", err)
	}
	if len(existing) > 0 {
		return fmt.Errorf("%w: %d wallets", ErrNotEmpty, len(existing))
	}

	for _, w := range snap.Wallets {
		if err := s.SaveWallet(ctx, w.Wallet); err != nil {
			return fmt.Errorf("wallet %s: %w", w.Wallet.ID, err)
		}
		for _, rec := range w.Transactions {
			tx, err := rec.transaction()
			if err != nil {
				return err
			}
			pending := tx.Clone()
			pending.Executed = false
			pending.ExecutedBy = ""
			pending.ExecutedAt = time.Time{}
			pending.ApprovalCount = 0
			if err := s.AppendTransaction(ctx, w.Wallet.ID, pending); err != nil {
				return fmt.Errorf("wallet %s tx %d: %w", w.Wallet.ID, tx.Index, err)
			}
			for _, o := range w.Approvals[tx.Index] {
				if err := s.RecordApproval(ctx, w.Wallet.ID, tx.Index, o, true); err != nil {
					return fmt.Errorf("wallet %s tx %d: %w", w.Wallet.ID, tx.Index, err)
				}
			}
			if tx.Executed {
				if err := s.MarkExecuted(ctx, w.Wallet.ID, tx); err != nil {
					return fmt.Errorf("wallet %s tx %d: %w", w.Wallet.ID, tx.Index, err)
				}
			}
		}
	}
	return nil
}
