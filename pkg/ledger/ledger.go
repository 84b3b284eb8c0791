// Package ledger holds the per-wallet transaction record.
//
// The ledger is the append-only record of every transaction proposed to one
// wallet:
//   - Indices are dense, 0-based and never reused
//   - Each entry is hash-chained to its predecessor over its immutable fields
//   - Execution state is monotone (executed never flips back)
//
// Every entry carries its own lock so mutations of different indices never
// serialize against each other.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/quorum/pkg/owner"
)

// GenesisHash is the PrevHash of the first entry.
const GenesisHash = "genesis"

var (
	// ErrInvalidIndex is returned for indices outside [0, Len()).
	ErrInvalidIndex = errors.New("invalid transaction index")
	// ErrInvalidValue is returned for nil or negative values.
	ErrInvalidValue = errors.New("invalid value")
	// ErrCorrupt is returned when restored entries fail the chain check.
	ErrCorrupt = errors.New("ledger corrupt")
)

// Transaction is one proposed action and its execution state.
type Transaction struct {
	Index         uint64      `json:"index"`
	Target        string      `json:"target"`
	Value         *big.Int    `json:"value"`
	Payload       []byte      `json:"payload"`
	Executed      bool        `json:"executed"`
	ApprovalCount int         `json:"approval_count"`
	SubmittedBy   owner.Owner `json:"submitted_by"`
	SubmittedAt   time.Time   `json:"submitted_at"`
	ExecutedBy    owner.Owner `json:"executed_by,omitempty"`
	ExecutedAt    time.Time   `json:"executed_at,omitempty"`
	ContentHash   string      `json:"content_hash"`
	PrevHash      string      `json:"prev_hash"`
}

// Clone returns a deep copy, so snapshots never alias ledger memory.
func (t Transaction) Clone() Transaction {
	out := t
	if t.Value != nil {
		out.Value = new(big.Int).Set(t.Value)
	}
	out.Payload = append([]byte{}, t.Payload...)
	return out
}

// Proposal holds the caller-supplied fields of a new transaction.
type Proposal struct {
	Target      string
	Value       *big.Int
	Payload     []byte
	SubmittedBy owner.Owner
}

// Slot is the mutable view of one entry handed to Update callbacks.
// Executing marks a provisional execution whose effect is still in flight.
type Slot struct {
	Tx        Transaction
	Executing bool
}

type entry struct {
	mu        sync.Mutex
	tx        Transaction
	executing bool
}

// Ledger is an append-only, hash-chained transaction log.
type Ledger struct {
	mu       sync.RWMutex
	entries  []*entry
	headHash string
	clock    func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		entries:  make([]*entry, 0),
		headHash: GenesisHash,
		clock:    time.Now,
	}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append assigns the next index to p and appends it. commit, when non-nil, is
// called with the finished transaction while the append lock is held; if it
// fails nothing is appended and the index is not consumed.
func (l *Ledger) Append(p Proposal, commit func(Transaction) error) (Transaction, error) {
	if p.Value == nil || p.Value.Sign() < 0 {
		return Transaction{}, fmt.Errorf("%w: %v", ErrInvalidValue, p.Value)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := Transaction{
		Index:       uint64(len(l.entries)),
		Target:      p.Target,
		Value:       new(big.Int).Set(p.Value),
		Payload:     append([]byte{}, p.Payload...),
		SubmittedBy: p.SubmittedBy,
		SubmittedAt: l.clock().UTC(),
		PrevHash:    l.headHash,
	}
	hash, err := contentHash(tx)
	if err != nil {
		return Transaction{}, err
	}
	tx.ContentHash = hash

	if commit != nil {
		if err := commit(tx.Clone()); err != nil {
			return Transaction{}, err
		}
	}

	l.entries = append(l.entries, &entry{tx: tx})
	l.headHash = hash
	return tx.Clone(), nil
}

// Update runs fn with exclusive access to the entry at index. Changes fn makes
// to the slot are kept only when fn returns nil.
func (l *Ledger) Update(index uint64, fn func(s *Slot) error) error {
	e, err := l.entry(index)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := Slot{Tx: e.tx, Executing: e.executing}
	if err := fn(&s); err != nil {
		return err
	}
	if e.tx.Executed && !s.Tx.Executed {
		return fmt.Errorf("transaction %d: executed flag cannot be cleared", index)
	}
	e.tx = s.Tx
	e.executing = s.Executing
	return nil
}

// View runs fn with a snapshot of the entry at index while holding its lock,
// so fn observes the transaction and anything guarded alongside it at one
// point in time.
func (l *Ledger) View(index uint64, fn func(tx Transaction) error) error {
	e, err := l.entry(index)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.tx.Clone())
}

// Get returns a snapshot of the transaction at index.
func (l *Ledger) Get(index uint64) (Transaction, error) {
	e, err := l.entry(index)
	if err != nil {
		return Transaction{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tx.Clone(), nil
}

// Executing reports whether an execution of index is in flight.
func (l *Ledger) Executing(index uint64) (bool, error) {
	e, err := l.entry(index)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executing, nil
}

// All returns snapshots of every transaction in index order.
func (l *Ledger) All() []Transaction {
	l.mu.RLock()
	entries := l.entries
	l.mu.RUnlock()

	out := make([]Transaction, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.tx.Clone())
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of transactions.
func (l *Ledger) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries))
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Load replaces the contents of an empty ledger with previously persisted
// transactions. Indices must be dense and the hash chain intact.
func (l *Ledger) Load(txs []Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) != 0 {
		return errors.New("ledger: load into non-empty ledger")
	}
	if ok, reason := verifyChain(txs); !ok {
		return fmt.Errorf("%w: %s", ErrCorrupt, reason)
	}
	entries := make([]*entry, len(txs))
	for i, tx := range txs {
		entries[i] = &entry{tx: tx.Clone()}
	}
	l.entries = entries
	if len(txs) > 0 {
		l.headHash = txs[len(txs)-1].ContentHash
	}
	return nil
}

// Verify checks the integrity of the entire ledger chain.
func (l *Ledger) Verify() (bool, string) {
	return verifyChain(l.All())
}

func (l *Ledger) entry(index uint64) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.entries)) {
		return nil, fmt.Errorf("%w: %d (length %d)", ErrInvalidIndex, index, len(l.entries))
	}
	return l.entries[index], nil
}

func verifyChain(txs []Transaction) (bool, string) {
	prevHash := GenesisHash
	for i, tx := range txs {
		if tx.Index != uint64(i) {
			return false, fmt.Sprintf("index gap at position %d: found index %d", i, tx.Index)
		}
		if tx.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i, prevHash, tx.PrevHash)
		}
		computed, err := contentHash(tx)
		if err != nil {
			return false, fmt.Sprintf("failed to hash entry %d", i)
		}
		if computed != tx.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i)
		}
		prevHash = tx.ContentHash
	}
	return true, "chain verified"
}

// contentHash covers the immutable fields of a transaction only; execution
// state and approval counts change after append.
func contentHash(tx Transaction) (string, error) {
	value := "0"
	if tx.Value != nil {
		value = tx.Value.String()
	}
	hashInput := struct {
		Index       uint64 `json:"index"`
		Target      string `json:"target"`
		Value       string `json:"value"`
		Payload     string `json:"payload"`
		SubmittedBy string `json:"submitted_by"`
		PrevHash    string `json:"prev"`
	}{tx.Index, tx.Target, value, hex.EncodeToString(tx.Payload), string(tx.SubmittedBy), tx.PrevHash}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
