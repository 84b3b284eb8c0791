package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/quorum/pkg/engine"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/owner"
)

type fileWallet struct {
	Record       WalletRecord               `json:"record"`
	Transactions []ledger.Transaction       `json:"transactions"`
	Approvals    map[uint64]map[string]bool `json:"approvals"`
	Claims       map[uint64]bool            `json:"claims,omitempty"`
}

type fileData struct {
	Wallets map[string]*fileWallet `json:"wallets"`
}

// File keeps state in memory and, when path is set, rewrites a JSON
// snapshot after every mutation. The snapshot is read once at open, so a File
// must be the only writer of its path; deployments with several processes
// use SQL.
type File struct {
	path string
	mu   sync.RWMutex
	data fileData
}

// NewMemory returns a store that never touches disk.
func NewMemory() *File {
	return &File{data: fileData{Wallets: make(map[string]*fileWallet)}}
}

// NewFile opens (or starts) the snapshot at path.
func NewFile(path string) (*File, error) {
	f := NewMemory()
	f.path = path

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &f.data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if f.data.Wallets == nil {
		f.data.Wallets = make(map[string]*fileWallet)
	}
	return f, nil
}

// save must be called with mu held.
func (f *File) save() error {
	if f.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *File) SaveWallet(_ context.Context, w WalletRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data.Wallets[w.ID]; ok {
		return fmt.Errorf("%w: wallet %s exists", ErrConflict, w.ID)
	}
	w.Owners = append([]string(nil), w.Owners...)
	f.data.Wallets[w.ID] = &fileWallet{Record: w, Approvals: make(map[uint64]map[string]bool)}
	if err := f.save(); err != nil {
		delete(f.data.Wallets, w.ID)
		return err
	}
	return nil
}

func (f *File) ListWallets(_ context.Context) ([]WalletRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]WalletRecord, 0, len(f.data.Wallets))
	for _, w := range f.data.Wallets {
		r := w.Record
		r.Owners = append([]string(nil), r.Owners...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (f *File) wallet(id string) (*fileWallet, error) {
	w, ok := f.data.Wallets[id]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", ErrNotFound, id)
	}
	return w, nil
}

func (f *File) AppendTransaction(_ context.Context, walletID string, tx ledger.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.wallet(walletID)
	if err != nil {
		return err
	}
	if tx.Index != uint64(len(w.Transactions)) {
		return fmt.Errorf("%w: transaction %d, next is %d", ErrConflict, tx.Index, len(w.Transactions))
	}
	w.Transactions = append(w.Transactions, tx.Clone())
	if err := f.save(); err != nil {
		w.Transactions = w.Transactions[:len(w.Transactions)-1]
		return err
	}
	return nil
}

// mutableTx returns the stored transaction at index if it can still change.
// Caller holds mu.
func (f *File) mutableTx(walletID string, index uint64) (*fileWallet, error) {
	w, err := f.wallet(walletID)
	if err != nil {
		return nil, err
	}
	if index >= uint64(len(w.Transactions)) {
		return nil, fmt.Errorf("%w: transaction %s/%d", ErrNotFound, walletID, index)
	}
	if w.Transactions[index].Executed {
		return nil, fmt.Errorf("transaction %s/%d: %w", walletID, index, engine.ErrAlreadyExecuted)
	}
	if w.Claims[index] {
		return nil, fmt.Errorf("transaction %s/%d: %w", walletID, index, engine.ErrExecutionInProgress)
	}
	return w, nil
}

func (f *File) RecordApproval(_ context.Context, walletID string, index uint64, o owner.Owner, approved bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.mutableTx(walletID, index)
	if err != nil {
		return err
	}

	bits := w.Approvals[index]
	if bits == nil {
		bits = make(map[string]bool)
		w.Approvals[index] = bits
	}
	prevCount := w.Transactions[index].ApprovalCount
	switch {
	case approved && bits[o.String()]:
		return fmt.Errorf("%w: %s on %s/%d", engine.ErrAlreadyApproved, o, walletID, index)
	case !approved && !bits[o.String()]:
		return fmt.Errorf("%w: %s on %s/%d", engine.ErrNotApproved, o, walletID, index)
	case approved:
		bits[o.String()] = true
	default:
		delete(bits, o.String())
	}
	w.Transactions[index].ApprovalCount = len(bits)

	if err := f.save(); err != nil {
		if approved {
			delete(bits, o.String())
		} else {
			bits[o.String()] = true
		}
		w.Transactions[index].ApprovalCount = prevCount
		return err
	}
	return nil
}

func (f *File) ClaimExecution(_ context.Context, walletID string, index uint64, threshold int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.mutableTx(walletID, index)
	if err != nil {
		return err
	}
	if n := w.Transactions[index].ApprovalCount; n < threshold {
		return fmt.Errorf("%w: stored %d, need %d", engine.ErrInsufficientApprovals, n, threshold)
	}
	if w.Claims == nil {
		w.Claims = make(map[uint64]bool)
	}
	w.Claims[index] = true
	if err := f.save(); err != nil {
		delete(w.Claims, index)
		return err
	}
	return nil
}

func (f *File) ReleaseExecution(_ context.Context, walletID string, index uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.wallet(walletID)
	if err != nil {
		return err
	}
	if !w.Claims[index] {
		return nil
	}
	delete(w.Claims, index)
	if err := f.save(); err != nil {
		w.Claims[index] = true
		return err
	}
	return nil
}

func (f *File) MarkExecuted(_ context.Context, walletID string, tx ledger.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.wallet(walletID)
	if err != nil {
		return err
	}
	if tx.Index >= uint64(len(w.Transactions)) {
		return fmt.Errorf("%w: transaction %s/%d", ErrNotFound, walletID, tx.Index)
	}
	prev := w.Transactions[tx.Index]
	if prev.Executed {
		return fmt.Errorf("%w: transaction %s/%d already executed", ErrConflict, walletID, tx.Index)
	}
	claimed := w.Claims[tx.Index]
	next := prev
	next.Executed = true
	next.ExecutedBy = tx.ExecutedBy
	next.ExecutedAt = tx.ExecutedAt
	w.Transactions[tx.Index] = next
	delete(w.Claims, tx.Index)
	if err := f.save(); err != nil {
		w.Transactions[tx.Index] = prev
		if claimed {
			w.Claims[tx.Index] = true
		}
		return err
	}
	return nil
}

// Atomically runs fn against a scratch copy and adopts it only if fn
// succeeds. Other writers wait until it is done.
func (f *File) Atomically(_ context.Context, fn func(Store) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := json.Marshal(f.data)
	if err != nil {
		return err
	}
	scratch := NewMemory()
	if err := json.Unmarshal(raw, &scratch.data); err != nil {
		return err
	}
	if scratch.data.Wallets == nil {
		scratch.data.Wallets = make(map[string]*fileWallet)
	}
	if err := fn(scratch); err != nil {
		return err
	}

	prev := f.data
	f.data = scratch.data
	if err := f.save(); err != nil {
		f.data = prev
		return err
	}
	return nil
}

func (f *File) LoadTransactions(_ context.Context, walletID string) ([]ledger.Transaction, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	w, err := f.wallet(walletID)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Transaction, len(w.Transactions))
	for i, tx := range w.Transactions {
		out[i] = tx.Clone()
	}
	return out, nil
}

func (f *File) LoadApprovals(_ context.Context, walletID string) (map[uint64][]owner.Owner, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	w, err := f.wallet(walletID)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64][]owner.Owner)
	for idx, bits := range w.Approvals {
		for o := range bits {
			out[idx] = append(out[idx], owner.Owner(o))
		}
		sort.Slice(out[idx], func(i, j int) bool { return out[idx][i] < out[idx][j] })
	}
	return out, nil
}

func (f *File) Close() error { return nil }
