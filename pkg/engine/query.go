package engine

import (
	"fmt"

	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/owner"
)

// OwnerCount returns the number of owners.
func (e *Engine) OwnerCount() int { return e.owners.Len() }

// Owner returns the i-th owner in insertion order.
func (e *Engine) Owner(i int) (owner.Owner, error) {
	o, ok := e.owners.At(i)
	if !ok {
		return "", fmt.Errorf("%w: owner %d of %d", ErrInvalidIndex, i, e.owners.Len())
	}
	return o, nil
}

// Owners returns the owners in insertion order.
func (e *Engine) Owners() []owner.Owner { return e.owners.Owners() }

// IsOwner reports whether o is an owner.
func (e *Engine) IsOwner(o owner.Owner) bool { return e.owners.Contains(o) }

// Threshold returns the number of approvals required to execute.
func (e *Engine) Threshold() int { return e.owners.Threshold() }

// TransactionCount returns the number of submitted transactions.
func (e *Engine) TransactionCount() uint64 { return e.ledger.Len() }

// Transaction returns a snapshot of the transaction at index.
func (e *Engine) Transaction(index uint64) (ledger.Transaction, error) {
	return e.ledger.Get(index)
}

// Transactions returns snapshots of all transactions in index order.
func (e *Engine) Transactions() []ledger.Transaction { return e.ledger.All() }

// Pending returns the transactions that have not executed, in index order.
func (e *Engine) Pending() []ledger.Transaction {
	all := e.ledger.All()
	out := all[:0]
	for _, tx := range all {
		if !tx.Executed {
			out = append(out, tx)
		}
	}
	return out
}

// Executing reports whether an execution of index is in flight.
func (e *Engine) Executing(index uint64) (bool, error) {
	return e.ledger.Executing(index)
}

// IsApproved reports whether o currently approves index.
func (e *Engine) IsApproved(index uint64, o owner.Owner) (bool, error) {
	var approved bool
	err := e.ledger.View(index, func(ledger.Transaction) error {
		approved = e.approvals.IsApproved(index, o)
		return nil
	})
	return approved, err
}

// Approvers returns the owners currently approving index, in owner order.
func (e *Engine) Approvers(index uint64) ([]owner.Owner, error) {
	var out []owner.Owner
	err := e.ledger.View(index, func(ledger.Transaction) error {
		for _, o := range e.owners.Owners() {
			if e.approvals.IsApproved(index, o) {
				out = append(out, o)
			}
		}
		return nil
	})
	return out, err
}

// VerifyLedger checks the transaction hash chain.
func (e *Engine) VerifyLedger() (bool, string) { return e.ledger.Verify() }

// Load restores persisted transactions and approval bits into a fresh engine.
// Every approver must be an owner and every stored approval count must match
// its bits.
func (e *Engine) Load(txs []ledger.Transaction, approvals map[uint64][]owner.Owner) error {
	for idx, approvers := range approvals {
		if idx >= uint64(len(txs)) {
			return fmt.Errorf("%w: approvals for unknown transaction %d", ErrCorrupt, idx)
		}
		for _, o := range approvers {
			if !e.owners.Contains(o) {
				return fmt.Errorf("%w: approval by non-owner %s on %d", ErrCorrupt, o, idx)
			}
		}
	}
	for _, tx := range txs {
		if got := len(approvals[tx.Index]); got != tx.ApprovalCount {
			return fmt.Errorf("%w: transaction %d count %d, bits %d", ErrCorrupt, tx.Index, tx.ApprovalCount, got)
		}
	}
	if err := e.ledger.Load(txs); err != nil {
		return err
	}
	for idx, approvers := range approvals {
		e.approvals.Load(idx, approvers)
	}
	return nil
}
