package engine

import (
	"context"
	"math/big"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/owner"
)

// Action is what an Effect dispatches when a transaction executes.
type Action struct {
	WalletID   string      `json:"wallet_id"`
	Index      uint64      `json:"index"`
	Target     string      `json:"target"`
	Value      *big.Int    `json:"value"`
	Payload    []byte      `json:"payload"`
	ExecutedBy owner.Owner `json:"executed_by"`
}

// Effect performs the external side of an execution (value transfer plus
// payload). A non-nil error aborts the execution; the transaction stays
// unexecuted and may be retried.
type Effect interface {
	Dispatch(ctx context.Context, a Action) error
}

// EffectFunc adapts a function to Effect.
type EffectFunc func(ctx context.Context, a Action) error

// Dispatch calls f.
func (f EffectFunc) Dispatch(ctx context.Context, a Action) error { return f(ctx, a) }

// Check is the input to an execution Guard.
type Check struct {
	Action    Action
	Approvals int
	Threshold int
	Owners    int
}

// Guard is an optional extra precondition on execute. Returning an error
// denies the execution.
type Guard interface {
	Allow(ctx context.Context, c Check) error
}

// Limiter throttles submissions per key (wallet + caller).
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Journal persists committed mutations. Each call happens while the affected
// transaction is locked and before the in-memory state changes; an error
// aborts the mutation.
//
// Engines in several processes may share one journal, so the journal, not
// the in-memory ledger, is the serialization point: it derives approval
// counts from its own bits and grants at most one execution claim per
// transaction.
type Journal interface {
	AppendTransaction(ctx context.Context, walletID string, tx ledger.Transaction) error
	// RecordApproval sets or clears o's bit. It fails with ErrAlreadyApproved
	// or ErrNotApproved when the stored bit already has that value, and with
	// ErrAlreadyExecuted or ErrExecutionInProgress when the stored
	// transaction is no longer mutable.
	RecordApproval(ctx context.Context, walletID string, index uint64, o owner.Owner, approved bool) error
	// ClaimExecution marks index as executing once the stored approval count
	// reaches threshold. Only one claim is granted until it is released.
	ClaimExecution(ctx context.Context, walletID string, index uint64, threshold int) error
	// ReleaseExecution drops the claim after a failed effect.
	ReleaseExecution(ctx context.Context, walletID string, index uint64) error
	// MarkExecuted finalizes the transaction and drops its claim.
	MarkExecuted(ctx context.Context, walletID string, tx ledger.Transaction) error
}

// Telemetry wraps operations in spans and RED metrics.
type Telemetry interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

type noopTelemetry struct{}

func (noopTelemetry) TrackOperation(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	return ctx, func(error) {}
}
