// Package engine provides the authorization engine: one wallet's owners,
// threshold, transaction ledger and approval bits, and the four operations
// that mutate them (submit, approve, revoke, execute).
//
// All mutations of one transaction index are linearizable. Submissions only
// contend on the ledger's index allocator; mutations of different indices
// proceed independently.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/approval"
	"github.com/Mindburn-Labs/quorum/pkg/auth"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/observability"
	"github.com/Mindburn-Labs/quorum/pkg/owner"
)

// DefaultEffectTimeout bounds a single effect dispatch.
const DefaultEffectTimeout = 30 * time.Second

// Engine is one wallet.
type Engine struct {
	id        string
	owners    *owner.Set
	ledger    *ledger.Ledger
	approvals *approval.Tracker

	effect        Effect
	effectTimeout time.Duration
	guard         Guard
	limiter       Limiter
	journal       Journal
	telemetry     Telemetry
	clock         func() time.Time
	logger        *slog.Logger

	inflight sync.WaitGroup // effects abandoned by a timed-out Execute
}

// Option configures an Engine.
type Option func(*Engine)

// WithEffect sets the capability invoked on execute.
func WithEffect(eff Effect) Option {
	return func(e *Engine) { e.effect = eff }
}

// WithEffectTimeout bounds each effect dispatch. Zero disables the bound.
func WithEffectTimeout(d time.Duration) Option {
	return func(e *Engine) { e.effectTimeout = d }
}

// WithGuard adds an execution precondition.
func WithGuard(g Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithLimiter throttles submissions per owner.
func WithLimiter(l Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithJournal persists every committed mutation.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithTelemetry instruments every operation.
func WithTelemetry(t Telemetry) Option {
	return func(e *Engine) {
		if t != nil {
			e.telemetry = t
		}
	}
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an engine for a validated owner set.
func New(id string, owners *owner.Set, opts ...Option) *Engine {
	e := &Engine{
		id:            id,
		owners:        owners,
		approvals:     approval.NewTracker(),
		effect:        EffectFunc(func(context.Context, Action) error { return nil }),
		effectTimeout: DefaultEffectTimeout,
		telemetry:     noopTelemetry{},
		clock:         time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = ledger.New().WithClock(e.clock)
	e.logger = e.logger.With("component", "engine", "wallet_id", id)
	return e
}

// ID returns the wallet id.
func (e *Engine) ID() string { return e.id }

// Submit proposes a new transaction and returns its index.
func (e *Engine) Submit(ctx context.Context, target string, value *big.Int, payload []byte) (index uint64, err error) {
	ctx, finish := e.telemetry.TrackOperation(ctx, "quorum.submit",
		observability.WalletOperation(e.id, "submit", callerLabel(ctx))...)
	defer func() { finish(err) }()

	caller, err := e.authorize(ctx)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(target) == "" {
		return 0, fmt.Errorf("submit: %w: empty target", ErrInvalidTarget)
	}
	if value == nil || value.Sign() < 0 {
		return 0, fmt.Errorf("submit: %w: %v", ErrInvalidValue, value)
	}
	if e.limiter != nil {
		allowed, lerr := e.limiter.Allow(ctx, e.id+"/"+caller.String())
		if lerr != nil {
			return 0, fmt.Errorf("submit: rate limiter: %w", lerr)
		}
		if !allowed {
			return 0, fmt.Errorf("submit: %w for %s", ErrRateLimited, caller)
		}
	}

	var commit func(ledger.Transaction) error
	if e.journal != nil {
		commit = func(tx ledger.Transaction) error {
			return e.journal.AppendTransaction(ctx, e.id, tx)
		}
	}
	tx, err := e.ledger.Append(ledger.Proposal{
		Target:      target,
		Value:       value,
		Payload:     payload,
		SubmittedBy: caller,
	}, commit)
	if err != nil {
		return 0, fmt.Errorf("submit: %w", err)
	}

	e.logger.InfoContext(ctx, "transaction submitted",
		"index", tx.Index,
		"caller", caller.String(),
		"target", target,
		"value", value.String(),
		"payload_bytes", len(payload),
	)
	return tx.Index, nil
}

// Approve sets the caller's approval bit for index.
func (e *Engine) Approve(ctx context.Context, index uint64) (err error) {
	ctx, finish := e.telemetry.TrackOperation(ctx, "quorum.approve",
		observability.TransactionOperation(e.id, "approve", index, callerLabel(ctx))...)
	defer func() { finish(err) }()

	caller, err := e.authorize(ctx)
	if err != nil {
		return err
	}

	var count int
	err = e.ledger.Update(index, func(s *ledger.Slot) error {
		if err := mutable(s); err != nil {
			return err
		}
		if err := e.approvals.Approve(index, caller); err != nil {
			return err
		}
		count = e.approvals.Count(index)
		if e.journal != nil {
			if err := e.journal.RecordApproval(ctx, e.id, index, caller, true); err != nil {
				_ = e.approvals.Revoke(index, caller)
				return fmt.Errorf("persist approval: %w", err)
			}
		}
		s.Tx.ApprovalCount = count
		return nil
	})
	if err != nil {
		return fmt.Errorf("approve %d: %w", index, err)
	}

	e.logger.InfoContext(ctx, "transaction approved", "index", index, "caller", caller.String(), "approvals", count)
	return nil
}

// Revoke clears the caller's approval bit for index.
func (e *Engine) Revoke(ctx context.Context, index uint64) (err error) {
	ctx, finish := e.telemetry.TrackOperation(ctx, "quorum.revoke",
		observability.TransactionOperation(e.id, "revoke", index, callerLabel(ctx))...)
	defer func() { finish(err) }()

	caller, err := e.authorize(ctx)
	if err != nil {
		return err
	}

	var count int
	err = e.ledger.Update(index, func(s *ledger.Slot) error {
		if err := mutable(s); err != nil {
			return err
		}
		if err := e.approvals.Revoke(index, caller); err != nil {
			return err
		}
		count = e.approvals.Count(index)
		if e.journal != nil {
			if err := e.journal.RecordApproval(ctx, e.id, index, caller, false); err != nil {
				_ = e.approvals.Approve(index, caller)
				return fmt.Errorf("persist revocation: %w", err)
			}
		}
		s.Tx.ApprovalCount = count
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoke %d: %w", index, err)
	}

	e.logger.InfoContext(ctx, "approval revoked", "index", index, "caller", caller.String(), "approvals", count)
	return nil
}

// Execute dispatches the transaction's effect once approvals reach the
// threshold. Any owner may execute, approver or not.
//
// Execution is two-phase: the threshold check and a provisional "executing"
// mark (claimed in the journal first, when one is set) commit together under
// the transaction lock, the effect runs without the lock, and only then is
// executed=true committed. A failed effect clears the mark and leaves the
// transaction eligible for retry by any owner.
//
// Execute waits at most the effect timeout. An effect still running after
// that is reported as ErrExecutionEffectFailed, but the mark stays until it
// returns and its real outcome is recorded, so a late success is never
// dispatched twice.
func (e *Engine) Execute(ctx context.Context, index uint64) (err error) {
	ctx, finish := e.telemetry.TrackOperation(ctx, "quorum.execute",
		observability.TransactionOperation(e.id, "execute", index, callerLabel(ctx))...)
	defer func() { finish(err) }()

	caller, err := e.authorize(ctx)
	if err != nil {
		return err
	}

	var action Action
	err = e.ledger.Update(index, func(s *ledger.Slot) error {
		if err := mutable(s); err != nil {
			return err
		}
		count := e.approvals.Count(index)
		if count < e.owners.Threshold() {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientApprovals, count, e.owners.Threshold())
		}
		action = Action{
			WalletID:   e.id,
			Index:      index,
			Target:     s.Tx.Target,
			Value:      new(big.Int).Set(s.Tx.Value),
			Payload:    append([]byte{}, s.Tx.Payload...),
			ExecutedBy: caller,
		}
		if e.guard != nil {
			check := Check{Action: action, Approvals: count, Threshold: e.owners.Threshold(), Owners: e.owners.Len()}
			if err := e.guard.Allow(ctx, check); err != nil {
				return fmt.Errorf("%w: %w", ErrPolicyDenied, err)
			}
		}
		if e.journal != nil {
			if err := e.journal.ClaimExecution(ctx, e.id, index, e.owners.Threshold()); err != nil {
				return fmt.Errorf("claim: %w", err)
			}
		}
		s.Executing = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("execute %d: %w", index, err)
	}

	effectCtx, cancel := e.effectContext(ctx)
	result := make(chan error, 1)
	go func() { result <- e.dispatch(effectCtx, action) }()

	// The outcome must be recorded even if the caller gave up meanwhile.
	commitCtx := context.WithoutCancel(ctx)
	select {
	case dispatchErr := <-result:
		cancel()
		return e.settle(commitCtx, caller, action, dispatchErr)
	case <-effectCtx.Done():
	}

	select {
	case dispatchErr := <-result:
		cancel()
		return e.settle(commitCtx, caller, action, dispatchErr)
	default:
	}

	waitErr := effectCtx.Err()
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer cancel()
		_ = e.settle(commitCtx, caller, action, <-result)
	}()
	e.logger.WarnContext(ctx, "execution effect still running",
		"index", index, "caller", caller.String(), "error", waitErr)
	return fmt.Errorf("execute %d: %w: effect still running: %w", index, ErrExecutionEffectFailed, waitErr)
}

// settle records the effect's outcome: executed on success, otherwise the
// executing mark and its journal claim are dropped.
func (e *Engine) settle(ctx context.Context, caller owner.Owner, action Action, dispatchErr error) error {
	index := action.Index
	var journalErr error
	updateErr := e.ledger.Update(index, func(s *ledger.Slot) error {
		s.Executing = false
		if dispatchErr != nil {
			if e.journal != nil {
				journalErr = e.journal.ReleaseExecution(ctx, e.id, index)
			}
			return nil
		}
		s.Tx.Executed = true
		s.Tx.ExecutedBy = caller
		s.Tx.ExecutedAt = e.clock().UTC()
		if e.journal != nil {
			journalErr = e.journal.MarkExecuted(ctx, e.id, s.Tx.Clone())
		}
		return nil
	})
	if updateErr != nil {
		return fmt.Errorf("execute %d: %w", index, updateErr)
	}

	if dispatchErr != nil {
		e.logger.WarnContext(ctx, "execution effect failed",
			"index", index, "caller", caller.String(), "error", dispatchErr)
		if journalErr != nil {
			e.logger.ErrorContext(ctx, "execution claim not released",
				"index", index, "error", journalErr)
		}
		return fmt.Errorf("execute %d: %w: %w", index, ErrExecutionEffectFailed, dispatchErr)
	}
	if journalErr != nil {
		e.logger.ErrorContext(ctx, "effect dispatched but execution not persisted",
			"index", index, "caller", caller.String(), "error", journalErr)
		return fmt.Errorf("execute %d: effect dispatched, persist failed: %w", index, journalErr)
	}

	e.logger.InfoContext(ctx, "transaction executed",
		"index", index, "caller", caller.String(), "target", action.Target, "value", action.Value.String())
	return nil
}

func (e *Engine) effectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.effectTimeout > 0 {
		return context.WithTimeout(ctx, e.effectTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) dispatch(ctx context.Context, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("effect panicked: %v", r)
		}
	}()
	return e.effect.Dispatch(ctx, a)
}

// Drain waits for effects that outlived their Execute call to finish and
// have their outcome recorded. Call it after the last Execute has returned.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wallet %s: effects still running: %w", e.id, ctx.Err())
	}
}

// authorize resolves the caller from ctx and checks membership.
func (e *Engine) authorize(ctx context.Context) (owner.Owner, error) {
	caller, err := auth.CallerFrom(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !e.owners.Contains(caller) {
		return "", fmt.Errorf("%w: %s is not an owner of %s", ErrUnauthorized, caller, e.id)
	}
	return caller, nil
}

// mutable rejects mutations of finalized or in-flight transactions.
func mutable(s *ledger.Slot) error {
	if s.Tx.Executed {
		return ErrAlreadyExecuted
	}
	if s.Executing {
		return ErrExecutionInProgress
	}
	return nil
}

func callerLabel(ctx context.Context) string {
	if c, err := auth.CallerFrom(ctx); err == nil {
		return c.String()
	}
	return ""
}
