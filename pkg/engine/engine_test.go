package engine_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/quorum/pkg/auth"
	"github.com/Mindburn-Labs/quorum/pkg/effect"
	"github.com/Mindburn-Labs/quorum/pkg/engine"
	"github.com/Mindburn-Labs/quorum/pkg/owner"
)

var (
	alice = owner.MustParse("alice")
	bob   = owner.MustParse("bob")
	carol = owner.MustParse("carol")
	mal   = owner.MustParse("mallory")
)

func as(o owner.Owner) context.Context {
	return auth.WithCaller(context.Background(), o)
}

// newWallet builds {alice, bob, carol} with threshold 2.
func newWallet(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	set, err := owner.NewSet([]string{"alice", "bob", "carol"}, 2)
	require.NoError(t, err)
	return engine.New("w-test", set, opts...)
}

// requireCountMatchesBits checks approvalCount against the approval bits.
func requireCountMatchesBits(t *testing.T, e *engine.Engine, index uint64) {
	t.Helper()
	tx, err := e.Transaction(index)
	require.NoError(t, err)
	approvers, err := e.Approvers(index)
	require.NoError(t, err)
	require.Equal(t, len(approvers), tx.ApprovalCount, "count must equal set bits for %d", index)
}

func TestEndToEndExecuteOnce(t *testing.T) {
	rec := effect.NewRecorder()
	e := newWallet(t, engine.WithEffect(rec))

	idx, err := e.Submit(as(alice), "T", big.NewInt(5), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), idx)

	require.NoError(t, e.Approve(as(alice), 0))
	tx, _ := e.Transaction(0)
	assert.Equal(t, 1, tx.ApprovalCount)

	require.NoError(t, e.Approve(as(bob), 0))
	tx, _ = e.Transaction(0)
	assert.Equal(t, 2, tx.ApprovalCount)

	require.NoError(t, e.Execute(as(carol), 0), "any owner may execute")
	tx, _ = e.Transaction(0)
	assert.True(t, tx.Executed)
	assert.Equal(t, carol, tx.ExecutedBy)

	err = e.Execute(as(alice), 0)
	require.ErrorIs(t, err, engine.ErrAlreadyExecuted)

	actions := rec.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, "T", actions[0].Target)
	assert.Equal(t, 0, big.NewInt(5).Cmp(actions[0].Value))
	assert.Empty(t, actions[0].Payload)
	assert.Equal(t, carol, actions[0].ExecutedBy)
}

func TestEndToEndRevokeDropsBelowThreshold(t *testing.T) {
	e := newWallet(t)
	_, err := e.Submit(as(alice), "T", big.NewInt(5), nil)
	require.NoError(t, err)

	idx, err := e.Submit(as(alice), "T", big.NewInt(1), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx)

	require.NoError(t, e.Approve(as(alice), 1))
	require.NoError(t, e.Revoke(as(alice), 1))
	tx, _ := e.Transaction(1)
	assert.Equal(t, 0, tx.ApprovalCount)

	err = e.Execute(as(bob), 1)
	require.ErrorIs(t, err, engine.ErrInsufficientApprovals)
	tx, _ = e.Transaction(1)
	assert.False(t, tx.Executed)
}

func TestSubmitAssignsDenseIndices(t *testing.T) {
	e := newWallet(t)
	for i := 0; i < 10; i++ {
		idx, err := e.Submit(as(bob), "t", big.NewInt(int64(i)), []byte{byte(i)})
		require.NoError(t, err)
		require.Equal(t, uint64(i), idx)
	}
	assert.Equal(t, uint64(10), e.TransactionCount())
	assert.Len(t, e.Pending(), 10)
}

func TestSubmitValidation(t *testing.T) {
	e := newWallet(t)

	_, err := e.Submit(as(mal), "t", big.NewInt(1), nil)
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = e.Submit(context.Background(), "t", big.NewInt(1), nil)
	require.ErrorIs(t, err, engine.ErrUnauthorized, "missing caller")

	_, err = e.Submit(as(alice), "  ", big.NewInt(1), nil)
	require.ErrorIs(t, err, engine.ErrInvalidTarget)

	_, err = e.Submit(as(alice), "t", big.NewInt(-1), nil)
	require.ErrorIs(t, err, engine.ErrInvalidValue)

	_, err = e.Submit(as(alice), "t", nil, nil)
	require.ErrorIs(t, err, engine.ErrInvalidValue)

	assert.Equal(t, uint64(0), e.TransactionCount(), "rejected submissions consume no index")
}

func TestApproveRevokeErrors(t *testing.T) {
	e := newWallet(t)
	_, err := e.Submit(as(alice), "t", big.NewInt(1), nil)
	require.NoError(t, err)

	err = e.Approve(as(mal), 0)
	require.ErrorIs(t, err, engine.ErrUnauthorized)
	approved, err := e.IsApproved(0, mal)
	require.NoError(t, err)
	assert.False(t, approved)
	requireCountMatchesBits(t, e, 0)

	require.NoError(t, e.Approve(as(alice), 0))
	err = e.Approve(as(alice), 0)
	require.ErrorIs(t, err, engine.ErrAlreadyApproved)
	requireCountMatchesBits(t, e, 0)

	err = e.Revoke(as(bob), 0)
	require.ErrorIs(t, err, engine.ErrNotApproved)

	require.NoError(t, e.Revoke(as(alice), 0))
	err = e.Revoke(as(alice), 0)
	require.ErrorIs(t, err, engine.ErrNotApproved)
	requireCountMatchesBits(t, e, 0)

	for _, op := range []func(context.Context, uint64) error{e.Approve, e.Revoke, e.Execute} {
		require.ErrorIs(t, op(as(alice), 7), engine.ErrInvalidIndex)
	}
	_, err = e.IsApproved(7, alice)
	require.ErrorIs(t, err, engine.ErrInvalidIndex)
}

func TestExecutedTransactionIsFrozen(t *testing.T) {
	e := newWallet(t)
	_, _ = e.Submit(as(alice), "t", big.NewInt(1), nil)
	require.NoError(t, e.Approve(as(alice), 0))
	require.NoError(t, e.Approve(as(bob), 0))
	require.NoError(t, e.Execute(as(alice), 0))

	require.ErrorIs(t, e.Approve(as(carol), 0), engine.ErrAlreadyExecuted)
	require.ErrorIs(t, e.Revoke(as(alice), 0), engine.ErrAlreadyExecuted)

	tx, _ := e.Transaction(0)
	assert.Equal(t, 2, tx.ApprovalCount)
	assert.Empty(t, e.Pending())
}

func TestExecuteAboveThreshold(t *testing.T) {
	e := newWallet(t)
	_, _ = e.Submit(as(alice), "t", big.NewInt(1), nil)
	for _, o := range []owner.Owner{alice, bob, carol} {
		require.NoError(t, e.Approve(as(o), 0))
	}
	require.NoError(t, e.Execute(as(bob), 0))
}

func TestEffectFailureLeavesTransactionRetryable(t *testing.T) {
	rec := effect.NewRecorder().FailNext(1)
	e := newWallet(t, engine.WithEffect(rec))
	_, _ = e.Submit(as(alice), "t", big.NewInt(3), []byte("data"))
	require.NoError(t, e.Approve(as(alice), 0))
	require.NoError(t, e.Approve(as(bob), 0))

	err := e.Execute(as(alice), 0)
	require.ErrorIs(t, err, engine.ErrExecutionEffectFailed)
	require.ErrorIs(t, err, effect.ErrInjected)

	tx, _ := e.Transaction(0)
	assert.False(t, tx.Executed)
	assert.Equal(t, 2, tx.ApprovalCount)
	executing, _ := e.Executing(0)
	assert.False(t, executing)

	// Any owner may retry.
	require.NoError(t, e.Execute(as(carol), 0))
	assert.Equal(t, 1, rec.Count("w-test", 0))
	assert.Equal(t, 2, rec.Calls())
}

func TestEffectTimeout(t *testing.T) {
	rec := effect.NewRecorder().Delay(time.Second)
	e := newWallet(t, engine.WithEffect(rec), engine.WithEffectTimeout(20*time.Millisecond))
	_, _ = e.Submit(as(alice), "t", big.NewInt(3), nil)
	require.NoError(t, e.Approve(as(alice), 0))
	require.NoError(t, e.Approve(as(bob), 0))

	err := e.Execute(as(alice), 0)
	require.ErrorIs(t, err, engine.ErrExecutionEffectFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, e.Drain(context.Background()))
	tx, _ := e.Transaction(0)
	assert.False(t, tx.Executed)
	executing, _ := e.Executing(0)
	assert.False(t, executing)
}

func TestEffectIgnoringContextIsBounded(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	stubborn := engine.EffectFunc(func(context.Context, engine.Action) error {
		calls.Add(1)
		<-release
		return nil
	})
	e := newWallet(t, engine.WithEffect(stubborn), engine.WithEffectTimeout(20*time.Millisecond))
	_, _ = e.Submit(as(alice), "t", big.NewInt(3), nil)
	require.NoError(t, e.Approve(as(alice), 0))
	require.NoError(t, e.Approve(as(bob), 0))

	start := time.Now()
	err := e.Execute(as(alice), 0)
	require.ErrorIs(t, err, engine.ErrExecutionEffectFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// The effect is still out, so nobody may dispatch it again.
	executing, _ := e.Executing(0)
	assert.True(t, executing)
	require.ErrorIs(t, e.Execute(as(bob), 0), engine.ErrExecutionInProgress)
	require.ErrorIs(t, e.Revoke(as(bob), 0), engine.ErrExecutionInProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.Drain(ctx), context.DeadlineExceeded)

	// Its late success is what gets recorded.
	close(release)
	require.NoError(t, e.Drain(context.Background()))
	tx, _ := e.Transaction(0)
	assert.True(t, tx.Executed)
	assert.Equal(t, alice, tx.ExecutedBy)
	require.ErrorIs(t, e.Execute(as(carol), 0), engine.ErrAlreadyExecuted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEffectPanicIsAFailure(t *testing.T) {
	e := newWallet(t, engine.WithEffect(engine.EffectFunc(func(context.Context, engine.Action) error {
		panic("boom")
	})))
	_, _ = e.Submit(as(alice), "t", big.NewInt(3), nil)
	require.NoError(t, e.Approve(as(alice), 0))
	require.NoError(t, e.Approve(as(bob), 0))

	require.ErrorIs(t, e.Execute(as(alice), 0), engine.ErrExecutionEffectFailed)
	tx, _ := e.Transaction(0)
	assert.False(t, tx.Executed)
}

func TestMutationsRejectedWhileExecuting(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	e := newWallet(t, engine.WithEffect(engine.EffectFunc(func(ctx context.Context, _ engine.Action) error {
		close(entered)
		<-release
		return nil
	})))
	_, _ = e.Submit(as(alice), "t", big.NewInt(3), nil)
	require.NoError(t, e.Approve(as(alice), 0))
	require.NoError(t, e.Approve(as(bob), 0))

	done := make(chan error, 1)
	go func() { done <- e.Execute(as(alice), 0) }()
	<-entered

	require.ErrorIs(t, e.Approve(as(carol), 0), engine.ErrExecutionInProgress)
	require.ErrorIs(t, e.Revoke(as(bob), 0), engine.ErrExecutionInProgress)
	require.ErrorIs(t, e.Execute(as(carol), 0), engine.ErrExecutionInProgress)

	tx, err := e.Transaction(0)
	require.NoError(t, err, "reads are not blocked by the effect")
	assert.False(t, tx.Executed)
	executing, _ := e.Executing(0)
	assert.True(t, executing)

	// Other indices proceed independently.
	_, err = e.Submit(as(carol), "t2", big.NewInt(1), nil)
	require.NoError(t, err)
	require.NoError(t, e.Approve(as(carol), 1))

	close(release)
	require.NoError(t, <-done)
	tx, _ = e.Transaction(0)
	assert.True(t, tx.Executed)
}

func TestRacingExecutorsExecuteOnce(t *testing.T) {
	rec := effect.NewRecorder().Delay(5 * time.Millisecond)
	e := newWallet(t, engine.WithEffect(rec))
	_, _ = e.Submit(as(alice), "t", big.NewInt(3), nil)
	require.NoError(t, e.Approve(as(alice), 0))
	require.NoError(t, e.Approve(as(bob), 0))

	const n = 30
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(o owner.Owner) {
			defer wg.Done()
			errs <- e.Execute(as(o), 0)
		}([]owner.Owner{alice, bob, carol}[i%3])
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, engine.ErrAlreadyExecuted), errors.Is(err, engine.ErrExecutionInProgress):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, rec.Count("w-test", 0))
}

func TestRacingApprovalsKeepCountInvariant(t *testing.T) {
	raw := make([]string, 16)
	for i := range raw {
		raw[i] = string(rune('a'+i)) + "-owner"
	}
	set, err := owner.NewSet(raw, 16)
	require.NoError(t, err)
	e := engine.New("w-race", set)
	_, err = e.Submit(as(set.Owners()[0]), "t", big.NewInt(1), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, o := range set.Owners() {
		wg.Add(1)
		go func(o owner.Owner) {
			defer wg.Done()
			ctx := as(o)
			for j := 0; j < 20; j++ {
				assert.NoError(t, e.Approve(ctx, 0))
				assert.NoError(t, e.Revoke(ctx, 0))
			}
			assert.NoError(t, e.Approve(ctx, 0))
		}(o)
	}
	wg.Wait()

	tx, _ := e.Transaction(0)
	assert.Equal(t, 16, tx.ApprovalCount)
	requireCountMatchesBits(t, e, 0)
	require.NoError(t, e.Execute(as(set.Owners()[3]), 0))
}

func TestApproveRacingExecute(t *testing.T) {
	for round := 0; round < 20; round++ {
		e := newWallet(t)
		_, _ = e.Submit(as(alice), "t", big.NewInt(1), nil)
		require.NoError(t, e.Approve(as(alice), 0))

		var wg sync.WaitGroup
		var approveErr, executeErr error
		wg.Add(2)
		go func() { defer wg.Done(); approveErr = e.Approve(as(bob), 0) }()
		go func() { defer wg.Done(); executeErr = e.Execute(as(carol), 0) }()
		wg.Wait()

		tx, _ := e.Transaction(0)
		requireCountMatchesBits(t, e, 0)
		require.NoError(t, approveErr, "approve precedes or follows a failed execute")
		if executeErr == nil {
			assert.True(t, tx.Executed)
			assert.Equal(t, 2, tx.ApprovalCount)
		} else {
			require.ErrorIs(t, executeErr, engine.ErrInsufficientApprovals)
			assert.False(t, tx.Executed)
		}
	}
}

func TestQueries(t *testing.T) {
	e := newWallet(t)
	assert.Equal(t, "w-test", e.ID())
	assert.Equal(t, 3, e.OwnerCount())
	assert.Equal(t, 2, e.Threshold())
	assert.True(t, e.IsOwner(bob))
	assert.False(t, e.IsOwner(mal))
	_, err := e.Owner(3)
	require.ErrorIs(t, err, engine.ErrInvalidIndex)
	assert.Equal(t, []owner.Owner{alice, bob, carol}, e.Owners())

	_, _ = e.Submit(as(alice), "t", big.NewInt(9), []byte{1, 2})
	require.NoError(t, e.Approve(as(carol), 0))
	require.NoError(t, e.Approve(as(alice), 0))

	approvers, err := e.Approvers(0)
	require.NoError(t, err)
	assert.Equal(t, []owner.Owner{alice, carol}, approvers, "owner order")

	tx, err := e.Transaction(0)
	require.NoError(t, err)
	tx.Value.SetInt64(1000)
	tx.Payload[0] = 99
	again, _ := e.Transaction(0)
	assert.Equal(t, int64(9), again.Value.Int64(), "snapshots do not alias")
	assert.Equal(t, byte(1), again.Payload[0])

	_, err = e.Transaction(1)
	require.ErrorIs(t, err, engine.ErrInvalidIndex)
	assert.Len(t, e.Transactions(), 1)

	ok, _ := e.VerifyLedger()
	assert.True(t, ok)
}

func TestErrorKind(t *testing.T) {
	e := newWallet(t)
	err := e.Approve(as(alice), 3)
	assert.Equal(t, "invalid_index", engine.ErrorKind(err))
	_, err = e.Submit(as(mal), "t", big.NewInt(1), nil)
	assert.Equal(t, "unauthorized", engine.ErrorKind(err))
	assert.Equal(t, "internal", engine.ErrorKind(errors.New("x")))
	assert.Equal(t, "", engine.ErrorKind(nil))

	_, err = owner.NewSet([]string{"alice", "alice"}, 1)
	assert.Equal(t, "invalid_owner_set", engine.ErrorKind(err))
	_, err = owner.NewSet([]string{"alice", "bob"}, 3)
	assert.Equal(t, "invalid_threshold", engine.ErrorKind(err))
}
