package engine_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/quorum/pkg/effect"
	"github.com/Mindburn-Labs/quorum/pkg/engine"
	"github.com/Mindburn-Labs/quorum/pkg/guard"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/limiter"
	"github.com/Mindburn-Labs/quorum/pkg/owner"
)

var errDisk = errors.New("disk unavailable")

type flakyJournal struct {
	mu            sync.Mutex
	failAppend    bool
	failApproval  bool
	failExecuted  bool
	claimErr      error
	appended      []ledger.Transaction
	approvals     int
	claims        int
	releases      int
	executedMarks int
}

func (j *flakyJournal) AppendTransaction(_ context.Context, _ string, tx ledger.Transaction) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failAppend {
		return errDisk
	}
	j.appended = append(j.appended, tx)
	return nil
}

func (j *flakyJournal) RecordApproval(context.Context, string, uint64, owner.Owner, bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failApproval {
		return errDisk
	}
	j.approvals++
	return nil
}

func (j *flakyJournal) ClaimExecution(context.Context, string, uint64, int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.claimErr != nil {
		return j.claimErr
	}
	j.claims++
	return nil
}

func (j *flakyJournal) ReleaseExecution(context.Context, string, uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.releases++
	return nil
}

func (j *flakyJournal) MarkExecuted(context.Context, string, ledger.Transaction) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failExecuted {
		return errDisk
	}
	j.executedMarks++
	return nil
}

func TestJournalFailuresLeaveStateUnchanged(t *testing.T) {
	j := &flakyJournal{failAppend: true}
	e := newWallet(t, engine.WithJournal(j))

	_, err := e.Submit(as(alice), "t", big.NewInt(1), nil)
	require.ErrorIs(t, err, errDisk)
	assert.Equal(t, uint64(0), e.TransactionCount())

	j.failAppend = false
	idx, err := e.Submit(as(alice), "t", big.NewInt(1), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), idx, "failed append consumed no index")
	require.Len(t, j.appended, 1)

	j.failApproval = true
	require.ErrorIs(t, e.Approve(as(alice), 0), errDisk)
	approved, _ := e.IsApproved(0, alice)
	assert.False(t, approved)
	requireCountMatchesBits(t, e, 0)

	j.failApproval = false
	require.NoError(t, e.Approve(as(alice), 0))
	j.failApproval = true
	require.ErrorIs(t, e.Revoke(as(alice), 0), errDisk)
	approved, _ = e.IsApproved(0, alice)
	assert.True(t, approved, "failed revoke keeps the bit")
	requireCountMatchesBits(t, e, 0)
}

func TestJournalFailureAfterEffectKeepsExecuted(t *testing.T) {
	rec := effect.NewRecorder()
	j := &flakyJournal{}
	e := newWallet(t, engine.WithJournal(j), engine.WithEffect(rec))
	_, _ = e.Submit(as(alice), "t", big.NewInt(1), nil)
	require.NoError(t, e.Approve(as(alice), 0))
	require.NoError(t, e.Approve(as(bob), 0))

	j.failExecuted = true
	err := e.Execute(as(alice), 0)
	require.ErrorIs(t, err, errDisk)
	assert.NotErrorIs(t, err, engine.ErrExecutionEffectFailed)

	tx, _ := e.Transaction(0)
	assert.True(t, tx.Executed, "the effect happened; it must not be dispatched again")
	require.ErrorIs(t, e.Execute(as(bob), 0), engine.ErrAlreadyExecuted)
	assert.Equal(t, 1, rec.Calls())
}

func TestRejectedClaimDispatchesNothing(t *testing.T) {
	rec := effect.NewRecorder()
	// another process holds the claim
	j := &flakyJournal{claimErr: engine.ErrExecutionInProgress}
	e := newWallet(t, engine.WithJournal(j), engine.WithEffect(rec))
	_, _ = e.Submit(as(alice), "t", big.NewInt(1), nil)
	require.NoError(t, e.Approve(as(alice), 0))
	require.NoError(t, e.Approve(as(bob), 0))

	require.ErrorIs(t, e.Execute(as(carol), 0), engine.ErrExecutionInProgress)
	assert.Equal(t, 0, rec.Calls())
	executing, _ := e.Executing(0)
	assert.False(t, executing)

	j.claimErr = nil
	require.NoError(t, e.Execute(as(carol), 0))
	assert.Equal(t, 1, j.claims)
	assert.Equal(t, 1, j.executedMarks)
	assert.Equal(t, 0, j.releases)
}

func TestFailedEffectReleasesClaim(t *testing.T) {
	rec := effect.NewRecorder()
	rec.FailNext(1)
	j := &flakyJournal{}
	e := newWallet(t, engine.WithJournal(j), engine.WithEffect(rec))
	_, _ = e.Submit(as(alice), "t", big.NewInt(1), nil)
	require.NoError(t, e.Approve(as(alice), 0))
	require.NoError(t, e.Approve(as(bob), 0))

	require.ErrorIs(t, e.Execute(as(alice), 0), engine.ErrExecutionEffectFailed)
	assert.Equal(t, 1, j.releases)
	require.NoError(t, e.Execute(as(alice), 0))
	assert.Equal(t, 2, j.claims)
	assert.Equal(t, 1, j.executedMarks)
}

func TestGuardDeniesExecution(t *testing.T) {
	g, err := guard.New([]guard.Rule{{Name: "cap", Expr: "value <= 3"}}, 0)
	require.NoError(t, err)
	rec := effect.NewRecorder()
	e := newWallet(t, engine.WithGuard(g), engine.WithEffect(rec))

	_, _ = e.Submit(as(alice), "t", big.NewInt(10), nil)
	_, _ = e.Submit(as(alice), "t", big.NewInt(2), nil)
	for _, idx := range []uint64{0, 1} {
		require.NoError(t, e.Approve(as(alice), idx))
		require.NoError(t, e.Approve(as(bob), idx))
	}

	err = e.Execute(as(alice), 0)
	require.ErrorIs(t, err, engine.ErrPolicyDenied)
	require.ErrorIs(t, err, guard.ErrDenied)
	tx, _ := e.Transaction(0)
	assert.False(t, tx.Executed)
	executing, _ := e.Executing(0)
	assert.False(t, executing)

	require.NoError(t, e.Execute(as(alice), 1))
	assert.Equal(t, 1, rec.Calls())
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestSubmitRateLimit(t *testing.T) {
	e := newWallet(t, engine.WithLimiter(limiter.NewLocal(limiter.Policy{RPM: 1, Burst: 1})))

	_, err := e.Submit(as(alice), "t", big.NewInt(1), nil)
	require.NoError(t, err)
	_, err = e.Submit(as(alice), "t", big.NewInt(1), nil)
	require.ErrorIs(t, err, engine.ErrRateLimited)

	_, err = e.Submit(as(bob), "t", big.NewInt(1), nil)
	require.NoError(t, err, "limits are per owner")

	broken := newWallet(t, engine.WithLimiter(brokenLimiter{}))
	_, err = broken.Submit(as(alice), "t", big.NewInt(1), nil)
	require.Error(t, err, "limiter errors fail closed")
	assert.Equal(t, uint64(0), broken.TransactionCount())
}

type spanRecorder struct {
	mu    sync.Mutex
	names []string
	errs  []error
}

func (s *spanRecorder) TrackOperation(ctx context.Context, name string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	return ctx, func(err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.names = append(s.names, name)
		s.errs = append(s.errs, err)
	}
}

func TestTelemetryWrapsOperations(t *testing.T) {
	tel := &spanRecorder{}
	e := newWallet(t, engine.WithTelemetry(tel))

	_, _ = e.Submit(as(alice), "t", big.NewInt(1), nil)
	_ = e.Approve(as(alice), 0)
	_ = e.Revoke(as(alice), 0)
	err := e.Execute(as(alice), 0)
	require.Error(t, err)

	assert.Equal(t, []string{"quorum.submit", "quorum.approve", "quorum.revoke", "quorum.execute"}, tel.names)
	assert.NoError(t, tel.errs[0])
	assert.ErrorIs(t, tel.errs[3], engine.ErrInsufficientApprovals)
}

func TestLoadRestoresState(t *testing.T) {
	src := newWallet(t)
	_, _ = src.Submit(as(alice), "t", big.NewInt(1), nil)
	_, _ = src.Submit(as(bob), "u", big.NewInt(2), []byte("p"))
	require.NoError(t, src.Approve(as(alice), 1))
	require.NoError(t, src.Approve(as(carol), 1))

	approvals := map[uint64][]owner.Owner{1: {alice, carol}}
	dst := newWallet(t)
	require.NoError(t, dst.Load(src.Transactions(), approvals))

	assert.Equal(t, uint64(2), dst.TransactionCount())
	approved, _ := dst.IsApproved(1, carol)
	assert.True(t, approved)
	require.NoError(t, dst.Execute(as(bob), 1))
	idx, err := dst.Submit(as(alice), "v", big.NewInt(3), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), idx)
}

func TestLoadRejectsInconsistentState(t *testing.T) {
	src := newWallet(t)
	_, _ = src.Submit(as(alice), "t", big.NewInt(1), nil)
	require.NoError(t, src.Approve(as(alice), 0))
	txs := src.Transactions()

	tests := map[string]map[uint64][]owner.Owner{
		"count without bits": {},
		"non-owner approver": {0: {owner.MustParse("mallory")}},
		"unknown index":      {0: {alice}, 5: {bob}},
		"bits above count":   {0: {alice, bob}},
	}
	for name, approvals := range tests {
		t.Run(name, func(t *testing.T) {
			err := newWallet(t).Load(txs, approvals)
			require.ErrorIs(t, err, engine.ErrCorrupt)
		})
	}
}
