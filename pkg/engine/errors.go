package engine

import (
	"errors"

	"github.com/Mindburn-Labs/quorum/pkg/approval"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/owner"
)

// Each failure kind is a distinct sentinel; callers match with errors.Is.
var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInvalidIndex          = ledger.ErrInvalidIndex
	ErrAlreadyExecuted       = errors.New("already executed")
	ErrAlreadyApproved       = approval.ErrAlreadyApproved
	ErrNotApproved           = approval.ErrNotApproved
	ErrInsufficientApprovals = errors.New("insufficient approvals")
	ErrExecutionEffectFailed = errors.New("execution effect failed")

	ErrExecutionInProgress = errors.New("execution in progress")
	ErrInvalidValue        = ledger.ErrInvalidValue
	ErrInvalidTarget       = errors.New("invalid target")
	ErrRateLimited         = errors.New("rate limited")
	ErrPolicyDenied        = errors.New("policy denied")
	ErrCorrupt             = ledger.ErrCorrupt

	// Wallet construction failures, surfaced by the registry.
	ErrInvalidOwnerSet  = owner.ErrInvalidOwnerSet
	ErrInvalidThreshold = owner.ErrInvalidThreshold
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidIndex, "invalid_index"},
	{ErrAlreadyExecuted, "already_executed"},
	{ErrAlreadyApproved, "already_approved"},
	{ErrNotApproved, "not_approved"},
	{ErrInsufficientApprovals, "insufficient_approvals"},
	{ErrExecutionEffectFailed, "execution_effect_failed"},
	{ErrExecutionInProgress, "execution_in_progress"},
	{ErrInvalidValue, "invalid_value"},
	{ErrInvalidTarget, "invalid_target"},
	{ErrRateLimited, "rate_limited"},
	{ErrPolicyDenied, "policy_denied"},
	{ErrCorrupt, "corrupt"},
	{ErrInvalidOwnerSet, "invalid_owner_set"},
	{ErrInvalidThreshold, "invalid_threshold"},
}

// ErrorKind names the failure kind of err, or "internal" when err wraps none
// of the engine sentinels. The result is stable and safe as a metric label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
