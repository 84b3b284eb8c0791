package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/quorum/pkg/auth"
	"github.com/Mindburn-Labs/quorum/pkg/backup"
	"github.com/Mindburn-Labs/quorum/pkg/config"
	"github.com/Mindburn-Labs/quorum/pkg/engine"
	"github.com/Mindburn-Labs/quorum/pkg/owner"
	"github.com/Mindburn-Labs/quorum/pkg/registry"
)

const (
	exitOK       = 0
	exitInternal = 1
	exitUsage    = 2
	exitConfig   = 3
	exitNotFound = 4
	exitConflict = 5

	exitInvalidOwners    = 10
	exitUnauthorized     = 11
	exitInvalidIndex     = 12
	exitExecuted         = 13
	exitApproved         = 14
	exitNotApproved      = 15
	exitInsufficient     = 16
	exitEffectFailed     = 17
	exitInProgress       = 18
	exitInvalidInput     = 19
	exitRateLimited      = 20
	exitPolicyDenied     = 21
	exitCorrupt          = 22
	exitInvalidThreshold = 23
)

// byKind maps engine.ErrorKind labels to exit codes so scripts can branch on
// the failure without parsing messages.
var byKind = map[string]int{
	"unauthorized":            exitUnauthorized,
	"invalid_index":           exitInvalidIndex,
	"already_executed":        exitExecuted,
	"already_approved":        exitApproved,
	"not_approved":            exitNotApproved,
	"insufficient_approvals":  exitInsufficient,
	"execution_effect_failed": exitEffectFailed,
	"execution_in_progress":   exitInProgress,
	"invalid_value":           exitInvalidInput,
	"invalid_target":          exitInvalidInput,
	"rate_limited":            exitRateLimited,
	"policy_denied":           exitPolicyDenied,
	"corrupt":                 exitCorrupt,
	"invalid_owner_set":       exitInvalidOwners,
	"invalid_threshold":       exitInvalidThreshold,
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, config.ErrInvalid):
		return exitConfig
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, backup.ErrNotFound):
		return exitNotFound
	case errors.Is(err, backup.ErrNotEmpty):
		return exitConflict
	case errors.Is(err, backup.ErrIntegrity):
		return exitCorrupt
	case errors.Is(err, owner.ErrInvalidOwner), errors.Is(err, auth.ErrNoCaller), errors.Is(err, auth.ErrInvalidToken):
		return exitUnauthorized
	}
	if code, ok := byKind[engine.ErrorKind(err)]; ok {
		return code
	}
	return exitInternal
}

func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitCode(err)
}
