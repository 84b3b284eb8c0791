package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/quorum/pkg/limiter"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func run(args ...string) result {
	var out, errb bytes.Buffer
	code := Run(append([]string{"quorum"}, args...), &out, &errb)
	return result{code: code, stdout: strings.TrimSpace(out.String()), stderr: errb.String()}
}

func useStore(t *testing.T, driver string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("QUORUM_DB_DRIVER", driver)
	t.Setenv("DATABASE_URL", filepath.Join(dir, "quorum."+driver))
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("QUORUM_EFFECT_WEBHOOK_URL", "")
	t.Setenv("QUORUM_BOOTSTRAP_FILE", "")
	t.Setenv("QUORUM_SUBMIT_RPM", "0")
	t.Setenv("QUORUM_AUTH_SECRET", "")
	t.Setenv("QUORUM_BACKUP_URL", "")
}

func TestRun_Usage(t *testing.T) {
	assert.Equal(t, exitUsage, run().code)

	r := run("frobnicate")
	assert.Equal(t, exitUsage, r.code)
	assert.Contains(t, r.stderr, "Unknown command: frobnicate")

	r = run("help")
	assert.Equal(t, exitOK, r.code)
	assert.Contains(t, r.stdout, "Usage: quorum")
}

func TestRun_WalletLifecycleAcrossInvocations(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			useStore(t, driver)

			r := run("create", "--owners", "alice,bob,carol", "--threshold", "2", "--as", "alice")
			require.Equal(t, exitOK, r.code, r.stderr)
			id := r.stdout
			require.NotEmpty(t, id)

			r = run("submit", "--wallet", id, "--as", "alice", "--target", "0xdest", "--value", "0x10", "--payload", "cafe")
			require.Equal(t, exitOK, r.code, r.stderr)
			assert.Equal(t, "0", r.stdout)

			r = run("execute", "--wallet", id, "--as", "alice", "--index", "0")
			assert.Equal(t, exitInsufficient, r.code)
			assert.Contains(t, r.stderr, "insufficient approvals")

			for _, who := range []string{"alice", "bob"} {
				r = run("approve", "--wallet", id, "--as", who, "--index", "0")
				require.Equal(t, exitOK, r.code, r.stderr)
			}
			r = run("approve", "--wallet", id, "--as", "bob", "--index", "0")
			assert.Equal(t, exitApproved, r.code)

			r = run("execute", "--wallet", id, "--as", "carol", "--index", "0")
			require.Equal(t, exitOK, r.code, r.stderr)
			assert.Contains(t, r.stdout, "executed=true")

			r = run("execute", "--wallet", id, "--as", "carol", "--index", "0")
			assert.Equal(t, exitExecuted, r.code)
			r = run("revoke", "--wallet", id, "--as", "alice", "--index", "0")
			assert.Equal(t, exitExecuted, r.code)

			r = run("show", "--wallet", id, "--json")
			require.Equal(t, exitOK, r.code, r.stderr)
			var v walletView
			require.NoError(t, json.Unmarshal([]byte(r.stdout), &v))
			assert.Equal(t, 2, v.Threshold)
			assert.Equal(t, []string{"alice", "bob", "carol"}, v.Owners)
			require.Len(t, v.Transactions, 1)
			tx := v.Transactions[0]
			assert.Equal(t, "16", tx.Value)
			assert.Equal(t, "cafe", tx.Payload)
			assert.True(t, tx.Executed)
			assert.Equal(t, 2, tx.Approvals)
			assert.ElementsMatch(t, []string{"alice", "bob"}, tx.Approvers)

			r = run("wallets", "--owner", "BOB")
			require.Equal(t, exitOK, r.code, r.stderr)
			assert.Equal(t, id, r.stdout)

			r = run("verify", "--wallet", id)
			assert.Equal(t, exitOK, r.code, r.stderr)
			assert.Contains(t, r.stdout, "1 transactions")
		})
	}
}

func TestRun_ErrorsMapToExitCodes(t *testing.T) {
	useStore(t, "file")

	r := run("create", "--owners", "alice,alice", "--threshold", "1")
	assert.Equal(t, exitInvalidOwners, r.code)
	r = run("create", "--owners", "alice,bob", "--threshold", "3")
	assert.Equal(t, exitInvalidThreshold, r.code)
	assert.Contains(t, r.stderr, "invalid threshold")

	r = run("create", "--owners", "alice,bob", "--threshold", "1")
	require.Equal(t, exitOK, r.code, r.stderr)
	id := r.stdout

	cases := []struct {
		name string
		args []string
		code int
	}{
		{"unknown wallet", []string{"show", "--wallet", "nope"}, exitNotFound},
		{"missing wallet flag", []string{"show"}, exitUsage},
		{"bad flag", []string{"show", "--bogus"}, exitUsage},
		{"missing caller", []string{"submit", "--wallet", id, "--target", "x"}, exitUsage},
		{"outsider", []string{"submit", "--wallet", id, "--as", "mallory", "--target", "x"}, exitUnauthorized},
		{"negative value", []string{"submit", "--wallet", id, "--as", "alice", "--target", "x", "--value", "-1"}, exitInvalidInput},
		{"garbage value", []string{"submit", "--wallet", id, "--as", "alice", "--target", "x", "--value", "ten"}, exitInvalidInput},
		{"empty target", []string{"submit", "--wallet", id, "--as", "alice", "--target", ""}, exitInvalidInput},
		{"bad payload", []string{"submit", "--wallet", id, "--as", "alice", "--target", "x", "--payload", "zz"}, exitUsage},
		{"missing index", []string{"approve", "--wallet", id, "--as", "alice"}, exitUsage},
		{"index out of range", []string{"approve", "--wallet", id, "--as", "alice", "--index", "0"}, exitInvalidIndex},
		{"revoke without approval", []string{"revoke", "--wallet", id, "--as", "alice", "--index", "0"}, exitInvalidIndex},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := run(tc.args...)
			assert.Equal(t, tc.code, r.code, r.stderr)
			assert.True(t, strings.HasPrefix(r.stderr, "Error: ") || strings.Contains(r.stderr, "flag"), r.stderr)
		})
	}

	r = run("submit", "--wallet", id, "--as", "alice", "--target", "x")
	require.Equal(t, exitOK, r.code, r.stderr)
	r = run("revoke", "--wallet", id, "--as", "bob", "--index", "0")
	assert.Equal(t, exitNotApproved, r.code)
}

func TestRun_ExecuteEffectFailureLeavesTransactionPending(t *testing.T) {
	useStore(t, "sqlite")
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	t.Setenv("QUORUM_EFFECT_WEBHOOK_URL", srv.URL)
	t.Setenv("QUORUM_EFFECT_RETRIES", "0")

	r := run("create", "--owners", "alice", "--threshold", "1")
	require.Equal(t, exitOK, r.code, r.stderr)
	id := r.stdout
	require.Equal(t, exitOK, run("submit", "--wallet", id, "--as", "alice", "--target", "x", "--value", "5").code)
	require.Equal(t, exitOK, run("approve", "--wallet", id, "--as", "alice", "--index", "0").code)

	r = run("execute", "--wallet", id, "--as", "alice", "--index", "0")
	assert.Equal(t, exitEffectFailed, r.code)

	r = run("execute", "--wallet", id, "--as", "alice", "--index", "0")
	assert.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_Bootstrap(t *testing.T) {
	useStore(t, "file")
	path := filepath.Join(t.TempDir(), "wallets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`apiVersion: "1.0.0"
wallets:
  - id: treasury
    owners: [alice, bob]
    threshold: 2
guard:
  - name: cap
    expr: value <= 100
`), 0o600))
	t.Setenv("QUORUM_BOOTSTRAP_FILE", path)

	r := run("show", "--wallet", "treasury")
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "wallet treasury: 2 of 2")

	for i, value := range []string{"101", "100"} {
		r = run("submit", "--wallet", "treasury", "--as", "alice", "--target", "x", "--value", value)
		require.Equal(t, exitOK, r.code, r.stderr)
		for _, who := range []string{"alice", "bob"} {
			r = run("approve", "--wallet", "treasury", "--as", who, "--index", strconv.Itoa(i))
			require.Equal(t, exitOK, r.code, r.stderr)
		}
	}
	r = run("execute", "--wallet", "treasury", "--as", "bob", "--index", "0")
	assert.Equal(t, exitPolicyDenied, r.code)
	assert.Contains(t, r.stderr, "cap")
	r = run("execute", "--wallet", "treasury", "--as", "bob", "--index", "1")
	assert.Equal(t, exitOK, r.code, r.stderr)

	// Second start finds the wallet already restored.
	r = run("wallets", "--owner", "alice")
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Equal(t, "treasury", r.stdout)
}

func TestRun_SubmitRateLimitNeedsRedis(t *testing.T) {
	useStore(t, "file")
	t.Setenv("QUORUM_SUBMIT_RPM", "1")
	t.Setenv("REDIS_ADDR", "")

	r := run("wallets", "--owner", "alice")
	assert.Equal(t, exitConfig, r.code)
	assert.Contains(t, r.stderr, "REDIS_ADDR")
}

func TestRun_SubmitRateLimit(t *testing.T) {
	rl, err := limiter.Dial(context.Background(), "localhost:6379", limiter.Policy{RPM: 1})
	if err != nil {
		t.Skip("redis not available")
	}
	_ = rl.Close()

	useStore(t, "file")
	t.Setenv("QUORUM_SUBMIT_RPM", "1")
	t.Setenv("QUORUM_SUBMIT_BURST", "1")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	r := run("create", "--owners", "alice", "--threshold", "1")
	require.Equal(t, exitOK, r.code, r.stderr)
	id := r.stdout

	// The bucket lives in Redis, so the second process sees the first one's spend.
	assert.Equal(t, exitOK, run("submit", "--wallet", id, "--as", "alice", "--target", "x").code)
	assert.Equal(t, exitRateLimited, run("submit", "--wallet", id, "--as", "alice", "--target", "x").code)
}

func TestRun_Doctor(t *testing.T) {
	useStore(t, "sqlite")
	t.Setenv("REDIS_ADDR", "")

	r := run("doctor")
	assert.Equal(t, exitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "✓ config")
	assert.Contains(t, r.stdout, "wallets=0")

	t.Setenv("QUORUM_DB_DRIVER", "oracle")
	r = run("doctor")
	assert.Equal(t, exitConfig, r.code)
}

func TestRun_TokenAuth(t *testing.T) {
	useStore(t, "file")
	t.Setenv("QUORUM_AUTH_SECRET", strings.Repeat("s", 32))

	r := run("create", "--owners", "alice,bob", "--threshold", "1")
	require.Equal(t, exitOK, r.code, r.stderr)
	id := r.stdout
	r = run("create", "--owners", "alice", "--threshold", "1")
	require.Equal(t, exitOK, r.code, r.stderr)
	other := r.stdout

	r = run("submit", "--wallet", id, "--as", "alice", "--target", "x")
	assert.Equal(t, exitUsage, r.code, "bare identities are refused once tokens are on")

	r = run("token", "--owner", "alice", "--wallet", id)
	require.Equal(t, exitOK, r.code, r.stderr)
	tok := r.stdout

	r = run("submit", "--wallet", id, "--token", tok, "--target", "x")
	require.Equal(t, exitOK, r.code, r.stderr)
	r = run("submit", "--wallet", other, "--token", tok, "--target", "x")
	assert.Equal(t, exitUnauthorized, r.code)
	r = run("approve", "--wallet", id, "--token", tok+"x", "--index", "0")
	assert.Equal(t, exitUnauthorized, r.code)

	r = run("token", "--owner", "alice", "--wallet", "missing")
	assert.Equal(t, exitNotFound, r.code)
}

func TestRun_TokenNeedsSecret(t *testing.T) {
	useStore(t, "file")
	r := run("token", "--owner", "alice")
	assert.Equal(t, exitConfig, r.code)
}

func TestRun_BackupAndRestore(t *testing.T) {
	useStore(t, "sqlite")
	dest := t.TempDir()

	r := run("create", "--owners", "alice,bob", "--threshold", "2")
	require.Equal(t, exitOK, r.code, r.stderr)
	id := r.stdout
	require.Equal(t, exitOK, run("submit", "--wallet", id, "--as", "bob", "--target", "x", "--value", "9").code)
	require.Equal(t, exitOK, run("approve", "--wallet", id, "--as", "bob", "--index", "0").code)

	r = run("backup")
	assert.Equal(t, exitUsage, r.code)
	r = run("backup", "--dest", dest)
	require.Equal(t, exitOK, r.code, r.stderr)
	key := r.stdout
	require.True(t, strings.HasPrefix(key, "sha256:"), key)

	r = run("restore", "--src", dest, "--key", key)
	assert.Equal(t, exitConflict, r.code, "store already has wallets")

	// Point at a fresh database and restore into it.
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "fresh.sqlite"))
	r = run("restore", "--src", dest, "--key", key)
	require.Equal(t, exitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "restored 1 wallets")

	require.Equal(t, exitOK, run("approve", "--wallet", id, "--as", "alice", "--index", "0").code)
	r = run("execute", "--wallet", id, "--as", "alice", "--index", "0")
	assert.Equal(t, exitOK, r.code, r.stderr)

	r = run("restore", "--src", dest, "--key", "sha256:"+strings.Repeat("0", 64))
	assert.Equal(t, exitNotFound, r.code)
}

func TestExitCode_Internal(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitInternal, exitCode(os.ErrPermission))
}
