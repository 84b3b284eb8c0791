// Command quorum operates multi-owner wallets: create them, propose
// transactions, collect approvals and execute once the threshold is met.
//
// Configuration comes from the environment (see pkg/config). The acting owner
// is passed with --as, or with --token when QUORUM_AUTH_SECRET is set.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/Mindburn-Labs/quorum/pkg/auth"
	"github.com/Mindburn-Labs/quorum/pkg/engine"
	"github.com/Mindburn-Labs/quorum/pkg/owner"
	"github.com/Mindburn-Labs/quorum/pkg/registry"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[1] {
	case "create":
		return withApp(ctx, stdout, stderr, args[2:], runCreate)
	case "wallets":
		return withApp(ctx, stdout, stderr, args[2:], runWallets)
	case "show":
		return withApp(ctx, stdout, stderr, args[2:], runShow)
	case "submit":
		return withApp(ctx, stdout, stderr, args[2:], runSubmit)
	case "approve":
		return withApp(ctx, stdout, stderr, args[2:], txCommand("approve", (*engine.Engine).Approve))
	case "revoke":
		return withApp(ctx, stdout, stderr, args[2:], txCommand("revoke", (*engine.Engine).Revoke))
	case "execute":
		return withApp(ctx, stdout, stderr, args[2:], txCommand("execute", (*engine.Engine).Execute))
	case "verify":
		return withApp(ctx, stdout, stderr, args[2:], runVerify)
	case "token":
		return withApp(ctx, stdout, stderr, args[2:], runToken)
	case "backup":
		return withApp(ctx, stdout, stderr, args[2:], runBackup)
	case "restore":
		return runRestore(ctx, args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(ctx, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: quorum <command> [flags]

Commands:
  create   --owners a,b,c --threshold N [--as owner]   create a wallet
  wallets  --owner o                                   list o's wallets, newest first
  show     --wallet id [--json]                        owners, threshold and transactions
  submit   --wallet id --as o --target t --value v [--payload hex]
  approve  --wallet id --as o --index i
  revoke   --wallet id --as o --index i
  execute  --wallet id --as o --index i
  verify   --wallet id                                 check the transaction hash chain
  token    --owner o [--ttl 1h] [--wallet id]          mint a caller token (needs QUORUM_AUTH_SECRET)
  backup   [--dest url]                                snapshot every wallet to a dir, s3:// or gs://
  restore  --src url --key sha256:...                  load a snapshot into an empty store
  doctor                                               check configuration and storage
  help

With QUORUM_AUTH_SECRET set, write commands take --token instead of --as.

Environment: QUORUM_DB_DRIVER, DATABASE_URL, LOG_LEVEL, LOG_FORMAT,
QUORUM_EFFECT_WEBHOOK_URL, QUORUM_EFFECT_TIMEOUT, QUORUM_SUBMIT_RPM,
REDIS_ADDR, QUORUM_BOOTSTRAP_FILE, QUORUM_TELEMETRY, QUORUM_AUTH_SECRET,
QUORUM_BACKUP_URL.
`)
}

type command func(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error

// errUsage marks flag and argument mistakes.
var errUsage = errors.New("usage")

func withApp(ctx context.Context, stdout, stderr io.Writer, args []string, cmd command) int {
	a, err := newApp(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.close()
	if err := cmd(ctx, a, args, stdout, stderr); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func newFlags(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

// callerFlags registers the identity flags shared by write commands.
type callerFlags struct {
	as    *string
	token *string
}

func addCallerFlags(fs *flag.FlagSet) callerFlags {
	return callerFlags{
		as:    fs.String("as", "", "acting owner"),
		token: fs.String("token", "", "signed caller token"),
	}
}

// context attaches the caller. With token auth configured only --token is
// accepted; otherwise --as names the caller directly.
func (c callerFlags) context(ctx context.Context, a *app, walletID string) (context.Context, error) {
	if a.tokens != nil {
		if *c.token == "" {
			return ctx, fmt.Errorf("%w: --token is required", errUsage)
		}
		return a.tokens.Authenticate(ctx, *c.token, walletID)
	}
	if *c.as == "" {
		return ctx, fmt.Errorf("%w: --as is required", errUsage)
	}
	return auth.AsCaller(ctx, *c.as)
}

func lookup(a *app, id string) (*engine.Engine, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: --wallet is required", errUsage)
	}
	return a.registry.Get(registry.EngineID(id))
}

func runCreate(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	fs := newFlags("create", stderr)
	owners := fs.String("owners", "", "comma-separated owner identities")
	threshold := fs.Int("threshold", 0, "approvals required to execute")
	caller := addCallerFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}

	// The creator is recorded when given but not required.
	if *caller.as != "" || *caller.token != "" {
		var err error
		if ctx, err = caller.context(ctx, a, ""); err != nil {
			return err
		}
	}
	var list []string
	if *owners != "" {
		list = strings.Split(*owners, ",")
	}
	id, err := a.registry.Create(ctx, list, *threshold)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, id)
	return nil
}

func runWallets(_ context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	fs := newFlags("wallets", stderr)
	raw := fs.String("owner", "", "owner identity")
	if err := parse(fs, args); err != nil {
		return err
	}
	o, err := owner.Parse(*raw)
	if err != nil {
		return fmt.Errorf("%w: --owner: %v", errUsage, err)
	}
	for _, id := range a.registry.ListByOwner(o) {
		_, _ = fmt.Fprintln(stdout, id)
	}
	return nil
}

type txView struct {
	Index     uint64   `json:"index"`
	Target    string   `json:"target"`
	Value     string   `json:"value"`
	Payload   string   `json:"payload"`
	Executed  bool     `json:"executed"`
	Approvals int      `json:"approval_count"`
	Approvers []string `json:"approvers"`
}

type walletView struct {
	ID           string   `json:"id"`
	Owners       []string `json:"owners"`
	Threshold    int      `json:"threshold"`
	Transactions []txView `json:"transactions"`
}

func runShow(_ context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	fs := newFlags("show", stderr)
	id := fs.String("wallet", "", "wallet id")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := parse(fs, args); err != nil {
		return err
	}
	e, err := lookup(a, *id)
	if err != nil {
		return err
	}

	v := walletView{ID: e.ID(), Threshold: e.Threshold(), Transactions: []txView{}}
	for _, o := range e.Owners() {
		v.Owners = append(v.Owners, o.String())
	}
	for _, tx := range e.Transactions() {
		approvers, err := e.Approvers(tx.Index)
		if err != nil {
			return err
		}
		tv := txView{
			Index:     tx.Index,
			Target:    tx.Target,
			Value:     tx.Value.String(),
			Payload:   hex.EncodeToString(tx.Payload),
			Executed:  tx.Executed,
			Approvals: tx.ApprovalCount,
			Approvers: []string{},
		}
		for _, o := range approvers {
			tv.Approvers = append(tv.Approvers, o.String())
		}
		v.Transactions = append(v.Transactions, tv)
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	_, _ = fmt.Fprintf(stdout, "wallet %s: %d of %d (%s)\n", v.ID, v.Threshold, len(v.Owners), strings.Join(v.Owners, ", "))
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "INDEX\tTARGET\tVALUE\tAPPROVALS\tEXECUTED")
	for _, tx := range v.Transactions {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%d/%d\t%t\n", tx.Index, tx.Target, tx.Value, tx.Approvals, v.Threshold, tx.Executed)
	}
	return tw.Flush()
}

func runSubmit(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	fs := newFlags("submit", stderr)
	id := fs.String("wallet", "", "wallet id")
	caller := addCallerFlags(fs)
	target := fs.String("target", "", "destination")
	rawValue := fs.String("value", "0", "amount (decimal or 0x hex)")
	rawPayload := fs.String("payload", "", "payload bytes as hex")
	if err := parse(fs, args); err != nil {
		return err
	}

	e, err := lookup(a, *id)
	if err != nil {
		return err
	}
	ctx, err = caller.context(ctx, a, *id)
	if err != nil {
		return err
	}
	value, ok := new(big.Int).SetString(*rawValue, 0)
	if !ok {
		return fmt.Errorf("%w: %q is not an integer", engine.ErrInvalidValue, *rawValue)
	}
	payload, err := hex.DecodeString(strings.TrimPrefix(*rawPayload, "0x"))
	if err != nil {
		return fmt.Errorf("%w: --payload: %v", errUsage, err)
	}

	index, err := e.Submit(ctx, *target, value, payload)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, index)
	return nil
}

func txCommand(name string, op func(*engine.Engine, context.Context, uint64) error) command {
	return func(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error {
		fs := newFlags(name, stderr)
		id := fs.String("wallet", "", "wallet id")
		caller := addCallerFlags(fs)
		index := fs.Int64("index", -1, "transaction index")
		if err := parse(fs, args); err != nil {
			return err
		}
		if *index < 0 {
			return fmt.Errorf("%w: --index is required", errUsage)
		}

		e, err := lookup(a, *id)
		if err != nil {
			return err
		}
		ctx, err = caller.context(ctx, a, *id)
		if err != nil {
			return err
		}
		if err := op(e, ctx, uint64(*index)); err != nil {
			return err
		}

		tx, err := e.Transaction(uint64(*index))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "%s %d: approvals %d/%d executed=%t\n", name, tx.Index, tx.ApprovalCount, e.Threshold(), tx.Executed)
		return nil
	}
}

func runVerify(_ context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	fs := newFlags("verify", stderr)
	id := fs.String("wallet", "", "wallet id")
	if err := parse(fs, args); err != nil {
		return err
	}
	e, err := lookup(a, *id)
	if err != nil {
		return err
	}
	ok, reason := e.VerifyLedger()
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrCorrupt, reason)
	}
	_, _ = fmt.Fprintf(stdout, "ledger ok: %d transactions\n", e.TransactionCount())
	return nil
}
