package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/quorum/pkg/engine"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/owner"
)

// Dialect selects the schema flavor. Queries use $n placeholders, which both
// drivers accept.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQL implements Store on database/sql. Several processes may share one
// database: approval counts are updated relative to the stored row and
// execution is claimed with a conditional update.
type SQL struct {
	db      *sql.DB
	q       querier
	tx      *sql.Tx // set on the view handed out by Atomically
	dialect Dialect
}

// NewSQL wraps an open database. Call Init before use.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, q: db, dialect: dialect}
}

// Open connects with the driver registered for dialect and creates the
// schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQL, error) {
	var driver string
	switch dialect {
	case Postgres:
		driver = "postgres"
	case SQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}

	if dialect == SQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// one writer; also keeps ":memory:" a single database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	s := NewSQL(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// sqliteDSN makes writers from other processes wait for the file lock
// instead of failing with SQLITE_BUSY, and takes the write lock when a
// transaction begins so read-then-write transactions cannot deadlock.
func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(10000)&_txlock=immediate"
}

func (s *SQL) schema() []string {
	blob, boolean, no := "BLOB", "INTEGER", "0"
	if s.dialect == Postgres {
		blob, boolean, no = "BYTEA", "BOOLEAN", "FALSE"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS wallets (
	id TEXT PRIMARY KEY,
	threshold INTEGER NOT NULL,
	created_at BIGINT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	seq BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS wallet_owners (
	wallet_id TEXT NOT NULL REFERENCES wallets(id),
	position INTEGER NOT NULL,
	owner TEXT NOT NULL,
	PRIMARY KEY (wallet_id, position),
	UNIQUE (wallet_id, owner)
)`,
		`CREATE TABLE IF NOT EXISTS transactions (
	wallet_id TEXT NOT NULL REFERENCES wallets(id),
	idx BIGINT NOT NULL,
	target TEXT NOT NULL,
	value TEXT NOT NULL,
	payload ` + blob + `,
	executed ` + boolean + ` NOT NULL,
	executing ` + boolean + ` NOT NULL DEFAULT ` + no + `,
	approval_count INTEGER NOT NULL,
	submitted_by TEXT NOT NULL,
	submitted_at BIGINT NOT NULL,
	executed_by TEXT NOT NULL DEFAULT '',
	executed_at BIGINT NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	PRIMARY KEY (wallet_id, idx)
)`,
		`CREATE TABLE IF NOT EXISTS approvals (
	wallet_id TEXT NOT NULL,
	idx BIGINT NOT NULL,
	owner TEXT NOT NULL,
	PRIMARY KEY (wallet_id, idx, owner)
)`,
	}
}

// Init creates the tables if missing.
func (s *SQL) Init(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the handle for health checks.
func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}

// inTx runs fn in a transaction, or in the enclosing one on an Atomically
// view.
func (s *SQL) inTx(ctx context.Context, opts *sql.TxOptions, fn func(q querier) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Atomically runs fn against a view bound to one transaction. On Postgres
// the transaction is REPEATABLE READ so every read sees the same snapshot;
// SQLite transactions are serializable already.
func (s *SQL) Atomically(ctx context.Context, fn func(Store) error) error {
	var opts *sql.TxOptions
	if s.dialect == Postgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	}
	return s.inTx(ctx, opts, func(q querier) error {
		tx, _ := q.(*sql.Tx)
		return fn(&SQL{db: s.db, q: q, tx: tx, dialect: s.dialect})
	})
}

func (s *SQL) SaveWallet(ctx context.Context, w WalletRecord) error {
	return s.inTx(ctx, nil, func(tx querier) error {
		return saveWallet(ctx, tx, w)
	})
}

func saveWallet(ctx context.Context, tx querier, w WalletRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO wallets (id, threshold, created_at, created_by, seq) VALUES ($1, $2, $3, $4, $5)`,
		w.ID, w.Threshold, w.CreatedAt.UnixNano(), w.CreatedBy, w.Seq,
	)
	if err != nil {
		return fmt.Errorf("insert wallet %s: %w", w.ID, err)
	}
	for i, o := range w.Owners {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO wallet_owners (wallet_id, position, owner) VALUES ($1, $2, $3)`,
			w.ID, i, o,
		)
		if err != nil {
			return fmt.Errorf("insert owner %d of %s: %w", i, w.ID, err)
		}
	}
	return nil
}

func (s *SQL) ListWallets(ctx context.Context) ([]WalletRecord, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, threshold, created_at, created_by, seq FROM wallets ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	var out []WalletRecord
	byID := make(map[string]int)
	for rows.Next() {
		var w WalletRecord
		var created int64
		if err := rows.Scan(&w.ID, &w.Threshold, &created, &w.CreatedBy, &w.Seq); err != nil {
			_ = rows.Close()
			return nil, err
		}
		w.CreatedAt = time.Unix(0, created).UTC()
		byID[w.ID] = len(out)
		out = append(out, w)
	}
	err = errors.Join(rows.Err(), rows.Close())
	if err != nil {
		return nil, err
	}

	// Read owners only after the first cursor is closed: SQLite runs on a
	// single connection.
	rows, err = s.q.QueryContext(ctx,
		`SELECT wallet_id, owner FROM wallet_owners ORDER BY wallet_id, position`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id, o string
		if err := rows.Scan(&id, &o); err != nil {
			return nil, err
		}
		if i, ok := byID[id]; ok {
			out[i].Owners = append(out[i].Owners, o)
		}
	}
	return out, rows.Err()
}

func (s *SQL) AppendTransaction(ctx context.Context, walletID string, t ledger.Transaction) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO transactions (wallet_id, idx, target, value, payload, executed, approval_count,
			submitted_by, submitted_at, executed_by, executed_at, content_hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		walletID, int64(t.Index), t.Target, t.Value.String(), t.Payload, t.Executed, t.ApprovalCount, //nolint:gosec // indices stay far below MaxInt64
		t.SubmittedBy.String(), t.SubmittedAt.UnixNano(), t.ExecutedBy.String(), unixNano(t.ExecutedAt),
		t.ContentHash, t.PrevHash,
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s/%d: %w", walletID, t.Index, err)
	}
	return nil
}

// txState is the mutable part of a stored transaction.
type txState struct {
	executed, executing bool
	approvals           int
}

func (st txState) mutable() error {
	if st.executed {
		return engine.ErrAlreadyExecuted
	}
	if st.executing {
		return engine.ErrExecutionInProgress
	}
	return nil
}

// lockState reads a transaction's state, holding its row lock on Postgres
// until the enclosing transaction ends.
func (s *SQL) lockState(ctx context.Context, q querier, walletID string, index uint64) (txState, error) {
	query := `SELECT executed, executing, approval_count FROM transactions WHERE wallet_id = $1 AND idx = $2`
	if s.dialect == Postgres {
		query += ` FOR UPDATE`
	}
	idx := int64(index) //nolint:gosec // indices stay far below MaxInt64
	var st txState
	err := q.QueryRowContext(ctx, query, walletID, idx).Scan(&st.executed, &st.executing, &st.approvals)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("%w: transaction %s/%d", ErrNotFound, walletID, index)
	}
	if err != nil {
		return st, fmt.Errorf("read transaction %s/%d: %w", walletID, index, err)
	}
	return st, nil
}

// RecordApproval flips one approval bit and moves the stored count by one in
// the same transaction.
func (s *SQL) RecordApproval(ctx context.Context, walletID string, index uint64, o owner.Owner, approved bool) error {
	idx := int64(index) //nolint:gosec // indices stay far below MaxInt64
	return s.inTx(ctx, nil, func(q querier) error {
		st, err := s.lockState(ctx, q, walletID, index)
		if err != nil {
			return err
		}
		if err := st.mutable(); err != nil {
			return fmt.Errorf("transaction %s/%d: %w", walletID, index, err)
		}

		var res sql.Result
		delta := 1
		if approved {
			res, err = q.ExecContext(ctx,
				`INSERT INTO approvals (wallet_id, idx, owner) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
				walletID, idx, o.String())
		} else {
			delta = -1
			res, err = q.ExecContext(ctx,
				`DELETE FROM approvals WHERE wallet_id = $1 AND idx = $2 AND owner = $3`, walletID, idx, o.String())
		}
		if err != nil {
			return fmt.Errorf("write approval %s/%d: %w", walletID, index, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if n == 0 {
			if approved {
				return fmt.Errorf("%w: %s on %s/%d", engine.ErrAlreadyApproved, o, walletID, index)
			}
			return fmt.Errorf("%w: %s on %s/%d", engine.ErrNotApproved, o, walletID, index)
		}

		res, err = q.ExecContext(ctx,
			`UPDATE transactions SET approval_count = approval_count + $1 WHERE wallet_id = $2 AND idx = $3`,
			delta, walletID, idx)
		if err != nil {
			return fmt.Errorf("update approval count %s/%d: %w", walletID, index, err)
		}
		return oneRow(res, walletID, index)
	})
}

// ClaimExecution sets the executing flag. The conditional update is the
// serialization point between processes: only one of them sees a row change.
func (s *SQL) ClaimExecution(ctx context.Context, walletID string, index uint64, threshold int) error {
	idx := int64(index) //nolint:gosec // indices stay far below MaxInt64
	return s.inTx(ctx, nil, func(q querier) error {
		st, err := s.lockState(ctx, q, walletID, index)
		if err != nil {
			return err
		}
		if err := st.mutable(); err != nil {
			return fmt.Errorf("transaction %s/%d: %w", walletID, index, err)
		}
		if st.approvals < threshold {
			return fmt.Errorf("%w: stored %d, need %d", engine.ErrInsufficientApprovals, st.approvals, threshold)
		}
		res, err := q.ExecContext(ctx, `
			UPDATE transactions SET executing = $1
			WHERE wallet_id = $2 AND idx = $3 AND executed = $4 AND executing = $5 AND approval_count >= $6`,
			true, walletID, idx, false, false, threshold)
		if err != nil {
			return fmt.Errorf("claim %s/%d: %w", walletID, index, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("transaction %s/%d: %w", walletID, index, engine.ErrExecutionInProgress)
		}
		return nil
	})
}

func (s *SQL) ReleaseExecution(ctx context.Context, walletID string, index uint64) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE transactions SET executing = $1 WHERE wallet_id = $2 AND idx = $3 AND executed = $4`,
		false, walletID, int64(index), false) //nolint:gosec // indices stay far below MaxInt64
	if err != nil {
		return fmt.Errorf("release %s/%d: %w", walletID, index, err)
	}
	return nil
}

func (s *SQL) MarkExecuted(ctx context.Context, walletID string, t ledger.Transaction) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE transactions SET executed = $1, executing = $2, executed_by = $3, executed_at = $4
		WHERE wallet_id = $5 AND idx = $6 AND executed = $7`,
		true, false, t.ExecutedBy.String(), unixNano(t.ExecutedAt), walletID, int64(t.Index), false, //nolint:gosec // indices stay far below MaxInt64
	)
	if err != nil {
		return fmt.Errorf("mark executed %s/%d: %w", walletID, t.Index, err)
	}
	return oneRow(res, walletID, t.Index)
}

func (s *SQL) LoadTransactions(ctx context.Context, walletID string) ([]ledger.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT idx, target, value, payload, executed, approval_count, submitted_by, submitted_at,
			executed_by, executed_at, content_hash, prev_hash
		FROM transactions WHERE wallet_id = $1 ORDER BY idx`, walletID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]ledger.Transaction, 0)
	for rows.Next() {
		var (
			t                   ledger.Transaction
			idx                 int64
			value               string
			submitter, executor string
			submitted, executed int64
		)
		if err := rows.Scan(&idx, &t.Target, &value, &t.Payload, &t.Executed, &t.ApprovalCount,
			&submitter, &submitted, &executor, &executed, &t.ContentHash, &t.PrevHash); err != nil {
			return nil, err
		}
		v, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return nil, fmt.Errorf("%w: transaction %s/%d value %q", ledger.ErrCorrupt, walletID, idx, value)
		}
		t.Index = uint64(idx) //nolint:gosec // written from uint64
		t.Value = v
		t.SubmittedBy = owner.Owner(submitter)
		t.SubmittedAt = time.Unix(0, submitted).UTC()
		t.ExecutedBy = owner.Owner(executor)
		if executed != 0 {
			t.ExecutedAt = time.Unix(0, executed).UTC()
		}
		if t.Payload == nil {
			t.Payload = []byte{}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQL) LoadApprovals(ctx context.Context, walletID string) (map[uint64][]owner.Owner, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT idx, owner FROM approvals WHERE wallet_id = $1 ORDER BY idx, owner`, walletID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[uint64][]owner.Owner)
	for rows.Next() {
		var idx int64
		var o string
		if err := rows.Scan(&idx, &o); err != nil {
			return nil, err
		}
		out[uint64(idx)] = append(out[uint64(idx)], owner.Owner(o)) //nolint:gosec // written from uint64
	}
	return out, rows.Err()
}

func oneRow(res sql.Result, walletID string, index uint64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: transaction %s/%d", ErrNotFound, walletID, index)
	}
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
