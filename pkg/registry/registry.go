// Package registry creates wallets and indexes them by owner.
//
// The registry is the source of truth for which engines exist. Wallets are
// persisted through a store.Store when one is configured, and Restore rebuilds
// every engine (ledger and approval bits included) after a restart.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/quorum/pkg/auth"
	"github.com/Mindburn-Labs/quorum/pkg/config"
	"github.com/Mindburn-Labs/quorum/pkg/engine"
	"github.com/Mindburn-Labs/quorum/pkg/observability"
	"github.com/Mindburn-Labs/quorum/pkg/owner"
	"github.com/Mindburn-Labs/quorum/pkg/store"
)

var (
	// ErrNotFound is returned for unknown wallet ids.
	ErrNotFound = errors.New("wallet not found")
	// ErrInvalidIndex is returned by Wallet for positions out of range.
	ErrInvalidIndex = engine.ErrInvalidIndex
	// ErrExists is returned when a wallet id is already taken.
	ErrExists = errors.New("wallet already exists")
	// ErrNotEmpty is returned by Restore on a registry that already has wallets.
	ErrNotEmpty = errors.New("registry not empty")
)

// EngineID identifies a wallet. Ids are never reused.
type EngineID string

func (id EngineID) String() string { return string(id) }

// Created is the record emitted for every new wallet.
type Created struct {
	EventID   string        `json:"event_id"`
	WalletID  EngineID      `json:"wallet_id"`
	Owners    []owner.Owner `json:"owners"`
	Threshold int           `json:"threshold"`
	CreatedBy owner.Owner   `json:"created_by,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Listener receives creation records. Listeners run synchronously after the
// wallet is committed and must not call back into Create.
type Listener func(ctx context.Context, c Created)

type entry struct {
	engine    *engine.Engine
	createdAt time.Time
	createdBy owner.Owner
	seq       int64
}

// Registry holds every wallet of the process.
type Registry struct {
	mu      sync.RWMutex
	wallets map[EngineID]*entry
	pending map[EngineID]struct{}      // ids being persisted
	byOwner map[owner.Owner][]EngineID // creation order
	seq     int64

	listenersMu sync.RWMutex
	listeners   []Listener

	store      store.Store
	engineOpts []engine.Option
	telemetry  engine.Telemetry
	clock      func() time.Time
	newID      func() string
	logger     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists wallets and journals every engine mutation.
func WithStore(s store.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithEngineOptions applies opts to every engine the registry builds.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(r *Registry) { r.engineOpts = append(r.engineOpts, opts...) }
}

// WithTelemetry instruments creations.
func WithTelemetry(t engine.Telemetry) Option {
	return func(r *Registry) { r.telemetry = t }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithIDGenerator overrides wallet id allocation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		wallets: make(map[EngineID]*entry),
		pending: make(map[EngineID]struct{}),
		byOwner: make(map[owner.Owner][]EngineID),
		clock:   time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Subscribe registers l for creation records.
func (r *Registry) Subscribe(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Create validates owners and threshold, builds a wallet and indexes it under
// every owner. The caller on ctx, if any, is recorded as its creator.
func (r *Registry) Create(ctx context.Context, owners []string, threshold int) (EngineID, error) {
	return r.create(ctx, EngineID(r.newID()), owners, threshold)
}

func (r *Registry) create(ctx context.Context, id EngineID, rawOwners []string, threshold int) (_ EngineID, err error) {
	set, err := owner.NewSet(rawOwners, threshold)
	if err != nil {
		return "", err
	}

	if r.telemetry != nil {
		var finish func(error)
		ctx, finish = r.telemetry.TrackOperation(ctx, "quorum.create",
			observability.WalletCreation(id.String(), set.Len(), threshold)...)
		defer func() { finish(err) }()
	}

	creator, _ := auth.CallerFrom(ctx)
	now := r.clock().UTC()

	// Reserve id and seq under the lock; the store write runs outside it so
	// readers never wait on storage I/O.
	r.mu.Lock()
	if _, ok := r.wallets[id]; ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrExists, id)
	}
	if _, ok := r.pending[id]; ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrExists, id)
	}
	r.seq++
	seq := r.seq
	r.pending[id] = struct{}{}
	r.mu.Unlock()

	if r.store != nil {
		rec := store.WalletRecord{
			ID:        id.String(),
			Owners:    set.Strings(),
			Threshold: threshold,
			CreatedAt: now,
			CreatedBy: creator.String(),
			Seq:       seq,
		}
		if err := r.store.SaveWallet(ctx, rec); err != nil {
			r.mu.Lock()
			delete(r.pending, id)
			r.mu.Unlock()
			return "", fmt.Errorf("persist wallet %s: %w", id, err)
		}
	}

	r.mu.Lock()
	delete(r.pending, id)
	r.add(id, set, now, creator, seq)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "wallet created",
		"wallet_id", id.String(),
		"owners", set.Len(),
		"threshold", threshold,
		"created_by", creator.String(),
	)
	r.notify(ctx, Created{
		EventID:   uuid.NewString(),
		WalletID:  id,
		Owners:    set.Owners(),
		Threshold: threshold,
		CreatedBy: creator,
		CreatedAt: now,
	})
	return id, nil
}

// add builds the engine and indexes it. Caller holds mu.
func (r *Registry) add(id EngineID, set *owner.Set, createdAt time.Time, createdBy owner.Owner, seq int64) *engine.Engine {
	opts := append([]engine.Option{}, r.engineOpts...)
	if r.store != nil {
		opts = append(opts, engine.WithJournal(r.store))
	}
	eng := engine.New(id.String(), set, opts...)
	r.wallets[id] = &entry{engine: eng, createdAt: createdAt, createdBy: createdBy, seq: seq}
	for _, o := range set.Owners() {
		r.byOwner[o] = append(r.byOwner[o], id)
	}
	return eng
}

func (r *Registry) notify(ctx context.Context, c Created) {
	r.listenersMu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.listenersMu.RUnlock()
	for _, l := range listeners {
		l(ctx, c)
	}
}

// Get returns the wallet's engine.
func (r *Registry) Get(id EngineID) (*engine.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.wallets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.engine, nil
}

// ListByOwner returns the ids of o's wallets, most recently created first.
func (r *Registry) ListByOwner(o owner.Owner) []EngineID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byOwner[o]
	out := make([]EngineID, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

// WalletsCount returns how many wallets o owns.
func (r *Registry) WalletsCount(o owner.Owner) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byOwner[o])
}

// Wallet returns o's i-th wallet in creation order.
func (r *Registry) Wallet(o owner.Owner, i int) (EngineID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byOwner[o]
	if i < 0 || i >= len(ids) {
		return "", fmt.Errorf("%w: wallet %d of %d for %s", ErrInvalidIndex, i, len(ids), o)
	}
	return ids[i], nil
}

// Count returns the number of wallets.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.wallets)
}

// Drain waits until effects that outlived their Execute call have finished
// on every wallet, or ctx ends.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.RLock()
	engines := make([]*engine.Engine, 0, len(r.wallets))
	for _, e := range r.wallets {
		engines = append(engines, e.engine)
	}
	r.mu.RUnlock()

	var errs []error
	for _, e := range engines {
		errs = append(errs, e.Drain(ctx))
	}
	return errors.Join(errs...)
}

// Info describes a wallet's creation.
type Info struct {
	ID        EngineID
	CreatedAt time.Time
	CreatedBy owner.Owner
}

// Describe returns creation metadata for id.
func (r *Registry) Describe(id EngineID) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.wallets[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Info{ID: id, CreatedAt: e.createdAt, CreatedBy: e.createdBy}, nil
}

// Restore rebuilds every stored wallet into an empty registry. No creation
// records are emitted.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	records, err := r.store.ListWallets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list wallets: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.wallets) > 0 {
		return 0, ErrNotEmpty
	}

	for _, rec := range records {
		if err := r.restoreOne(ctx, rec); err != nil {
			// all or nothing
			r.wallets = make(map[EngineID]*entry)
			r.byOwner = make(map[owner.Owner][]EngineID)
			r.seq = 0
			return 0, fmt.Errorf("restore %s: %w", rec.ID, err)
		}
	}

	r.logger.InfoContext(ctx, "registry restored", "wallets", len(records))
	return len(records), nil
}

// restoreOne rebuilds one wallet. Caller holds mu.
func (r *Registry) restoreOne(ctx context.Context, rec store.WalletRecord) error {
	set, err := owner.NewSet(rec.Owners, rec.Threshold)
	if err != nil {
		return err
	}
	txs, err := r.store.LoadTransactions(ctx, rec.ID)
	if err != nil {
		return err
	}
	approvals, err := r.store.LoadApprovals(ctx, rec.ID)
	if err != nil {
		return err
	}

	eng := r.add(EngineID(rec.ID), set, rec.CreatedAt, owner.Owner(rec.CreatedBy), rec.Seq)
	if err := eng.Load(txs, approvals); err != nil {
		return err
	}
	if rec.Seq > r.seq {
		r.seq = rec.Seq
	}
	return nil
}

// Bootstrap creates the declared wallets that do not exist yet and returns
// how many it created.
func (r *Registry) Bootstrap(ctx context.Context, b *config.Bootstrap) (int, error) {
	created := 0
	for _, w := range b.Wallets {
		id := EngineID(w.ID)
		if _, err := r.Get(id); err == nil {
			continue
		}
		if _, err := r.create(ctx, id, w.Owners, w.Threshold); err != nil {
			return created, fmt.Errorf("bootstrap wallet %s: %w", w.ID, err)
		}
		created++
	}
	return created, nil
}
