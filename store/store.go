// Package store defines the Aggregate Store: the relational view the
// Indexer alone writes and dashboards read. AggregateStore is the
// interface the indexer and its tests' in-memory double program against;
// postgres.go is the production PostgreSQL implementation.
package store

import (
	"context"
	"time"

	"github.com/s402-core/settlement/domain"
)

// AggregateStore is the full set of capabilities required by §4.3:
// atomic upsert on tx_hash for payments, upsert on address for provider
// aggregates, upsert on date for daily aggregates, and a singleton
// checkpoint row with last-writer-wins semantics.
type AggregateStore interface {
	// LoadCheckpoint returns the singleton checkpoint row, or (nil, nil)
	// if no row exists yet (bootstrap case).
	LoadCheckpoint(ctx context.Context) (*domain.IndexerCheckpoint, error)

	// Bootstrap inserts the singleton checkpoint row at genesisBlock. Only
	// valid to call when LoadCheckpoint returned nil; the store enforces
	// the CHECK(id=1) uniqueness itself.
	Bootstrap(ctx context.Context, genesisBlock uint64, now time.Time) error

	// SetSyncing flags the checkpoint row as mid-tick or idle, so a crash
	// mid-tick is observable (the next start still just re-processes the
	// window by idempotence; this flag is diagnostic, not load-bearing).
	SetSyncing(ctx context.Context, syncing bool) error

	// AdvanceCheckpoint last-writer-wins updates last_synced_block and
	// last_synced_at on the singleton row. Never called with a value less
	// than the current one.
	AdvanceCheckpoint(ctx context.Context, blockNumber uint64, syncedAt time.Time) error

	// UpsertPayment inserts a payment row keyed by tx_hash; a row that
	// already exists is left untouched and inserted=false is returned, so
	// replay of the same window is a no-op.
	UpsertPayment(ctx context.Context, p domain.IndexedPayment) (inserted bool, err error)

	// DistinctDatesInRange returns the distinct UTC calendar dates with at
	// least one payment whose block_timestamp falls in [from, to].
	DistinctDatesInRange(ctx context.Context, from, to time.Time) ([]time.Time, error)

	// RecomputeDailyAggregate re-aggregates every payment on date from the
	// stored rows (not an incremental sum) and upserts the result, so
	// repeated calls for the same date are idempotent.
	RecomputeDailyAggregate(ctx context.Context, date time.Time) (domain.DailyAggregate, error)

	// SetProviderAggregate upserts a provider's aggregate row, overwriting
	// totals with values read fresh from the chain's getStats view (not
	// summed locally), so replays tolerate duplicate observations.
	SetProviderAggregate(ctx context.Context, agg domain.ProviderAggregate) error

	// GetPayment looks up one payment by tx hash, used by round-trip tests
	// and dashboard-style reads.
	GetPayment(ctx context.Context, txHash string) (*domain.IndexedPayment, error)

	// Close releases the underlying connection pool.
	Close() error
}
