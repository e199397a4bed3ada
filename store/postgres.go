// Package store's PostgreSQL implementation, grounded on the pack's own
// database client: database/sql + lib/pq, a bounded connection pool with
// ping verification, and embedded migrations applied at construction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	_ "github.com/lib/pq"

	"github.com/s402-core/settlement/domain"
)

// Postgres is the production AggregateStore, backed by a pooled
// *sql.DB. The indexer is the sole writer; dashboards read through the
// same pool concurrently.
type Postgres struct {
	db *sql.DB
}

// PostgresConfig bounds the connection pool per the spec's §5
// shared-resource policy (default 10 connections, 30s idle timeout).
type PostgresConfig struct {
	DatabaseURL  string
	PoolMax      int
	IdleTimeout  time.Duration
	ConnTimeout  time.Duration
}

// NewPostgres opens the pool, verifies connectivity, and applies embedded
// migrations before returning.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	poolMax := cfg.PoolMax
	if poolMax <= 0 {
		poolMax = 10
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	db.SetMaxOpenConns(poolMax)
	db.SetMaxIdleConns(poolMax)
	db.SetConnMaxIdleTime(idleTimeout)

	connTimeout := cfg.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, connTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, domain.NewSettlementError(domain.KindStoreUnavailable, "ping postgres", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) LoadCheckpoint(ctx context.Context) (*domain.IndexerCheckpoint, error) {
	var cp domain.IndexerCheckpoint
	var lastSyncedBlock int64
	err := p.db.QueryRowContext(ctx,
		`SELECT last_synced_block, last_synced_at, is_syncing FROM indexer_checkpoint WHERE id = 1`,
	).Scan(&lastSyncedBlock, &cp.LastSyncedAt, &cp.IsSyncing)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewSettlementError(domain.KindStoreUnavailable, "load checkpoint", err)
	}
	cp.LastSyncedBlock = uint64(lastSyncedBlock)
	return &cp, nil
}

func (p *Postgres) Bootstrap(ctx context.Context, genesisBlock uint64, now time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO indexer_checkpoint (id, last_synced_block, last_synced_at, is_syncing)
		 VALUES (1, $1, $2, FALSE)
		 ON CONFLICT (id) DO NOTHING`,
		int64(genesisBlock), now)
	if err != nil {
		return domain.NewSettlementError(domain.KindStoreUnavailable, "bootstrap checkpoint", err)
	}
	return nil
}

func (p *Postgres) SetSyncing(ctx context.Context, syncing bool) error {
	_, err := p.db.ExecContext(ctx, `UPDATE indexer_checkpoint SET is_syncing = $1 WHERE id = 1`, syncing)
	if err != nil {
		return domain.NewSettlementError(domain.KindStoreUnavailable, "set syncing", err)
	}
	return nil
}

func (p *Postgres) AdvanceCheckpoint(ctx context.Context, blockNumber uint64, syncedAt time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE indexer_checkpoint SET last_synced_block = $1, last_synced_at = $2 WHERE id = 1`,
		int64(blockNumber), syncedAt)
	if err != nil {
		return domain.NewSettlementError(domain.KindStoreUnavailable, "advance checkpoint", err)
	}
	return nil
}

// UpsertPayment relies on tx_hash's primary key to make replay a no-op:
// ON CONFLICT DO NOTHING reports zero rows affected when the row already
// exists, which this method surfaces as inserted=false.
func (p *Postgres) UpsertPayment(ctx context.Context, payment domain.IndexedPayment) (bool, error) {
	result, err := p.db.ExecContext(ctx,
		`INSERT INTO indexed_payments
		   (tx_hash, block_number, block_timestamp, from_address, to_address,
		    value_wei, platform_fee_wei, nonce, value_usd, fee_usd)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tx_hash) DO NOTHING`,
		payment.TxHash, int64(payment.BlockNumber), payment.BlockTimestamp,
		payment.From, payment.To,
		bigIntParam(payment.Value), bigIntParam(payment.PlatformFee), payment.Nonce,
		payment.ValueUSD, payment.FeeUSD,
	)
	if err != nil {
		return false, domain.NewSettlementError(domain.KindStoreUnavailable, "upsert payment", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, domain.NewSettlementError(domain.KindStoreUnavailable, "rows affected", err)
	}
	return n > 0, nil
}

func (p *Postgres) DistinctDatesInRange(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT DISTINCT date_trunc('day', block_timestamp AT TIME ZONE 'UTC') FROM indexed_payments
		 WHERE block_timestamp >= $1 AND block_timestamp <= $2
		 ORDER BY 1`,
		from, to)
	if err != nil {
		return nil, domain.NewSettlementError(domain.KindStoreUnavailable, "distinct dates", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, domain.NewSettlementError(domain.KindStoreUnavailable, "scan date", err)
		}
		dates = append(dates, d.UTC())
	}
	return dates, rows.Err()
}

// RecomputeDailyAggregate re-derives the entire row for date from the
// stored payments (not an incremental sum), so re-running it for the same
// window is idempotent per §4.2's idempotence rules.
func (p *Postgres) RecomputeDailyAggregate(ctx context.Context, date time.Time) (domain.DailyAggregate, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	var agg domain.DailyAggregate
	agg.Date = dayStart

	err := p.db.QueryRowContext(ctx, `
		SELECT
		  count(*),
		  COALESCE(sum(value_usd), 0),
		  COALESCE(sum(fee_usd), 0),
		  count(DISTINCT from_address),
		  count(DISTINCT to_address),
		  COALESCE(avg(value_usd), 0)
		FROM indexed_payments
		WHERE block_timestamp >= $1 AND block_timestamp < $2`,
		dayStart, dayEnd,
	).Scan(&agg.PaymentCount, &agg.VolumeUSD, &agg.FeesUSD, &agg.UniquePayers, &agg.UniqueProviders, &agg.AveragePaymentUSD)
	if err != nil {
		return domain.DailyAggregate{}, domain.NewSettlementError(domain.KindStoreUnavailable, "recompute daily aggregate", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO daily_aggregates
		  (date, payment_count, volume_usd, fees_usd, unique_payers, unique_providers, average_payment_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (date) DO UPDATE SET
		  payment_count = EXCLUDED.payment_count,
		  volume_usd = EXCLUDED.volume_usd,
		  fees_usd = EXCLUDED.fees_usd,
		  unique_payers = EXCLUDED.unique_payers,
		  unique_providers = EXCLUDED.unique_providers,
		  average_payment_usd = EXCLUDED.average_payment_usd`,
		dayStart, agg.PaymentCount, agg.VolumeUSD, agg.FeesUSD, agg.UniquePayers, agg.UniqueProviders, agg.AveragePaymentUSD,
	)
	if err != nil {
		return domain.DailyAggregate{}, domain.NewSettlementError(domain.KindStoreUnavailable, "upsert daily aggregate", err)
	}
	return agg, nil
}

// SetProviderAggregate upserts the row wholesale with totals read fresh
// from the chain, never summing locally, so duplicate observations under
// replay leave the row correct rather than double-counted. payment_count
// is likewise re-derived from indexed_payments rather than incremented,
// since incrementing by one per call undercounts whenever a tick upserts
// more than one new payment for the same provider.
func (p *Postgres) SetProviderAggregate(ctx context.Context, agg domain.ProviderAggregate) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO provider_aggregates
		  (address, total_received, total_paid, payment_count, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, (SELECT count(*) FROM indexed_payments WHERE to_address = $1), $4, $5)
		ON CONFLICT (address) DO UPDATE SET
		  total_received = EXCLUDED.total_received,
		  total_paid = EXCLUDED.total_paid,
		  payment_count = (SELECT count(*) FROM indexed_payments WHERE to_address = $1),
		  last_seen_at = EXCLUDED.last_seen_at`,
		agg.Address, bigIntParam(agg.TotalReceived), bigIntParam(agg.TotalPaid), agg.FirstSeenAt, agg.LastSeenAt,
	)
	if err != nil {
		return domain.NewSettlementError(domain.KindStoreUnavailable, "upsert provider aggregate", err)
	}
	return nil
}

func (p *Postgres) GetPayment(ctx context.Context, txHash string) (*domain.IndexedPayment, error) {
	var payment domain.IndexedPayment
	var valueWei, feeWei string
	payment.TxHash = txHash

	var blockNumber int64
	err := p.db.QueryRowContext(ctx, `
		SELECT block_number, block_timestamp, from_address, to_address,
		       value_wei, platform_fee_wei, nonce, value_usd, fee_usd
		FROM indexed_payments WHERE tx_hash = $1`, txHash,
	).Scan(&blockNumber, &payment.BlockTimestamp, &payment.From, &payment.To,
		&valueWei, &feeWei, &payment.Nonce, &payment.ValueUSD, &payment.FeeUSD)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewSettlementError(domain.KindStoreUnavailable, "get payment", err)
	}

	payment.BlockNumber = uint64(blockNumber)
	payment.Value, _ = new(big.Int).SetString(valueWei, 10)
	payment.PlatformFee, _ = new(big.Int).SetString(feeWei, 10)
	return &payment, nil
}

// bigIntParam renders a *big.Int as its base-10 text form, which lib/pq
// binds to NUMERIC(78,0) columns as a text-format parameter — 256-bit
// values never pass through a narrower numeric type.
func bigIntParam(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
