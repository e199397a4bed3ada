// Package indexer walks the facilitator's PaymentSettled event log in
// confirmed windows and maintains the aggregate store, following the
// poll-head/choose-window/fetch/advance-checkpoint shape of the pack's own
// EVM chain observer.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/s402-core/settlement/chain"
	"github.com/s402-core/settlement/domain"
	"github.com/s402-core/settlement/metrics"
	"github.com/s402-core/settlement/store"
)

// Config bounds one Indexer's behavior; all fields have a home in
// config.Config, passed through explicitly by main rather than read from
// a package-global.
type Config struct {
	GenesisBlock   uint64
	BatchSize      uint64
	Confirmations  uint64
	PollInterval   time.Duration
	TokenDecimals  int
}

// Indexer is the tick state machine described by the component design:
// LOAD_CHECKPOINT, HEAD_QUERY, WINDOW_CHOICE, EVENT_FETCH,
// BLOCK_TIMESTAMPS, UPSERT_PAYMENTS, UPDATE_PROVIDER_AGG,
// UPDATE_DAILY_AGG, ADVANCE_CHECKPOINT.
type Indexer struct {
	reader chain.IndexerReader
	store  store.AggregateStore
	cfg    Config
	now    func() time.Time
}

// New validates the configured PaymentSettled topic against the ABI's
// computed topic before returning, per the startup ABI sanity check: a
// misconfigured ABI here would otherwise silently index nothing.
func New(reader chain.IndexerReader, agStore store.AggregateStore, cfg Config) (*Indexer, error) {
	// The configured ABI fragment's PaymentSettled event ID must match the
	// literal signature string named in the external interface: a drifted
	// ABI fragment would otherwise silently filter for the wrong topic and
	// the indexer would find nothing, forever, with no error.
	want := crypto.Keccak256Hash([]byte(chain.PaymentSettledEventSignature))
	got := chain.ExpectedPaymentSettledTopic()
	if [32]byte(want) != got {
		return nil, fmt.Errorf("indexer: configured PaymentSettled topic does not match keccak256(%q)", chain.PaymentSettledEventSignature)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 6
	}
	return &Indexer{reader: reader, store: agStore, cfg: cfg, now: time.Now}, nil
}

// Start runs Tick on cfg.PollInterval until ctx is canceled, logging each
// report. It never returns a non-nil error except ctx.Err() on shutdown.
func (idx *Indexer) Start(ctx context.Context) error {
	ticker := time.NewTicker(idx.cfg.PollInterval)
	defer ticker.Stop()

	if _, err := idx.Tick(ctx); err != nil {
		slog.Error("indexer tick failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := idx.Tick(ctx)
			if err != nil {
				slog.Error("indexer tick failed", "error", err)
				continue
			}
			slog.Info("indexer tick complete",
				"from_block", report.FromBlock, "to_block", report.ToBlock,
				"events_found", report.EventsFound, "payments_upserted", report.PaymentsUpserted,
				"advanced", report.Advanced)
		}
	}
}

// Tick runs one full pipeline pass: LOAD_CHECKPOINT through
// ADVANCE_CHECKPOINT. It is idempotent — re-running it for the same
// window upserts the same payments (a no-op on the second pass) and
// re-derives the same aggregates.
func (idx *Indexer) Tick(ctx context.Context) (domain.SyncReport, error) {
	start := idx.now()
	defer func() {
		metrics.IndexerTickDuration.Observe(idx.now().Sub(start).Seconds())
	}()

	// LOAD_CHECKPOINT / bootstrap.
	checkpoint, err := idx.store.LoadCheckpoint(ctx)
	if err != nil {
		return domain.SyncReport{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if checkpoint == nil {
		if err := idx.store.Bootstrap(ctx, idx.cfg.GenesisBlock, start); err != nil {
			return domain.SyncReport{}, fmt.Errorf("bootstrap checkpoint: %w", err)
		}
		checkpoint = &domain.IndexerCheckpoint{LastSyncedBlock: idx.cfg.GenesisBlock}
	}

	if err := idx.store.SetSyncing(ctx, true); err != nil {
		return domain.SyncReport{}, fmt.Errorf("set syncing: %w", err)
	}
	defer idx.store.SetSyncing(ctx, false)

	// HEAD_QUERY.
	head, err := idx.reader.HeadBlockNumber(ctx)
	if err != nil {
		return domain.SyncReport{}, fmt.Errorf("head query: %w", err)
	}

	// WINDOW_CHOICE: the safe tip is head minus the confirmations buffer;
	// the window never extends past it, and never exceeds one batch.
	if head < idx.cfg.Confirmations {
		metrics.IndexerHeadLagBlocks.Set(0)
		return domain.SyncReport{FromBlock: checkpoint.LastSyncedBlock, ToBlock: checkpoint.LastSyncedBlock}, nil
	}
	safeTip := head - idx.cfg.Confirmations
	metrics.IndexerHeadLagBlocks.Set(float64(head - checkpoint.LastSyncedBlock))

	if checkpoint.LastSyncedBlock >= safeTip {
		return domain.SyncReport{FromBlock: checkpoint.LastSyncedBlock, ToBlock: checkpoint.LastSyncedBlock}, nil
	}
	fromBlock := checkpoint.LastSyncedBlock + 1
	toBlock := safeTip
	if toBlock-fromBlock+1 > idx.cfg.BatchSize {
		toBlock = fromBlock + idx.cfg.BatchSize - 1
	}

	// EVENT_FETCH.
	events, err := idx.reader.FilterPaymentSettled(ctx, fromBlock, toBlock)
	if err != nil {
		return domain.SyncReport{}, fmt.Errorf("event fetch: %w", err)
	}

	// BLOCK_TIMESTAMPS: resolved once per distinct block in the window, not
	// once per event, since many events share a block.
	timestamps := make(map[uint64]time.Time)
	for _, ev := range events {
		if _, ok := timestamps[ev.BlockNumber]; ok {
			continue
		}
		ts, err := idx.reader.BlockTimestamp(ctx, ev.BlockNumber)
		if err != nil {
			return domain.SyncReport{}, fmt.Errorf("block timestamp for %d: %w", ev.BlockNumber, err)
		}
		timestamps[ev.BlockNumber] = ts
	}

	// UPSERT_PAYMENTS.
	upserted := 0
	providers := make(map[string]struct{})
	for _, ev := range events {
		valueUSD := weiToUSD(ev.Value, idx.cfg.TokenDecimals)
		feeUSD := weiToUSD(ev.PlatformFee, idx.cfg.TokenDecimals)
		payment := domain.IndexedPayment{
			TxHash:         ev.TxHash,
			BlockNumber:    ev.BlockNumber,
			BlockTimestamp: timestamps[ev.BlockNumber],
			From:           ev.From,
			To:             ev.To,
			Value:          ev.Value,
			PlatformFee:    ev.PlatformFee,
			Nonce:          ev.Nonce,
			ValueUSD:       valueUSD,
			FeeUSD:         feeUSD,
		}
		inserted, err := idx.store.UpsertPayment(ctx, payment)
		if err != nil {
			return domain.SyncReport{}, fmt.Errorf("upsert payment %s: %w", ev.TxHash, err)
		}
		if inserted {
			upserted++
			providers[ev.To] = struct{}{}
		}
	}

	// UPDATE_PROVIDER_AGG: re-read totals from the chain's getStats view
	// rather than summing locally, so replayed windows never double-count.
	// PaymentCount is left zero here; the store re-derives it from the
	// indexed_payments table itself rather than trusting a caller-supplied
	// increment, since a single tick can upsert more than one new payment
	// for the same provider.
	for provider := range providers {
		totalPaid, totalReceived, err := idx.reader.GetStats(ctx, provider)
		if err != nil {
			return domain.SyncReport{}, fmt.Errorf("get stats for %s: %w", provider, err)
		}
		now := idx.now()
		if err := idx.store.SetProviderAggregate(ctx, domain.ProviderAggregate{
			Address:       provider,
			TotalReceived: totalReceived,
			TotalPaid:     totalPaid,
			FirstSeenAt:   now,
			LastSeenAt:    now,
		}); err != nil {
			return domain.SyncReport{}, fmt.Errorf("set provider aggregate for %s: %w", provider, err)
		}
	}

	// UPDATE_DAILY_AGG: only the calendar dates actually touched by this
	// window are recomputed.
	var datesTouched []time.Time
	if len(events) > 0 {
		fromDate := earliestTimestamp(timestamps)
		toDate := latestTimestamp(timestamps)
		dates, err := idx.store.DistinctDatesInRange(ctx, fromDate, toDate)
		if err != nil {
			return domain.SyncReport{}, fmt.Errorf("distinct dates: %w", err)
		}
		for _, d := range dates {
			if _, err := idx.store.RecomputeDailyAggregate(ctx, d); err != nil {
				return domain.SyncReport{}, fmt.Errorf("recompute daily aggregate for %s: %w", d, err)
			}
		}
		datesTouched = dates
	}

	// ADVANCE_CHECKPOINT.
	if err := idx.store.AdvanceCheckpoint(ctx, toBlock, idx.now()); err != nil {
		return domain.SyncReport{}, fmt.Errorf("advance checkpoint: %w", err)
	}
	metrics.IndexerLastSyncedBlock.Set(float64(toBlock))

	return domain.SyncReport{
		FromBlock:        fromBlock,
		ToBlock:          toBlock,
		EventsFound:      len(events),
		PaymentsUpserted: upserted,
		DatesTouched:     datesTouched,
		Advanced:         true,
	}, nil
}

func earliestTimestamp(m map[uint64]time.Time) time.Time {
	var earliest time.Time
	for _, ts := range m {
		if earliest.IsZero() || ts.Before(earliest) {
			earliest = ts
		}
	}
	return earliest
}

func latestTimestamp(m map[uint64]time.Time) time.Time {
	var latest time.Time
	for _, ts := range m {
		if ts.After(latest) {
			latest = ts
		}
	}
	return latest
}

// weiToUSD renders a token amount as a fixed-point decimal string with
// exactly 6 fractional digits, avoiding float64 entirely per the spec's
// big-integer design note.
func weiToUSD(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = big.NewInt(0)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int)
	rem := new(big.Int)
	whole.QuoRem(amount, scale, rem)

	// Render rem/scale as a 6-digit fraction regardless of the token's
	// native decimals, matching the usd columns' NUMERIC(20,6) scale.
	const usdDecimals = 6
	fracScale := new(big.Int).Exp(big.NewInt(10), big.NewInt(usdDecimals), nil)
	frac := new(big.Int).Mul(rem, fracScale)
	frac.Quo(frac, scale)

	return fmt.Sprintf("%s.%06d", whole.String(), frac.Int64())
}
