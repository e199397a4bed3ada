// Package domain holds the data model shared by the settlement service,
// the indexer, and the aggregate store: payment authorizations, indexed
// rows, and the aggregate tables derived from them.
package domain

import (
	"math/big"
	"time"
)

// Signature is an EIP-712 (v, r, s) signature in the wire format clients
// submit: v as a small integer, r/s as 32-byte hex strings.
type Signature struct {
	V uint8  `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

// PaymentAuthorization is what a client submits to the Settlement Service.
// Value travels as a decimal string and Deadline as a JSON integer on the
// wire (see wire.go); they are parsed into big.Int/int64 before reaching
// this type.
type PaymentAuthorization struct {
	Owner           string
	Recipient       string
	Value           *big.Int
	Deadline        int64
	Nonce           string // 32-byte hex, opaque
	PermitSignature Signature
	AuthSignature   Signature
}

// IndexedPayment is one row observed from a PaymentSettled event.
type IndexedPayment struct {
	TxHash          string
	BlockNumber     uint64
	BlockTimestamp  time.Time
	From            string
	To              string
	Value           *big.Int
	PlatformFee     *big.Int
	Nonce           string
	ValueUSD        string // decimal(20,6) as a string to avoid float rounding
	FeeUSD          string
}

// ProviderAggregate is one row per recipient address.
type ProviderAggregate struct {
	Address       string
	TotalReceived *big.Int
	TotalPaid     *big.Int
	PaymentCount  int64
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
}

// DailyAggregate is keyed by calendar date (UTC).
type DailyAggregate struct {
	Date              time.Time // truncated to the UTC day
	PaymentCount      int64
	VolumeUSD         string
	FeesUSD           string
	UniquePayers      int64
	UniqueProviders   int64
	AveragePaymentUSD string
}

// IndexerCheckpoint is the singleton row tracking indexer progress.
type IndexerCheckpoint struct {
	LastSyncedBlock uint64
	LastSyncedAt    time.Time
	IsSyncing       bool
}

// SyncReport summarizes one indexer tick.
type SyncReport struct {
	FromBlock        uint64
	ToBlock          uint64
	EventsFound      int
	PaymentsUpserted int
	DatesTouched     []time.Time
	Advanced         bool
}

// PerItemStatus reports the outcome of one authorization within a batch
// replay, computed off-chain when a batch transaction reverts.
type PerItemStatus struct {
	Nonce  string
	Status string // "ok" or a SettlementError Kind string
}
