package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/s402-core/settlement/domain"
)

// PaymentSettledEvent is one decoded PaymentSettled log, used by the
// indexer's EVENT_FETCH stage.
type PaymentSettledEvent struct {
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
	From        string
	To          string
	Value       *big.Int
	PlatformFee *big.Int
	Nonce       string
}

// SettlementSigner is the facilitator-facing surface the Settlement Service
// needs: replay checks, the two invoked settlement methods, and the
// startup sanity reads. Narrower than FacilitatorEvmSigner in the pack's
// EVM mechanism, because this service only ever drives one contract.
type SettlementSigner interface {
	ChainID(ctx context.Context) (*big.Int, error)
	IsPaymentUsed(ctx context.Context, owner, recipient string, value *big.Int, deadline int64, nonce []byte) (bool, error)
	GetStats(ctx context.Context, account string) (totalPaid, totalReceived *big.Int, err error)
	USDC(ctx context.Context) (string, error)
	PlatformFeeBps(ctx context.Context) (*big.Int, error)
	FacilitatorOwner(ctx context.Context) (string, error)
	TokenNonce(ctx context.Context, owner string) (*big.Int, error)
	TokenNameVersion(ctx context.Context) (name, version string, err error)

	SettlePaymentWithPermit(ctx context.Context, p domain.PaymentAuthorization) (txHash string, err error)
	BatchSettlePayments(ctx context.Context, payments []domain.PaymentAuthorization) (txHash string, err error)
	WaitForReceipt(ctx context.Context, txHash string) (status uint64, err error)

	FacilitatorAddress() string
}

// IndexerReader is the chain-facing surface the Indexer needs: head
// tracking, log fetch, and block timestamps.
type IndexerReader interface {
	HeadBlockNumber(ctx context.Context) (uint64, error)
	FilterPaymentSettled(ctx context.Context, fromBlock, toBlock uint64) ([]PaymentSettledEvent, error)
	BlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error)
	GetStats(ctx context.Context, account string) (totalPaid, totalReceived *big.Int, err error)
}

// PaymentSettledEventSignature is the literal event signature named in the
// spec's external interface section; the indexer validates its configured
// topic against keccak256 of this string at startup.
const PaymentSettledEventSignature = "PaymentSettled(address,address,uint256,uint256,bytes32)"

// ExpectedPaymentSettledTopic returns the ABI-computed topic hash so
// callers outside this package (the indexer's startup check) don't need to
// re-derive it by hand.
func ExpectedPaymentSettledTopic() [32]byte {
	return [32]byte(paymentSettledTopic)
}
