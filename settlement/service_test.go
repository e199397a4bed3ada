package settlement

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/s402-core/settlement/chain"
	"github.com/s402-core/settlement/domain"
	"github.com/s402-core/settlement/eip712"
	"github.com/s402-core/settlement/noncecache"
)

const (
	testFacilitatorAddress = "0x1111111111111111111111111111111111111111"
	testTokenAddress       = "0x9999999999999999999999999999999999999999"
)

// fakeSigner is an in-memory chain.SettlementSigner double, grounded on the
// same fake-signer shape the pack's own facilitator tests use: canned
// return values plus a couple of mutable fields the test adjusts per case.
type fakeSigner struct {
	chainID    *big.Int
	feeBps     *big.Int
	usedHashes map[string]bool
	tokenNonce *big.Int

	settleErr   error
	batchStatus uint64
	settleTx    string
}

func newFakeSigner() *fakeSigner {
	return &fakeSigner{
		chainID:    big.NewInt(84532),
		feeBps:     big.NewInt(100), // 1%
		usedHashes: make(map[string]bool),
		tokenNonce: big.NewInt(0),
		batchStatus: 1,
		settleTx:    "0xabc",
	}
}

func (f *fakeSigner) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeSigner) IsPaymentUsed(ctx context.Context, owner, recipient string, value *big.Int, deadline int64, nonce []byte) (bool, error) {
	hash := "0x" + hexString(eip712.PaymentHash(owner, recipient, value, deadline, nonce))
	return f.usedHashes[hash], nil
}

func (f *fakeSigner) GetStats(ctx context.Context, account string) (*big.Int, *big.Int, error) {
	return big.NewInt(0), big.NewInt(0), nil
}

func (f *fakeSigner) USDC(ctx context.Context) (string, error) { return testTokenAddress, nil }

func (f *fakeSigner) PlatformFeeBps(ctx context.Context) (*big.Int, error) { return f.feeBps, nil }

func (f *fakeSigner) FacilitatorOwner(ctx context.Context) (string, error) {
	return "0x5555555555555555555555555555555555555555", nil
}

func (f *fakeSigner) TokenNonce(ctx context.Context, owner string) (*big.Int, error) {
	return f.tokenNonce, nil
}

func (f *fakeSigner) TokenNameVersion(ctx context.Context) (string, string, error) {
	return "USD Coin", "2", nil
}

func (f *fakeSigner) SettlePaymentWithPermit(ctx context.Context, p domain.PaymentAuthorization) (string, error) {
	if f.settleErr != nil {
		return "", f.settleErr
	}
	return f.settleTx, nil
}

func (f *fakeSigner) BatchSettlePayments(ctx context.Context, payments []domain.PaymentAuthorization) (string, error) {
	if f.settleErr != nil {
		return "", f.settleErr
	}
	return f.settleTx, nil
}

func (f *fakeSigner) WaitForReceipt(ctx context.Context, txHash string) (uint64, error) {
	return f.batchStatus, nil
}

func (f *fakeSigner) FacilitatorAddress() string { return testFacilitatorAddress }

var _ chain.SettlementSigner = (*fakeSigner)(nil)

// signedAuthorization builds a fully valid PaymentAuthorization signed by a
// freshly generated key, against the given service's domains.
func signedAuthorization(t *testing.T, svc *Service, value *big.Int, deadline int64, nonceByte byte) domain.PaymentAuthorization {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey).Hex()
	recipient := "0x3333333333333333333333333333333333333333"

	nonce := make([]byte, 32)
	nonce[31] = nonceByte

	authDigest, err := eip712.HashAuthorization(svc.facilitatorDomain, owner, testFacilitatorAddress, recipient, value, deadline, nonce)
	require.NoError(t, err)
	authSig, err := crypto.Sign(authDigest, key)
	require.NoError(t, err)

	permitDigest, err := eip712.HashPermit(svc.tokenDomain, owner, testFacilitatorAddress, value, big.NewInt(0), deadline)
	require.NoError(t, err)
	permitSig, err := crypto.Sign(permitDigest, key)
	require.NoError(t, err)

	p := domain.PaymentAuthorization{
		Owner:     owner,
		Recipient: recipient,
		Value:     value,
		Deadline:  deadline,
		Nonce:     "0x" + hexString(nonce),
		AuthSignature: domain.Signature{
			V: authSig[64] + 27, R: "0x" + hexString(authSig[:32]), S: "0x" + hexString(authSig[32:64]),
		},
		PermitSignature: domain.Signature{
			V: permitSig[64] + 27, R: "0x" + hexString(permitSig[:32]), S: "0x" + hexString(permitSig[32:64]),
		},
	}
	return p
}

func newTestService(t *testing.T, signer *fakeSigner, mockClock *clock.Mock) *Service {
	t.Helper()
	cache := noncecache.New(5*time.Minute, nil)
	svc, err := NewService(context.Background(), signer, cache, mockClock, 3)
	require.NoError(t, err)
	return svc
}

func TestComputeFeeIntegrity(t *testing.T) {
	signer := newFakeSigner()
	mockClock := clock.NewMock()
	svc := newTestService(t, signer, mockClock)

	fee, credit := svc.ComputeFee(big.NewInt(1_000_000))
	require.Equal(t, big.NewInt(10_000), fee) // 1% of 1,000,000
	require.Equal(t, big.NewInt(990_000), credit)
	require.Equal(t, big.NewInt(1_000_000), new(big.Int).Add(fee, credit))
}

func TestSettleHappyPath(t *testing.T) {
	signer := newFakeSigner()
	mockClock := clock.NewMock()
	mockClock.Set(time.Unix(1_800_000_000, 0))
	svc := newTestService(t, signer, mockClock)

	p := signedAuthorization(t, svc, big.NewInt(1000), 1_900_000_000, 1)
	txHash, err := svc.Settle(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, "0xabc", txHash)
}

func TestSettleRejectsExpiredDeadline(t *testing.T) {
	signer := newFakeSigner()
	mockClock := clock.NewMock()
	mockClock.Set(time.Unix(2_000_000_000, 0))
	svc := newTestService(t, signer, mockClock)

	p := signedAuthorization(t, svc, big.NewInt(1000), 1_900_000_000, 2)
	_, err := svc.Settle(context.Background(), p)
	require.Error(t, err)
	se := domain.AsSettlementError(err)
	require.Equal(t, domain.KindDeadlineExpired, se.Kind)
}

func TestSettleRejectsTamperedRecipient(t *testing.T) {
	signer := newFakeSigner()
	mockClock := clock.NewMock()
	mockClock.Set(time.Unix(1_800_000_000, 0))
	svc := newTestService(t, signer, mockClock)

	p := signedAuthorization(t, svc, big.NewInt(1000), 1_900_000_000, 3)
	p.Recipient = "0x4444444444444444444444444444444444444444" // attacker-controlled redirect

	_, err := svc.Settle(context.Background(), p)
	require.Error(t, err)
	se := domain.AsSettlementError(err)
	require.Equal(t, domain.KindBadAuthSignature, se.Kind)
}

func TestSettleRejectsReplay(t *testing.T) {
	signer := newFakeSigner()
	mockClock := clock.NewMock()
	mockClock.Set(time.Unix(1_800_000_000, 0))
	svc := newTestService(t, signer, mockClock)

	p := signedAuthorization(t, svc, big.NewInt(1000), 1_900_000_000, 4)
	_, err := svc.Settle(context.Background(), p)
	require.NoError(t, err)

	_, err = svc.Settle(context.Background(), p)
	require.Error(t, err)
	se := domain.AsSettlementError(err)
	require.Equal(t, domain.KindAlreadyUsed, se.Kind)
}

func TestSettleRejectsZeroValue(t *testing.T) {
	signer := newFakeSigner()
	mockClock := clock.NewMock()
	mockClock.Set(time.Unix(1_800_000_000, 0))
	svc := newTestService(t, signer, mockClock)

	p := signedAuthorization(t, svc, big.NewInt(0), 1_900_000_000, 5)
	_, err := svc.Settle(context.Background(), p)
	require.Error(t, err)
	se := domain.AsSettlementError(err)
	require.Equal(t, domain.KindInvalidParams, se.Kind)
}

func TestSettleBatchRevertAttributesPerItem(t *testing.T) {
	signer := newFakeSigner()
	mockClock := clock.NewMock()
	mockClock.Set(time.Unix(1_800_000_000, 0))
	svc := newTestService(t, signer, mockClock)

	p1 := signedAuthorization(t, svc, big.NewInt(1000), 1_900_000_000, 6)
	p2 := signedAuthorization(t, svc, big.NewInt(2000), 1_900_000_000, 7)
	signer.batchStatus = 0 // simulate revert

	_, perItem, err := svc.SettleBatch(context.Background(), []domain.PaymentAuthorization{p1, p2})
	require.Error(t, err)
	require.Len(t, perItem, 2)
	for _, item := range perItem {
		require.Equal(t, "ok", item.Status, "both items individually verify even though the batch tx reverted")
	}
}

func TestSettleBatchRejectsEmpty(t *testing.T) {
	signer := newFakeSigner()
	mockClock := clock.NewMock()
	svc := newTestService(t, signer, mockClock)

	_, _, err := svc.SettleBatch(context.Background(), nil)
	require.Error(t, err)
	se := domain.AsSettlementError(err)
	require.Equal(t, domain.KindInvalidParams, se.Kind)
}

func TestIsUsedTrustsChainOverAbsentCache(t *testing.T) {
	signer := newFakeSigner()
	mockClock := clock.NewMock()
	mockClock.Set(time.Unix(1_800_000_000, 0))
	svc := newTestService(t, signer, mockClock)

	owner := "0x2222222222222222222222222222222222222222"
	recipient := "0x3333333333333333333333333333333333333333"
	nonce := make([]byte, 32)
	used, err := svc.IsUsed(context.Background(), owner, recipient, big.NewInt(1), 1_900_000_000, "0x"+hexString(nonce))
	require.NoError(t, err)
	require.False(t, used)
}
