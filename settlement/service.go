package settlement

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/andres-erbsen/clock"

	"github.com/s402-core/settlement/chain"
	"github.com/s402-core/settlement/domain"
	"github.com/s402-core/settlement/eip712"
	"github.com/s402-core/settlement/id"
	"github.com/s402-core/settlement/metrics"
	"github.com/s402-core/settlement/noncecache"
)

// FacilitatorDomainName and FacilitatorDomainVersion are the exact EIP-712
// domain string constants named in the spec's external interfaces.
const (
	FacilitatorDomainName    = "S402Facilitator"
	FacilitatorDomainVersion = "1"
	maxFeeBps                = 1_000 // 10%, per the spec's invariant
)

// Service implements the Settlement Service: verification of two EIP-712
// signatures, deadline and replay checks, fee computation, and submission.
// It owns no persistent state beyond the in-memory NonceCache — durability
// derives entirely from the chain per the spec's ownership model.
type Service struct {
	signer     chain.SettlementSigner
	cache      *noncecache.Cache
	clock      clock.Clock
	maxRetries int

	facilitatorDomain eip712.Domain
	tokenDomain       eip712.Domain
	feeBps            *big.Int
}

// NewService performs the startup sanity reads named in the spec's §6
// (usdc, platformFeeBps, owner) and builds the two EIP-712 domains
// verification will recover signatures against.
func NewService(ctx context.Context, signer chain.SettlementSigner, cache *noncecache.Cache, clk clock.Clock, maxRetries int) (*Service, error) {
	chainID, err := signer.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}

	feeBps, err := signer.PlatformFeeBps(ctx)
	if err != nil {
		return nil, fmt.Errorf("read platformFeeBps: %w", err)
	}
	if feeBps.Cmp(big.NewInt(maxFeeBps)) > 0 {
		return nil, fmt.Errorf("platformFeeBps %s exceeds maximum %d", feeBps.String(), maxFeeBps)
	}

	tokenAddress, err := signer.USDC(ctx)
	if err != nil {
		return nil, fmt.Errorf("read usdc: %w", err)
	}
	tokenName, tokenVersion, err := signer.TokenNameVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read token name/version: %w", err)
	}

	owner, err := signer.FacilitatorOwner(ctx)
	if err != nil {
		return nil, fmt.Errorf("read facilitator owner: %w", err)
	}
	slog.Info("settlement service startup", "facilitator_owner", owner, "fee_bps", feeBps.String(), "token", tokenAddress)

	if clk == nil {
		clk = clock.New()
	}

	return &Service{
		signer:     signer,
		cache:      cache,
		clock:      clk,
		maxRetries: maxRetries,
		facilitatorDomain: eip712.Domain{
			Name:              FacilitatorDomainName,
			Version:           FacilitatorDomainVersion,
			ChainID:           chainID,
			VerifyingContract: signer.FacilitatorAddress(),
		},
		tokenDomain: eip712.Domain{
			Name:              tokenName,
			Version:           tokenVersion,
			ChainID:           chainID,
			VerifyingContract: tokenAddress,
		},
		feeBps: feeBps,
	}, nil
}

// ComputeFee returns platform_fee = floor(value * fee_bps / 10_000) and
// recipient_credit = value - platform_fee, the invariant from §3.
func (s *Service) ComputeFee(value *big.Int) (platformFee, recipientCredit *big.Int) {
	platformFee = new(big.Int).Mul(value, s.feeBps)
	platformFee.Div(platformFee, big.NewInt(10_000))
	recipientCredit = new(big.Int).Sub(value, platformFee)
	return platformFee, recipientCredit
}

// validateParams is pipeline stage 1.
func (s *Service) validateParams(p domain.PaymentAuthorization) error {
	if p.Value == nil || p.Value.Sign() <= 0 {
		return domain.NewSettlementError(domain.KindInvalidParams, "value must be > 0", nil)
	}
	if p.Owner == "" || strings.EqualFold(p.Owner, zeroAddress) {
		return domain.NewSettlementError(domain.KindInvalidParams, "owner must be non-zero", nil)
	}
	if p.Recipient == "" || strings.EqualFold(p.Recipient, zeroAddress) {
		return domain.NewSettlementError(domain.KindInvalidParams, "recipient must be non-zero", nil)
	}
	if p.Deadline < s.clock.Now().Unix() {
		return domain.NewSettlementError(domain.KindDeadlineExpired, "deadline has passed", nil)
	}
	return nil
}

const zeroAddress = "0x0000000000000000000000000000000000000000"

// computePaymentHash is pipeline stage 2: keccak256(owner ‖ recipient ‖
// value ‖ deadline ‖ nonce), matching the on-chain getPaymentHash view.
func (s *Service) computePaymentHash(p domain.PaymentAuthorization) (string, error) {
	nonceBytes, err := decodeHex(p.Nonce)
	if err != nil {
		return "", domain.NewSettlementError(domain.KindInvalidParams, "invalid nonce", err)
	}
	hash := eip712.PaymentHash(p.Owner, p.Recipient, p.Value, p.Deadline, nonceBytes)
	return "0x" + hexString(hash), nil
}

// checkNotUsed is pipeline stage 3. A cache hit of StatusUsed is trusted
// (once used, always used); anything else falls through to the chain's
// isPaymentUsed view, which is always authoritative for rejection.
func (s *Service) checkNotUsed(ctx context.Context, p domain.PaymentAuthorization, paymentHash string) (chan struct{}, error) {
	status, done := s.cache.CheckAndMark(paymentHash)
	switch status {
	case noncecache.StatusUsed:
		return nil, domain.NewSettlementError(domain.KindAlreadyUsed, "", nil)
	case noncecache.StatusInFlight:
		if err := s.cache.WaitForResult(ctx, done); err != nil {
			return nil, err
		}
		// The in-flight request finished; re-check synchronously.
		return s.checkNotUsed(ctx, p, paymentHash)
	}

	nonceBytes, err := decodeHex(p.Nonce)
	if err != nil {
		s.cache.Release(paymentHash)
		return nil, domain.NewSettlementError(domain.KindInvalidParams, "invalid nonce", err)
	}

	var used bool
	err = WithBackoff(ctx, s.maxRetries, func() error {
		var callErr error
		used, callErr = s.signer.IsPaymentUsed(ctx, p.Owner, p.Recipient, p.Value, p.Deadline, nonceBytes)
		return callErr
	})
	if err != nil {
		s.cache.Release(paymentHash)
		return nil, err
	}
	if used {
		s.cache.MarkUsed(paymentHash)
		return nil, domain.NewSettlementError(domain.KindAlreadyUsed, "", nil)
	}
	return done, nil
}

// recoverPermitSigner is pipeline stage 4: recovers the signer of the
// token's EIP-2612 Permit typed data and checks it matches owner.
func (s *Service) recoverPermitSigner(ctx context.Context, p domain.PaymentAuthorization) error {
	tokenNonce, err := s.signer.TokenNonce(ctx, p.Owner)
	if err != nil {
		return err
	}
	digest, err := eip712.HashPermit(s.tokenDomain, p.Owner, s.signer.FacilitatorAddress(), p.Value, tokenNonce, p.Deadline)
	if err != nil {
		return domain.NewSettlementError(domain.KindInvalidParams, "could not hash permit", err)
	}

	r, err := decodeHex(p.PermitSignature.R)
	if err != nil {
		return domain.NewSettlementError(domain.KindBadPermitSignature, "malformed signature", err)
	}
	sVal, err := decodeHex(p.PermitSignature.S)
	if err != nil {
		return domain.NewSettlementError(domain.KindBadPermitSignature, "malformed signature", err)
	}

	recovered, err := eip712.RecoverSigner(digest, p.PermitSignature.V, r, sVal)
	if err != nil {
		return domain.NewSettlementError(domain.KindBadPermitSignature, "signature recovery failed", err)
	}
	if !strings.EqualFold(recovered, p.Owner) {
		return domain.NewSettlementError(domain.KindBadPermitSignature, "permit signature does not recover to owner", nil)
	}
	return nil
}

// recoverAuthSigner is pipeline stage 5: recovers the signer of the
// facilitator's PaymentAuthorization typed data, binding recipient into
// the signed payload so a relayer can't redirect funds.
func (s *Service) recoverAuthSigner(p domain.PaymentAuthorization) error {
	nonceBytes, err := decodeHex(p.Nonce)
	if err != nil {
		return domain.NewSettlementError(domain.KindInvalidParams, "invalid nonce", err)
	}
	digest, err := eip712.HashAuthorization(s.facilitatorDomain, p.Owner, s.signer.FacilitatorAddress(), p.Recipient, p.Value, p.Deadline, nonceBytes)
	if err != nil {
		return domain.NewSettlementError(domain.KindInvalidParams, "could not hash authorization", err)
	}

	r, err := decodeHex(p.AuthSignature.R)
	if err != nil {
		return domain.NewSettlementError(domain.KindBadAuthSignature, "malformed signature", err)
	}
	sVal, err := decodeHex(p.AuthSignature.S)
	if err != nil {
		return domain.NewSettlementError(domain.KindBadAuthSignature, "malformed signature", err)
	}

	recovered, err := eip712.RecoverSigner(digest, p.AuthSignature.V, r, sVal)
	if err != nil {
		return domain.NewSettlementError(domain.KindBadAuthSignature, "signature recovery failed", err)
	}
	if !strings.EqualFold(recovered, p.Owner) {
		return domain.NewSettlementError(domain.KindBadAuthSignature, "authorization signature does not recover to owner", nil)
	}
	return nil
}

// verify runs stages 1-5 without submitting, used by both Settle and the
// batch per-item replay path.
func (s *Service) verify(ctx context.Context, p domain.PaymentAuthorization) (paymentHash string, done chan struct{}, err error) {
	if err := s.validateParams(p); err != nil {
		return "", nil, err
	}
	paymentHash, err = s.computePaymentHash(p)
	if err != nil {
		return "", nil, err
	}
	done, err = s.checkNotUsed(ctx, p, paymentHash)
	if err != nil {
		return "", nil, err
	}
	if err := s.recoverPermitSigner(ctx, p); err != nil {
		s.cache.Release(paymentHash)
		return "", nil, err
	}
	if err := s.recoverAuthSigner(p); err != nil {
		s.cache.Release(paymentHash)
		return "", nil, err
	}
	return paymentHash, done, nil
}

// Settle verifies and submits a single authorization.
func (s *Service) Settle(ctx context.Context, p domain.PaymentAuthorization) (txHash string, err error) {
	correlationID := id.NewCorrelationID()
	logger := slog.With("correlation_id", correlationID, "owner", p.Owner, "recipient", p.Recipient)
	logger.Info("settle request received")

	defer func() {
		result := "ok"
		if err != nil {
			result = string(domain.AsSettlementError(err).Kind)
		}
		metrics.SettlementsTotal.WithLabelValues(result).Inc()
	}()

	paymentHash, _, err := s.verify(ctx, p)
	if err != nil {
		logger.Warn("settle rejected", "err", err)
		return "", err
	}

	err = WithBackoff(ctx, s.maxRetries, func() error {
		var submitErr error
		txHash, submitErr = s.signer.SettlePaymentWithPermit(ctx, p)
		return submitErr
	})
	if err != nil {
		s.cache.Release(paymentHash)
		logger.Error("settle submission failed", "err", err)
		return "", err
	}

	status, err := s.signer.WaitForReceipt(ctx, txHash)
	if err != nil {
		s.cache.Release(paymentHash)
		return "", err
	}
	if status == 0 {
		s.cache.Release(paymentHash)
		return "", domain.NewSettlementError(domain.KindInsufficientBalance, "transaction reverted", nil)
	}

	s.cache.MarkUsed(paymentHash)
	logger.Info("settle succeeded", "tx", txHash)
	return txHash, nil
}

// SettleBatch submits all payments in one transaction; on revert, the
// per-item status is computed by replaying the verification pipeline
// off-chain against each item, since the chain only reports one outcome
// for the whole batch.
func (s *Service) SettleBatch(ctx context.Context, payments []domain.PaymentAuthorization) (txHash string, perItem []domain.PerItemStatus, err error) {
	if len(payments) == 0 {
		return "", nil, domain.NewSettlementError(domain.KindInvalidParams, "empty batch", nil)
	}

	paymentHashes := make([]string, len(payments))
	for i, p := range payments {
		hash, _, verr := s.verify(ctx, p)
		if verr != nil {
			// Release anything already marked in-flight before this item.
			for j := 0; j < i; j++ {
				s.cache.Release(paymentHashes[j])
			}
			return "", nil, verr
		}
		paymentHashes[i] = hash
	}

	err = WithBackoff(ctx, s.maxRetries, func() error {
		var submitErr error
		txHash, submitErr = s.signer.BatchSettlePayments(ctx, payments)
		return submitErr
	})
	if err != nil {
		for _, hash := range paymentHashes {
			s.cache.Release(hash)
		}
		return "", nil, err
	}

	status, err := s.signer.WaitForReceipt(ctx, txHash)
	if err != nil {
		for _, hash := range paymentHashes {
			s.cache.Release(hash)
		}
		return "", nil, err
	}

	if status == 0 {
		// Entire batch reverted; replay each item's verification pipeline
		// to attribute a per-item reason without a second on-chain call.
		perItem = make([]domain.PerItemStatus, len(payments))
		for i, p := range payments {
			s.cache.Release(paymentHashes[i])
			reason := "ok"
			if replayHash, _, verr := s.verify(ctx, p); verr != nil {
				reason = string(domain.AsSettlementError(verr).Kind)
			} else {
				s.cache.Release(replayHash)
			}
			perItem[i] = domain.PerItemStatus{Nonce: p.Nonce, Status: reason}
		}
		// Every item replayed "ok" here means the revert came from on-chain
		// state (balance, pause flag) rather than malformed input, so this
		// is not the client's fault the way KindInvalidParams would imply.
		return "", perItem, domain.NewSettlementError(domain.KindInsufficientBalance, "batch reverted", nil)
	}

	for _, hash := range paymentHashes {
		s.cache.MarkUsed(hash)
	}
	perItem = make([]domain.PerItemStatus, len(payments))
	for i, p := range payments {
		perItem[i] = domain.PerItemStatus{Nonce: p.Nonce, Status: "ok"}
	}
	return txHash, perItem, nil
}

// IsUsed checks whether a payment has already been settled. A cached
// "used" result is trusted (permanent fact); any other result is read
// straight from the chain's isPaymentUsed view, which is never bypassed
// for a negative (not-used) determination (§5 shared-resource policy).
func (s *Service) IsUsed(ctx context.Context, owner, recipient string, value *big.Int, deadline int64, nonce string) (bool, error) {
	nonceBytes, err := decodeHex(nonce)
	if err != nil {
		return false, domain.NewSettlementError(domain.KindInvalidParams, "invalid nonce", err)
	}
	paymentHash := "0x" + hexString(eip712.PaymentHash(owner, recipient, value, deadline, nonceBytes))

	status, done := s.cache.CheckAndMark(paymentHash)
	if status == noncecache.StatusUsed {
		return true, nil
	}
	if status == noncecache.StatusInFlight {
		if err := s.cache.WaitForResult(ctx, done); err != nil {
			return false, err
		}
	} else {
		// We are not actually settling; release the in-flight marker we
		// just took so a real Settle call isn't blocked behind this query.
		s.cache.Release(paymentHash)
	}

	return s.signer.IsPaymentUsed(ctx, owner, recipient, value, deadline, nonceBytes)
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}
