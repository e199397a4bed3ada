// Package chain wraps go-ethereum's ethclient with the small set of
// contract reads/writes the settlement service and indexer need: replay
// checks, provider stats, the two invoked settlement methods, and
// PaymentSettled log retrieval. Grounded on the pack's own ethclient
// wrapper (gas-aware transaction submission with retry) and the pack's
// manual-encoding facilitator (EIP-1559 fee calc, DynamicFeeTx submission),
// generalized from a single token-transfer method to the two-signature
// facilitator contract this spec targets.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/s402-core/settlement/domain"
)

// Client is the production SettlementSigner/IndexerReader implementation,
// backed by a live JSON-RPC endpoint and a single submitting key.
type Client struct {
	eth                *ethclient.Client
	facilitatorAddress common.Address
	privateKey         *ecdsa.PrivateKey
	fromAddress        common.Address
	chainID            *big.Int
	callTimeout        time.Duration
}

// NewClient dials rpcURL and derives the submitting address from
// privateKeyHex. chainID is supplied rather than queried, so transactions
// are signed for the configured network rather than whatever the node
// reports; it is not compared with the node's own chain ID.
func NewClient(ctx context.Context, rpcURL, facilitatorAddress, privateKeyHex string, chainID *big.Int, callTimeout time.Duration) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &Client{
		eth:                eth,
		facilitatorAddress: common.HexToAddress(facilitatorAddress),
		privateKey:         privateKey,
		fromAddress:        crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:            chainID,
		callTimeout:        callTimeout,
	}, nil
}

func (c *Client) FacilitatorAddress() string { return c.facilitatorAddress.Hex() }

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.chainID, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	data, err := facilitatorABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	msg := ethereum.CallMsg{To: &c.facilitatorAddress, Data: data}
	result, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, domain.NewSettlementError(domain.KindRpcUnavailable, fmt.Sprintf("call %s", method), err)
	}

	outputs, err := facilitatorABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return outputs, nil
}

func (c *Client) IsPaymentUsed(ctx context.Context, owner, recipient string, value *big.Int, deadline int64, nonce []byte) (bool, error) {
	var nonce32 [32]byte
	copy(nonce32[32-len(nonce):], nonce)

	outputs, err := c.call(ctx, "isPaymentUsed",
		common.HexToAddress(owner), common.HexToAddress(recipient), value, big.NewInt(deadline), nonce32)
	if err != nil {
		return false, err
	}
	used, ok := outputs[0].(bool)
	if !ok {
		return false, fmt.Errorf("isPaymentUsed: unexpected output type")
	}
	return used, nil
}

func (c *Client) GetStats(ctx context.Context, account string) (*big.Int, *big.Int, error) {
	outputs, err := c.call(ctx, "getStats", common.HexToAddress(account))
	if err != nil {
		return nil, nil, err
	}
	totalPaid, ok1 := outputs[0].(*big.Int)
	totalReceived, ok2 := outputs[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, nil, fmt.Errorf("getStats: unexpected output types")
	}
	return totalPaid, totalReceived, nil
}

func (c *Client) USDC(ctx context.Context) (string, error) {
	outputs, err := c.call(ctx, "usdc")
	if err != nil {
		return "", err
	}
	addr, ok := outputs[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("usdc: unexpected output type")
	}
	return addr.Hex(), nil
}

func (c *Client) PlatformFeeBps(ctx context.Context) (*big.Int, error) {
	outputs, err := c.call(ctx, "platformFeeBps")
	if err != nil {
		return nil, err
	}
	bps, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("platformFeeBps: unexpected output type")
	}
	return bps, nil
}

func (c *Client) FacilitatorOwner(ctx context.Context) (string, error) {
	outputs, err := c.call(ctx, "owner")
	if err != nil {
		return "", err
	}
	addr, ok := outputs[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("owner: unexpected output type")
	}
	return addr.Hex(), nil
}

// erc20NonceAndNameABIJSON covers the two ERC-20/EIP-2612 reads needed to
// build a Permit digest: the owner's current permit nonce, and the token's
// name (the version is not read on-chain: TokenNameVersion returns "1",
// since most EIP-2612 tokens hard-code "1" and don't expose it uniformly).
var erc20NonceAndNameABIJSON = `[
  {"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

func (c *Client) tokenAddress(ctx context.Context) (common.Address, error) {
	addr, err := c.USDC(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(addr), nil
}

func (c *Client) TokenNonce(ctx context.Context, owner string) (*big.Int, error) {
	erc20ABI, err := parsedERC20ABI()
	if err != nil {
		return nil, err
	}
	token, err := c.tokenAddress(ctx)
	if err != nil {
		return nil, err
	}

	ctx2, cancel := c.withTimeout(ctx)
	defer cancel()
	data, err := erc20ABI.Pack("nonces", common.HexToAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("pack nonces: %w", err)
	}
	result, err := c.eth.CallContract(ctx2, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, domain.NewSettlementError(domain.KindRpcUnavailable, "call token nonces", err)
	}
	outputs, err := erc20ABI.Unpack("nonces", result)
	if err != nil {
		return nil, fmt.Errorf("unpack nonces: %w", err)
	}
	nonce, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("nonces: unexpected output type")
	}
	return nonce, nil
}

func (c *Client) TokenNameVersion(ctx context.Context) (string, string, error) {
	erc20ABI, err := parsedERC20ABI()
	if err != nil {
		return "", "", err
	}
	token, err := c.tokenAddress(ctx)
	if err != nil {
		return "", "", err
	}

	ctx2, cancel := c.withTimeout(ctx)
	defer cancel()
	data, err := erc20ABI.Pack("name")
	if err != nil {
		return "", "", fmt.Errorf("pack name: %w", err)
	}
	result, err := c.eth.CallContract(ctx2, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return "", "", domain.NewSettlementError(domain.KindRpcUnavailable, "call token name", err)
	}
	outputs, err := erc20ABI.Unpack("name", result)
	if err != nil {
		return "", "", fmt.Errorf("unpack name: %w", err)
	}
	name, ok := outputs[0].(string)
	if !ok {
		return "", "", fmt.Errorf("name: unexpected output type")
	}
	// EIP-2612 does not expose the domain version on-chain; "1" is the
	// near-universal convention (USDC, DAI-style permits) and matches the
	// facilitator domain's own version per the spec's external interfaces.
	return name, "1", nil
}

var erc20ABISingleton abi.ABI
var erc20ABIParsed bool

// parsedERC20ABI parses erc20NonceAndNameABIJSON once and caches it; the
// ABI text is a compile-time constant so a parse failure here is a
// programming error, not a runtime one.
func parsedERC20ABI() (abi.ABI, error) {
	if erc20ABIParsed {
		return erc20ABISingleton, nil
	}
	parsed, err := abi.JSON(strings.NewReader(erc20NonceAndNameABIJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse erc20 abi: %w", err)
	}
	erc20ABISingleton = parsed
	erc20ABIParsed = true
	return erc20ABISingleton, nil
}

func toPaymentTuple(p domain.PaymentAuthorization) (struct {
	Owner     common.Address
	Recipient common.Address
	Value     *big.Int
	Deadline  *big.Int
	Nonce     [32]byte
}, error) {
	nonceBytes, err := hexToBytes(p.Nonce)
	if err != nil {
		return struct {
			Owner     common.Address
			Recipient common.Address
			Value     *big.Int
			Deadline  *big.Int
			Nonce     [32]byte
		}{}, err
	}
	var nonce32 [32]byte
	copy(nonce32[32-len(nonceBytes):], nonceBytes)

	return struct {
		Owner     common.Address
		Recipient common.Address
		Value     *big.Int
		Deadline  *big.Int
		Nonce     [32]byte
	}{
		Owner:     common.HexToAddress(p.Owner),
		Recipient: common.HexToAddress(p.Recipient),
		Value:     p.Value,
		Deadline:  big.NewInt(p.Deadline),
		Nonce:     nonce32,
	}, nil
}

func toSigTuple(sig domain.Signature) (struct {
	V uint8
	R [32]byte
	S [32]byte
}, error) {
	r, err := hexToBytes(sig.R)
	if err != nil {
		return struct {
			V uint8
			R [32]byte
			S [32]byte
		}{}, err
	}
	s, err := hexToBytes(sig.S)
	if err != nil {
		return struct {
			V uint8
			R [32]byte
			S [32]byte
		}{}, err
	}
	var r32, s32 [32]byte
	copy(r32[32-len(r):], r)
	copy(s32[32-len(s):], s)
	return struct {
		V uint8
		R [32]byte
		S [32]byte
	}{V: sig.V, R: r32, S: s32}, nil
}

func hexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return []byte{}, nil
	}
	return common.FromHex("0x" + s), nil
}

// SettlePaymentWithPermit submits settlePaymentWithPermit for a single
// authorization and returns the transaction hash once broadcast (not
// necessarily mined; callers that need inclusion call WaitForReceipt).
func (c *Client) SettlePaymentWithPermit(ctx context.Context, p domain.PaymentAuthorization) (string, error) {
	payment, err := toPaymentTuple(p)
	if err != nil {
		return "", domain.NewSettlementError(domain.KindInvalidParams, "malformed authorization", err)
	}
	permitSig, err := toSigTuple(p.PermitSignature)
	if err != nil {
		return "", domain.NewSettlementError(domain.KindInvalidParams, "malformed permit signature", err)
	}
	authSig, err := toSigTuple(p.AuthSignature)
	if err != nil {
		return "", domain.NewSettlementError(domain.KindInvalidParams, "malformed auth signature", err)
	}

	data, err := facilitatorABI.Pack("settlePaymentWithPermit", payment, permitSig, authSig)
	if err != nil {
		return "", fmt.Errorf("pack settlePaymentWithPermit: %w", err)
	}
	return c.sendTransaction(ctx, data)
}

// BatchSettlePayments submits batchSettlePayments for a slice of
// authorizations as one atomic transaction.
func (c *Client) BatchSettlePayments(ctx context.Context, payments []domain.PaymentAuthorization) (string, error) {
	type paymentTuple = struct {
		Owner     common.Address
		Recipient common.Address
		Value     *big.Int
		Deadline  *big.Int
		Nonce     [32]byte
	}
	type sigTuple = struct {
		V uint8
		R [32]byte
		S [32]byte
	}

	ps := make([]paymentTuple, len(payments))
	permitSigs := make([]sigTuple, len(payments))
	authSigs := make([]sigTuple, len(payments))
	for i, p := range payments {
		pt, err := toPaymentTuple(p)
		if err != nil {
			return "", domain.NewSettlementError(domain.KindInvalidParams, "malformed authorization", err)
		}
		ps[i] = pt
		permitSig, err := toSigTuple(p.PermitSignature)
		if err != nil {
			return "", domain.NewSettlementError(domain.KindInvalidParams, "malformed permit signature", err)
		}
		permitSigs[i] = permitSig
		authSig, err := toSigTuple(p.AuthSignature)
		if err != nil {
			return "", domain.NewSettlementError(domain.KindInvalidParams, "malformed auth signature", err)
		}
		authSigs[i] = authSig
	}

	data, err := facilitatorABI.Pack("batchSettlePayments", ps, permitSigs, authSigs)
	if err != nil {
		return "", fmt.Errorf("pack batchSettlePayments: %w", err)
	}
	return c.sendTransaction(ctx, data)
}

// sendTransaction builds, signs, and broadcasts an EIP-1559 transaction
// carrying data, using the suggested tip and a 2x-base-fee cap the way the
// pack's own facilitator computes fees.
func (c *Client) sendTransaction(ctx context.Context, data []byte) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	nonce, err := c.eth.PendingNonceAt(ctx, c.fromAddress)
	if err != nil {
		return "", domain.NewSettlementError(domain.KindRpcUnavailable, "get nonce", err)
	}

	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return "", domain.NewSettlementError(domain.KindRpcUnavailable, "suggest tip", err)
	}
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", domain.NewSettlementError(domain.KindRpcUnavailable, "get header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	maxFee := new(big.Int).Add(new(big.Int).Mul(big.NewInt(2), baseFee), tip)

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.fromAddress,
		To:   &c.facilitatorAddress,
		Data: data,
	})
	if err != nil {
		return "", domain.NewSettlementError(domain.KindInsufficientBalance, "estimate gas (likely a revert)", err)
	}
	gasLimit = gasLimit * 12 / 10 // 20% buffer

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       gasLimit,
		To:        &c.facilitatorAddress,
		Data:      data,
	})

	signer := types.LatestSignerForChainID(c.chainID)
	signedTx, err := types.SignTx(tx, signer, c.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return "", domain.NewSettlementError(domain.KindRpcUnavailable, "broadcast transaction", err)
	}

	slog.Info("submitted settlement transaction", "tx", signedTx.Hash().Hex(), "gas", gasLimit)
	return signedTx.Hash().Hex(), nil
}

// WaitForReceipt polls for the transaction receipt until it is mined or ctx
// is cancelled, returning the receipt's status (1 success, 0 revert).
func (c *Client) WaitForReceipt(ctx context.Context, txHash string) (uint64, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	hash := common.HexToHash(txHash)
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt.Status, nil
		}
		select {
		case <-ctx.Done():
			return 0, domain.NewSettlementError(domain.KindRpcUnavailable, "timed out waiting for receipt", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) HeadBlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, domain.NewSettlementError(domain.KindRpcUnavailable, "get head block number", err)
	}
	return head, nil
}

// FilterPaymentSettled fetches and decodes PaymentSettled logs in
// [fromBlock, toBlock], ordered ascending by (block_number, log_index) as
// go-ethereum's FilterLogs already returns them.
func (c *Client) FilterPaymentSettled(ctx context.Context, fromBlock, toBlock uint64) ([]PaymentSettledEvent, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.facilitatorAddress},
		Topics:    [][]common.Hash{{common.Hash(paymentSettledTopic)}},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, domain.NewSettlementError(domain.KindRpcUnavailable, "filter logs", err)
	}

	events := make([]PaymentSettledEvent, 0, len(logs))
	for _, lg := range logs {
		unpacked, err := facilitatorABI.Unpack("PaymentSettled", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("decode PaymentSettled log: %w", err)
		}
		value, _ := unpacked[0].(*big.Int)
		platformFee, _ := unpacked[1].(*big.Int)
		nonce, _ := unpacked[2].([32]byte)

		events = append(events, PaymentSettledEvent{
			TxHash:      lg.TxHash.Hex(),
			BlockNumber: lg.BlockNumber,
			LogIndex:    lg.Index,
			From:        common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
			To:          common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
			Value:       value,
			PlatformFee: platformFee,
			Nonce:       "0x" + common.Bytes2Hex(nonce[:]),
		})
	}
	return events, nil
}

func (c *Client) BlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return time.Time{}, domain.NewSettlementError(domain.KindRpcUnavailable, "get block header", err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}
