// Package eip712 builds and recovers the two EIP-712 digests a settlement
// depends on: the facilitator's PaymentAuthorization struct and the token's
// EIP-2612 Permit struct. Hashing goes through go-ethereum's apitypes
// package rather than a hand-rolled encoder, the same approach the pack's
// EVM mechanism uses for its own typed-data hashing.
package eip712

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain is the EIP-712 domain separator for one typed-data signature.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// Field is one member of an EIP-712 struct type.
type Field struct {
	Name string
	Type string
}

// HashTypedData computes keccak256("\x19\x01" || domainSeparator || structHash)
// for the given type set, primary type, and message. This is the generic
// digest construction every specific struct hash below is built on.
func HashTypedData(domain Domain, types map[string][]Field, primaryType string, message map[string]interface{}) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, f := range fields {
			typedFields[i] = apitypes.Type{Name: f.Name, Type: f.Type}
		}
		typedData.Types[typeName] = typedFields
	}

	if _, ok := typedData.Types["EIP712Domain"]; !ok {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(dataHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, dataHash...)
	return crypto.Keccak256(raw), nil
}

// authorizationTypes is the facilitator's PaymentAuthorization struct,
// exactly as named in the external interface section of the spec:
// PaymentAuthorization(address owner, address spender, uint256 value,
// uint256 deadline, address recipient, bytes32 nonce).
var authorizationTypes = map[string][]Field{
	"PaymentAuthorization": {
		{Name: "owner", Type: "address"},
		{Name: "spender", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "recipient", Type: "address"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// permitTypes is the standard EIP-2612 Permit struct.
var permitTypes = map[string][]Field{
	"Permit": {
		{Name: "owner", Type: "address"},
		{Name: "spender", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// HashAuthorization computes the digest of the facilitator's
// PaymentAuthorization typed data, binding owner, the facilitator
// (spender), value, deadline, recipient, and nonce.
func HashAuthorization(domain Domain, owner, facilitator, recipient string, value *big.Int, deadline int64, nonce []byte) ([]byte, error) {
	message := map[string]interface{}{
		"owner":     common.HexToAddress(owner).Hex(),
		"spender":   common.HexToAddress(facilitator).Hex(),
		"value":     value,
		"deadline":  new(big.Int).SetInt64(deadline),
		"recipient": common.HexToAddress(recipient).Hex(),
		"nonce":     nonce,
	}
	return HashTypedData(domain, authorizationTypes, "PaymentAuthorization", message)
}

// HashPermit computes the digest of the token's EIP-2612 Permit typed data,
// where spender is the facilitator contract and nonce is the token's own
// per-owner permit nonce (distinct from the payment's opaque nonce).
func HashPermit(domain Domain, owner, facilitator string, value *big.Int, tokenNonce *big.Int, deadline int64) ([]byte, error) {
	message := map[string]interface{}{
		"owner":    common.HexToAddress(owner).Hex(),
		"spender":  common.HexToAddress(facilitator).Hex(),
		"value":    value,
		"nonce":    tokenNonce,
		"deadline": new(big.Int).SetInt64(deadline),
	}
	return HashTypedData(domain, permitTypes, "Permit", message)
}

// PaymentHash computes keccak256(owner || recipient || value || deadline ||
// nonce) exactly as the on-chain getPaymentHash view does, used both for the
// replay check and for round-tripping the off-chain/on-chain hash property.
func PaymentHash(owner, recipient string, value *big.Int, deadline int64, nonce []byte) []byte {
	buf := make([]byte, 0, 32*5)
	buf = append(buf, common.LeftPadBytes(common.HexToAddress(owner).Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(common.HexToAddress(recipient).Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(value.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(deadline).Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(nonce, 32)...)
	return crypto.Keccak256(buf)
}

// RecoverSigner recovers the address that produced the given (v, r, s)
// signature over digest. v is accepted in either 0/1 or 27/28 form.
func RecoverSigner(digest []byte, v uint8, r, s []byte) (string, error) {
	sig := make([]byte, 65)
	copy(sig[32-len(r):32], r)
	copy(sig[64-len(s):64], s)
	recID := v
	if recID >= 27 {
		recID -= 27
	}
	sig[64] = recID

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
