package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// facilitatorABIJSON describes the subset of the facilitator contract the
// settlement service and indexer actually call: the two view methods used
// for replay/stat checks, the three startup sanity reads, the two invoked
// settlement methods, and the PaymentSettled event. The facilitator's full
// ABI is an external collaborator's concern (§1 Non-goals); this is only
// the slice this repository needs to encode and decode.
const facilitatorABIJSON = `[
  {
    "type": "event",
    "name": "PaymentSettled",
    "inputs": [
      {"name": "from", "type": "address", "indexed": true},
      {"name": "to", "type": "address", "indexed": true},
      {"name": "value", "type": "uint256", "indexed": false},
      {"name": "platformFee", "type": "uint256", "indexed": false},
      {"name": "nonce", "type": "bytes32", "indexed": false}
    ]
  },
  {
    "type": "function",
    "name": "getStats",
    "stateMutability": "view",
    "inputs": [{"name": "account", "type": "address"}],
    "outputs": [
      {"name": "totalPaid", "type": "uint256"},
      {"name": "totalReceived", "type": "uint256"}
    ]
  },
  {
    "type": "function",
    "name": "isPaymentUsed",
    "stateMutability": "view",
    "inputs": [
      {"name": "owner", "type": "address"},
      {"name": "recipient", "type": "address"},
      {"name": "value", "type": "uint256"},
      {"name": "deadline", "type": "uint256"},
      {"name": "nonce", "type": "bytes32"}
    ],
    "outputs": [{"name": "used", "type": "bool"}]
  },
  {
    "type": "function",
    "name": "usdc",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "address"}]
  },
  {
    "type": "function",
    "name": "platformFeeBps",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "owner",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "address"}]
  },
  {
    "type": "function",
    "name": "settlePaymentWithPermit",
    "stateMutability": "nonpayable",
    "inputs": [
      {
        "name": "payment", "type": "tuple",
        "components": [
          {"name": "owner", "type": "address"},
          {"name": "recipient", "type": "address"},
          {"name": "value", "type": "uint256"},
          {"name": "deadline", "type": "uint256"},
          {"name": "nonce", "type": "bytes32"}
        ]
      },
      {
        "name": "permitSig", "type": "tuple",
        "components": [
          {"name": "v", "type": "uint8"},
          {"name": "r", "type": "bytes32"},
          {"name": "s", "type": "bytes32"}
        ]
      },
      {
        "name": "authSig", "type": "tuple",
        "components": [
          {"name": "v", "type": "uint8"},
          {"name": "r", "type": "bytes32"},
          {"name": "s", "type": "bytes32"}
        ]
      }
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "batchSettlePayments",
    "stateMutability": "nonpayable",
    "inputs": [
      {
        "name": "payments", "type": "tuple[]",
        "components": [
          {"name": "owner", "type": "address"},
          {"name": "recipient", "type": "address"},
          {"name": "value", "type": "uint256"},
          {"name": "deadline", "type": "uint256"},
          {"name": "nonce", "type": "bytes32"}
        ]
      },
      {
        "name": "permitSigs", "type": "tuple[]",
        "components": [
          {"name": "v", "type": "uint8"},
          {"name": "r", "type": "bytes32"},
          {"name": "s", "type": "bytes32"}
        ]
      },
      {
        "name": "authSigs", "type": "tuple[]",
        "components": [
          {"name": "v", "type": "uint8"},
          {"name": "r", "type": "bytes32"},
          {"name": "s", "type": "bytes32"}
        ]
      }
    ],
    "outputs": []
  }
]`

// facilitatorABI is parsed once at package init; the ABI text above is a
// compile-time constant so parse failure would be a programming error, not
// a runtime one.
var facilitatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(facilitatorABIJSON))
	if err != nil {
		panic("chain: invalid facilitator ABI: " + err.Error())
	}
	facilitatorABI = parsed
}

// paymentSettledTopic is keccak256("PaymentSettled(address,address,uint256,uint256,bytes32)"),
// the literal signature named in the spec's external interface. Computed
// once and compared against the event's configured topic at indexer
// startup (§4.2 ADDED sanity check) rather than trusted blindly.
var paymentSettledTopic = facilitatorABI.Events["PaymentSettled"].ID
