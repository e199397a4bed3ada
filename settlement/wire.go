// Package settlement implements the Settlement Service: verification of
// two independent EIP-712 signatures, deadline and replay checks, fee
// computation, and submission to the on-chain facilitator.
package settlement

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/xeipuuv/gojsonschema"

	"github.com/s402-core/settlement/domain"
)

// authorizationSchema rejects unknown and missing fields before a payload
// reaches verification (Design Note: tagged schema over dynamic JSON).
const authorizationSchemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["owner", "recipient", "value", "deadline", "nonce", "permitSignature", "authSignature"],
  "properties": {
    "owner": {"type": "string", "pattern": "^0x[a-fA-F0-9]{40}$"},
    "recipient": {"type": "string", "pattern": "^0x[a-fA-F0-9]{40}$"},
    "value": {"type": "string", "pattern": "^[0-9]+$"},
    "deadline": {"type": "integer"},
    "nonce": {"type": "string", "pattern": "^0x[a-fA-F0-9]{64}$"},
    "permitSignature": {"$ref": "#/definitions/signature"},
    "authSignature": {"$ref": "#/definitions/signature"}
  },
  "definitions": {
    "signature": {
      "type": "object",
      "additionalProperties": false,
      "required": ["v", "r", "s"],
      "properties": {
        "v": {"type": "integer"},
        "r": {"type": "string", "pattern": "^0x[a-fA-F0-9]{64}$"},
        "s": {"type": "string", "pattern": "^0x[a-fA-F0-9]{64}$"}
      }
    }
  }
}`

var (
	authorizationSchemaLoader = gojsonschema.NewStringLoader(authorizationSchemaJSON)
	authorizationSchema       *gojsonschema.Schema
)

func init() {
	schema, err := gojsonschema.NewSchema(authorizationSchemaLoader)
	if err != nil {
		panic("settlement: invalid authorization schema: " + err.Error())
	}
	authorizationSchema = schema
}

// wireSignature is the JSON shape of an (v, r, s) signature.
type wireSignature struct {
	V uint8  `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

// wireAuthorization is the exact tagged JSON shape described in SPEC_FULL's
// data model section.
type wireAuthorization struct {
	Owner           string        `json:"owner"`
	Recipient       string        `json:"recipient"`
	Value           string        `json:"value"`
	Deadline        int64         `json:"deadline"`
	Nonce           string        `json:"nonce"`
	PermitSignature wireSignature `json:"permitSignature"`
	AuthSignature   wireSignature `json:"authSignature"`
}

type wireBatch struct {
	Payments []json.RawMessage `json:"payments"`
}

// ParseAuthorization validates raw against the tagged schema (rejecting
// unknown or missing fields) and decodes it into a domain.PaymentAuthorization.
func ParseAuthorization(raw []byte) (domain.PaymentAuthorization, error) {
	result, err := authorizationSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return domain.PaymentAuthorization{}, domain.NewSettlementError(domain.KindInvalidParams, "malformed JSON", err)
	}
	if !result.Valid() {
		return domain.PaymentAuthorization{}, domain.NewSettlementError(domain.KindInvalidParams, schemaErrors(result), nil)
	}

	var w wireAuthorization
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.PaymentAuthorization{}, domain.NewSettlementError(domain.KindInvalidParams, "malformed JSON", err)
	}
	return w.toDomain()
}

// ParseBatch validates and decodes a {"payments": [...]} envelope. An empty
// batch is rejected as InvalidParams per the spec's boundary cases.
func ParseBatch(raw []byte) ([]domain.PaymentAuthorization, error) {
	var w wireBatch
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, domain.NewSettlementError(domain.KindInvalidParams, "malformed JSON", err)
	}
	if len(w.Payments) == 0 {
		return nil, domain.NewSettlementError(domain.KindInvalidParams, "empty batch", nil)
	}

	out := make([]domain.PaymentAuthorization, 0, len(w.Payments))
	for i, itemRaw := range w.Payments {
		// Each item is validated as received, so unknown or missing fields
		// are rejected exactly as ParseAuthorization rejects them.
		auth, err := ParseAuthorization(itemRaw)
		if err != nil {
			return nil, domain.NewSettlementError(domain.KindInvalidParams, fmt.Sprintf("item %d: invalid authorization", i), err)
		}
		out = append(out, auth)
	}
	return out, nil
}

func (w wireAuthorization) toDomain() (domain.PaymentAuthorization, error) {
	value, ok := new(big.Int).SetString(w.Value, 10)
	if !ok {
		return domain.PaymentAuthorization{}, domain.NewSettlementError(domain.KindInvalidParams, "invalid value", nil)
	}
	return domain.PaymentAuthorization{
		Owner:     w.Owner,
		Recipient: w.Recipient,
		Value:     value,
		Deadline:  w.Deadline,
		Nonce:     w.Nonce,
		PermitSignature: domain.Signature{V: w.PermitSignature.V, R: w.PermitSignature.R, S: w.PermitSignature.S},
		AuthSignature:   domain.Signature{V: w.AuthSignature.V, R: w.AuthSignature.R, S: w.AuthSignature.S},
	}, nil
}

func schemaErrors(result *gojsonschema.Result) string {
	if len(result.Errors()) == 0 {
		return "schema validation failed"
	}
	return result.Errors()[0].String()
}
