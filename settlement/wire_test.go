package settlement

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testNonceHex = "0x000000000000000000000000000000000000000000000000000000000000000a"
	testR1Hex    = "0x111111111111111111111111111111111111111111111111111111111111111a"
	testS1Hex    = "0x222222222222222222222222222222222222222222222222222222222222222b"
	testR2Hex    = "0x333333333333333333333333333333333333333333333333333333333333333c"
	testS2Hex    = "0x444444444444444444444444444444444444444444444444444444444444444d"
)

func validAuthorizationJSON() string {
	return `{
  "owner": "0x2222222222222222222222222222222222222222",
  "recipient": "0x3333333333333333333333333333333333333333",
  "value": "10000000",
  "deadline": 1900000000,
  "nonce": "` + testNonceHex + `",
  "permitSignature": {"v": 27, "r": "` + testR1Hex + `", "s": "` + testS1Hex + `"},
  "authSignature": {"v": 28, "r": "` + testR2Hex + `", "s": "` + testS2Hex + `"}
}`
}

func TestParseAuthorizationValid(t *testing.T) {
	auth, err := ParseAuthorization([]byte(validAuthorizationJSON()))
	require.NoError(t, err)
	require.Equal(t, "0x2222222222222222222222222222222222222222", auth.Owner)
	require.Equal(t, "10000000", auth.Value.String())
	require.Equal(t, int64(1900000000), auth.Deadline)
	require.Equal(t, uint8(27), auth.PermitSignature.V)
}

func TestParseAuthorizationRejectsUnknownField(t *testing.T) {
	raw := validAuthorizationJSON()
	raw = raw[:len(raw)-1] + `, "unexpectedField": "should be rejected"}`

	_, err := ParseAuthorization([]byte(raw))
	require.Error(t, err)
}

func TestParseAuthorizationRejectsMissingField(t *testing.T) {
	raw := []byte(`{"owner": "0x2222222222222222222222222222222222222222"}`)
	_, err := ParseAuthorization(raw)
	require.Error(t, err)
}

func TestParseBatchRejectsEmpty(t *testing.T) {
	_, err := ParseBatch([]byte(`{"payments": []}`))
	require.Error(t, err)
}

func TestParseBatchDecodesMultipleItems(t *testing.T) {
	item := validAuthorizationJSON()
	raw := []byte(`{"payments": [` + item + `,` + item + `]}`)
	payments, err := ParseBatch(raw)
	require.NoError(t, err)
	require.Len(t, payments, 2)
}
