package robokassa_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/followaudit/followaudit/internal/adapter/payments/robokassa"
	"github.com/followaudit/followaudit/internal/domain"
)

func TestPaymentURL_SignsWithPasswordOne(t *testing.T) {
	c := robokassa.New("demo", "pass1", "pass2")

	raw := c.PaymentURL(100, 5, "10 analysis credits", nil)
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "demo", q.Get("MerchantLogin"))
	assert.Equal(t, "100.00", q.Get("OutSum"))
	assert.Equal(t, "5", q.Get("InvId"))
	assert.Equal(t, "10 analysis credits", q.Get("Description"))
	// MD5("demo:100.00:5:pass1"), uppercase hex.
	assert.Equal(t, "F9E2308845746DB952D652D2F05C7BCE", q.Get("SignatureValue"))
}

func TestPaymentURL_ShpParamsJoinSignatureInOrder(t *testing.T) {
	c := robokassa.New("demo", "pass1", "pass2")

	raw := c.PaymentURL(249, 7, "bundle", map[string]string{"Shp_uid": "42", "Shp_plan": "pro"})
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "42", q.Get("Shp_uid"))
	assert.Equal(t, "pro", q.Get("Shp_plan"))
	// MD5("demo:249.00:7:pass1:Shp_plan=pro:Shp_uid=42"): lexicographic Shp order.
	assert.Equal(t, "61AE9C88373036B0AAEF78B9EDF046DA", q.Get("SignatureValue"))
}

func TestVerify_AcceptsValidSignatureCaseInsensitive(t *testing.T) {
	c := robokassa.New("demo", "pass1", "pass2")

	cb := robokassa.Callback{
		OutSum: 100,
		InvID:  5,
		// MD5("100.00:5:pass2") in lowercase; the acquirer may send either case.
		SignatureValue: "3c4aedac4ae96a03c86f234de77168ba",
	}
	require.NoError(t, c.Verify(cb, "100.00"))
}

func TestVerify_UsesRawOutSumString(t *testing.T) {
	c := robokassa.New("demo", "pass1", "pass2")

	cb := robokassa.Callback{
		OutSum:         100,
		InvID:          5,
		SignatureValue: "3C4AEDAC4AE96A03C86F234DE77168BA",
	}
	// Same numeric value rendered differently breaks the signature.
	err := c.Verify(cb, "100.0")
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerify_RejectsTamperedSignature(t *testing.T) {
	c := robokassa.New("demo", "pass1", "pass2")

	cb := robokassa.Callback{OutSum: 100, InvID: 5, SignatureValue: "DEADBEEFDEADBEEFDEADBEEFDEADBEEF"}
	err := c.Verify(cb, "100.00")
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerify_ShpFieldsParticipate(t *testing.T) {
	c := robokassa.New("demo", "pass1", "pass2")

	cb := robokassa.Callback{
		OutSum: 100,
		InvID:  5,
		// MD5("100.00:5:pass2:Shp_plan=pro:Shp_uid=42")
		SignatureValue: "E9386FC1F57B54A5DEFB1AB01575006B",
		Shp:            map[string]string{"Shp_uid": "42", "Shp_plan": "pro"},
	}
	require.NoError(t, c.Verify(cb, "100.00"))

	cb.Shp["Shp_uid"] = "43"
	require.ErrorIs(t, c.Verify(cb, "100.00"), domain.ErrSignatureInvalid)
}

func TestParseCallback_ExtractsFieldsAndRawSum(t *testing.T) {
	form := url.Values{}
	form.Set("OutSum", "249.00")
	form.Set("InvId", "7")
	form.Set("SignatureValue", "ABC")
	form.Set("Shp_uid", "42")
	form.Set("unrelated", "x")

	cb, rawSum, err := robokassa.ParseCallback(form)
	require.NoError(t, err)
	assert.Equal(t, "249.00", rawSum)
	assert.InDelta(t, 249.0, cb.OutSum, 0.001)
	assert.Equal(t, int64(7), cb.InvID)
	assert.Equal(t, "ABC", cb.SignatureValue)
	assert.Equal(t, map[string]string{"Shp_uid": "42"}, cb.Shp)
}

func TestParseCallback_RejectsMalformedFields(t *testing.T) {
	form := url.Values{}
	form.Set("OutSum", "not-a-number")
	form.Set("InvId", "7")
	_, _, err := robokassa.ParseCallback(form)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	form.Set("OutSum", "10.00")
	form.Set("InvId", "seven")
	_, _, err = robokassa.ParseCallback(form)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSuccessReply_Format(t *testing.T) {
	assert.Equal(t, "OK7\n", robokassa.SuccessReply(7))
}
