// Package robokassa implements the external acquirer's MD5 signature scheme
// and callback parsing.
package robokassa

import (
	"crypto/md5"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/followaudit/followaudit/internal/domain"
)

// Client signs payment links and verifies result callbacks.
type Client struct {
	merchantLogin string
	password1     string
	password2     string
	baseURL       string
}

// New constructs a Client. password1 signs outgoing payment links, password2
// verifies incoming result callbacks.
func New(merchantLogin, password1, password2 string) *Client {
	return &Client{
		merchantLogin: merchantLogin,
		password1:     password1,
		password2:     password2,
		baseURL:       "https://auth.robokassa.ru/Merchant/Index.aspx",
	}
}

// Callback is the parsed form payload of a result notification.
type Callback struct {
	OutSum         float64
	InvID          int64
	SignatureValue string
	Shp            map[string]string
}

// md5Hex returns the uppercase hex MD5 of s.
func md5Hex(s string) string {
	return strings.ToUpper(fmt.Sprintf("%x", md5.Sum([]byte(s))))
}

// shpSuffix renders Shp_* fields as ":Shp_k=v" parts in lexicographic order.
func shpSuffix(shp map[string]string) string {
	if len(shp) == 0 {
		return ""
	}
	keys := make([]string, 0, len(shp))
	for k := range shp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(":")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(shp[k])
	}
	return b.String()
}

// PaymentURL builds a signed payment link for an invoice.
func (c *Client) PaymentURL(outSum float64, invID int64, description string, shp map[string]string) string {
	sum := strconv.FormatFloat(outSum, 'f', 2, 64)
	base := fmt.Sprintf("%s:%s:%d:%s%s", c.merchantLogin, sum, invID, c.password1, shpSuffix(shp))
	q := url.Values{}
	q.Set("MerchantLogin", c.merchantLogin)
	q.Set("OutSum", sum)
	q.Set("InvId", strconv.FormatInt(invID, 10))
	q.Set("Description", description)
	q.Set("SignatureValue", md5Hex(base))
	for k, v := range shp {
		q.Set(k, v)
	}
	return c.baseURL + "?" + q.Encode()
}

// ParseCallback extracts the acquirer fields from form values. The raw OutSum
// string participates in the signature, so it is kept verbatim for Verify.
func ParseCallback(form url.Values) (Callback, string, error) {
	rawSum := form.Get("OutSum")
	outSum, err := strconv.ParseFloat(rawSum, 64)
	if err != nil {
		return Callback{}, "", fmt.Errorf("op=robokassa.parse: bad OutSum %q: %w", rawSum, domain.ErrInvalidArgument)
	}
	invID, err := strconv.ParseInt(form.Get("InvId"), 10, 64)
	if err != nil {
		return Callback{}, "", fmt.Errorf("op=robokassa.parse: bad InvId %q: %w", form.Get("InvId"), domain.ErrInvalidArgument)
	}
	cb := Callback{
		OutSum:         outSum,
		InvID:          invID,
		SignatureValue: form.Get("SignatureValue"),
		Shp:            map[string]string{},
	}
	for k := range form {
		if strings.HasPrefix(k, "Shp_") {
			cb.Shp[k] = form.Get(k)
		}
	}
	return cb, rawSum, nil
}

// Verify checks a callback signature against password2. rawSum must be the
// OutSum string exactly as received.
func (c *Client) Verify(cb Callback, rawSum string) error {
	base := fmt.Sprintf("%s:%d:%s%s", rawSum, cb.InvID, c.password2, shpSuffix(cb.Shp))
	if md5Hex(base) != strings.ToUpper(cb.SignatureValue) {
		return fmt.Errorf("op=robokassa.verify: inv_id=%d: %w", cb.InvID, domain.ErrSignatureInvalid)
	}
	return nil
}

// SuccessReply is the body the acquirer expects on a handled callback.
func SuccessReply(invID int64) string {
	return fmt.Sprintf("OK%d\n", invID)
}
