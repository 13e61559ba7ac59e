// Package signature implements the MD5 signing schemes used by merchants and
// settlement gateways. All functions are pure; verification reports a bool and
// never fails.
package signature

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// DefaultSignField is the parameter that carries the signature in sorted-query payloads
const DefaultSignField = "sign"

// ConcatMD5 hashes the fields in the given order followed by the secret and
// returns the lower-case hex digest.
func ConcatMD5(fields []string, secret string) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f)
	}
	b.WriteString(secret)
	return md5Hex(b.String())
}

// VerifyConcatMD5 checks claimed against ConcatMD5(fields, secret)
func VerifyConcatMD5(fields []string, secret, claimed string) bool {
	return equalHex(ConcatMD5(fields, secret), claimed)
}

// CanonicalQuery builds the string that SortedQueryMD5Upper hashes: empty
// values and signField are dropped, keys sorted by byte value, joined as
// k=v pairs with '&', then "&key=<secret>" appended.
func CanonicalQuery(params map[string]string, secret, signField string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == signField || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	if b.Len() > 0 {
		b.WriteByte('&')
	}
	b.WriteString("key=")
	b.WriteString(secret)
	return b.String()
}

// SortedQueryMD5Upper signs params the way wallet-style gateways do
func SortedQueryMD5Upper(params map[string]string, secret, signField string) string {
	return strings.ToUpper(md5Hex(CanonicalQuery(params, secret, signField)))
}

// VerifySortedQuery checks the signature carried in params[signField]
func VerifySortedQuery(params map[string]string, secret, signField string) bool {
	claimed := params[signField]
	if claimed == "" {
		return false
	}
	return equalHex(SortedQueryMD5Upper(params, secret, signField), claimed)
}

// MerchantRequestSign signs an inbound order-creation request. Field order is
// merchant id, merchant order id, amount, notify url.
func MerchantRequestSign(merchantID, merchantOrderID, amount, notifyURL, secret string) string {
	return ConcatMD5([]string{merchantID, merchantOrderID, amount, notifyURL}, secret)
}

// VerifyMerchantRequest checks the sign of an inbound order-creation request
func VerifyMerchantRequest(merchantID, merchantOrderID, amount, notifyURL, secret, claimed string) bool {
	return equalHex(MerchantRequestSign(merchantID, merchantOrderID, amount, notifyURL, secret), claimed)
}

// MerchantNotifySign signs an outbound webhook body. Field order is order id,
// merchant order id, status, amount.
func MerchantNotifySign(orderID, merchantOrderID, status, amount, secret string) string {
	return ConcatMD5([]string{orderID, merchantOrderID, status, amount}, secret)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func equalHex(expected, claimed string) bool {
	if claimed == "" {
		return false
	}
	e := strings.ToLower(expected)
	c := strings.ToLower(strings.TrimSpace(claimed))
	return subtle.ConstantTimeCompare([]byte(e), []byte(c)) == 1
}
