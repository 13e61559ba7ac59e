package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConcatMD5(t *testing.T) {
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", ConcatMD5([]string{"a", "b"}, "c"))
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", ConcatMD5(nil, "abc"))
}

func TestVerifyConcatMD5(t *testing.T) {
	fields := []string{"a", "b"}

	assert.True(t, VerifyConcatMD5(fields, "c", "900150983cd24fb0d6963f7d28e17f72"))
	assert.True(t, VerifyConcatMD5(fields, "c", "900150983CD24FB0D6963F7D28E17F72"))
	assert.False(t, VerifyConcatMD5(fields, "d", "900150983cd24fb0d6963f7d28e17f72"))
	assert.False(t, VerifyConcatMD5([]string{"b", "a"}, "c", "900150983cd24fb0d6963f7d28e17f72"))
	assert.False(t, VerifyConcatMD5(fields, "c", ""))
}

func TestCanonicalQuery(t *testing.T) {
	params := map[string]string{
		"out_trade_no": "PI1",
		"mch_id":       "W01",
		"amount":       "1000",
		"b":            "2",
		"empty":        "",
		"sign":         "IGNORED",
	}

	assert.Equal(t, "amount=1000&b=2&mch_id=W01&out_trade_no=PI1&key=k3y", CanonicalQuery(params, "k3y", "sign"))
}

func TestCanonicalQuerySortsByByteValue(t *testing.T) {
	// uppercase sorts before lowercase
	params := map[string]string{"a": "2", "Zz": "1"}
	assert.Equal(t, "Zz=1&a=2&key=k", CanonicalQuery(params, "k", "sign"))
}

func TestSortedQueryMD5Upper(t *testing.T) {
	params := map[string]string{
		"out_trade_no": "PI1",
		"mch_id":       "W01",
		"amount":       "1000",
		"b":            "2",
	}

	got := SortedQueryMD5Upper(params, "k3y", "sign")
	assert.Equal(t, "44A66BB6B373DCAF5FEF0ACB1B6B4B29", got)

	params["sign"] = got
	assert.True(t, VerifySortedQuery(params, "k3y", "sign"))

	params["amount"] = "1001"
	assert.False(t, VerifySortedQuery(params, "k3y", "sign"))
}

func TestVerifySortedQueryMissingSign(t *testing.T) {
	assert.False(t, VerifySortedQuery(map[string]string{"a": "1"}, "k", "sign"))
}

func TestMerchantRequestSign(t *testing.T) {
	got := MerchantRequestSign("M1001", "ORD-1", "1000.00", "https://m.example/cb", "secret")
	assert.Equal(t, "e77f5bd0f3034b8b9817b597d35fa3ea", got)

	assert.True(t, VerifyMerchantRequest("M1001", "ORD-1", "1000.00", "https://m.example/cb", "secret", "E77F5BD0F3034B8B9817B597D35FA3EA"))
	assert.False(t, VerifyMerchantRequest("M1001", "ORD-1", "1000.01", "https://m.example/cb", "secret", got))
	assert.False(t, VerifyMerchantRequest("M1001", "ORD-1", "1000.00", "https://m.example/cb", "secret", ""))
}
