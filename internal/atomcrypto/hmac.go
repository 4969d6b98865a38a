package atomcrypto

import (
	"crypto/hmac"
	"crypto/sha512"
)

// TamperKey computes the HMAC-SHA-512 tamper key over a ledger entry body.
func TamperKey(key, body []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}

// VerifyTamperKey checks a tamper key in constant time.
func VerifyTamperKey(key, body, expected []byte) bool {
	return hmac.Equal(TamperKey(key, body), expected)
}
