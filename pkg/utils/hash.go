package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// CalculateStringSHA256 computes the SHA-256 hash of a string.
func CalculateStringSHA256(content string) string {
	hash := sha256.New()
	hash.Write([]byte(content))
	return hex.EncodeToString(hash.Sum(nil))
}

// CompanyIndexKey derives the dedup index component for an (owner, company) pair.
// Matching is exact and case-sensitive, so the company is hashed as given.
func CompanyIndexKey(ownerID, company string) string {
	return CalculateStringSHA256(ownerID + "\x00" + company)
}
