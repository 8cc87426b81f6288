package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
)

func HashString(s string) string {
	hasher := sha256.New()
	hasher.Write([]byte(s))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Fingerprint is the log-safe form of an identity key.
func Fingerprint(identity string) string {
	return HashString(identity)[:12]
}

// Bucket maps s onto one of n buckets. n must be positive.
func Bucket(s string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}
