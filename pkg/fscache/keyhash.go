package fscache

import (
	"crypto/sha1" //nolint:gosec // used as a uniform hash, not for integrity
	"crypto/sha256"
	"encoding/hex"
	"math/big"
)

// twoTo63 is the modulus for [keyOffset]: offsets must fit in a signed
// 64-bit lock position accepted by fcntl(2).
var twoTo63 = new(big.Int).Lsh(big.NewInt(1), 63)

// keyIdentifier derives the on-disk key identifier (KID) for a raw cache
// key: the lowercase hex SHA-256 digest of its UTF-8 bytes. It is also the
// public key mangler exposed to callers as [KeyMangler].
func keyIdentifier(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// keyOffset derives the byte-range lock offset (KOFF) for a raw cache key:
// SHA-1 of its UTF-8 bytes, interpreted as a big-endian integer modulo 2^63.
//
// SHA-1 is used here purely as a fast, well-distributed hash to pick a lock
// byte, never for anything security-sensitive, so its known cryptographic
// weaknesses are irrelevant.
func keyOffset(key string) int64 {
	sum := sha1.Sum([]byte(key)) //nolint:gosec // uniform distribution only, not integrity

	n := new(big.Int).SetBytes(sum[:])
	n.Mod(n, twoTo63)

	return n.Int64()
}
