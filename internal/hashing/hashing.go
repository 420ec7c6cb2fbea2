// Package hashing exposes the SHA-256 and SHA-512 primitives used by the
// collision search, the header proof-of-work and the merkle builder.
package hashing

import (
	"crypto/sha512"

	sha256 "github.com/minio/sha256-simd"
)

// Sum256 returns SHA-256(data).
func Sum256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// DoubleSum256 returns SHA-256(SHA-256(data)).
func DoubleSum256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// Sum512 returns SHA-512(data).
func Sum512(data []byte) [64]byte {
	return sha512.Sum512(data)
}

// ImplementationName reports the SHA-256 backend, logged at startup.
func ImplementationName() string {
	return "sha256-simd"
}
