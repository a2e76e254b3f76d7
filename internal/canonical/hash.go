package canonical

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes keep hashes of different kinds of content apart.
// The version suffix allows a future algorithm change.
const (
	DomainKey      = "snapper/key/v1"
	DomainFunction = "snapper/function/v1"
)

// HashWithDomain returns hex(SHA256(domain || 0x00 || data)).
// The null separator removes ambiguity at the domain/data boundary.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
