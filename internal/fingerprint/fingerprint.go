// Package fingerprint derives a stable version for a transform function so
// that editing the function invalidates results computed by the old one.
package fingerprint

import (
	"github.com/roach88/snapper/internal/canonical"
)

// Version identifies the logic of a transform. It is either 64 lowercase hex
// characters or the Unknown sentinel.
type Version string

// Unknown is used when no fingerprint can be derived. Change detection is
// disabled for transforms carrying this version.
const Unknown Version = "unknown"

// Tier records which strategy produced a Version.
type Tier int

const (
	// TierDeclared means the caller named the version explicitly.
	TierDeclared Tier = iota
	// TierSource means the version hashes the function's Go source.
	TierSource
	// TierUnknown means neither was available.
	TierUnknown
)

func (t Tier) String() string {
	switch t {
	case TierDeclared:
		return "declared"
	case TierSource:
		return "source"
	default:
		return "unknown"
	}
}

// Versioned is implemented by transforms that declare their own version.
type Versioned interface {
	FunctionVersion() string
}

// Declared hashes a caller-supplied version label.
func Declared(label string) Version {
	return hash("declared", label)
}

// Of returns the version of fn. It never fails; the returned Tier says how
// much the version can be trusted.
func Of(fn any) (Version, Tier) {
	if v, ok := fn.(Versioned); ok {
		return Declared(v.FunctionVersion()), TierDeclared
	}
	if src, ok := source(fn); ok {
		return hash("source", src), TierSource
	}
	return Unknown, TierUnknown
}

func hash(kind, text string) Version {
	return Version(canonical.HashWithDomain(canonical.DomainFunction, []byte(kind+"\x00"+text)))
}

func (v Version) String() string {
	return string(v)
}

// IsUnknown reports whether v is the sentinel.
func (v Version) IsUnknown() bool {
	return v == Unknown
}
