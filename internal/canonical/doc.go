// Package canonical provides the deterministic value model used to derive
// stable identities for arbitrary items.
//
// Any Go value that encoding/json can express is converted into a small
// sealed set of types (Null, Bool, Number, String, Array, Object) and then
// serialized as RFC 8785 canonical JSON:
//   - object keys sorted by UTF-16 code units
//   - strings NFC normalized, no HTML escaping
//   - numbers in their shortest round-trip form, so 1 and 1.0 are equal
//
// The package imports nothing internal; keys and fingerprint build on it.
package canonical
