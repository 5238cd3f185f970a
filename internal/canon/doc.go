// Package canon pins the serialization and hashing rules for ledger entries.
//
// The canonical form is frozen at schema version 1. Changing any rule here
// invalidates every hash already written to a ledger, so new rules must ship
// under a new domain prefix and schema version instead of editing these.
//
// Canonical JSON:
//   - Strings are NFC normalized (keys and values)
//   - Encoding follows RFC 8785: keys sorted by UTF-16 code units, ES6
//     number formatting, no insignificant whitespace, no HTML escaping
//   - Numbers are decoded as json.Number so integers never pass through
//     float64 before the RFC 8785 transform
//
// Entry hashes are SHA-256 with domain separation, same construction as
// content-addressed IDs elsewhere: SHA256(domain 0x00 field 0x00 field ...).
package canon
