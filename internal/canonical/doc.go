// Package canonical provides the deterministic value model, byte encoding,
// and domain-separated content hashing that every signed record in keel is
// built on.
//
// The encoding rules are deliberately narrow: string keys sorted by byte
// order at every nesting level, arrays in original order, NFC-normalized
// strings with minimal escaping, integers only. Floats are a hard error -
// platform-dependent float formatting is how two honest parties end up with
// two different hashes for the same record.
//
// Content hashes are BLAKE3-256 over domain || 0x00 || canonical bytes.
// The domain prefix keeps a receipt hash from ever colliding with, say, a
// netting hash over coincidentally identical bytes.
package canonical
