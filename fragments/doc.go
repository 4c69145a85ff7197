// Package fragments provides low-level encoding and decoding of the
// bus wire format: byte order handling, alignment padding, and the
// framing of strings, signatures, arrays and structs.
//
// The types in this package know nothing about Go types or type
// signatures. Higher layers compose these primitives, via the Mapper
// hooks, into complete message bodies.
package fragments
