// Package bx holds the little-endian field accessors used by every on-page
// layout (file header, free-page links, index nodes).
package bx

import "encoding/binary"

var LE = binary.LittleEndian

func U8At(b []byte, off int) uint8       { return b[off] }
func PutU8At(b []byte, off int, v uint8) { b[off] = v }

func U16At(b []byte, off int) uint16 { return LE.Uint16(b[off:]) }
func U32At(b []byte, off int) uint32 { return LE.Uint32(b[off:]) }
func U64At(b []byte, off int) uint64 { return LE.Uint64(b[off:]) }

func PutU16At(b []byte, off int, v uint16) { LE.PutUint16(b[off:], v) }
func PutU32At(b []byte, off int, v uint32) { LE.PutUint32(b[off:], v) }
func PutU64At(b []byte, off int, v uint64) { LE.PutUint64(b[off:], v) }

// I64At and PutI64At store keys in two's complement.
func I64At(b []byte, off int) int64       { return int64(U64At(b, off)) }
func PutI64At(b []byte, off int, v int64) { PutU64At(b, off, uint64(v)) }

// Shift moves b[from:from+n] to start at to. Ranges may overlap.
func Shift(b []byte, to, from, n int) {
	copy(b[to:to+n], b[from:from+n])
}
