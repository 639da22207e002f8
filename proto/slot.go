// Package proto carries the pieces of the wire-level command surface
// that are not generic RESP framing: the slot space, the key->slot
// hash, and the static command descriptors the routing layer uses to
// classify and address each inbound command.
package proto

// NumSlots is the fixed size of the cluster's slot space.
const NumSlots = 16384

const crc16Poly = 0x1021

// crc16 is the CRC16-CCITT (XMODEM variant, polynomial 0x1021, seed 0)
// used by the cluster's slot hash. Implemented bit-by-bit rather than
// via a pre-built 256-entry table: the bitwise form is mathematically
// identical to the table-driven one for every input and needs no
// lookup table to carry around.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crc16Poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// KeySlot computes the slot a key hashes to, honoring the {tag}
// substring rule: if key contains "{X}" with non-empty X, only X is
// hashed.
func KeySlot(key []byte) int {
	start := -1
	for i, c := range key {
		if c == '{' {
			start = i
			break
		}
	}
	if start >= 0 {
		for j := start + 1; j < len(key); j++ {
			if key[j] == '}' {
				if j > start+1 {
					key = key[start+1 : j]
				}
				break
			}
		}
	}
	return int(crc16(key) % NumSlots)
}
