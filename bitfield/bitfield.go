package bitfield

// Bitfield encodes piece presence in BitTorrent wire order: one bit per
// piece, most significant bit first, spare bits in the last byte zero.
//
// Example:
//   - [0 0 1 0 1 0 0 0] (only pieces 2 and 4 are present)
//   - [0 0 0 0 0 0 0 0] [0 0 0 0 0 0 1 0] (only piece 14 is present)
type Bitfield []byte

// New returns an empty bitfield sized for numPieces.
func New(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

// Valid reports whether bf has exactly the byte length required for
// numPieces and no spare bits set.
func Valid(bf []byte, numPieces int) bool {
	if len(bf) != (numPieces+7)/8 {
		return false
	}
	if spare := len(bf)*8 - numPieces; spare > 0 {
		mask := byte(1<<spare - 1)
		if bf[len(bf)-1]&mask != 0 {
			return false
		}
	}
	return true
}

func (bf Bitfield) Has(index int) bool {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-offset)&1 != 0
}

func (bf Bitfield) Set(index int) {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - offset)
}

func (bf Bitfield) Clear(index int) {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] &^= 1 << (7 - offset)
}

// Count returns the number of set bits.
func (bf Bitfield) Count() int {
	n := 0
	for _, b := range bf {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

// Complete reports whether all numPieces bits are set.
func (bf Bitfield) Complete(numPieces int) bool {
	return bf.Count() == numPieces
}

func (bf Bitfield) Copy() Bitfield {
	c := make(Bitfield, len(bf))
	copy(c, bf)
	return c
}
