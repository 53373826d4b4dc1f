// Package checksum implements the Fletcher-64 variant that package cow
// records in the checksum tree for each relocated data block when the
// checksum tree is enabled.
package checksum

import "encoding/binary"

// Size is the width in bytes of a Fletcher64 checksum field.
const Size = 8

// Fletcher64 computes the checksum of data, which must be a multiple of
// 8 bytes. The first Size bytes of data are treated as the checksum field
// itself and are skipped (zeroed) for the purposes of the computation,
// matching the on-disk convention where the checksum is embedded at the
// head of the structure it protects.
func Fletcher64(data []byte) uint64 {
	var sum1, sum2 uint64
	for i := 0; i < len(data); i += 8 {
		var word uint64
		if i >= Size {
			word = binary.LittleEndian.Uint64(data[i : i+8])
		}
		sum1 += word
		sum2 += sum1
	}
	return sum2
}

// Verify reports whether the checksum embedded in the first Size bytes of
// data matches the Fletcher64 of the rest of the block.
func Verify(data []byte) bool {
	if len(data) < Size || len(data)%8 != 0 {
		return false
	}
	want := binary.LittleEndian.Uint64(data[:Size])
	got := Fletcher64(data)
	return want == got
}

// Stamp computes the Fletcher64 of data and writes it into the first Size
// bytes in place.
func Stamp(data []byte) {
	if len(data) < Size || len(data)%8 != 0 {
		return
	}
	sum := Fletcher64(data)
	binary.LittleEndian.PutUint64(data[:Size], sum)
}
