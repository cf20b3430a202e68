package decode

import (
	"fmt"
	"math"

	"github.com/suriota/edge/internal/config"
)

// Encode is the inverse of rawValue: it packs a raw numeric value into the
// register words a write of this datatype/endianness would use on the
// wire. It exists for the decoding round-trip property in spec.md §8 and
// for RemoteWriteHandler (spec.md §4.10), which must encode a reverse-
// calibrated raw value into a function-code-appropriate word layout before
// issuing a Modbus write.
func Encode(dt config.DataType, end config.Endianness, raw float64) ([]uint16, error) {
	switch dt {
	case config.Bool:
		if raw != 0 {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil
	case config.Int16:
		return []uint16{uint16(int16(raw))}, nil
	case config.Uint16:
		return []uint16{uint16(raw)}, nil
	case config.Int32:
		return split32(end, uint32(int32(raw))), nil
	case config.Uint32:
		return split32(end, uint32(raw)), nil
	case config.Float32:
		return split32(end, math.Float32bits(float32(raw))), nil
	case config.Int64:
		return split64(end, uint64(int64(raw))), nil
	case config.Uint64:
		return split64(end, uint64(raw)), nil
	case config.Double64:
		return split64(end, math.Float64bits(raw)), nil
	default:
		return nil, fmt.Errorf("encode: unsupported data type %q", dt)
	}
}

func split32(end config.Endianness, bits uint32) []uint16 {
	be0 := uint16(bits >> 16)
	be1 := uint16(bits)
	switch end {
	case config.LE:
		rev := bits32Reverse(bits)
		return []uint16{uint16(rev >> 16), uint16(rev)}
	case config.BEBS:
		return []uint16{swap16(be0), swap16(be1)}
	case config.LEBS:
		return []uint16{be1, be0}
	default: // BE
		return []uint16{be0, be1}
	}
}

func split64(end config.Endianness, bits uint64) []uint16 {
	w0 := uint16(bits >> 48)
	w1 := uint16(bits >> 32)
	w2 := uint16(bits >> 16)
	w3 := uint16(bits)
	switch end {
	case config.LE:
		rev := bits64Reverse(bits)
		return []uint16{uint16(rev >> 48), uint16(rev >> 32), uint16(rev >> 16), uint16(rev)}
	case config.BEBS:
		return []uint16{swap16(w0), swap16(w1), swap16(w2), swap16(w3)}
	case config.LEBS:
		return []uint16{w3, w2, w1, w0}
	default: // BE
		return []uint16{w0, w1, w2, w3}
	}
}
