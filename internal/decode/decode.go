// Package decode implements RegisterDecoder (spec.md §4.2): a pure,
// stateless mapping from (datatype, endianness, raw register words) to a
// calibrated float64. Byte/word assembly follows the binary.BigEndian word
// idiom used by the pack's Modbus transport nodes
// (other_examples/19dd3945_EdgxCloud-EdgeFlow__...modbus_tcp.go.go,
// .../modbus_rtu.go.go and .../565a41e9_hootrhino-gomodbus__enhancement_handler.go.go),
// generalized here to all four endianness variants and three Modbus word
// widths named in spec.md.
package decode

import (
	"fmt"
	"math"

	"github.com/suriota/edge/internal/config"
)

// Decode maps raw register words to a calibrated float64, applying the
// calibration order from spec.md §4.2: raw*scale+offset, then optional
// rounding.
func Decode(r config.RegisterConfig, words []uint16) (float64, error) {
	wc := r.DataType.WordCount()
	if wc == 0 {
		return 0, fmt.Errorf("decode: unknown data type %q", r.DataType)
	}
	if len(words) != wc {
		return 0, fmt.Errorf("decode: %s expects %d words, got %d", r.DataType, wc, len(words))
	}

	raw, err := rawValue(r.DataType, r.Endianness, words)
	if err != nil {
		return 0, err
	}

	return Calibrate(raw, r.Scale, r.Offset, r.Decimals), nil
}

// Calibrate applies scale/offset and optional decimal rounding, per
// spec.md §4.2's exact two-step order. decimals == -1 leaves the value
// untouched after scaling (calibration identity test: scale=1, offset=0,
// decimals=-1).
func Calibrate(raw, scale, offset float64, decimals int) float64 {
	v := raw*scale + offset
	if decimals < 0 {
		return v
	}
	return roundHalfAwayFromZero(v, decimals)
}

// ReverseCalibrate computes the raw register value from a user-facing
// engineering value, per spec.md §4.10/§GLOSSARY: (value-offset)/scale.
func ReverseCalibrate(value, scale, offset float64) float64 {
	if scale == 0 {
		scale = 1
	}
	return (value - offset) / scale
}

func roundHalfAwayFromZero(v float64, decimals int) float64 {
	mult := math.Pow(10, float64(decimals))
	scaled := v * mult
	if scaled >= 0 {
		return math.Floor(scaled+0.5) / mult
	}
	return math.Ceil(scaled-0.5) / mult
}

// rawValue assembles the raw numeric value (pre-calibration) from the word
// slice per the datatype/endianness table in spec.md §4.2.
func rawValue(dt config.DataType, end config.Endianness, words []uint16) (float64, error) {
	switch dt {
	case config.Bool:
		if words[0]&1 != 0 {
			return 1, nil
		}
		return 0, nil
	case config.Int16:
		return float64(int16(words[0])), nil
	case config.Uint16:
		return float64(words[0]), nil
	case config.Int32:
		bits := combine32(end, words)
		return float64(int32(bits)), nil
	case config.Uint32:
		bits := combine32(end, words)
		return float64(bits), nil
	case config.Float32:
		bits := combine32(end, words)
		return float64(math.Float32frombits(bits)), nil
	case config.Int64:
		bits := combine64(end, words)
		return float64(int64(bits)), nil
	case config.Uint64:
		bits := combine64(end, words)
		return float64(bits), nil
	case config.Double64:
		bits := combine64(end, words)
		return math.Float64frombits(bits), nil
	default:
		return 0, fmt.Errorf("decode: unsupported data type %q", dt)
	}
}

// swap16 reverses the two bytes within a 16-bit word.
func swap16(w uint16) uint16 {
	return (w << 8) | (w >> 8)
}

// combine32 assembles two 16-bit words (W0, W1) into a 32-bit value per the
// table in spec.md §4.2:
//
//	BE:    (W0<<16)|W1
//	LE:    full byte reversal of BE
//	BE_BS: swap(W0)<<16 | swap(W1)      (bytes swapped within each word)
//	LE_BS: (W1<<16)|W0                  (word order swapped only)
func combine32(end config.Endianness, words []uint16) uint32 {
	w0, w1 := words[0], words[1]
	switch end {
	case config.LE:
		be := (uint32(w0) << 16) | uint32(w1)
		return bits32Reverse(be)
	case config.BEBS:
		return (uint32(swap16(w0)) << 16) | uint32(swap16(w1))
	case config.LEBS:
		return (uint32(w1) << 16) | uint32(w0)
	default: // BE
		return (uint32(w0) << 16) | uint32(w1)
	}
}

func bits32Reverse(be uint32) uint32 {
	b0 := byte(be >> 24)
	b1 := byte(be >> 16)
	b2 := byte(be >> 8)
	b3 := byte(be)
	return uint32(b3)<<24 | uint32(b2)<<16 | uint32(b1)<<8 | uint32(b0)
}

// combine64 assembles four 16-bit words (W0..W3) into a 64-bit value,
// extending the 32-bit rules byte-wise per spec.md §4.2: BE is MSB-first
// word order, LE reverses all 8 bytes, BE_BS swaps bytes within each word
// but keeps word order, LE_BS swaps word order but keeps in-word byte order.
func combine64(end config.Endianness, words []uint16) uint64 {
	w0, w1, w2, w3 := words[0], words[1], words[2], words[3]
	switch end {
	case config.LE:
		be := beWords64(w0, w1, w2, w3)
		return bits64Reverse(be)
	case config.BEBS:
		return beWords64(swap16(w0), swap16(w1), swap16(w2), swap16(w3))
	case config.LEBS:
		return beWords64(w3, w2, w1, w0)
	default: // BE
		return beWords64(w0, w1, w2, w3)
	}
}

func beWords64(w0, w1, w2, w3 uint16) uint64 {
	return uint64(w0)<<48 | uint64(w1)<<32 | uint64(w2)<<16 | uint64(w3)
}

func bits64Reverse(be uint64) uint64 {
	var out uint64
	for i := 0; i < 8; i++ {
		b := byte(be >> (56 - 8*i))
		out |= uint64(b) << (8 * i)
	}
	return out
}
