package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// openTimeWidth is wide enough for every non-negative int64.
const openTimeWidth = 19

// SeriesPrefix encodes exchange, symbol and interval as length prefixed
// segments (uint16 big endian length followed by the bytes). No series prefix
// can be a prefix of another series.
func SeriesPrefix(exchange, symbol, interval string) ([]byte, error) {
	buf := make([]byte, 0, 6+len(exchange)+len(symbol)+len(interval)+openTimeWidth)
	for _, seg := range []string{exchange, symbol, interval} {
		if len(seg) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: key segment too long", ErrInvalidKLine)
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(seg)))
		buf = append(buf, seg...)
	}
	return buf, nil
}

// EncodeKey returns the storage key of one kline. Keys of a series sort by
// open time.
func EncodeKey(exchange, symbol, interval string, openTime int64) ([]byte, error) {
	if openTime < 0 {
		return nil, fmt.Errorf("%w: negative open time %d", ErrInvalidKLine, openTime)
	}
	prefix, err := SeriesPrefix(exchange, symbol, interval)
	if err != nil {
		return nil, err
	}
	return appendOpenTime(prefix, openTime), nil
}

// DecodeKey splits a storage key back into its parts.
func DecodeKey(key []byte) (exchange, symbol, interval string, openTime int64, err error) {
	rest := key
	segs := make([]string, 3)
	for i := range segs {
		if len(rest) < 2 {
			return "", "", "", 0, fmt.Errorf("truncated key")
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < n {
			return "", "", "", 0, fmt.Errorf("truncated key segment")
		}
		segs[i] = string(rest[:n])
		rest = rest[n:]
	}
	if len(rest) != openTimeWidth {
		return "", "", "", 0, fmt.Errorf("bad open time width %d", len(rest))
	}
	openTime, err = strconv.ParseInt(string(rest), 10, 64)
	if err != nil {
		return "", "", "", 0, fmt.Errorf("bad open time: %w", err)
	}
	return segs[0], segs[1], segs[2], openTime, nil
}

func appendOpenTime(prefix []byte, openTime int64) []byte {
	out := make([]byte, 0, len(prefix)+openTimeWidth)
	out = append(out, prefix...)
	return fmt.Appendf(out, "%0*d", openTimeWidth, openTime)
}

// prefixSuccessor returns the smallest key greater than every key that starts
// with prefix, or nil when no such key exists (prefix is all 0xFF).
func prefixSuccessor(prefix []byte) []byte {
	succ := append([]byte(nil), prefix...)
	for i := len(succ) - 1; i >= 0; i-- {
		if succ[i] != 0xFF {
			succ[i]++
			return succ[:i+1]
		}
	}
	return nil
}
