package protocol

import "fmt"

// FragmentStrings encodes each string as [len:1][bytes], in order.
// Lengths are byte lengths, not rune counts.
func FragmentStrings(strs ...string) ([]byte, error) {
	total := 0
	for i, s := range strs {
		if len(s) > MaxStringLen {
			return nil, fmt.Errorf("%w: argument %d is %d bytes, limit %d", ErrStringTooLong, i, len(s), MaxStringLen)
		}
		total += 1 + len(s)
	}

	buf := make([]byte, 0, total)
	for _, s := range strs {
		buf = append(buf, byte(len(s)))
		buf = append(buf, s...)
	}
	return buf, nil
}

// UnfragmentStrings decodes n length-prefixed strings from the front of b and
// returns them with whatever bytes follow. n < 0 decodes until b is exhausted.
func UnfragmentStrings(b []byte, n int) ([]string, []byte, error) {
	var out []string
	offset := 0
	for n < 0 || len(out) < n {
		if offset == len(b) {
			if n < 0 {
				break
			}
			return nil, nil, fmt.Errorf("%w: expected %d strings, found %d", ErrProtocolViolation, n, len(out))
		}
		size := int(b[offset])
		offset++
		if offset+size > len(b) {
			return nil, nil, fmt.Errorf("%w: string %d declares %d bytes, %d left", ErrProtocolViolation, len(out), size, len(b)-offset)
		}
		out = append(out, string(b[offset:offset+size]))
		offset += size
	}
	return out, b[offset:], nil
}
