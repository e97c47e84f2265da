package codec

import (
	"errors"
)

// RawCodec passes bytes through untouched. Encode accepts []byte or *[]byte,
// Decode requires *[]byte and stores a copy.
type RawCodec struct{}

func (c *RawCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, errors.New("RawCodec: v must be []byte or *[]byte")
}

func (c *RawCodec) Decode(data []byte, v any) error {
	out, ok := v.(*[]byte)
	if !ok {
		return errors.New("RawCodec: v must be *[]byte")
	}
	*out = append((*out)[:0], data...)
	return nil
}

func (c *RawCodec) Type() CodecType {
	return CodecTypeRaw
}
