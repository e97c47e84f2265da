// Package codec decodes the opaque payloads whose schema the frame format does not
// fix, such as the statistics response.
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeRaw  CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Raw
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeRaw {
		return &RawCodec{}
	}

	return &JSONCodec{}
}
