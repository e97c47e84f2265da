package codec

import (
	"bytes"
	"testing"
)

type stats struct {
	Requests map[string]uint64 `json:"requests"`
	Users    int               `json:"users"`
}

func TestJSONCodec(t *testing.T) {
	jsonCodec := GetCodec(CodecTypeJSON)
	if jsonCodec.Type() != CodecTypeJSON {
		t.Fatalf("expect JSON codec, got %d", jsonCodec.Type())
	}

	original := &stats{
		Requests: map[string]uint64{"captcha": 3, "credentials-check": 1},
		Users:    2,
	}

	data, err := jsonCodec.Encode(original)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decoded stats
	if err := jsonCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}

	if decoded.Users != original.Users {
		t.Errorf("Users mismatch: got %d, want %d", decoded.Users, original.Users)
	}
	if decoded.Requests["captcha"] != 3 || decoded.Requests["credentials-check"] != 1 {
		t.Errorf("Requests mismatch: got %v", decoded.Requests)
	}
}

func TestJSONCodecRejectsGarbage(t *testing.T) {
	var decoded stats
	if err := (&JSONCodec{}).Decode([]byte{0x00, 0x01}, &decoded); err == nil {
		t.Fatal("expect error decoding non-JSON payload")
	}
}

func TestRawCodec(t *testing.T) {
	rawCodec := GetCodec(CodecTypeRaw)

	payload := []byte{0x00, 0xFF, 0x10}
	data, err := rawCodec.Encode(payload)
	if err != nil {
		t.Fatal(err)
	}

	var out []byte
	if err := rawCodec.Decode(data, &out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("got % x, want % x", out, payload)
	}

	// Decode copies.
	data[0] = 0xAA
	if out[0] != 0x00 {
		t.Fatal("RawCodec.Decode must not alias its input")
	}

	var s string
	if err := rawCodec.Decode(data, &s); err == nil {
		t.Fatal("expect error for non *[]byte target")
	}
}
