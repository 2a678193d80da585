package stream

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/srg/blesession/internal/device"
)

// Decoder turns a raw notification payload into sample data.
type Decoder interface {
	Name() string
	Decode(raw []byte) ([]byte, error)
}

// Decoder names accepted by NewDecoder
const (
	DecoderRaw            = "raw"
	DecoderBase64         = "base64"
	DecoderLengthPrefixed = "length-prefixed"
)

// DecodeError reports a payload the decoder rejected. It matches device.ErrDecode.
type DecodeError struct {
	Decoder string
	Raw     []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s decoder: %v", device.ErrDecode, e.Decoder, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == device.ErrDecode }

// NewDecoder returns the decoder registered under name. An empty name selects raw.
func NewDecoder(name string) (Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DecoderRaw:
		return RawDecoder{}, nil
	case DecoderBase64:
		return Base64Decoder{}, nil
	case DecoderLengthPrefixed:
		return LengthPrefixedDecoder{}, nil
	default:
		return nil, fmt.Errorf("unknown decoder %q (want %s, %s or %s)", name, DecoderRaw, DecoderBase64, DecoderLengthPrefixed)
	}
}

// RawDecoder passes payloads through unchanged.
type RawDecoder struct{}

func (RawDecoder) Name() string { return DecoderRaw }

func (RawDecoder) Decode(raw []byte) ([]byte, error) {
	return raw, nil
}

// Base64Decoder decodes standard base64 text, the encoding some bridges wrap values in.
type Base64Decoder struct{}

func (Base64Decoder) Name() string { return DecoderBase64 }

func (Base64Decoder) Decode(raw []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
	n, err := base64.StdEncoding.Decode(out, raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid base64 payload of %d bytes", len(raw))
	}
	return out[:n], nil
}

// LengthPrefixedDecoder expects a one byte length header followed by exactly that many bytes.
type LengthPrefixedDecoder struct{}

func (LengthPrefixedDecoder) Name() string { return DecoderLengthPrefixed }

func (LengthPrefixedDecoder) Decode(raw []byte) ([]byte, error) {
	if len(raw) < 1 {
		return nil, errors.New("missing length header")
	}
	want := int(raw[0])
	if got := len(raw) - 1; got != want {
		return nil, errors.Errorf("length header says %d bytes, payload has %d", want, got)
	}
	return raw[1:], nil
}
