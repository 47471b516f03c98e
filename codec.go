package fetchkit

import (
	"bytes"
	"encoding/json"
	"io"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts between typed values and wire payloads. Implementations are
// pure and safe for concurrent use. Decode failures are *DecodeError.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, target any) error
	ContentType() string
}

// JSONCodec encodes and decodes application/json payloads.
type JSONCodec struct {
	// Strict rejects objects carrying fields the target type does not declare.
	Strict bool
}

// NewJSONCodec returns a lenient JSON codec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

func (c *JSONCodec) ContentType() string { return "application/json" }

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &DecodeError{Kind: DecodeUnsupportedType, ContentType: c.ContentType(), Cause: err}
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, target any) error {
	if err := checkTarget(target); err != nil {
		return &DecodeError{Kind: DecodeUnsupportedType, ContentType: c.ContentType(), Cause: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &DecodeError{Kind: DecodeTruncatedPayload, ContentType: c.ContentType(), Cause: io.ErrUnexpectedEOF}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if c.Strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(target); err != nil {
		return &DecodeError{Kind: classifyJSONError(err), ContentType: c.ContentType(), Cause: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return &DecodeError{Kind: DecodeSchemaMismatch, ContentType: c.ContentType(), Cause: errors.Newf("trailing data after JSON value at offset %d", dec.InputOffset())}
	}
	return nil
}

// classifyJSONError maps encoding/json failures. Syntax errors, type
// mismatches and unknown fields in strict mode are all SchemaMismatch.
func classifyJSONError(err error) DecodeErrorKind {
	var unsupported *json.UnsupportedTypeError
	var invalid *json.InvalidUnmarshalError
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return DecodeTruncatedPayload
	case errors.As(err, &unsupported), errors.As(err, &invalid):
		return DecodeUnsupportedType
	default:
		return DecodeSchemaMismatch
	}
}

// MsgpackCodec encodes and decodes MessagePack payloads using json struct
// tags, so the same model types serve both codecs.
type MsgpackCodec struct{}

// NewMsgpackCodec returns a MessagePack codec.
func NewMsgpackCodec() *MsgpackCodec {
	return &MsgpackCodec{}
}

func (c *MsgpackCodec) ContentType() string { return "application/msgpack" }

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, &DecodeError{Kind: DecodeUnsupportedType, ContentType: c.ContentType(), Cause: err}
	}
	return buf.Bytes(), nil
}

func (c *MsgpackCodec) Decode(data []byte, target any) error {
	if err := checkTarget(target); err != nil {
		return &DecodeError{Kind: DecodeUnsupportedType, ContentType: c.ContentType(), Cause: err}
	}
	if len(data) == 0 {
		return &DecodeError{Kind: DecodeTruncatedPayload, ContentType: c.ContentType(), Cause: io.ErrUnexpectedEOF}
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(target); err != nil {
		kind := DecodeSchemaMismatch
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			kind = DecodeTruncatedPayload
		}
		return &DecodeError{Kind: kind, ContentType: c.ContentType(), Cause: err}
	}
	return nil
}

func checkTarget(target any) error {
	if target == nil {
		return errors.New("nil decode target")
	}
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.Newf("decode target must be a non-nil pointer, got %T", target)
	}
	return nil
}

// DecodeAs decodes data into a new T.
func DecodeAs[T any](codec Codec, data []byte) (T, error) {
	var out T
	if err := codec.Decode(data, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// CodecFor picks a codec by response content type, falling back to def.
func CodecFor(contentType string, def Codec) Codec {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "msgpack"):
		return NewMsgpackCodec()
	case strings.Contains(ct, "json"):
		if _, ok := def.(*JSONCodec); ok {
			return def
		}
		return NewJSONCodec()
	default:
		return def
	}
}
