package skdb

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/skvar"
)

// AppendScalar appends the msgpack encoding of a normalized non-list value.
func AppendScalar(buf []byte, v any) ([]byte, error) {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	var err error
	switch v := v.(type) {
	case bool:
		err = enc.EncodeBool(v)
	case int64:
		err = enc.EncodeInt(v)
	case float64:
		err = enc.EncodeFloat64(v)
	case string:
		err = enc.EncodeString(v)
	case []byte:
		err = enc.EncodeBytes(v)
	default:
		err = fmt.Errorf("%w: %T", skvar.ErrUnsupportedValue, v)
	}
	msgpack.PutEncoder(enc)
	if err != nil {
		return buf, err
	}
	return bb.Buf, nil
}

// DecodeScalar decodes exactly one msgpack scalar and normalizes it.
func DecodeScalar(data []byte) (any, error) {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	v, err := dec.DecodeInterfaceLoose()
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, decodeErrf(data, 0, err, "invalid msgpack scalar")
	}
	if r.Len() != 0 {
		return nil, decodeErrf(data, len(data)-r.Len(), nil, "trailing bytes after msgpack scalar")
	}
	if v == nil {
		return nil, decodeErrf(data, 0, nil, "nil scalar")
	}
	v, err = skvar.Normalize(v)
	if err != nil {
		return nil, decodeErrf(data, 0, err, "unsupported msgpack scalar")
	}
	return v, nil
}
