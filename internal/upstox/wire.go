package upstox

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// eachField walks the top-level fields of a protobuf message. val holds the
// raw encoded value of the field, including any length prefix.
func eachField(b []byte, visit func(num protowire.Number, typ protowire.Type, val []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		if err := visit(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func wireTypeError(num protowire.Number, got, want protowire.Type) error {
	return fmt.Errorf("field %d: wire type %d, want %d", num, got, want)
}

func asBytes(num protowire.Number, typ protowire.Type, val []byte) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, wireTypeError(num, typ, protowire.BytesType)
	}
	v, n := protowire.ConsumeBytes(val)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return v, nil
}

func asString(num protowire.Number, typ protowire.Type, val []byte) (string, error) {
	b, err := asBytes(num, typ, val)
	return string(b), err
}

func asDouble(num protowire.Number, typ protowire.Type, val []byte) (float64, error) {
	if typ != protowire.Fixed64Type {
		return 0, wireTypeError(num, typ, protowire.Fixed64Type)
	}
	v, n := protowire.ConsumeFixed64(val)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), nil
}

func asInt64(num protowire.Number, typ protowire.Type, val []byte) (int64, error) {
	if typ != protowire.VarintType {
		return 0, wireTypeError(num, typ, protowire.VarintType)
	}
	v, n := protowire.ConsumeVarint(val)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return int64(v), nil
}
