package canvas

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// protobuf wire helpers. Messages are written field by field so that
// fields this version does not know are carried through untouched.

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	return appendVarintField(b, num, protowire.EncodeBool(v))
}

// -0 is written so it decodes with its sign
func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	if math.Float64bits(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// repeated fields are written even when empty strings
func appendRepeatedStringField(b []byte, num protowire.Number, vs []string) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}
	return b
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessageField(b []byte, num protowire.Number, encode func([]byte) []byte) []byte {
	return appendBytesField(b, num, encode(nil))
}

// points are packed as consecutive x,y doubles
func appendPointsField(b []byte, num protowire.Number, points []Point) []byte {
	if len(points) == 0 {
		return b
	}
	packed := make([]byte, 0, 16*len(points))
	for _, point := range points {
		packed = protowire.AppendFixed64(packed, math.Float64bits(point.X))
		packed = protowire.AppendFixed64(packed, math.Float64bits(point.Y))
	}
	return appendBytesField(b, num, packed)
}

// calls `field` for each top level field. Fields the callback does not
// claim are returned verbatim (tag and value) as `unknown`.
func consumeFields(
	b []byte,
	field func(num protowire.Number, typ protowire.Type, value []byte) (known bool, err error),
) (unknown []byte, err error) {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w %s", ErrMalformedDelta, protowire.ParseError(n))
		}
		m := protowire.ConsumeFieldValue(num, typ, b[n:])
		if m < 0 {
			return nil, fmt.Errorf("%w %s", ErrMalformedDelta, protowire.ParseError(m))
		}
		known, err := field(num, typ, b[n:n+m])
		if err != nil {
			return nil, err
		}
		if !known {
			unknown = append(unknown, b[:n+m]...)
		}
		b = b[n+m:]
	}
	return unknown, nil
}

func wireVarint(num protowire.Number, typ protowire.Type, value []byte) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w Field %d expected varint.", ErrMalformedDelta, num)
	}
	v, n := protowire.ConsumeVarint(value)
	if n < 0 {
		return 0, fmt.Errorf("%w %s", ErrMalformedDelta, protowire.ParseError(n))
	}
	return v, nil
}

func wireBool(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
	v, err := wireVarint(num, typ, value)
	if err != nil {
		return false, err
	}
	return protowire.DecodeBool(v), nil
}

func wireDouble(num protowire.Number, typ protowire.Type, value []byte) (float64, error) {
	if typ != protowire.Fixed64Type {
		return 0, fmt.Errorf("%w Field %d expected double.", ErrMalformedDelta, num)
	}
	v, n := protowire.ConsumeFixed64(value)
	if n < 0 {
		return 0, fmt.Errorf("%w %s", ErrMalformedDelta, protowire.ParseError(n))
	}
	return math.Float64frombits(v), nil
}

func wireBytes(num protowire.Number, typ protowire.Type, value []byte) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("%w Field %d expected bytes.", ErrMalformedDelta, num)
	}
	v, n := protowire.ConsumeBytes(value)
	if n < 0 {
		return nil, fmt.Errorf("%w %s", ErrMalformedDelta, protowire.ParseError(n))
	}
	return v, nil
}

func wireString(num protowire.Number, typ protowire.Type, value []byte) (string, error) {
	v, err := wireBytes(num, typ, value)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func wirePoints(num protowire.Number, typ protowire.Type, value []byte) ([]Point, error) {
	packed, err := wireBytes(num, typ, value)
	if err != nil {
		return nil, err
	}
	if len(packed)%16 != 0 {
		return nil, fmt.Errorf("%w Field %d bad point packing.", ErrMalformedDelta, num)
	}
	points := make([]Point, 0, len(packed)/16)
	for i := 0; i < len(packed); i += 16 {
		x, _ := protowire.ConsumeFixed64(packed[i : i+8])
		y, _ := protowire.ConsumeFixed64(packed[i+8 : i+16])
		points = append(points, Point{
			X: math.Float64frombits(x),
			Y: math.Float64frombits(y),
		})
	}
	return points, nil
}

// vector entry {1: client id, 2: counter}
func appendVersionVectorField(b []byte, num protowire.Number, vector VersionVector) []byte {
	for _, clientId := range vector.ClientIds() {
		counter := vector[clientId]
		b = appendMessageField(b, num, func(e []byte) []byte {
			e = appendStringField(e, 1, clientId)
			return appendVarintField(e, 2, counter)
		})
	}
	return b
}

func consumeVersionVectorEntry(vector VersionVector, num protowire.Number, typ protowire.Type, value []byte) error {
	entry, err := wireBytes(num, typ, value)
	if err != nil {
		return err
	}
	var clientId string
	var counter uint64
	_, err = consumeFields(entry, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
		var err error
		switch num {
		case 1:
			clientId, err = wireString(num, typ, value)
		case 2:
			counter, err = wireVarint(num, typ, value)
		default:
			return false, nil
		}
		return true, err
	})
	if err != nil {
		return err
	}
	if clientId != "" && vector[clientId] < counter {
		vector[clientId] = counter
	}
	return nil
}
