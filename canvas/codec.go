package canvas

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// the major version of the delta schema. Additive changes keep the
// version and rely on unknown field pass-through.
const WireVersion = 1

var ErrUnknownVersion = errors.New("Unknown wire version.")

// batch {1: version, 2: repeated delta}
const (
	batchVersionNum protowire.Number = 1
	batchDeltaNum   protowire.Number = 2
)

// delta fields
const (
	deltaClientIdNum     protowire.Number = 1
	deltaCounterNum      protowire.Number = 2
	deltaTargetNum       protowire.Number = 3
	deltaKindNum         protowire.Number = 4
	deltaElementNum      protowire.Number = 5
	deltaFieldNum        protowire.Number = 6
	deltaNumberNum       protowire.Number = 7
	deltaTextNum         protowire.Number = 8
	deltaIdsNum          protowire.Number = 9
	deltaValuePointsNum  protowire.Number = 10
	deltaZOrderNum       protowire.Number = 11
	deltaAppendPointsNum protowire.Number = 12
)

// element fields. 18+ carry merge state and are only written in snapshots.
const (
	elementIdNum          protowire.Number = 1
	elementKindNum        protowire.Number = 2
	elementXNum           protowire.Number = 3
	elementYNum           protowire.Number = 4
	elementWidthNum       protowire.Number = 5
	elementHeightNum      protowire.Number = 6
	elementRotationNum    protowire.Number = 7
	elementPointsNum      protowire.Number = 8
	elementStrokeColorNum protowire.Number = 9
	elementFillColorNum   protowire.Number = 10
	elementStrokeWidthNum protowire.Number = 11
	elementOpacityNum     protowire.Number = 12
	elementFontSizeNum    protowire.Number = 13
	elementTextNum        protowire.Number = 14
	elementImageSourceNum protowire.Number = 15
	elementChildrenNum    protowire.Number = 16
	elementZOrderNum      protowire.Number = 17
	elementClockNum       protowire.Number = 18
	elementVersionNum     protowire.Number = 19
	elementDeletedNum     protowire.Number = 20
	elementDeleteClockNum protowire.Number = 21
)

// snapshot {1: version, 2: repeated element, 3: repeated vector entry}
const (
	snapshotVersionNum protowire.Number = 1
	snapshotElementNum protowire.Number = 2
	snapshotVectorNum  protowire.Number = 3
)

func EncodeDeltas(deltas ...*Delta) []byte {
	b := appendVarintField(nil, batchVersionNum, WireVersion)
	for _, delta := range deltas {
		b = appendBytesField(b, batchDeltaNum, encodeDelta(nil, delta))
	}
	return b
}

// encodes each delta as its own single-delta batch.
// batches can be merged later with `Compact` without re-encoding.
func EncodeDelta(delta *Delta) []byte {
	return EncodeDeltas(delta)
}

// decodes a batch. A batch with a bad envelope is rejected whole.
// Deltas that fail to decode are skipped and reported in the returned
// error while the remaining deltas are returned.
func DecodeDeltas(b []byte) ([]*Delta, error) {
	deltas := []*Delta{}
	var deltaErrs []error
	versionSeen := false
	_, err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
		switch num {
		case batchVersionNum:
			version, err := wireVarint(num, typ, value)
			if err != nil {
				return true, err
			}
			if version != WireVersion {
				return true, fmt.Errorf("%w %d", ErrUnknownVersion, version)
			}
			versionSeen = true
			return true, nil
		case batchDeltaNum:
			deltaBytes, err := wireBytes(num, typ, value)
			if err != nil {
				return true, err
			}
			delta, err := decodeDelta(deltaBytes)
			if err != nil {
				deltaErrs = append(deltaErrs, err)
			} else {
				deltas = append(deltas, delta)
			}
			return true, nil
		default:
			// envelope fields from newer peers are ignored
			return false, nil
		}
	})
	if err != nil {
		return nil, err
	}
	if !versionSeen {
		return nil, fmt.Errorf("%w Missing version.", ErrUnknownVersion)
	}
	return deltas, errors.Join(deltaErrs...)
}

// merges encoded batches into one equivalent batch.
// Only the envelope is walked; delta payloads are copied as bytes.
func Compact(batches ...[]byte) ([]byte, error) {
	n := 0
	for _, batch := range batches {
		n += len(batch)
	}
	out := make([]byte, 0, n)
	out = appendVarintField(out, batchVersionNum, WireVersion)
	for _, batch := range batches {
		versionSeen := false
		for b := batch; 0 < len(b); {
			num, typ, tagLen := protowire.ConsumeTag(b)
			if tagLen < 0 {
				return nil, fmt.Errorf("%w %s", ErrMalformedDelta, protowire.ParseError(tagLen))
			}
			valueLen := protowire.ConsumeFieldValue(num, typ, b[tagLen:])
			if valueLen < 0 {
				return nil, fmt.Errorf("%w %s", ErrMalformedDelta, protowire.ParseError(valueLen))
			}
			if num == batchVersionNum {
				version, err := wireVarint(num, typ, b[tagLen:tagLen+valueLen])
				if err != nil {
					return nil, err
				}
				if version != WireVersion {
					return nil, fmt.Errorf("%w %d", ErrUnknownVersion, version)
				}
				versionSeen = true
			} else {
				out = append(out, b[:tagLen+valueLen]...)
			}
			b = b[tagLen+valueLen:]
		}
		if !versionSeen {
			return nil, fmt.Errorf("%w Missing version.", ErrUnknownVersion)
		}
	}
	return out, nil
}

func encodeDelta(b []byte, delta *Delta) []byte {
	b = appendStringField(b, deltaClientIdNum, delta.Id.ClientId)
	b = appendVarintField(b, deltaCounterNum, delta.Id.Counter)
	b = appendStringField(b, deltaTargetNum, delta.Target)
	b = appendVarintField(b, deltaKindNum, uint64(delta.Kind))
	switch delta.Kind {
	case OpCreate:
		if delta.Element != nil {
			b = appendMessageField(b, deltaElementNum, func(e []byte) []byte {
				return encodeElement(e, delta.Element, false)
			})
		}
	case OpUpdate:
		b = appendVarintField(b, deltaFieldNum, uint64(delta.Field))
		b = appendDoubleField(b, deltaNumberNum, delta.Value.Number)
		b = appendStringField(b, deltaTextNum, delta.Value.Text)
		b = appendRepeatedStringField(b, deltaIdsNum, delta.Value.Ids)
		b = appendPointsField(b, deltaValuePointsNum, delta.Value.Points)
	case OpReorder:
		b = appendStringField(b, deltaZOrderNum, delta.ZOrder)
	case OpAppendPoints:
		b = appendPointsField(b, deltaAppendPointsNum, delta.Points)
	}
	return append(b, delta.unknown...)
}

func decodeDelta(b []byte) (*Delta, error) {
	delta := &Delta{}
	unknown, err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
		var err error
		switch num {
		case deltaClientIdNum:
			delta.Id.ClientId, err = wireString(num, typ, value)
		case deltaCounterNum:
			delta.Id.Counter, err = wireVarint(num, typ, value)
		case deltaTargetNum:
			delta.Target, err = wireString(num, typ, value)
		case deltaKindNum:
			var kind uint64
			kind, err = wireVarint(num, typ, value)
			delta.Kind = OpKind(kind)
		case deltaElementNum:
			var elementBytes []byte
			elementBytes, err = wireBytes(num, typ, value)
			if err == nil {
				delta.Element, err = decodeElement(elementBytes)
			}
		case deltaFieldNum:
			var field uint64
			field, err = wireVarint(num, typ, value)
			delta.Field = Field(field)
		case deltaNumberNum:
			delta.Value.Number, err = wireDouble(num, typ, value)
		case deltaTextNum:
			delta.Value.Text, err = wireString(num, typ, value)
		case deltaIdsNum:
			var id string
			id, err = wireString(num, typ, value)
			delta.Value.Ids = append(delta.Value.Ids, id)
		case deltaValuePointsNum:
			delta.Value.Points, err = wirePoints(num, typ, value)
		case deltaZOrderNum:
			delta.ZOrder, err = wireString(num, typ, value)
		case deltaAppendPointsNum:
			delta.Points, err = wirePoints(num, typ, value)
		default:
			return false, nil
		}
		return true, err
	})
	if err != nil {
		return nil, err
	}
	delta.unknown = unknown
	if delta.Kind == OpCreate && delta.Element != nil {
		delta.Element.Clock = delta.Id
	}
	return delta, nil
}

func encodeElement(b []byte, element *Element, withState bool) []byte {
	b = appendStringField(b, elementIdNum, element.Id)
	b = appendVarintField(b, elementKindNum, uint64(element.Kind))
	b = appendDoubleField(b, elementXNum, element.Geometry.X)
	b = appendDoubleField(b, elementYNum, element.Geometry.Y)
	b = appendDoubleField(b, elementWidthNum, element.Geometry.Width)
	b = appendDoubleField(b, elementHeightNum, element.Geometry.Height)
	b = appendDoubleField(b, elementRotationNum, element.Geometry.Rotation)
	b = appendPointsField(b, elementPointsNum, element.Geometry.Points)
	b = appendStringField(b, elementStrokeColorNum, element.Style.StrokeColor)
	b = appendStringField(b, elementFillColorNum, element.Style.FillColor)
	b = appendDoubleField(b, elementStrokeWidthNum, element.Style.StrokeWidth)
	b = appendDoubleField(b, elementOpacityNum, element.Style.Opacity)
	b = appendDoubleField(b, elementFontSizeNum, element.Style.FontSize)
	b = appendStringField(b, elementTextNum, element.Text)
	b = appendStringField(b, elementImageSourceNum, element.ImageSource)
	b = appendRepeatedStringField(b, elementChildrenNum, element.Children)
	b = appendStringField(b, elementZOrderNum, element.ZOrder)
	if withState {
		b = appendLogicalIdField(b, elementClockNum, element.Clock)
		b = appendLogicalIdField(b, elementVersionNum, element.Version)
		b = appendBoolField(b, elementDeletedNum, element.Deleted)
		b = appendLogicalIdField(b, elementDeleteClockNum, element.DeleteClock)
	}
	return append(b, element.unknown...)
}

func decodeElement(b []byte) (*Element, error) {
	element := &Element{}
	unknown, err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
		var err error
		switch num {
		case elementIdNum:
			element.Id, err = wireString(num, typ, value)
		case elementKindNum:
			var kind uint64
			kind, err = wireVarint(num, typ, value)
			element.Kind = ElementKind(kind)
		case elementXNum:
			element.Geometry.X, err = wireDouble(num, typ, value)
		case elementYNum:
			element.Geometry.Y, err = wireDouble(num, typ, value)
		case elementWidthNum:
			element.Geometry.Width, err = wireDouble(num, typ, value)
		case elementHeightNum:
			element.Geometry.Height, err = wireDouble(num, typ, value)
		case elementRotationNum:
			element.Geometry.Rotation, err = wireDouble(num, typ, value)
		case elementPointsNum:
			element.Geometry.Points, err = wirePoints(num, typ, value)
		case elementStrokeColorNum:
			element.Style.StrokeColor, err = wireString(num, typ, value)
		case elementFillColorNum:
			element.Style.FillColor, err = wireString(num, typ, value)
		case elementStrokeWidthNum:
			element.Style.StrokeWidth, err = wireDouble(num, typ, value)
		case elementOpacityNum:
			element.Style.Opacity, err = wireDouble(num, typ, value)
		case elementFontSizeNum:
			element.Style.FontSize, err = wireDouble(num, typ, value)
		case elementTextNum:
			element.Text, err = wireString(num, typ, value)
		case elementImageSourceNum:
			element.ImageSource, err = wireString(num, typ, value)
		case elementChildrenNum:
			var child string
			child, err = wireString(num, typ, value)
			element.Children = append(element.Children, child)
		case elementZOrderNum:
			element.ZOrder, err = wireString(num, typ, value)
		case elementClockNum:
			element.Clock, err = wireLogicalId(num, typ, value)
		case elementVersionNum:
			element.Version, err = wireLogicalId(num, typ, value)
		case elementDeletedNum:
			element.Deleted, err = wireBool(num, typ, value)
		case elementDeleteClockNum:
			element.DeleteClock, err = wireLogicalId(num, typ, value)
		default:
			return false, nil
		}
		return true, err
	})
	if err != nil {
		return nil, err
	}
	element.unknown = unknown
	return element, nil
}

// logical id {1: client id, 2: counter}
func appendLogicalIdField(b []byte, num protowire.Number, id LogicalId) []byte {
	if id.IsZero() {
		return b
	}
	return appendMessageField(b, num, func(e []byte) []byte {
		e = appendStringField(e, 1, id.ClientId)
		return appendVarintField(e, 2, id.Counter)
	})
}

func wireLogicalId(num protowire.Number, typ protowire.Type, value []byte) (LogicalId, error) {
	idBytes, err := wireBytes(num, typ, value)
	if err != nil {
		return LogicalId{}, err
	}
	var id LogicalId
	_, err = consumeFields(idBytes, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
		var err error
		switch num {
		case 1:
			id.ClientId, err = wireString(num, typ, value)
		case 2:
			id.Counter, err = wireVarint(num, typ, value)
		default:
			return false, nil
		}
		return true, err
	})
	return id, err
}

// the persisted form of `GetSnapshot` (or of the full state, tombstones included)
func EncodeSnapshot(elements []*Element, vector VersionVector) []byte {
	b := appendVarintField(nil, snapshotVersionNum, WireVersion)
	for _, element := range elements {
		b = appendMessageField(b, snapshotElementNum, func(e []byte) []byte {
			return encodeElement(e, element, true)
		})
	}
	return appendVersionVectorField(b, snapshotVectorNum, vector)
}

func DecodeSnapshot(b []byte) ([]*Element, VersionVector, error) {
	elements := []*Element{}
	vector := VersionVector{}
	versionSeen := false
	_, err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
		switch num {
		case snapshotVersionNum:
			version, err := wireVarint(num, typ, value)
			if err != nil {
				return true, err
			}
			if version != WireVersion {
				return true, fmt.Errorf("%w %d", ErrUnknownVersion, version)
			}
			versionSeen = true
			return true, nil
		case snapshotElementNum:
			elementBytes, err := wireBytes(num, typ, value)
			if err != nil {
				return true, err
			}
			element, err := decodeElement(elementBytes)
			if err != nil {
				return true, err
			}
			elements = append(elements, element)
			return true, nil
		case snapshotVectorNum:
			return true, consumeVersionVectorEntry(vector, num, typ, value)
		default:
			return false, nil
		}
	})
	if err != nil {
		return nil, nil, err
	}
	if !versionSeen {
		return nil, nil, fmt.Errorf("%w Missing version.", ErrUnknownVersion)
	}
	return elements, vector, nil
}
