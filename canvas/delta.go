package canvas

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var ErrMalformedDelta = errors.New("Malformed delta.")

type OpKind uint8

const (
	OpCreate       OpKind = 1
	OpUpdate       OpKind = 2
	OpDelete       OpKind = 3
	OpReorder      OpKind = 4
	OpAppendPoints OpKind = 5
)

func (self OpKind) Valid() bool {
	switch self {
	case OpCreate, OpUpdate, OpDelete, OpReorder, OpAppendPoints:
		return true
	default:
		return false
	}
}

func (self OpKind) String() string {
	switch self {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpReorder:
		return "reorder"
	case OpAppendPoints:
		return "append_points"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(self))
	}
}

// an operation without identity. History keeps these as templates and
// every emit assigns a fresh logical id.
type Op struct {
	Kind   OpKind
	Target string

	// OpCreate
	Element *Element
	// OpUpdate
	Field Field
	Value Value
	// OpReorder
	ZOrder string
	// OpAppendPoints
	Points []Point
}

func CreateOp(element *Element) Op {
	return Op{
		Kind:    OpCreate,
		Target:  element.Id,
		Element: element,
	}
}

func UpdateOp(target string, field Field, value Value) Op {
	return Op{
		Kind:   OpUpdate,
		Target: target,
		Field:  field,
		Value:  value,
	}
}

func DeleteOp(target string) Op {
	return Op{
		Kind:   OpDelete,
		Target: target,
	}
}

func ReorderOp(target string, zOrder string) Op {
	return Op{
		Kind:   OpReorder,
		Target: target,
		ZOrder: zOrder,
	}
}

func AppendPointsOp(target string, points ...Point) Op {
	return Op{
		Kind:   OpAppendPoints,
		Target: target,
		Points: points,
	}
}

func (self Op) Clone() Op {
	c := self
	if self.Element != nil {
		c.Element = self.Element.Clone()
	}
	c.Value = self.Value.Clone()
	c.Points = slices.Clone(self.Points)
	return c
}

// immutable once produced
type Delta struct {
	Id LogicalId
	Op

	// delta fields from newer peers, carried verbatim
	unknown []byte
}

func NewDelta(id LogicalId, op Op) *Delta {
	return &Delta{
		Id: id,
		Op: op,
	}
}

func (self *Delta) Origin() string {
	return self.Id.ClientId
}

func (self *Delta) String() string {
	return fmt.Sprintf("%s %s %s", self.Id, self.Kind, self.Target)
}

// checks the schema. A delta that fails validation is never applied.
func (self *Delta) Validate() error {
	if self.Id.Counter == 0 || self.Id.ClientId == "" {
		return fmt.Errorf("%w Missing logical id.", ErrMalformedDelta)
	}
	if self.Target == "" {
		return fmt.Errorf("%w Missing target.", ErrMalformedDelta)
	}
	switch self.Kind {
	case OpCreate:
		if self.Element == nil {
			return fmt.Errorf("%w Create without element.", ErrMalformedDelta)
		}
		if self.Element.Id != self.Target {
			return fmt.Errorf("%w Create target does not match element id.", ErrMalformedDelta)
		}
		if !self.Element.Kind.Valid() {
			return fmt.Errorf("%w Unknown element kind %d.", ErrMalformedDelta, self.Element.Kind)
		}
		if !finiteGeometry(&self.Element.Geometry) {
			return fmt.Errorf("%w Non-finite geometry.", ErrMalformedDelta)
		}
	case OpUpdate:
		if !self.Field.Valid() {
			return fmt.Errorf("%w Unknown field %d.", ErrMalformedDelta, self.Field)
		}
		if self.Field == FieldZOrder {
			return fmt.Errorf("%w Z order changes must be reorder ops.", ErrMalformedDelta)
		}
		if self.Field.ValueType() == ValueNumber && !finite(self.Value.Number) {
			return fmt.Errorf("%w Non-finite value.", ErrMalformedDelta)
		}
		if self.Field.ValueType() == ValuePoints && !finitePoints(self.Value.Points) {
			return fmt.Errorf("%w Non-finite points.", ErrMalformedDelta)
		}
	case OpDelete:
	case OpReorder:
	case OpAppendPoints:
		if len(self.Points) == 0 {
			return fmt.Errorf("%w Empty point append.", ErrMalformedDelta)
		}
		if !finitePoints(self.Points) {
			return fmt.Errorf("%w Non-finite points.", ErrMalformedDelta)
		}
	default:
		return fmt.Errorf("%w Unknown op kind %d.", ErrMalformedDelta, self.Kind)
	}
	return nil
}

// content equality. Two deltas with the same logical id must be equal.
func (self *Delta) Equal(b *Delta) bool {
	if self.Id != b.Id || self.Kind != b.Kind || self.Target != b.Target {
		return false
	}
	return slices.Equal(encodeDelta(nil, self), encodeDelta(nil, b))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finitePoints(points []Point) bool {
	for _, point := range points {
		if !finite(point.X) || !finite(point.Y) {
			return false
		}
	}
	return true
}

func finiteGeometry(geometry *Geometry) bool {
	return finite(geometry.X) &&
		finite(geometry.Y) &&
		finite(geometry.Width) &&
		finite(geometry.Height) &&
		finite(geometry.Rotation) &&
		finitePoints(geometry.Points)
}
