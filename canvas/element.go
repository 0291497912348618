package canvas

import (
	"fmt"
	"slices"
)

// closed set of element kinds. Every switch on kind must be exhaustive;
// adding a kind means adding a case to `Valid`, `String`, `ElementBounds` and `RenderQualityCost`.
type ElementKind uint8

const (
	KindRectangle ElementKind = 1
	KindEllipse   ElementKind = 2
	KindFreehand  ElementKind = 3
	KindPolyline  ElementKind = 4
	KindText      ElementKind = 5
	KindImage     ElementKind = 6
	KindGroup     ElementKind = 7
)

func (self ElementKind) Valid() bool {
	switch self {
	case KindRectangle, KindEllipse, KindFreehand, KindPolyline, KindText, KindImage, KindGroup:
		return true
	default:
		return false
	}
}

func (self ElementKind) String() string {
	switch self {
	case KindRectangle:
		return "rectangle"
	case KindEllipse:
		return "ellipse"
	case KindFreehand:
		return "freehand-path"
	case KindPolyline:
		return "polyline"
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindGroup:
		return "group"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(self))
	}
}

// kinds whose geometry is the point list
func (self ElementKind) IsPath() bool {
	switch self {
	case KindFreehand, KindPolyline:
		return true
	default:
		return false
	}
}

type ValueType int

const (
	ValueNumber ValueType = 1
	ValueText   ValueType = 2
	ValueIds    ValueType = 3
	ValuePoints ValueType = 4
)

// each field of an element is merged independently (last writer wins by logical id)
type Field uint8

const (
	FieldX           Field = 1
	FieldY           Field = 2
	FieldWidth       Field = 3
	FieldHeight      Field = 4
	FieldRotation    Field = 5
	FieldStrokeColor Field = 6
	FieldFillColor   Field = 7
	FieldStrokeWidth Field = 8
	FieldOpacity     Field = 9
	FieldText        Field = 10
	FieldFontSize    Field = 11
	FieldImageSource Field = 12
	FieldChildren    Field = 13
	FieldPoints      Field = 14
	FieldZOrder      Field = 15
)

var AllFields = []Field{
	FieldX,
	FieldY,
	FieldWidth,
	FieldHeight,
	FieldRotation,
	FieldStrokeColor,
	FieldFillColor,
	FieldStrokeWidth,
	FieldOpacity,
	FieldText,
	FieldFontSize,
	FieldImageSource,
	FieldChildren,
	FieldPoints,
	FieldZOrder,
}

func (self Field) Valid() bool {
	return FieldX <= self && self <= FieldZOrder
}

func (self Field) ValueType() ValueType {
	switch self {
	case FieldStrokeColor, FieldFillColor, FieldText, FieldImageSource, FieldZOrder:
		return ValueText
	case FieldChildren:
		return ValueIds
	case FieldPoints:
		return ValuePoints
	default:
		return ValueNumber
	}
}

// fields that move the bounding box
func (self Field) IsGeometry() bool {
	switch self {
	case FieldX, FieldY, FieldWidth, FieldHeight, FieldRotation, FieldPoints, FieldChildren:
		return true
	default:
		return false
	}
}

func (self Field) String() string {
	switch self {
	case FieldX:
		return "x"
	case FieldY:
		return "y"
	case FieldWidth:
		return "width"
	case FieldHeight:
		return "height"
	case FieldRotation:
		return "rotation"
	case FieldStrokeColor:
		return "stroke_color"
	case FieldFillColor:
		return "fill_color"
	case FieldStrokeWidth:
		return "stroke_width"
	case FieldOpacity:
		return "opacity"
	case FieldText:
		return "text"
	case FieldFontSize:
		return "font_size"
	case FieldImageSource:
		return "image_source"
	case FieldChildren:
		return "children"
	case FieldPoints:
		return "points"
	case FieldZOrder:
		return "z_order"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(self))
	}
}

type Point struct {
	X float64
	Y float64
}

// only the member matching the field's `ValueType` is meaningful
type Value struct {
	Number float64
	Text   string
	Ids    []string
	Points []Point
}

func NumberValue(number float64) Value {
	return Value{Number: number}
}

func TextValue(text string) Value {
	return Value{Text: text}
}

func IdsValue(ids ...string) Value {
	return Value{Ids: ids}
}

func PointsValue(points ...Point) Value {
	return Value{Points: points}
}

func (self Value) Clone() Value {
	return Value{
		Number: self.Number,
		Text:   self.Text,
		Ids:    slices.Clone(self.Ids),
		Points: slices.Clone(self.Points),
	}
}

func (self Value) Equal(b Value) bool {
	return self.Number == b.Number &&
		self.Text == b.Text &&
		slices.Equal(self.Ids, b.Ids) &&
		slices.Equal(self.Points, b.Points)
}

type Geometry struct {
	X        float64
	Y        float64
	Width    float64
	Height   float64
	Rotation float64
	// freehand and polyline points, absolute canvas coordinates
	Points []Point
}

type Style struct {
	StrokeColor string
	FillColor   string
	StrokeWidth float64
	Opacity     float64
	FontSize    float64
}

type Element struct {
	Id       string
	Kind     ElementKind
	Geometry Geometry
	Style    Style

	Text        string
	ImageSource string
	// group members
	Children []string
	// fractional index token; elements draw in (ZOrder, Id) order
	ZOrder string

	// logical id of the create
	Clock LogicalId
	// greatest logical id applied to this element
	Version LogicalId

	Deleted     bool
	DeleteClock LogicalId

	// element fields from newer peers, carried verbatim
	unknown []byte
}

func (self *Element) Clone() *Element {
	c := *self
	c.Geometry.Points = slices.Clone(self.Geometry.Points)
	c.Children = slices.Clone(self.Children)
	c.unknown = slices.Clone(self.unknown)
	return &c
}

func (self *Element) FieldValue(field Field) Value {
	switch field {
	case FieldX:
		return NumberValue(self.Geometry.X)
	case FieldY:
		return NumberValue(self.Geometry.Y)
	case FieldWidth:
		return NumberValue(self.Geometry.Width)
	case FieldHeight:
		return NumberValue(self.Geometry.Height)
	case FieldRotation:
		return NumberValue(self.Geometry.Rotation)
	case FieldStrokeColor:
		return TextValue(self.Style.StrokeColor)
	case FieldFillColor:
		return TextValue(self.Style.FillColor)
	case FieldStrokeWidth:
		return NumberValue(self.Style.StrokeWidth)
	case FieldOpacity:
		return NumberValue(self.Style.Opacity)
	case FieldText:
		return TextValue(self.Text)
	case FieldFontSize:
		return NumberValue(self.Style.FontSize)
	case FieldImageSource:
		return TextValue(self.ImageSource)
	case FieldChildren:
		return IdsValue(slices.Clone(self.Children)...)
	case FieldPoints:
		return PointsValue(slices.Clone(self.Geometry.Points)...)
	case FieldZOrder:
		return TextValue(self.ZOrder)
	default:
		return Value{}
	}
}

func (self *Element) SetFieldValue(field Field, value Value) {
	switch field {
	case FieldX:
		self.Geometry.X = value.Number
	case FieldY:
		self.Geometry.Y = value.Number
	case FieldWidth:
		self.Geometry.Width = value.Number
	case FieldHeight:
		self.Geometry.Height = value.Number
	case FieldRotation:
		self.Geometry.Rotation = value.Number
	case FieldStrokeColor:
		self.Style.StrokeColor = value.Text
	case FieldFillColor:
		self.Style.FillColor = value.Text
	case FieldStrokeWidth:
		self.Style.StrokeWidth = value.Number
	case FieldOpacity:
		self.Style.Opacity = value.Number
	case FieldText:
		self.Text = value.Text
	case FieldFontSize:
		self.Style.FontSize = value.Number
	case FieldImageSource:
		self.ImageSource = value.Text
	case FieldChildren:
		self.Children = slices.Clone(value.Ids)
	case FieldPoints:
		self.Geometry.Points = slices.Clone(value.Points)
	case FieldZOrder:
		self.ZOrder = value.Text
	}
}

// elements draw in z order, ties broken by id
func CompareDrawOrder(a *Element, b *Element) int {
	if a.ZOrder < b.ZOrder {
		return -1
	} else if b.ZOrder < a.ZOrder {
		return 1
	}
	if a.Id < b.Id {
		return -1
	} else if b.Id < a.Id {
		return 1
	}
	return 0
}

func NewRectangle(id string, x float64, y float64, width float64, height float64) *Element {
	return &Element{
		Id:   id,
		Kind: KindRectangle,
		Geometry: Geometry{
			X:      x,
			Y:      y,
			Width:  width,
			Height: height,
		},
		Style: Style{
			StrokeColor: "#000000",
			StrokeWidth: 1,
			Opacity:     1,
		},
	}
}

func NewFreehand(id string, points ...Point) *Element {
	return &Element{
		Id:   id,
		Kind: KindFreehand,
		Geometry: Geometry{
			Points: points,
		},
		Style: Style{
			StrokeColor: "#000000",
			StrokeWidth: 2,
			Opacity:     1,
		},
	}
}
