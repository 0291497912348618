package canvas

import (
	"context"
	"errors"
	"math"
	"sync/atomic"

	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// a newer viewport or document replaced the request
var ErrSuperseded = errors.New("Superseded.")

// axis aligned, canvas coordinates
type Rect struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

func (self Rect) Width() float64 {
	return self.MaxX - self.MinX
}

func (self Rect) Height() float64 {
	return self.MaxY - self.MinY
}

// edges touching counts as intersecting
func (self Rect) Intersects(b Rect) bool {
	return self.MinX <= b.MaxX && b.MinX <= self.MaxX &&
		self.MinY <= b.MaxY && b.MinY <= self.MaxY
}

func (self Rect) Union(b Rect) Rect {
	return Rect{
		MinX: min(self.MinX, b.MinX),
		MinY: min(self.MinY, b.MinY),
		MaxX: max(self.MaxX, b.MaxX),
		MaxY: max(self.MaxY, b.MaxY),
	}
}

func (self Rect) Expand(d float64) Rect {
	return Rect{
		MinX: self.MinX - d,
		MinY: self.MinY - d,
		MaxX: self.MaxX + d,
		MaxY: self.MaxY + d,
	}
}

// the visible window. `X`, `Y` is the top left in canvas coordinates;
// `Width`, `Height` are in screen pixels.
type Viewport struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
	// screen pixels per canvas unit
	Scale float64
}

func (self Viewport) scale() float64 {
	if self.Scale <= 0 {
		return 1
	}
	return self.Scale
}

func (self Viewport) Rect() Rect {
	scale := self.scale()
	return Rect{
		MinX: self.X,
		MinY: self.Y,
		MaxX: self.X + self.Width/scale,
		MaxY: self.Y + self.Height/scale,
	}
}

// the viewport grown by `margin` screen pixels on each side
func (self Viewport) Bounds(margin float64) Rect {
	return self.Rect().Expand(margin / self.scale())
}

type ElementLookupFunction func(elementId string) (*Element, bool)

// the axis aligned bounding box of the element including its stroke.
// Returns false when the element has no extent (an empty path or group).
func ElementBounds(element *Element, lookup ElementLookupFunction) (Rect, bool) {
	return elementBounds(element, lookup, map[string]bool{})
}

func elementBounds(element *Element, lookup ElementLookupFunction, visited map[string]bool) (Rect, bool) {
	switch element.Kind {
	case KindRectangle, KindEllipse, KindText, KindImage:
		return boxBounds(element), true
	case KindFreehand, KindPolyline:
		return pathBounds(element)
	case KindGroup:
		if visited[element.Id] {
			// membership cycle
			return Rect{}, false
		}
		visited[element.Id] = true
		var bounds Rect
		found := false
		for _, childId := range element.Children {
			child, ok := lookup(childId)
			if !ok {
				continue
			}
			childBounds, ok := elementBounds(child, lookup, visited)
			if !ok {
				continue
			}
			if found {
				bounds = bounds.Union(childBounds)
			} else {
				bounds = childBounds
				found = true
			}
		}
		return bounds, found
	default:
		return Rect{}, false
	}
}

// rotation is in radians about the box center
func boxBounds(element *Element) Rect {
	g := &element.Geometry
	halfWidth := math.Abs(g.Width) / 2
	halfHeight := math.Abs(g.Height) / 2
	cx := g.X + g.Width/2
	cy := g.Y + g.Height/2
	if g.Rotation != 0 {
		sin := math.Abs(math.Sin(g.Rotation))
		cos := math.Abs(math.Cos(g.Rotation))
		halfWidth, halfHeight = halfWidth*cos+halfHeight*sin, halfWidth*sin+halfHeight*cos
	}
	stroke := math.Abs(element.Style.StrokeWidth) / 2
	return Rect{
		MinX: cx - halfWidth,
		MinY: cy - halfHeight,
		MaxX: cx + halfWidth,
		MaxY: cy + halfHeight,
	}.Expand(stroke)
}

func pathBounds(element *Element) (Rect, bool) {
	points := element.Geometry.Points
	if len(points) == 0 {
		return Rect{}, false
	}
	bounds := Rect{
		MinX: points[0].X,
		MinY: points[0].Y,
		MaxX: points[0].X,
		MaxY: points[0].Y,
	}
	for _, point := range points[1:] {
		bounds.MinX = min(bounds.MinX, point.X)
		bounds.MinY = min(bounds.MinY, point.Y)
		bounds.MaxX = max(bounds.MaxX, point.X)
		bounds.MaxY = max(bounds.MaxY, point.Y)
	}
	return bounds.Expand(math.Abs(element.Style.StrokeWidth) / 2), true
}

// the elements whose bounds intersect the viewport grown by `margin`, in input order
func ComputeVisible(elements []*Element, viewport Viewport, margin float64) []*Element {
	lookup := newElementLookup(elements)
	window := viewport.Bounds(margin)
	visible := []*Element{}
	for _, element := range elements {
		if bounds, ok := ElementBounds(element, lookup); ok && bounds.Intersects(window) {
			visible = append(visible, element)
		}
	}
	return visible
}

func newElementLookup(elements []*Element) ElementLookupFunction {
	elementsById := make(map[string]*Element, len(elements))
	for _, element := range elements {
		elementsById[element.Id] = element
	}
	return func(elementId string) (*Element, bool) {
		element, ok := elementsById[elementId]
		return element, ok
	}
}

type VirtualizerSettings struct {
	// screen pixels
	Margin float64
	// documents with at least this many elements are computed off the caller
	OffloadThreshold int
	ChunkSize        int
	Workers          int
	// bounds cached by element version
	CacheSize int
}

func DefaultVirtualizerSettings() *VirtualizerSettings {
	return &VirtualizerSettings{
		Margin:           256,
		OffloadThreshold: 2000,
		ChunkSize:        1024,
		Workers:          4,
		CacheSize:        16 * 1024,
	}
}

type boundsKey struct {
	elementId string
	version   LogicalId
}

type boundsEntry struct {
	bounds Rect
	ok     bool
}

type VisibleFunction func(visible []*Element)

// computes the visible set. Bounds are cached per element version.
// Only the latest request is ever delivered.
type Virtualizer struct {
	settings   *VirtualizerSettings
	cache      *lru.Cache[boundsKey, boundsEntry]
	generation atomic.Uint64
}

func NewVirtualizerWithDefaults() *Virtualizer {
	return NewVirtualizer(DefaultVirtualizerSettings())
}

func NewVirtualizer(settings *VirtualizerSettings) *Virtualizer {
	cache, err := lru.New[boundsKey, boundsEntry](max(1, settings.CacheSize))
	if err != nil {
		panic(err)
	}
	return &Virtualizer{
		settings: settings,
		cache:    cache,
	}
}

// computes synchronously. Returns `ErrSuperseded` if a newer request started meanwhile.
func (self *Virtualizer) Compute(ctx context.Context, elements []*Element, viewport Viewport) ([]*Element, error) {
	generation := self.generation.Add(1)
	return self.compute(ctx, generation, elements, viewport)
}

// computes inline for small documents, otherwise on a worker goroutine.
// `callback` is skipped when the request is superseded.
func (self *Virtualizer) Update(ctx context.Context, elements []*Element, viewport Viewport, callback VisibleFunction) {
	generation := self.generation.Add(1)
	if len(elements) < self.settings.OffloadThreshold {
		if visible, err := self.compute(ctx, generation, elements, viewport); err == nil {
			callback(visible)
		}
		return
	}
	go HandleError(func() {
		visible, err := self.compute(ctx, generation, elements, viewport)
		if err != nil {
			glog.V(2).Infof("[v]drop generation=%d = %s\n", generation, err)
			return
		}
		callback(visible)
	})
}

func (self *Virtualizer) compute(ctx context.Context, generation uint64, elements []*Element, viewport Viewport) ([]*Element, error) {
	lookup := newElementLookup(elements)
	window := viewport.Bounds(self.settings.Margin)
	hits := make([]bool, len(elements))

	computeRange := func(i int, j int) error {
		for k := i; k < j; k += 1 {
			if k%256 == 0 {
				if err := self.check(ctx, generation); err != nil {
					return err
				}
			}
			if bounds, ok := self.bounds(elements[k], lookup); ok {
				hits[k] = bounds.Intersects(window)
			}
		}
		return nil
	}

	if len(elements) < self.settings.OffloadThreshold {
		if err := computeRange(0, len(elements)); err != nil {
			return nil, err
		}
	} else {
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(max(1, self.settings.Workers))
		chunkSize := max(1, self.settings.ChunkSize)
		for i := 0; i < len(elements); i += chunkSize {
			i := i
			j := min(i+chunkSize, len(elements))
			group.Go(func() error {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				return computeRange(i, j)
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
	}

	if err := self.check(ctx, generation); err != nil {
		return nil, err
	}
	visible := []*Element{}
	for k, element := range elements {
		if hits[k] {
			visible = append(visible, element)
		}
	}
	return visible, nil
}

func (self *Virtualizer) check(ctx context.Context, generation uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if self.generation.Load() != generation {
		return ErrSuperseded
	}
	return nil
}

// group bounds depend on their children and are never cached.
// Elements that were never applied to a store have no version and are not cached.
func (self *Virtualizer) bounds(element *Element, lookup ElementLookupFunction) (Rect, bool) {
	if element.Kind == KindGroup || element.Version.IsZero() {
		return ElementBounds(element, lookup)
	}
	key := boundsKey{
		elementId: element.Id,
		version:   element.Version,
	}
	if entry, ok := self.cache.Get(key); ok {
		return entry.bounds, entry.ok
	}
	bounds, ok := ElementBounds(element, lookup)
	self.cache.Add(key, boundsEntry{
		bounds: bounds,
		ok:     ok,
	})
	return bounds, ok
}

func (self *Virtualizer) CacheLen() int {
	return self.cache.Len()
}
