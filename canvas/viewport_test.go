package canvas

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/go-playground/assert/v2"
)

func assertNear(t *testing.T, expected float64, actual float64) {
	t.Helper()
	if 1e-9 < math.Abs(expected-actual) {
		t.Fatalf("Expected %f, got %f.", expected, actual)
	}
}

func assertRectNear(t *testing.T, expected Rect, actual Rect) {
	t.Helper()
	assertNear(t, expected.MinX, actual.MinX)
	assertNear(t, expected.MinY, actual.MinY)
	assertNear(t, expected.MaxX, actual.MaxX)
	assertNear(t, expected.MaxY, actual.MaxY)
}

func TestViewportRect(t *testing.T) {
	viewport := Viewport{
		X:      100,
		Y:      50,
		Width:  800,
		Height: 600,
		Scale:  2,
	}
	assert.Equal(t, Rect{MinX: 100, MinY: 50, MaxX: 500, MaxY: 350}, viewport.Rect())
	// the margin is in screen pixels
	assert.Equal(t, Rect{MinX: 90, MinY: 40, MaxX: 510, MaxY: 360}, viewport.Bounds(20))

	// no scale is 1
	viewport.Scale = 0
	assert.Equal(t, Rect{MinX: 100, MinY: 50, MaxX: 900, MaxY: 650}, viewport.Rect())

	a := Rect{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	assert.Equal(t, true, a.Intersects(Rect{MinX: 10, MinY: 10, MaxX: 20, MaxY: 20}))
	assert.Equal(t, false, a.Intersects(Rect{MinX: 10.5, MinY: 0, MaxX: 20, MaxY: 20}))
	assert.Equal(t, Rect{MinX: -5, MinY: 0, MaxX: 10, MaxY: 12}, a.Union(Rect{MinX: -5, MinY: 3, MaxX: 1, MaxY: 12}))
	assert.Equal(t, float64(10), a.Width())
	assert.Equal(t, float64(10), a.Height())
}

func TestElementBounds(t *testing.T) {
	rectangle := NewRectangle("r1", 0, 0, 100, 20)
	rectangle.Style.StrokeWidth = 2
	bounds, ok := ElementBounds(rectangle, nil)
	assert.Equal(t, true, ok)
	assert.Equal(t, Rect{MinX: -1, MinY: -1, MaxX: 101, MaxY: 21}, bounds)

	// a quarter turn about the center
	rectangle.Geometry.Rotation = math.Pi / 2
	bounds, ok = ElementBounds(rectangle, nil)
	assert.Equal(t, true, ok)
	assertRectNear(t, Rect{MinX: 39, MinY: -41, MaxX: 61, MaxY: 61}, bounds)

	// an eighth turn grows the box
	rectangle.Geometry.Rotation = math.Pi / 4
	bounds, _ = ElementBounds(rectangle, nil)
	half := (100 + 20) / 2 * math.Sqrt2 / 2
	assertRectNear(t, Rect{MinX: 50 - half - 1, MinY: 10 - half - 1, MaxX: 50 + half + 1, MaxY: 10 + half + 1}, bounds)

	path := NewFreehand("p1", Point{X: 5, Y: 5}, Point{X: -5, Y: 20}, Point{X: 10, Y: 0})
	path.Style.StrokeWidth = 4
	bounds, ok = ElementBounds(path, nil)
	assert.Equal(t, true, ok)
	assert.Equal(t, Rect{MinX: -7, MinY: -2, MaxX: 12, MaxY: 22}, bounds)

	_, ok = ElementBounds(NewFreehand("p2"), nil)
	assert.Equal(t, false, ok)
}

func TestElementBoundsGroup(t *testing.T) {
	a := NewRectangle("a", 0, 0, 10, 10)
	a.Style.StrokeWidth = 0
	b := NewRectangle("b", 100, 50, 10, 10)
	b.Style.StrokeWidth = 0
	inner := &Element{Id: "inner", Kind: KindGroup, Children: []string{"b", "missing"}}
	outer := &Element{Id: "outer", Kind: KindGroup, Children: []string{"a", "inner"}}
	// cycle
	loop := &Element{Id: "loop", Kind: KindGroup, Children: []string{"loop2"}}
	loop2 := &Element{Id: "loop2", Kind: KindGroup, Children: []string{"loop", "a"}}

	lookup := newElementLookup([]*Element{a, b, inner, outer, loop, loop2})

	bounds, ok := ElementBounds(outer, lookup)
	assert.Equal(t, true, ok)
	assert.Equal(t, Rect{MinX: 0, MinY: 0, MaxX: 110, MaxY: 60}, bounds)

	bounds, ok = ElementBounds(loop, lookup)
	assert.Equal(t, true, ok)
	assert.Equal(t, Rect{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}, bounds)

	_, ok = ElementBounds(&Element{Id: "empty", Kind: KindGroup}, lookup)
	assert.Equal(t, false, ok)
}

// a 100x100 grid of 10x10 rectangles spaced 20 apart
func testGrid(n int) []*Element {
	elements := []*Element{}
	for i := 0; i < n; i += 1 {
		for j := 0; j < n; j += 1 {
			element := NewRectangle(fmt.Sprintf("r%d_%d", i, j), float64(i*20), float64(j*20), 10, 10)
			element.Style.StrokeWidth = 0
			element.Version = testId(uint64(i*n+j+1), "a")
			elements = append(elements, element)
		}
	}
	return elements
}

func TestComputeVisible(t *testing.T) {
	elements := testGrid(100)
	viewport := Viewport{
		X:      0,
		Y:      0,
		Width:  195,
		Height: 95,
		Scale:  1,
	}

	visible := ComputeVisible(elements, viewport, 0)
	// columns 0..9, rows 0..4
	assert.Equal(t, 50, len(visible))
	// input order is kept
	assert.Equal(t, "r0_0", visible[0].Id)
	assert.Equal(t, "r9_4", visible[49].Id)

	// the margin brings in the next row and column
	visible = ComputeVisible(elements, viewport, 5)
	assert.Equal(t, 66, len(visible))

	// zoomed out, everything
	viewport.Scale = 0.01
	visible = ComputeVisible(elements, viewport, 0)
	assert.Equal(t, 10000, len(visible))
}

func TestVirtualizerOffload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultVirtualizerSettings()
	settings.Margin = 0
	settings.OffloadThreshold = 2000
	settings.ChunkSize = 512
	settings.Workers = 4
	virtualizer := NewVirtualizer(settings)

	elements := testGrid(100)
	viewport := Viewport{
		X:      1000,
		Y:      1000,
		Width:  400,
		Height: 300,
		Scale:  1,
	}

	visible, err := virtualizer.Compute(ctx, elements, viewport)
	assert.Equal(t, nil, err)
	expected := ComputeVisible(elements, viewport, 0)
	assert.Equal(t, len(expected), len(visible))
	for i, element := range expected {
		assert.Equal(t, element.Id, visible[i].Id)
	}
	assert.Equal(t, 10000, virtualizer.CacheLen())

	// the same versions hit the cache
	visible, err = virtualizer.Compute(ctx, elements, viewport)
	assert.Equal(t, nil, err)
	assert.Equal(t, len(expected), len(visible))
	assert.Equal(t, 10000, virtualizer.CacheLen())

	// a new version of a moved element is recomputed
	moved := elements[0].Clone()
	moved.Geometry.X = 1100
	moved.Geometry.Y = 1100
	moved.Version = testId(20000, "a")
	elements[0] = moved
	visible, err = virtualizer.Compute(ctx, elements, viewport)
	assert.Equal(t, nil, err)
	assert.Equal(t, len(expected)+1, len(visible))
	assert.Equal(t, "r0_0", visible[0].Id)

	done := make(chan []*Element, 1)
	virtualizer.Update(ctx, elements, viewport, func(visible []*Element) {
		done <- visible
	})
	visible = <-done
	assert.Equal(t, len(expected)+1, len(visible))
}

func TestVirtualizerInline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	virtualizer := NewVirtualizerWithDefaults()
	elements := testGrid(10)

	var visible []*Element
	virtualizer.Update(ctx, elements, Viewport{Width: 1000, Height: 1000, Scale: 1}, func(v []*Element) {
		visible = v
	})
	// small documents are computed on the caller
	assert.Equal(t, 100, len(visible))
}

func TestVirtualizerSuperseded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	virtualizer := NewVirtualizerWithDefaults()
	elements := testGrid(50)
	viewport := Viewport{Width: 100, Height: 100, Scale: 1}

	generation := virtualizer.generation.Add(1)
	// a newer request
	virtualizer.generation.Add(1)
	_, err := virtualizer.compute(ctx, generation, elements, viewport)
	assert.Equal(t, true, errors.Is(err, ErrSuperseded))

	// superseded updates never call back
	called := false
	virtualizer.generation.Add(1)
	cancel()
	virtualizer.Update(ctx, elements[:10], viewport, func(visible []*Element) {
		called = true
	})
	assert.Equal(t, false, called)

	_, err = virtualizer.Compute(ctx, elements, viewport)
	assert.Equal(t, true, errors.Is(err, context.Canceled))
}
