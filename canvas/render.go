package canvas

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
)

type RenderQuality string

const (
	QualityFull    RenderQuality = "full"
	QualityReduced RenderQuality = "reduced"
)

type RenderFrame struct {
	Seq      uint64
	Elements []*Element
	Quality  RenderQuality
}

type Renderer interface {
	Draw(frame *RenderFrame) error
}

type RenderFunction func(frame *RenderFrame) error

func (self RenderFunction) Draw(frame *RenderFrame) error {
	return self(frame)
}

// relative draw cost of one element at full quality
func RenderQualityCost(element *Element) float64 {
	switch element.Kind {
	case KindRectangle, KindEllipse:
		return 1
	case KindText:
		return 2
	case KindImage:
		return 4
	case KindFreehand, KindPolyline:
		return 1 + float64(len(element.Geometry.Points))/64
	case KindGroup:
		// children are drawn as their own elements
		return 0
	default:
		return 0
	}
}

type RenderSettings struct {
	FrameBudget time.Duration
	// visible cost above this drops to reduced quality
	ReduceCost float64
	// visible cost must fall below this to return to full quality
	RestoreCost float64
	// edits in the last second above this drop to reduced quality
	MaxEditRate int
	// consecutive frames over budget before dropping to reduced quality
	OverrunFrames int
	// consecutive frames within budget before returning to full quality
	RecoverFrames int
	Clock         clockwork.Clock
}

func DefaultRenderSettings() *RenderSettings {
	return &RenderSettings{
		FrameBudget:   16 * time.Millisecond,
		ReduceCost:    5000,
		RestoreCost:   3000,
		MaxEditRate:   120,
		OverrunFrames: 3,
		RecoverFrames: 30,
		Clock:         clockwork.NewRealClock(),
	}
}

// coalesces invalidations into at most one draw per frame budget.
// The latest visible set is always drawn eventually.
type RenderScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	renderer Renderer
	settings *RenderSettings

	stateLock sync.Mutex
	pending   []*Element
	dirty     bool
	scheduled bool
	drawing   bool
	lastDraw  time.Time
	seq       uint64
	quality   RenderQuality
	overruns  int
	onTime    int
	edits     []time.Time
}

func NewRenderSchedulerWithDefaults(ctx context.Context, renderer Renderer) *RenderScheduler {
	return NewRenderScheduler(ctx, renderer, DefaultRenderSettings())
}

func NewRenderScheduler(ctx context.Context, renderer Renderer, settings *RenderSettings) *RenderScheduler {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RenderScheduler{
		ctx:      cancelCtx,
		cancel:   cancel,
		renderer: renderer,
		settings: settings,
		quality:  QualityFull,
		edits:    []time.Time{},
	}
}

// marks the frame dirty with the latest visible set
func (self *RenderScheduler) Invalidate(visible []*Element) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.pending = visible
	self.dirty = true
	self.schedule()
}

// counts an edit toward the edit rate
func (self *RenderScheduler) NoteEdit() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.edits = append(self.edits, self.settings.Clock.Now())
}

// must be called with the state lock
func (self *RenderScheduler) schedule() {
	if self.scheduled || self.drawing || !self.dirty {
		return
	}
	select {
	case <-self.ctx.Done():
		return
	default:
	}
	self.scheduled = true
	delay := self.settings.FrameBudget - self.settings.Clock.Since(self.lastDraw)
	if delay <= 0 {
		go self.draw()
	} else {
		self.settings.Clock.AfterFunc(delay, self.draw)
	}
}

func (self *RenderScheduler) draw() {
	frame, ok := func() (*RenderFrame, bool) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.scheduled = false
		if !self.dirty {
			return nil, false
		}
		select {
		case <-self.ctx.Done():
			return nil, false
		default:
		}
		self.dirty = false
		self.drawing = true
		self.seq += 1
		self.updateQuality(self.pending)
		return &RenderFrame{
			Seq:      self.seq,
			Elements: self.pending,
			Quality:  self.quality,
		}, true
	}()
	if !ok {
		return
	}

	start := self.settings.Clock.Now()
	var drawErr error
	HandleError(func() {
		drawErr = self.renderer.Draw(frame)
	})
	if drawErr != nil {
		glog.Infof("[render]draw %d error = %s\n", frame.Seq, drawErr)
	}
	duration := self.settings.Clock.Since(start)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.drawing = false
	self.lastDraw = start
	if self.settings.FrameBudget < duration {
		self.overruns += 1
		self.onTime = 0
	} else {
		self.onTime += 1
		self.overruns = 0
	}
	self.schedule()
}

// must be called with the state lock
func (self *RenderScheduler) updateQuality(visible []*Element) {
	now := self.settings.Clock.Now()
	i := 0
	for i < len(self.edits) && time.Second <= now.Sub(self.edits[i]) {
		i += 1
	}
	self.edits = self.edits[i:]
	editRate := len(self.edits)

	cost := 0.0
	for _, element := range visible {
		cost += RenderQualityCost(element)
	}

	quality := self.quality
	switch self.quality {
	case QualityFull:
		if self.settings.ReduceCost < cost ||
			self.settings.MaxEditRate < editRate ||
			self.settings.OverrunFrames <= self.overruns {
			quality = QualityReduced
		}
	case QualityReduced:
		if cost < self.settings.RestoreCost &&
			editRate <= self.settings.MaxEditRate/2 &&
			self.settings.RecoverFrames <= self.onTime {
			quality = QualityFull
		}
	}
	if quality != self.quality {
		glog.Infof("[render]quality %s->%s cost=%.0f edits=%d overruns=%d\n", self.quality, quality, cost, editRate, self.overruns)
		self.quality = quality
		self.overruns = 0
		self.onTime = 0
	}
}

func (self *RenderScheduler) Quality() RenderQuality {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.quality
}

// number of frames drawn
func (self *RenderScheduler) Frames() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.seq
}

func (self *RenderScheduler) Close() {
	self.cancel()
}
