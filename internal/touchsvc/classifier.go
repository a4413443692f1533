package touchsvc

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// State is the interaction mode of the classifier.
type State uint8

const (
	StateIdle State = iota
	StatePointerDrag
	StateMultiGesture
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePointerDrag:
		return "pointer-drag"
	case StateMultiGesture:
		return "multi-gesture"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ButtonEvent is one synthetic button state change.
type ButtonEvent struct {
	Code    uint16
	Pressed bool
}

// Plan is the transient per-frame output of the classifier: the synthetic
// changes to emit, consumed immediately by the emitter. Motion and scroll
// values are in physical device coordinates; the emitter scales them.
type Plan struct {
	DX, DY float64

	// ScrollY/ScrollX carry the averaged displacement that produced a wheel
	// detent; Wheel/HWheel are the detents themselves.
	ScrollY, ScrollX float64
	Wheel, HWheel    int32

	Buttons []ButtonEvent
}

func (p Plan) Empty() bool {
	return p.DX == 0 && p.DY == 0 && p.Wheel == 0 && p.HWheel == 0 && len(p.Buttons) == 0
}

type liftRecord struct {
	contact Contact
	// silent lifts come from the liveness reaper, not the hardware, and
	// never produce tap clicks.
	silent bool
}

// Classifier is the state machine that turns assembled frames into emission
// plans. It exclusively owns the slot table.
type Classifier struct {
	log   *zap.Logger
	table *SlotTable

	state State

	// touch-cycle bookkeeping for tap gestures. A cycle spans from the
	// first finger landing on an empty pad until that finger lifts.
	inCycle     bool
	primarySlot int
	cycleStart  time.Time
	movedFar    bool

	// identity of the contact driving a pointer drag
	dragSlot     int
	dragTracking int32

	touchHeld   bool
	gestureHeld bool
	dragHeld    bool

	lastClick  time.Time
	clickCount int

	lastSpeed float64
	lastMove  time.Time
}

func NewClassifier(log *zap.Logger, table *SlotTable) *Classifier {
	return &Classifier{
		log:         log,
		table:       table,
		primarySlot: -1,
		dragSlot:    -1,
	}
}

func (c *Classifier) State() State {
	return c.state
}

// Classify applies a frame to the slot table and computes the emission
// plans for it. Plans must be emitted in order, each terminated by one sync
// marker. A ErrProtocolViolation rejects the whole frame with no state
// change.
func (c *Classifier) Classify(frame Frame, pol Policy) ([]Plan, error) {
	if err := c.validate(frame, pol); err != nil {
		return nil, err
	}

	var plans []Plan
	var lifted []liftRecord

	for i := range frame.Updates {
		upd := frame.Updates[i]
		if upd.Tracking != nil && *upd.Tracking < 0 {
			if done, ok := c.table.Release(upd.Slot); ok {
				lifted = append(lifted, liftRecord{contact: done})
			}
			// a lift-only update for an unknown slot is a no-op
			continue
		}
		if upd.Tracking != nil {
			prev, ok := c.table.Get(upd.Slot)
			fresh := !ok || prev.TrackingID != *upd.Tracking
			if err := c.table.Begin(upd.Slot, *upd.Tracking, frame.Time); err != nil {
				return nil, err
			}
			if fresh {
				c.onTouchDown(upd.Slot, frame.Time, pol, &plans)
			}
		}
		if upd.X != nil || upd.Y != nil {
			if err := c.table.Upsert(upd.Slot, upd.X, upd.Y, frame.Time); err != nil {
				return nil, err
			}
		}
	}

	for _, dead := range c.table.Reap(frame.Time, pol.LivenessTimeout.Std()) {
		c.log.Debug("Reaped stale contact", zap.Int("slot", dead.Slot))
		lifted = append(lifted, liftRecord{contact: dead, silent: true})
	}

	for _, l := range lifted {
		c.onLift(l, frame.Time, pol, &plans)
	}

	active := c.table.Active()
	switch len(active) {
	case 0:
		c.endMotion(&plans)
	case 1:
		c.classifySingle(active[0], frame.Time, pol, &plans)
	default:
		c.classifyMulti(active, frame.Time, pol, &plans)
	}

	c.table.Commit()
	return plans, nil
}

// validate rejects a frame that would leave more tenancies open than the
// policy allows. Evaluated before any mutation so a rejected frame leaves
// no partial state behind.
func (c *Classifier) validate(frame Frame, pol Policy) error {
	opens, closes := 0, 0
	for _, upd := range frame.Updates {
		if upd.Slot < 0 || upd.Slot >= c.table.Capacity() {
			return fmt.Errorf("%w: slot %d out of range", ErrProtocolViolation, upd.Slot)
		}
		_, ok := c.table.Get(upd.Slot)
		switch {
		case upd.Tracking == nil:
		case *upd.Tracking < 0:
			if ok {
				closes++
			}
		default:
			if !ok {
				opens++
			}
		}
	}
	current := 0
	for slot := 0; slot < c.table.Capacity(); slot++ {
		if _, ok := c.table.Get(slot); ok {
			current++
		}
	}
	max := pol.MaxSlots
	if max <= 0 || max > c.table.Capacity() {
		max = c.table.Capacity()
	}
	if current+opens-closes > max {
		return fmt.Errorf("%w: frame would track %d contacts, limit %d",
			ErrProtocolViolation, current+opens-closes, max)
	}
	return nil
}

func (c *Classifier) onTouchDown(slot int, t time.Time, pol Policy, plans *[]Plan) {
	if !c.inCycle {
		c.inCycle = true
		c.primarySlot = slot
		c.cycleStart = t
		c.movedFar = false
		if pol.TapClicks && c.clickCount == 1 && t.Sub(c.lastClick) < pol.DoubleClickTimeout.Std() && !c.dragHeld {
			// second touch shortly after a tap: hold the button for a drag
			c.dragHeld = true
			*plans = append(*plans, Plan{Buttons: []ButtonEvent{{BtnLeft, true}}})
			c.log.Debug("Double-tap drag started", zap.Int("slot", slot))
		}
		return
	}
	// a second finger landing cancels a held drag
	if c.dragHeld {
		c.dragHeld = false
		*plans = append(*plans, Plan{Buttons: []ButtonEvent{{BtnLeft, false}}})
		c.log.Debug("Drag cancelled by second finger", zap.Int("slot", slot))
	}
}

func (c *Classifier) onLift(l liftRecord, t time.Time, pol Policy, plans *[]Plan) {
	isPrimary := c.inCycle && l.contact.Slot == c.primarySlot
	duration := t.Sub(l.contact.FirstSeen)

	if !l.silent && !isPrimary && pol.TapClicks && !c.movedFar && duration < pol.RightClickTap.Std() {
		*plans = append(*plans,
			Plan{Buttons: []ButtonEvent{{BtnRight, true}}},
			Plan{Buttons: []ButtonEvent{{BtnRight, false}}},
		)
		c.log.Debug("Right-click tap", zap.Int("slot", l.contact.Slot))
	}

	if !isPrimary {
		return
	}
	if !l.silent && pol.TapClicks && !c.dragHeld && !c.movedFar && t.Sub(c.cycleStart) < pol.ClickTime.Std() {
		*plans = append(*plans,
			Plan{Buttons: []ButtonEvent{{BtnLeft, true}}},
			Plan{Buttons: []ButtonEvent{{BtnLeft, false}}},
		)
		if t.Sub(c.lastClick) < pol.DoubleClickTimeout.Std() {
			c.clickCount++
		} else {
			c.clickCount = 1
		}
		c.lastClick = t
		c.log.Debug("Tap click", zap.Int("count", c.clickCount))
	}
	if c.dragHeld {
		c.dragHeld = false
		*plans = append(*plans, Plan{Buttons: []ButtonEvent{{BtnLeft, false}}})
	}
	c.inCycle = false
	c.primarySlot = -1
}

// endMotion finalizes any in-flight drag or gesture. The release events are
// queued before anything the next state emits.
func (c *Classifier) endMotion(plans *[]Plan) {
	if c.touchHeld {
		c.touchHeld = false
		*plans = append(*plans, Plan{Buttons: []ButtonEvent{
			{BtnTouch, false},
			{BtnToolFinger, false},
		}})
	}
	if c.gestureHeld {
		c.gestureHeld = false
		*plans = append(*plans, Plan{Buttons: []ButtonEvent{{BtnToolDoubleTap, false}}})
	}
	c.state = StateIdle
	c.dragSlot = -1
}

func (c *Classifier) classifySingle(ct *Contact, t time.Time, pol Policy, plans *[]Plan) {
	if c.state == StateMultiGesture {
		// A finger lifted out of a multi-touch gesture must not be misread
		// as continued dragging by the remaining finger: restart it as a
		// fresh drag candidate measured from where it is now.
		c.endMotion(plans)
		c.table.Rebase(ct.Slot, t)
	}
	if c.state == StatePointerDrag && (ct.Slot != c.dragSlot || ct.TrackingID != c.dragTracking) {
		// the dragging finger was replaced within a single frame
		c.endMotion(plans)
	}

	switch c.state {
	case StateIdle:
		if ct.Displacement() <= pol.MoveThreshold {
			return
		}
		c.state = StatePointerDrag
		c.dragSlot = ct.Slot
		c.dragTracking = ct.TrackingID
		c.movedFar = true
		c.touchHeld = true
		plan := Plan{Buttons: []ButtonEvent{
			{BtnToolFinger, true},
			{BtnTouch, true},
		}}
		c.fillMotion(&plan, float64(ct.X-ct.OriginX), float64(ct.Y-ct.OriginY), t, pol)
		*plans = append(*plans, plan)
	case StatePointerDrag:
		dx, dy := ct.FrameDelta()
		if dx == 0 && dy == 0 {
			// no wasted sync cycles on a zero delta
			return
		}
		c.movedFar = true
		var plan Plan
		c.fillMotion(&plan, dx, dy, t, pol)
		*plans = append(*plans, plan)
	}
}

func (c *Classifier) classifyMulti(active []*Contact, t time.Time, pol Policy, plans *[]Plan) {
	if c.state == StatePointerDrag {
		c.endMotion(plans)
	}
	if c.state != StateMultiGesture {
		c.state = StateMultiGesture
		c.gestureHeld = true
		*plans = append(*plans, Plan{Buttons: []ButtonEvent{{BtnToolDoubleTap, true}}})
	}

	// Average the per-frame displacement of every contact that already
	// existed last frame. Averaging damps the noise of asynchronous
	// per-finger reporting; fingers that just landed contribute nothing.
	var sumX, sumY float64
	n := 0
	for _, ct := range active {
		if ct.FirstSeen.Equal(t) {
			continue
		}
		dx, dy := ct.FrameDelta()
		sumX += dx
		sumY += dy
		n++
	}
	if n == 0 {
		return
	}
	avgX := sumX / float64(n)
	avgY := sumY / float64(n)
	if math.Abs(avgX) > pol.MoveThreshold || math.Abs(avgY) > pol.MoveThreshold {
		c.movedFar = true
	}

	vert, horiz := avgY, avgX
	if pol.SwapAxes {
		vert, horiz = avgX, avgY
	}

	var plan Plan
	if math.Abs(vert) > pol.ScrollThreshold {
		plan.ScrollY = vert
		plan.Wheel = wheelDetent(vert, pol.NaturalScroll)
	}
	if pol.HorizontalScroll && math.Abs(horiz) > pol.ScrollThreshold {
		plan.ScrollX = horiz
		plan.HWheel = wheelDetent(horiz, pol.NaturalScroll)
	}
	if !plan.Empty() {
		*plans = append(*plans, plan)
	}
}

func wheelDetent(delta float64, natural bool) int32 {
	v := int32(-1)
	if delta < 0 {
		v = 1
	}
	if natural {
		v = -v
	}
	return v
}

func (c *Classifier) fillMotion(plan *Plan, dx, dy float64, t time.Time, pol Policy) {
	if pol.SwapAxes {
		dx, dy = dy, dx
	}
	mult := c.accelMultiplier(dx, dy, t, pol.Accel)
	plan.DX = dx * mult
	plan.DY = dy * mult
}

// accelMultiplier scales cursor movement with finger speed, smoothed with
// an exponential moving average so single fast frames do not spike.
func (c *Classifier) accelMultiplier(dx, dy float64, t time.Time, pol AccelPolicy) float64 {
	if !pol.Enabled {
		return 1
	}
	last := c.lastMove
	c.lastMove = t
	if last.IsZero() {
		return 1
	}
	dt := t.Sub(last)
	if dt <= pol.MinTimeDelta.Std() {
		return 1
	}
	const speedAlpha = 0.3
	speed := math.Hypot(dx, dy) / dt.Seconds()
	c.lastSpeed = c.lastSpeed*(1-speedAlpha) + speed*speedAlpha
	mult := 1 + c.lastSpeed*pol.Factor
	if mult > pol.MaxMultiplier {
		mult = pol.MaxMultiplier
	}
	return mult
}

// Flush releases everything the classifier still holds down. Called on
// shutdown so the virtual device is never left in a stuck-pressed state.
func (c *Classifier) Flush() []Plan {
	var plans []Plan
	if c.dragHeld {
		c.dragHeld = false
		plans = append(plans, Plan{Buttons: []ButtonEvent{{BtnLeft, false}}})
	}
	c.endMotion(&plans)
	c.inCycle = false
	c.primarySlot = -1
	return plans
}
