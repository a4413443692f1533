package touchsvc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testPolicy() Policy {
	pol := DefaultPolicy()
	pol.MoveThreshold = 3
	pol.TapClicks = false
	pol.NaturalScroll = false
	pol.Accel.Enabled = false
	return pol
}

func newTestClassifier(t *testing.T) *Classifier {
	return NewClassifier(zaptest.NewLogger(t), NewSlotTable(SlotCapacity))
}

func frameAt(ms int, updates ...SlotUpdate) Frame {
	return Frame{Time: at(ms), Updates: updates}
}

func down(slot int, tid, x, y int32) SlotUpdate {
	return SlotUpdate{Slot: slot, Tracking: i32(tid), X: i32(x), Y: i32(y)}
}

func move(slot int, x, y int32) SlotUpdate {
	return SlotUpdate{Slot: slot, X: i32(x), Y: i32(y)}
}

func lift(slot int) SlotUpdate {
	return SlotUpdate{Slot: slot, Tracking: i32(-1)}
}

func classify(t *testing.T, c *Classifier, pol Policy, f Frame) []Plan {
	t.Helper()
	plans, err := c.Classify(f, pol)
	require.NoError(t, err)
	return plans
}

// flattenButtons collects button events across plans in emission order.
func flattenButtons(plans []Plan) []ButtonEvent {
	var out []ButtonEvent
	for _, p := range plans {
		out = append(out, p.Buttons...)
	}
	return out
}

func TestSimpleDrag(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()

	plans := classify(t, c, pol, frameAt(0, down(0, 1, 100, 100)))
	assert.Empty(t, plans, "landing below threshold must stay silent")
	assert.Equal(t, StateIdle, c.State())

	var deltas []Plan
	steps := []struct {
		ms   int
		x, y int32
	}{
		{10, 100, 105},
		{20, 100, 112},
		{30, 100, 120},
		{40, 100, 130},
		{50, 100, 145},
	}
	for i, step := range steps {
		plans = classify(t, c, pol, frameAt(step.ms, move(0, step.x, step.y)))
		require.Len(t, plans, 1)
		deltas = append(deltas, plans[0])
		if i == 0 {
			// threshold crossing queues the down alongside the first motion
			assert.Equal(t, []ButtonEvent{{BtnToolFinger, true}, {BtnTouch, true}}, plans[0].Buttons)
			assert.Equal(t, StatePointerDrag, c.State())
		} else {
			assert.Empty(t, plans[0].Buttons)
		}
	}

	var sumX, sumY float64
	for _, p := range deltas {
		assert.False(t, p.DX == 0 && p.DY == 0, "zero deltas must not be planned")
		sumX += p.DX
		sumY += p.DY
	}
	assert.Equal(t, 0.0, sumX)
	assert.Equal(t, 45.0, sumY)

	plans = classify(t, c, pol, frameAt(60, lift(0)))
	require.Len(t, plans, 1)
	assert.Equal(t, []ButtonEvent{{BtnTouch, false}, {BtnToolFinger, false}}, plans[0].Buttons)
	assert.Equal(t, StateIdle, c.State())
}

func TestZeroDeltaFramesAreSilent(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()

	classify(t, c, pol, frameAt(0, down(0, 1, 100, 100)))
	classify(t, c, pol, frameAt(10, move(0, 100, 110)))
	require.Equal(t, StatePointerDrag, c.State())

	// a frame that repeats the same position produces nothing
	plans := classify(t, c, pol, frameAt(20, move(0, 100, 110)))
	assert.Empty(t, plans)
	// and so does a frame without updates for the slot
	plans = classify(t, c, pol, frameAt(30))
	assert.Empty(t, plans)
}

func TestThresholdGating(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()

	classify(t, c, pol, frameAt(0, down(0, 1, 100, 100)))
	for ms := 10; ms <= 50; ms += 10 {
		plans := classify(t, c, pol, frameAt(ms, move(0, 101, 101)))
		assert.Empty(t, plans)
		assert.Equal(t, StateIdle, c.State())
	}
	plans := classify(t, c, pol, frameAt(60, lift(0)))
	assert.Empty(t, plans, "a sub-threshold contact must never emit")
}

func TestNoisyTapEmitsNothing(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()

	var all []Plan
	all = append(all, classify(t, c, pol, frameAt(0, down(0, 5, 200, 200)))...)
	all = append(all, classify(t, c, pol, frameAt(20, move(0, 201, 201)))...)
	all = append(all, classify(t, c, pol, frameAt(40, lift(0)))...)
	assert.Empty(t, all)
}

func TestIdleFramesAreIdempotent(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()

	for ms := 0; ms < 100; ms += 10 {
		plans := classify(t, c, pol, frameAt(ms))
		assert.Empty(t, plans)
	}
}

func TestTwoFingerScroll(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()

	plans := classify(t, c, pol, frameAt(0, down(0, 1, 500, 500), down(1, 2, 600, 500)))
	require.Len(t, plans, 1)
	assert.Equal(t, []ButtonEvent{{BtnToolDoubleTap, true}}, plans[0].Buttons)
	assert.Equal(t, StateMultiGesture, c.State())

	plans = classify(t, c, pol, frameAt(10, move(0, 500, 510), move(1, 600, 512)))
	require.Len(t, plans, 1)
	assert.Equal(t, 11.0, plans[0].ScrollY, "scroll delta is the average of both fingers")
	assert.EqualValues(t, -1, plans[0].Wheel)
	assert.Zero(t, plans[0].DX, "no pointer motion under multi-gesture")
	assert.Zero(t, plans[0].DY)

	plans = classify(t, c, pol, frameAt(20, lift(0), lift(1)))
	require.Len(t, plans, 1)
	assert.Equal(t, []ButtonEvent{{BtnToolDoubleTap, false}}, plans[0].Buttons)
	assert.Equal(t, StateIdle, c.State())
}

func TestScrollBelowThresholdIsSilent(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()

	classify(t, c, pol, frameAt(0, down(0, 1, 500, 500), down(1, 2, 600, 500)))
	plans := classify(t, c, pol, frameAt(10, move(0, 500, 503), move(1, 600, 504)))
	assert.Empty(t, plans, "averaged displacement below the scroll threshold")
}

func TestNaturalScrollInvertsWheel(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()
	pol.NaturalScroll = true

	classify(t, c, pol, frameAt(0, down(0, 1, 500, 500), down(1, 2, 600, 500)))
	plans := classify(t, c, pol, frameAt(10, move(0, 500, 510), move(1, 600, 512)))
	require.Len(t, plans, 1)
	assert.EqualValues(t, 1, plans[0].Wheel)
}

func TestMidGestureFingerLift(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()

	classify(t, c, pol, frameAt(0, down(0, 1, 500, 500), down(1, 2, 600, 500)))
	classify(t, c, pol, frameAt(10, move(0, 500, 520), move(1, 600, 522)))

	// one finger lifts: the gesture ends, the survivor restarts fresh
	plans := classify(t, c, pol, frameAt(500, lift(1)))
	require.Len(t, plans, 1)
	assert.Equal(t, []ButtonEvent{{BtnToolDoubleTap, false}}, plans[0].Buttons)
	assert.Equal(t, StateIdle, c.State())

	// movement below the threshold from the lift point stays silent even
	// though the finger is far from where the gesture started
	plans = classify(t, c, pol, frameAt(510, move(0, 500, 522)))
	assert.Empty(t, plans)

	// crossing the threshold from the lift point starts a new drag
	plans = classify(t, c, pol, frameAt(520, move(0, 500, 530)))
	require.Len(t, plans, 1)
	assert.Equal(t, []ButtonEvent{{BtnToolFinger, true}, {BtnTouch, true}}, plans[0].Buttons)
	assert.Equal(t, StatePointerDrag, c.State())
}

func TestDragToGestureTransitionReleasesFirst(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()

	classify(t, c, pol, frameAt(0, down(0, 1, 100, 100)))
	classify(t, c, pol, frameAt(10, move(0, 100, 110)))
	require.Equal(t, StatePointerDrag, c.State())

	plans := classify(t, c, pol, frameAt(20, down(1, 2, 200, 100)))
	buttons := flattenButtons(plans)
	require.Len(t, buttons, 3)
	// releases of the drag must precede the gesture's first event
	assert.Equal(t, ButtonEvent{BtnTouch, false}, buttons[0])
	assert.Equal(t, ButtonEvent{BtnToolFinger, false}, buttons[1])
	assert.Equal(t, ButtonEvent{BtnToolDoubleTap, true}, buttons[2])
	assert.Equal(t, StateMultiGesture, c.State())
}

func TestDragIdentityReplacementDoesNotContinue(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()

	classify(t, c, pol, frameAt(0, down(0, 1, 100, 100)))
	classify(t, c, pol, frameAt(10, move(0, 100, 110)))
	require.Equal(t, StatePointerDrag, c.State())

	// the dragging finger lifts and a new one lands in the same frame
	plans := classify(t, c, pol, frameAt(20, lift(0), down(0, 9, 400, 400)))
	buttons := flattenButtons(plans)
	assert.Equal(t, []ButtonEvent{{BtnTouch, false}, {BtnToolFinger, false}}, buttons)
	assert.Equal(t, StateIdle, c.State(), "the new identity is a fresh candidate")
}

func TestTapClick(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()
	pol.TapClicks = true

	classify(t, c, pol, frameAt(0, down(0, 1, 300, 300)))
	plans := classify(t, c, pol, frameAt(100, lift(0)))
	require.Len(t, plans, 2)
	assert.Equal(t, []ButtonEvent{{BtnLeft, true}}, plans[0].Buttons)
	assert.Equal(t, []ButtonEvent{{BtnLeft, false}}, plans[1].Buttons)
}

func TestSlowTouchIsNotAClick(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()
	pol.TapClicks = true

	classify(t, c, pol, frameAt(0, down(0, 1, 300, 300)))
	plans := classify(t, c, pol, frameAt(400, lift(0))) // past ClickTime
	assert.Empty(t, plans)
}

func TestTwoFingerRightClickTap(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()
	pol.TapClicks = true

	classify(t, c, pol, frameAt(0, down(0, 1, 300, 300)))
	classify(t, c, pol, frameAt(50, down(1, 2, 400, 300)))
	plans := classify(t, c, pol, frameAt(120, lift(1)))
	buttons := flattenButtons(plans)
	// the click fires, then the two-finger tool state winds down
	assert.Equal(t, []ButtonEvent{
		{BtnRight, true},
		{BtnRight, false},
		{BtnToolDoubleTap, false},
	}, buttons)
}

func TestDoubleClickDrag(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()
	pol.TapClicks = true

	// first tap
	classify(t, c, pol, frameAt(0, down(0, 1, 300, 300)))
	plans := classify(t, c, pol, frameAt(100, lift(0)))
	require.Len(t, plans, 2)

	// second touch within the double-click window holds the button
	plans = classify(t, c, pol, frameAt(200, down(0, 2, 300, 300)))
	require.Len(t, plans, 1)
	assert.Equal(t, []ButtonEvent{{BtnLeft, true}}, plans[0].Buttons)

	// dragging moves the pointer with the button held
	plans = classify(t, c, pol, frameAt(250, move(0, 300, 320)))
	require.Len(t, plans, 1)
	assert.Equal(t, 20.0, plans[0].DY)

	// the lift releases the held button and the drag tool state
	plans = classify(t, c, pol, frameAt(300, lift(0)))
	buttons := flattenButtons(plans)
	assert.Equal(t, []ButtonEvent{
		{BtnLeft, false},
		{BtnTouch, false},
		{BtnToolFinger, false},
	}, buttons)
}

func TestSecondFingerCancelsHeldDrag(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()
	pol.TapClicks = true

	classify(t, c, pol, frameAt(0, down(0, 1, 300, 300)))
	classify(t, c, pol, frameAt(100, lift(0)))
	plans := classify(t, c, pol, frameAt(200, down(0, 2, 300, 300)))
	require.Equal(t, []ButtonEvent{{BtnLeft, true}}, flattenButtons(plans))

	plans = classify(t, c, pol, frameAt(250, down(1, 3, 400, 300)))
	assert.Equal(t, []ButtonEvent{
		{BtnLeft, false},
		{BtnToolDoubleTap, true},
	}, flattenButtons(plans))
}

func TestSwapAxes(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()
	pol.SwapAxes = true

	classify(t, c, pol, frameAt(0, down(0, 1, 100, 100)))
	plans := classify(t, c, pol, frameAt(10, move(0, 100, 110)))
	require.Len(t, plans, 1)
	assert.Equal(t, 10.0, plans[0].DX, "vertical finger motion maps to X when swapped")
	assert.Equal(t, 0.0, plans[0].DY)
}

func TestAccelerationCapsMultiplier(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()
	pol.Accel = AccelPolicy{
		Enabled:       true,
		Factor:        0.5,
		MaxMultiplier: 3.0,
		MinTimeDelta:  Duration(time.Millisecond),
	}

	classify(t, c, pol, frameAt(0, down(0, 1, 0, 0)))
	// very fast movement saturates the multiplier at the cap
	classify(t, c, pol, frameAt(10, move(0, 0, 500)))
	plans := classify(t, c, pol, frameAt(20, move(0, 0, 1000)))
	require.Len(t, plans, 1)
	assert.Equal(t, 500.0*3.0, plans[0].DY)
}

func TestProtocolViolationRejectsWholeFrame(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()
	pol.MaxSlots = 2

	_, err := c.Classify(frameAt(0,
		down(0, 1, 100, 100),
		down(1, 2, 200, 100),
		down(2, 3, 300, 100),
	), pol)
	require.ErrorIs(t, err, ErrProtocolViolation)

	// nothing from the rejected frame may have been applied
	assert.Empty(t, c.table.Active())
	assert.Equal(t, StateIdle, c.State())

	// a conforming frame afterwards works normally
	plans := classify(t, c, pol, frameAt(10, down(0, 1, 100, 100), down(1, 2, 200, 100)))
	require.Len(t, plans, 1)
	assert.Equal(t, StateMultiGesture, c.State())
}

func TestLiftOfUnknownSlotIsNoOp(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()

	plans := classify(t, c, pol, frameAt(0, lift(3)))
	assert.Empty(t, plans)
}

func TestLivenessTimeoutReapsSilently(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()
	pol.TapClicks = true
	pol.LivenessTimeout = Duration(100 * time.Millisecond)

	classify(t, c, pol, frameAt(0, down(0, 1, 100, 100)))
	// the slot goes quiet; an idle frame much later reaps it without a click
	plans := classify(t, c, pol, frameAt(1000))
	assert.Empty(t, plans)
	assert.Empty(t, c.table.Active())
}

func TestFlushReleasesHeldState(t *testing.T) {
	c := newTestClassifier(t)
	pol := testPolicy()

	classify(t, c, pol, frameAt(0, down(0, 1, 100, 100)))
	classify(t, c, pol, frameAt(10, move(0, 100, 110)))
	require.Equal(t, StatePointerDrag, c.State())

	plans := c.Flush()
	buttons := flattenButtons(plans)
	assert.Equal(t, []ButtonEvent{{BtnTouch, false}, {BtnToolFinger, false}}, buttons)
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, c.Flush(), "a second flush has nothing left to release")
}
