package touchsvc

import (
	"fmt"

	"go.uber.org/zap"
)

// Sink is the virtual device the emitter writes to. Registration and
// teardown of the underlying device node live in the backend.
type Sink interface {
	// WriteEvents writes one atomic batch of synthetic events.
	WriteEvents(events []OutEvent) error
	Close() error
}

// Emitter converts emission plans into the ordered event sequence the
// touchpad protocol requires: axis values, then button states, then exactly
// one terminating sync marker.
type Emitter struct {
	log  *zap.Logger
	sink Sink

	// linear rescale factors between the physical and the declared virtual
	// coordinate ranges, fixed at construction
	rescaleX float64
	rescaleY float64

	scale float64
	multX float64
	multY float64
}

func NewEmitter(log *zap.Logger, sink Sink, physX, physY Range, out OutputConfig, pol Policy) *Emitter {
	e := &Emitter{
		log:      log,
		sink:     sink,
		rescaleX: rescaleFactor(physX, out.X),
		rescaleY: rescaleFactor(physY, out.Y),
		scale:    pol.MoveScale,
		multX:    pol.MoveXMultiplier,
		multY:    pol.MoveYMultiplier,
	}
	if e.scale == 0 {
		e.scale = 1
	}
	return e
}

// SetScaling applies hot-reloaded scaling policy. The range rescale is a
// property of the two devices and does not change at runtime.
func (e *Emitter) SetScaling(pol Policy) {
	e.scale = pol.MoveScale
	if e.scale == 0 {
		e.scale = 1
	}
	e.multX = pol.MoveXMultiplier
	e.multY = pol.MoveYMultiplier
}

// rescaleFactor is the pure linear mapping between two declared coordinate
// ranges. A zero target range keeps physical coordinates.
func rescaleFactor(from, to Range) float64 {
	if to.IsZero() || from.IsZero() || from.Span() == 0 {
		return 1
	}
	return to.Span() / from.Span()
}

// Emit writes the events for one plan, terminated by one sync marker.
// Empty plans write nothing.
func (e *Emitter) Emit(plan Plan) error {
	if plan.Empty() {
		return nil
	}
	events := make([]OutEvent, 0, len(plan.Buttons)+4)
	if plan.DX != 0 || plan.DY != 0 {
		events = append(events,
			OutEvent{Type: EvRel, Code: RelX, Value: int32(plan.DX * e.scale * e.multX * e.rescaleX)},
			OutEvent{Type: EvRel, Code: RelY, Value: int32(plan.DY * e.scale * e.multY * e.rescaleY)},
		)
	}
	if plan.Wheel != 0 {
		events = append(events, OutEvent{Type: EvRel, Code: RelWheel, Value: plan.Wheel})
	}
	if plan.HWheel != 0 {
		events = append(events, OutEvent{Type: EvRel, Code: RelHWheel, Value: plan.HWheel})
	}
	for _, b := range plan.Buttons {
		v := int32(0)
		if b.Pressed {
			v = 1
		}
		events = append(events, OutEvent{Type: EvKey, Code: b.Code, Value: v})
	}
	events = append(events, OutEvent{Type: EvSyn, Code: SynReport, Value: 0})

	if err := e.sink.WriteEvents(events); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWrite, err)
	}
	return nil
}

// EmitAll emits a sequence of plans in order.
func (e *Emitter) EmitAll(plans []Plan) error {
	for _, plan := range plans {
		if err := e.Emit(plan); err != nil {
			return err
		}
	}
	return nil
}
