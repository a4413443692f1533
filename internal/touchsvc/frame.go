package touchsvc

import (
	"time"

	"go.uber.org/zap"
)

// SlotUpdate is the merged state change of one slot within a frame. Nil
// fields were not reported. Tracking follows the MT type B convention: a
// non-negative value opens a tenancy, -1 closes it.
type SlotUpdate struct {
	Slot     int
	Tracking *int32
	X        *int32
	Y        *int32
}

// Frame is the atomic unit of state change: every update that arrived
// between two sync markers, at most one per slot.
type Frame struct {
	Time    time.Time
	Updates []SlotUpdate
}

func (f Frame) Empty() bool {
	return len(f.Updates) == 0
}

// Assembler groups raw per-axis updates into frames. It tracks the
// hardware's current-slot register, which persists across sync markers.
type Assembler struct {
	log     *zap.Logger
	arena   int
	curSlot int

	updates []SlotUpdate
	index   map[int]int

	dropped uint64
}

func NewAssembler(log *zap.Logger, arenaSize int) *Assembler {
	if arenaSize <= 0 {
		arenaSize = SlotCapacity
	}
	return &Assembler{
		log:   log,
		arena: arenaSize,
		index: make(map[int]int, 8),
	}
}

// Dropped is the number of malformed raw events discarded so far.
func (a *Assembler) Dropped() uint64 {
	return a.dropped
}

func (a *Assembler) slotUpdate(slot int) *SlotUpdate {
	if idx, ok := a.index[slot]; ok {
		return &a.updates[idx]
	}
	a.updates = append(a.updates, SlotUpdate{Slot: slot})
	a.index[slot] = len(a.updates) - 1
	return &a.updates[len(a.updates)-1]
}

func (a *Assembler) drop(ev RawEvent, reason string) {
	a.dropped++
	a.log.Debug("Dropped raw event",
		zap.String("reason", reason),
		zap.Uint16("type", ev.Type),
		zap.Uint16("code", ev.Code),
		zap.Int32("value", ev.Value))
}

// Feed accumulates one raw update. Malformed events are dropped with a
// diagnostic; assembling is best-effort and never fatal. Sync markers must
// go through Sync, not Feed.
func (a *Assembler) Feed(ev RawEvent) {
	if ev.Type != EvAbs {
		// BTN_TOUCH and friends from the physical device carry no
		// information the slot updates do not already have.
		if ev.Type != EvKey && ev.Type != EvSyn {
			a.drop(ev, "unknown event type")
		}
		return
	}
	switch ev.Code {
	case AbsMtSlot:
		if ev.Value < 0 || int(ev.Value) >= a.arena {
			a.drop(ev, "slot out of range")
			a.curSlot = -1
			return
		}
		a.curSlot = int(ev.Value)
	case AbsMtTrackingID, AbsMtPositionX, AbsMtPositionY:
		if a.curSlot < 0 {
			a.drop(ev, "no valid current slot")
			return
		}
		upd := a.slotUpdate(a.curSlot)
		v := ev.Value
		switch ev.Code {
		case AbsMtTrackingID:
			upd.Tracking = &v
		case AbsMtPositionX:
			upd.X = &v
		case AbsMtPositionY:
			upd.Y = &v
		}
	default:
		// Pressure, touch size and other axes are ignorable here.
	}
}

// Sync finalizes the accumulated updates into a frame and resets the
// accumulator. A sync marker with nothing accumulated still yields an empty
// frame so liveness timeouts are evaluated on idle frames too.
func (a *Assembler) Sync(t time.Time) Frame {
	frame := Frame{Time: t, Updates: a.updates}
	a.updates = nil
	clear(a.index)
	return frame
}
