package touchsvc

import (
	"fmt"
	"math"
	"time"
)

// SlotCapacity is the size of the contact arena. It bounds the slot ids the
// hardware protocol may use regardless of the configured policy maximum.
const SlotCapacity = 64

// Contact is the tracking state of one finger. Identities live in an arena
// indexed by slot id; the hardware reuses slot ids across tenancies, so a
// contact is only meaningful while its active flag is set.
type Contact struct {
	Slot       int
	TrackingID int32

	X, Y         int32
	PrevX, PrevY int32
	// Origin is the reference point for threshold gating. It is set when
	// the tenancy opens and rebased when a multi-finger gesture collapses
	// back to a single finger.
	OriginX, OriginY int32

	FirstSeen time.Time
	LastSeen  time.Time

	active     bool
	hasX, hasY bool
}

func (c *Contact) Active() bool {
	return c.active
}

// Ready reports whether the contact has a full position and participates in
// classification. A tenancy that has only reported one axis so far is
// tracked but not yet classified.
func (c *Contact) Ready() bool {
	return c.active && c.hasX && c.hasY
}

// Displacement is the euclidean distance from the drag origin.
func (c *Contact) Displacement() float64 {
	dx := float64(c.X - c.OriginX)
	dy := float64(c.Y - c.OriginY)
	return math.Hypot(dx, dy)
}

// FrameDelta is the movement since the previous committed frame.
func (c *Contact) FrameDelta() (float64, float64) {
	return float64(c.X - c.PrevX), float64(c.Y - c.PrevY)
}

// SlotTable is the arena of per-finger tracking state. It is owned and
// mutated by the classifier only; no locking is needed.
type SlotTable struct {
	contacts []Contact
}

func NewSlotTable(capacity int) *SlotTable {
	if capacity <= 0 {
		capacity = SlotCapacity
	}
	t := &SlotTable{contacts: make([]Contact, capacity)}
	for i := range t.contacts {
		t.contacts[i].Slot = i
	}
	return t
}

func (t *SlotTable) Capacity() int {
	return len(t.contacts)
}

func (t *SlotTable) checkSlot(slot int) error {
	if slot < 0 || slot >= len(t.contacts) {
		return fmt.Errorf("%w: slot %d out of range [0,%d)", ErrProtocolViolation, slot, len(t.contacts))
	}
	return nil
}

// Begin opens a tenancy for a tracking id. A different tracking id already
// occupying the slot is dropped first; ids are unique only within one
// tenancy, never across it.
func (t *SlotTable) Begin(slot int, trackingID int32, now time.Time) error {
	if err := t.checkSlot(slot); err != nil {
		return err
	}
	c := &t.contacts[slot]
	if c.active && c.TrackingID == trackingID {
		c.LastSeen = now
		return nil
	}
	*c = Contact{
		Slot:       slot,
		TrackingID: trackingID,
		FirstSeen:  now,
		LastSeen:   now,
		active:     true,
	}
	return nil
}

// Upsert applies a position update, opening a tenancy if none is active.
// Passing nil for an axis leaves it unchanged. The last-seen timestamp is
// always refreshed.
func (t *SlotTable) Upsert(slot int, x, y *int32, now time.Time) error {
	if err := t.checkSlot(slot); err != nil {
		return err
	}
	c := &t.contacts[slot]
	if !c.active {
		*c = Contact{
			Slot:       slot,
			TrackingID: -1,
			FirstSeen:  now,
			active:     true,
		}
	}
	first := !c.hasX && !c.hasY
	if x != nil {
		c.X = *x
		c.hasX = true
	}
	if y != nil {
		c.Y = *y
		c.hasY = true
	}
	if first && c.hasX && c.hasY {
		c.PrevX, c.PrevY = c.X, c.Y
		c.OriginX, c.OriginY = c.X, c.Y
	}
	c.LastSeen = now
	return nil
}

// Release closes the tenancy and returns the final contact state.
func (t *SlotTable) Release(slot int) (Contact, bool) {
	if err := t.checkSlot(slot); err != nil {
		return Contact{}, false
	}
	c := &t.contacts[slot]
	if !c.active {
		return Contact{}, false
	}
	done := *c
	c.active = false
	return done, true
}

func (t *SlotTable) Get(slot int) (Contact, bool) {
	if err := t.checkSlot(slot); err != nil {
		return Contact{}, false
	}
	c := t.contacts[slot]
	return c, c.active
}

// Active returns the ready contacts in ascending slot order.
func (t *SlotTable) Active() []*Contact {
	var out []*Contact
	for i := range t.contacts {
		if t.contacts[i].Ready() {
			out = append(out, &t.contacts[i])
		}
	}
	return out
}

// Reap releases contacts that have not been seen within the liveness
// timeout. The hardware normally reports lifts explicitly; this only cleans
// up after lost frames.
func (t *SlotTable) Reap(now time.Time, timeout time.Duration) []Contact {
	if timeout <= 0 {
		return nil
	}
	var reaped []Contact
	for i := range t.contacts {
		c := &t.contacts[i]
		if c.active && now.Sub(c.LastSeen) > timeout {
			reaped = append(reaped, *c)
			c.active = false
		}
	}
	return reaped
}

// Commit snapshots current positions as the previous-frame positions.
// Called once per frame after classification so that untouched contacts
// report a zero delta next frame.
func (t *SlotTable) Commit() {
	for i := range t.contacts {
		c := &t.contacts[i]
		if c.active {
			c.PrevX, c.PrevY = c.X, c.Y
		}
	}
}

// Rebase resets the drag origin of a contact to its current position,
// making it a fresh drag candidate.
func (t *SlotTable) Rebase(slot int, now time.Time) {
	if err := t.checkSlot(slot); err != nil {
		return
	}
	c := &t.contacts[slot]
	if !c.active {
		return
	}
	c.OriginX, c.OriginY = c.X, c.Y
	c.PrevX, c.PrevY = c.X, c.Y
	c.FirstSeen = now
}
