package touchsvc

import (
	"fmt"
	"time"
)

// Event type and code constants follow the Linux input event protocol.
// The core keeps its own copies so that the tracking and classification
// logic stays free of any backend dependency.
const (
	EvSyn uint16 = 0x00
	EvKey uint16 = 0x01
	EvRel uint16 = 0x02
	EvAbs uint16 = 0x03
)

const (
	SynReport uint16 = 0x00

	AbsMtSlot       uint16 = 0x2f
	AbsMtPositionX  uint16 = 0x35
	AbsMtPositionY  uint16 = 0x36
	AbsMtTrackingID uint16 = 0x39

	RelX      uint16 = 0x00
	RelY      uint16 = 0x01
	RelHWheel uint16 = 0x06
	RelWheel  uint16 = 0x08

	BtnLeft          uint16 = 0x110
	BtnRight         uint16 = 0x111
	BtnTouch         uint16 = 0x14a
	BtnToolFinger    uint16 = 0x145
	BtnToolDoubleTap uint16 = 0x14d
)

// RawEvent is a single update read from the physical device source.
type RawEvent struct {
	Time  time.Time
	Type  uint16
	Code  uint16
	Value int32
}

func (e RawEvent) IsSyncMarker() bool {
	return e.Type == EvSyn && e.Code == SynReport
}

// OutEvent is a single synthetic update written to the virtual device sink.
type OutEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

func (e OutEvent) String() string {
	return fmt.Sprintf("%d/%d=%d", e.Type, e.Code, e.Value)
}

// Range is a declared absolute coordinate range of one axis.
type Range struct {
	Min int32 `yaml:"min" json:"min"`
	Max int32 `yaml:"max" json:"max"`
}

func (r Range) Span() float64 {
	return float64(r.Max - r.Min)
}

func (r Range) IsZero() bool {
	return r.Min == 0 && r.Max == 0
}
