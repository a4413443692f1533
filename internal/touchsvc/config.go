package touchsvc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that unmarshals from strings like "250ms".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Config is the touchpad.yml schema.
type Config struct {
	// Device is the physical multi-touch event node. Empty means the first
	// touch-capable device reported by the backend.
	Device string       `yaml:"device" json:"device"`
	Output OutputConfig `yaml:"output" json:"output"`
	Policy Policy       `yaml:"policy" json:"policy"`
}

type OutputConfig struct {
	Name string `yaml:"name" json:"name"`
	// X and Y, when set, declare the coordinate range of the virtual device.
	// Emitted deltas are linearly rescaled from the physical range into it.
	// Zero ranges mean the physical range is kept as-is.
	X Range `yaml:"x" json:"x"`
	Y Range `yaml:"y" json:"y"`
}

// Policy holds every tunable of the classifier and the emitter. All of it
// hot-reloads; changes apply from the next frame.
type Policy struct {
	MoveThreshold   float64 `yaml:"moveThreshold" json:"moveThreshold"`
	ScrollThreshold float64 `yaml:"scrollThreshold" json:"scrollThreshold"`

	MoveScale       float64 `yaml:"moveScale" json:"moveScale"`
	MoveXMultiplier float64 `yaml:"moveXMultiplier" json:"moveXMultiplier"`
	MoveYMultiplier float64 `yaml:"moveYMultiplier" json:"moveYMultiplier"`
	SwapAxes        bool    `yaml:"swapAxes" json:"swapAxes"`

	NaturalScroll    bool `yaml:"naturalScroll" json:"naturalScroll"`
	HorizontalScroll bool `yaml:"horizontalScroll" json:"horizontalScroll"`

	TapClicks          bool     `yaml:"tapClicks" json:"tapClicks"`
	ClickTime          Duration `yaml:"clickTime" json:"clickTime"`
	RightClickTap      Duration `yaml:"rightClickTap" json:"rightClickTap"`
	DoubleClickTimeout Duration `yaml:"doubleClickTimeout" json:"doubleClickTimeout"`

	LivenessTimeout Duration `yaml:"livenessTimeout" json:"livenessTimeout"`
	MaxSlots        int      `yaml:"maxSlots" json:"maxSlots"`

	Accel AccelPolicy `yaml:"accel" json:"accel"`
}

type AccelPolicy struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	Factor        float64  `yaml:"factor" json:"factor"`
	MaxMultiplier float64  `yaml:"maxMultiplier" json:"maxMultiplier"`
	MinTimeDelta  Duration `yaml:"minTimeDelta" json:"minTimeDelta"`
}

func DefaultConfig() Config {
	return Config{
		Output: OutputConfig{
			Name: "Adaptive Virtual Touchpad",
		},
		Policy: DefaultPolicy(),
	}
}

func DefaultPolicy() Policy {
	return Policy{
		MoveThreshold:   1,
		ScrollThreshold: 8,

		MoveScale:       0.35,
		MoveXMultiplier: 1.0,
		MoveYMultiplier: 1.0,

		NaturalScroll: true,

		TapClicks:          true,
		ClickTime:          Duration(250 * time.Millisecond),
		RightClickTap:      Duration(200 * time.Millisecond),
		DoubleClickTimeout: Duration(400 * time.Millisecond),

		LivenessTimeout: Duration(5 * time.Second),
		MaxSlots:        10,

		Accel: AccelPolicy{
			Enabled:       true,
			Factor:        0.5,
			MaxMultiplier: 3.0,
			MinTimeDelta:  Duration(time.Millisecond),
		},
	}
}
