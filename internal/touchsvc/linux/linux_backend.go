// Package linux implements the touchsvc backend on the Linux input
// subsystem: evdev for the physical device and uinput for the virtual
// touchpad.
package linux

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/holoplot/go-evdev"
	"github.com/jochenvg/go-udev"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/Mooling0602/Multi-touch-as-Touchpad/internal/touchsvc"
)

// Backend opens evdev devices for the touch service. Grabbed sources are
// tracked so the same node is never grabbed twice.
type Backend struct {
	log  *zap.Logger
	udev *udev.Udev

	openedSources *xsync.MapOf[string, *evdevSource]
}

func NewBackend(log *zap.Logger) *Backend {
	return &Backend{
		log:           log,
		udev:          &udev.Udev{},
		openedSources: xsync.NewMapOf[string, *evdevSource](),
	}
}

// Enumerate lists input event nodes, flagging touch-capable ones using the
// udev input classification properties.
func (b *Backend) Enumerate() ([]touchsvc.BackendDevice, error) {
	names := make(map[string]string)
	if paths, err := evdev.ListDevicePaths(); err == nil {
		for _, p := range paths {
			names[p.Path] = p.Name
		}
	}

	e := b.udev.NewEnumerate()
	e.AddMatchSubsystem("input")
	udevDevices, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate input devices: %w", err)
	}

	var devices []touchsvc.BackendDevice
	for _, dev := range udevDevices {
		if !strings.HasPrefix(dev.Sysname(), "event") {
			continue
		}
		node := dev.Devnode()
		if node == "" {
			node = filepath.Join("/dev/input", dev.Sysname())
		}
		touch := dev.PropertyValue("ID_INPUT_TOUCHSCREEN") == "1" ||
			dev.PropertyValue("ID_INPUT_TOUCHPAD") == "1"
		devices = append(devices, touchsvc.BackendDevice{
			Path:  node,
			Name:  names[node],
			Touch: touch,
		})
	}
	return devices, nil
}

// OpenSource opens and grabs the physical device and starts a reader
// goroutine, so the pipeline's blocking read stays cancellable.
func (b *Backend) OpenSource(path string) (touchsvc.Source, error) {
	if _, open := b.openedSources.Load(path); open {
		return nil, fmt.Errorf("device already grabbed: %s", path)
	}
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := dev.Grab(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to grab %s: %w", path, err)
	}

	src := &evdevSource{
		b:      b,
		log:    b.log,
		path:   path,
		dev:    dev,
		events: make(chan touchsvc.RawEvent, 64),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	b.openedSources.Store(path, src)
	go src.readLoop()
	return src, nil
}

type evdevSource struct {
	b    *Backend
	log  *zap.Logger
	path string
	dev  *evdev.InputDevice

	events chan touchsvc.RawEvent
	errCh  chan error
	done   chan struct{}
}

func (s *evdevSource) readLoop() {
	for {
		ev, err := s.dev.ReadOne()
		if err != nil {
			select {
			case s.errCh <- err:
			case <-s.done:
			}
			return
		}
		raw := touchsvc.RawEvent{
			Time:  timevalToTime(ev.Time),
			Type:  uint16(ev.Type),
			Code:  uint16(ev.Code),
			Value: ev.Value,
		}
		select {
		case s.events <- raw:
		case <-s.done:
			return
		}
	}
}

func timevalToTime(tv syscall.Timeval) time.Time {
	return time.Unix(int64(tv.Sec), int64(tv.Usec)*1000)
}

func (s *evdevSource) ReadEvent(ctx context.Context) (touchsvc.RawEvent, error) {
	select {
	case <-ctx.Done():
		return touchsvc.RawEvent{}, ctx.Err()
	case err := <-s.errCh:
		return touchsvc.RawEvent{}, err
	case ev := <-s.events:
		return ev, nil
	}
}

func (s *evdevSource) AbsRanges() (touchsvc.Range, touchsvc.Range, error) {
	infos, err := s.dev.AbsInfos()
	if err != nil {
		return touchsvc.Range{}, touchsvc.Range{}, fmt.Errorf("failed to read abs info: %w", err)
	}
	x, okX := infos[evdev.ABS_MT_POSITION_X]
	y, okY := infos[evdev.ABS_MT_POSITION_Y]
	if !okX || !okY {
		return touchsvc.Range{}, touchsvc.Range{}, fmt.Errorf("%s reports no multi-touch position axes", s.path)
	}
	return touchsvc.Range{Min: x.Minimum, Max: x.Maximum},
		touchsvc.Range{Min: y.Minimum, Max: y.Maximum}, nil
}

func (s *evdevSource) Close() error {
	close(s.done)
	s.b.openedSources.Delete(s.path)
	s.dev.Ungrab()
	return s.dev.Close()
}

// OpenSink registers the virtual touchpad with uinput, declaring relative
// motion, wheel and button capabilities.
func (b *Backend) OpenSink(cfg touchsvc.OutputConfig) (touchsvc.Sink, error) {
	name := cfg.Name
	if name == "" {
		name = "Adaptive Virtual Touchpad"
	}
	dev, err := evdev.CreateDevice(
		name,
		evdev.InputID{
			BusType: 0x03,
			Vendor:  0x4d54, // "MT"
			Product: 0x5450, // "TP"
			Version: 1,
		},
		map[evdev.EvType][]evdev.EvCode{
			evdev.EV_KEY: {
				evdev.BTN_LEFT,
				evdev.BTN_RIGHT,
				evdev.BTN_TOUCH,
				evdev.BTN_TOOL_FINGER,
				evdev.BTN_TOOL_DOUBLETAP,
			},
			evdev.EV_REL: {
				evdev.REL_X,
				evdev.REL_Y,
				evdev.REL_WHEEL,
				evdev.REL_HWHEEL,
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create uinput device: %w", err)
	}
	b.log.Info("Virtual touchpad registered", zap.String("name", name))
	return &uinputSink{dev: dev}, nil
}

type uinputSink struct {
	dev *evdev.InputDevice
}

func (s *uinputSink) WriteEvents(events []touchsvc.OutEvent) error {
	now := time.Now()
	tv := syscall.NsecToTimeval(now.UnixNano())
	for _, ev := range events {
		err := s.dev.WriteOne(&evdev.InputEvent{
			Time:  tv,
			Type:  evdev.EvType(ev.Type),
			Code:  evdev.EvCode(ev.Code),
			Value: ev.Value,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *uinputSink) Close() error {
	return s.dev.Close()
}
