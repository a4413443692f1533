package touchsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Mooling0602/Multi-touch-as-Touchpad/internal/configsvc"
)

// Source is the physical multi-touch device. ReadEvent blocks until the
// next raw event and is the pipeline's only suspension point.
type Source interface {
	ReadEvent(ctx context.Context) (RawEvent, error)
	// AbsRanges returns the declared coordinate ranges of the MT position
	// axes.
	AbsRanges() (x, y Range, err error)
	Close() error
}

// Backend opens devices for the service and enumerates candidates.
type Backend interface {
	Enumerate() ([]BackendDevice, error)
	OpenSource(path string) (Source, error)
	OpenSink(cfg OutputConfig) (Sink, error)
}

// BackendDevice describes one input device node known to the backend.
type BackendDevice struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	Touch bool   `json:"touch"`
}

// Device is a registry entry persisted across runs.
type Device struct {
	BackendDevice
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

var defaultOptions = serviceOptions{}

type serviceOptions struct {
	policyOverride *Policy
}

type Option func(*serviceOptions)

// WithPolicy forces a fixed policy, bypassing the config file. Used by
// tests.
func WithPolicy(p Policy) Option {
	return func(o *serviceOptions) {
		o.policyOverride = &p
	}
}

// Service runs the translation pipeline: raw events from the physical
// device through the assembler, classifier and emitter into the virtual
// touchpad.
type Service struct {
	log     *zap.Logger
	db      *badger.DB
	now     func() time.Time
	options serviceOptions

	config     *configsvc.Service
	configPath string
	backend    Backend

	// device path override from the CLI; empty defers to config/auto
	devicePath string

	policy atomic.Value // Policy, hot-reloaded

	FramesIn  atomic.Uint64
	FramesOut atomic.Uint64

	ready chan struct{}
}

func New(db *badger.DB, log *zap.Logger, now func() time.Time, backend Backend, config *configsvc.Service, configPath, devicePath string, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	s := &Service{
		log:        log,
		db:         db,
		now:        now,
		options:    options,
		config:     config,
		configPath: configPath,
		backend:    backend,
		devicePath: devicePath,
		ready:      make(chan struct{}),
	}
	s.policy.Store(DefaultPolicy())
	return s
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) Policy() Policy {
	return s.policy.Load().(Policy)
}

// Start opens the devices and runs the pipeline until the context is
// cancelled or a device fails. Held button state is always flushed before
// returning.
func (s *Service) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.config.Ready():
	}

	cfg, err := configsvc.Register(s.config, s.configPath, DefaultConfig(), func(cfg Config, err error) {
		s.onConfigChange(cfg, err)
	})
	if err != nil {
		return fmt.Errorf("failed to register touchpad config: %w", err)
	}
	if s.options.policyOverride != nil {
		cfg.Policy = *s.options.policyOverride
	}
	s.policy.Store(cfg.Policy)

	path := s.devicePath
	if path == "" {
		path = cfg.Device
	}
	if path == "" {
		path, err = s.autoPickDevice()
		if err != nil {
			return err
		}
	}

	source, err := s.backend.OpenSource(path)
	if err != nil {
		return fmt.Errorf("failed to open source device %s: %w", path, err)
	}
	defer source.Close()
	s.rememberDevice(BackendDevice{Path: path, Touch: true})

	physX, physY, err := source.AbsRanges()
	if err != nil {
		return fmt.Errorf("failed to query source ranges: %w", err)
	}

	sink, err := s.backend.OpenSink(cfg.Output)
	if err != nil {
		return fmt.Errorf("failed to create virtual touchpad: %w", err)
	}
	defer sink.Close()

	p := &pipeline{
		log:        s.log,
		source:     source,
		assembler:  NewAssembler(s.log.Named("frames"), SlotCapacity),
		classifier: NewClassifier(s.log.Named("gestures"), NewSlotTable(SlotCapacity)),
		emitter:    NewEmitter(s.log.Named("emit"), sink, physX, physY, cfg.Output, cfg.Policy),
		policy:     s.Policy,
		framesIn:   &s.FramesIn,
		framesOut:  &s.FramesOut,
	}

	close(s.ready)
	s.log.Info("Touchpad pipeline started",
		zap.String("device", path),
		zap.String("output", cfg.Output.Name))
	return p.run(ctx)
}

func (s *Service) onConfigChange(cfg Config, err error) {
	if err != nil {
		s.log.Error("Ignoring invalid touchpad config", zap.Error(err))
		return
	}
	if s.options.policyOverride != nil {
		return
	}
	s.policy.Store(cfg.Policy)
	s.log.Info("Touchpad policy reloaded")
}

func (s *Service) autoPickDevice() (string, error) {
	devices, err := s.backend.Enumerate()
	if err != nil {
		return "", fmt.Errorf("failed to enumerate input devices: %w", err)
	}
	for _, dev := range devices {
		if dev.Touch {
			s.log.Info("Auto-selected touch device",
				zap.String("path", dev.Path),
				zap.String("name", dev.Name))
			return dev.Path, nil
		}
	}
	return "", errors.New("no touch-capable input device found")
}

func deviceKey(path string) []byte {
	return []byte("touch/devices/" + path)
}

func (s *Service) rememberDevice(bdev BackendDevice) {
	now := s.now()
	err := s.db.Update(func(txn *badger.Txn) error {
		var dev Device
		item, err := txn.Get(deviceKey(bdev.Path))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			dev = Device{BackendDevice: bdev, FirstSeenAt: now}
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &dev)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal device: %w", err)
			}
			if bdev.Name != "" {
				dev.Name = bdev.Name
			}
			dev.Touch = dev.Touch || bdev.Touch
		}
		dev.Path = bdev.Path
		dev.LastSeenAt = now
		b, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return txn.Set(deviceKey(bdev.Path), b)
	})
	if err != nil {
		s.log.Error("Failed to persist device registry entry", zap.Error(err))
	}
}

// ListDevices merges a live enumeration into the persistent registry and
// returns every device ever seen.
func (s *Service) ListDevices() ([]Device, error) {
	live, err := s.backend.Enumerate()
	if err != nil {
		s.log.Warn("Live device enumeration failed", zap.Error(err))
	}
	for _, dev := range live {
		s.rememberDevice(dev)
	}

	var devices []Device
	err = s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte("touch/devices/")
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			var dev Device
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dev)
			})
			if err != nil {
				return err
			}
			devices = append(devices, dev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// pipeline is the single-threaded read → assemble → classify → emit cycle.
// Events for frame N are fully written before frame N+1 starts assembling.
type pipeline struct {
	log        *zap.Logger
	source     Source
	assembler  *Assembler
	classifier *Classifier
	emitter    *Emitter
	policy     func() Policy

	framesIn  *atomic.Uint64
	framesOut *atomic.Uint64
}

func (p *pipeline) run(ctx context.Context) error {
	for {
		ev, err := p.source.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.flush()
				return nil
			}
			p.flush()
			return fmt.Errorf("%w: %v", ErrSourceRead, err)
		}
		if !ev.IsSyncMarker() {
			p.assembler.Feed(ev)
			continue
		}

		frame := p.assembler.Sync(ev.Time)
		p.framesIn.Inc()
		pol := p.policy()
		p.emitter.SetScaling(pol)
		plans, err := p.classifier.Classify(frame, pol)
		if err != nil {
			if errors.Is(err, ErrProtocolViolation) {
				p.log.Warn("Discarded frame", zap.Error(err))
				continue
			}
			p.flush()
			return err
		}
		if len(plans) == 0 {
			continue
		}
		if err := p.emitter.EmitAll(plans); err != nil {
			p.flush()
			return err
		}
		p.framesOut.Inc()
	}
}

// flush releases any held button or gesture state so downstream consumers
// never observe a stuck-pressed device. Best effort; write errors at this
// point only get logged.
func (p *pipeline) flush() {
	plans := p.classifier.Flush()
	if len(plans) == 0 {
		return
	}
	if err := p.emitter.EmitAll(plans); err != nil {
		p.log.Error("Failed to flush held state", zap.Error(err))
	}
}
