package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Mooling0602/Multi-touch-as-Touchpad/internal/configsvc"
	"github.com/Mooling0602/Multi-touch-as-Touchpad/internal/touchsvc"
	"github.com/Mooling0602/Multi-touch-as-Touchpad/internal/touchsvc/linux"
)

// Config selects the file locations the agent works with. Everything
// behavioral lives in the touchpad config file itself.
type Config struct {
	DataDir        string
	TouchpadConfig string
	// Device overrides the configured physical device path.
	Device string
}

type Agent struct {
	config Config

	db        *badger.DB
	configSvc *configsvc.Service
	touchSvc  *touchsvc.Service
}

func NewAgent(config Config) (*Agent, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}
	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	configSvc := configsvc.New(logger.Named("config"))
	backend := linux.NewBackend(logger.Named("evdev"))
	touchSvc := touchsvc.New(db, logger.Named("touch"), time.Now, backend,
		configSvc, config.TouchpadConfig, config.Device)

	return &Agent{
		config:    config,
		db:        db,
		configSvc: configSvc,
		touchSvc:  touchSvc,
	}, nil
}

func (a *Agent) Close() error {
	return a.db.Close()
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}

// Run starts the agent and blocks until the context is cancelled or the
// pipeline fails. The touch service flushes held button state before
// returning, so the virtual device never ends up stuck pressed.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		defer cancel()
		return a.touchSvc.Start(groupCtx)
	})

	err := group.Wait()
	if err != nil {
		return fmt.Errorf("agent failed: %w", err)
	}
	return nil
}

func (a *Agent) Touch() *touchsvc.Service {
	return a.touchSvc
}
