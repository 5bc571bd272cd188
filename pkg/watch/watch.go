package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/datakit/pkg/pipeline"
)

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Pipeline *pipeline.Pipeline
	Interval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pipeline == nil {
		return errors.New("pipeline is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Loop runs a pipeline on an interval: once immediately, then every tick.
// Run failures are logged and the loop keeps going; the next tick gets a
// fresh chance.
type Loop struct {
	log *slog.Logger
	cfg Config

	runMu sync.Mutex

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loop{
		log:     cfg.Logger,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

// Ready reports whether at least one run has completed successfully.
func (l *Loop) Ready() bool {
	select {
	case <-l.readyCh:
		return true
	default:
		return false
	}
}

func (l *Loop) WaitReady(ctx context.Context) error {
	select {
	case <-l.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for watch loop: %w", ctx.Err())
	}
}

func (l *Loop) Start(ctx context.Context) {
	go func() {
		l.log.Info("watch: starting refresh loop", "interval", l.cfg.Interval)

		l.safeRun(ctx)

		ticker := l.cfg.Clock.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				l.safeRun(ctx)
			}
		}
	}()
}

func (l *Loop) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("watch: run panicked", "panic", r)
		}
	}()

	l.runMu.Lock()
	defer l.runMu.Unlock()

	if _, err := l.cfg.Pipeline.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		l.log.Error("watch: run failed", "error", err)
		return
	}
	l.readyOnce.Do(func() { close(l.readyCh) })
}
