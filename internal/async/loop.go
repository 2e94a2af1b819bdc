package async

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Aman-CERP/amanidx/internal/reconcile"
)

// PassFunc runs one reconcile pass.
type PassFunc func(ctx context.Context) (*reconcile.PassResult, error)

// LoopConfig configures a Loop.
type LoopConfig struct {
	// Interval between passes. Triggers run a pass sooner.
	Interval time.Duration
	// AfterPass runs after every pass, e.g. to refresh gauges.
	AfterPass func(ctx context.Context)
}

// Loop runs reconcile passes in a background goroutine: one at start, then
// on every tick and every trigger. A failed pass is recorded and the loop
// keeps going.
type Loop struct {
	config   LoopConfig
	pass     PassFunc
	progress *Progress
	logger   *slog.Logger

	trigger chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu      sync.Mutex
	started bool
	running bool
	lastErr error
}

// NewLoop returns a stopped loop running pass.
func NewLoop(cfg LoopConfig, pass PassFunc) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Loop{
		config:   cfg,
		pass:     pass,
		progress: NewProgress(),
		logger:   slog.Default(),
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Progress returns the progress tracker of this loop.
func (l *Loop) Progress() *Progress {
	return l.progress
}

// IsRunning returns true while the loop goroutine is alive.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Start launches the loop. It returns immediately; a second Start is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.running = true
	l.mu.Unlock()

	go l.run(ctx)
}

// Trigger asks for a pass as soon as the current one finishes. Triggers
// arriving while one is already queued are coalesced.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		l.progress.SetState(StateStopped)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	l.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.trigger:
		}
		l.runPass(ctx)
	}
}

func (l *Loop) runPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	l.progress.SetState(StateReconciling)
	result, err := l.pass(ctx)
	l.progress.RecordPass(result, err, time.Now())
	l.progress.SetState(StateIdle)

	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
	if err != nil && ctx.Err() == nil {
		l.logger.Error("reconcile_pass_failed", slog.String("error", err.Error()))
	}
	if l.config.AfterPass != nil {
		l.config.AfterPass(ctx)
	}
}

// Stop signals the loop to exit and waits for it. A running pass sees its
// context cancelled.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	l.mu.Unlock()
	<-l.doneCh
}

// Wait blocks until the loop exits and returns the error of the last pass.
func (l *Loop) Wait() error {
	<-l.doneCh
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}
