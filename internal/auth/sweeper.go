package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/clients"
	"github.com/brizzai/task-mcp/internal/auth/encryption"
	"github.com/brizzai/task-mcp/internal/auth/sessions"
	"github.com/brizzai/task-mcp/internal/config"
	"github.com/brizzai/task-mcp/internal/logger"
	"github.com/brizzai/task-mcp/internal/storage"
	"go.uber.org/zap"
)

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Sessions int64 `json:"sessions" yaml:"sessions"`
	Clients  int64 `json:"clients" yaml:"clients"`
}

// Sweeper periodically deletes inactive sessions and expired client registrations.
type Sweeper struct {
	sessions   *sessions.Store
	clients    *clients.Registry
	interval   time.Duration
	inactivity time.Duration

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a Sweeper over the service's stores. It does nothing until Start.
func NewSweeper(s *Service, cfg *config.AuthConfig) *Sweeper {
	return newSweeper(s.sessions, s.clients, cfg)
}

// NewStoreSweeper creates a Sweeper directly over store, for one-shot sweeps
// that run without an identity provider.
func NewStoreSweeper(store storage.Store, cipher *encryption.TokenCipher, cfg *config.AuthConfig) *Sweeper {
	return newSweeper(
		sessions.NewStore(store, cipher, cfg.MaxSessions),
		clients.NewRegistry(store, cipher, cfg.ClientTTL),
		cfg,
	)
}

func newSweeper(sessionStore *sessions.Store, registry *clients.Registry, cfg *config.AuthConfig) *Sweeper {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		sessions:   sessionStore,
		clients:    registry,
		interval:   interval,
		inactivity: cfg.SessionInactivity,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// RunOnce performs a single sweep.
func (sw *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var err error

	res.Sessions, err = sw.sessions.SweepInactive(ctx, sw.inactivity)
	if err != nil {
		return res, err
	}
	res.Clients, err = sw.clients.SweepExpired(ctx)
	if err != nil {
		return res, err
	}

	if res.Sessions > 0 || res.Clients > 0 {
		logger.Info("Swept expired records",
			zap.Int64("sessions", res.Sessions),
			zap.Int64("clients", res.Clients),
		)
	}
	return res, nil
}

// Start runs sweeps in the background until Stop.
func (sw *Sweeper) Start() {
	if sw.started.CompareAndSwap(false, true) {
		go sw.loop()
	}
}

// Stop ends the background loop and waits for a running sweep to finish.
func (sw *Sweeper) Stop() {
	sw.stopOnce.Do(func() {
		close(sw.stop)
		if sw.started.Load() {
			<-sw.done
		}
	})
}

func (sw *Sweeper) loop() {
	defer close(sw.done)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sw.interval)
			if _, err := sw.RunOnce(ctx); err != nil {
				logger.Error("Sweep failed", zap.Error(err))
			}
			cancel()
		case <-sw.stop:
			return
		}
	}
}
