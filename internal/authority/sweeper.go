package authority

import (
	"context"
	"sync"
	"time"

	"github.com/yegors/sessionpay/pkg/logger"
)

// Sweeper periodically expires sessions past their window. Lookups expire lazily, so the
// sweeper only keeps the ledger tidy for tooling that reads it directly.
type Sweeper struct {
	authority *Authority
	interval  time.Duration
	logger    *logger.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewSweeper creates a new expiry sweeper
func NewSweeper(a *Authority, interval time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		authority: a,
		interval:  interval,
		logger:    log.Named("sweeper"),
	}
}

// Start begins sweeping in the background
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.logger.Info("Starting expiry sweeper", logger.Duration("interval", s.interval))

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	s.started = true
	return nil
}

// Stop waits for the current sweep to finish
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.started = false
	s.logger.Info("Expiry sweeper stopped")
	return nil
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	if _, err := s.authority.ExpireDue(s.ctx); err != nil && s.ctx.Err() == nil {
		s.logger.Error("Expiry sweep failed", logger.Error(err))
	}
}
