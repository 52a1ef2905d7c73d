package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
)

// Decayer runs one decay pass.
type Decayer interface {
	Decay(ctx context.Context) (DecayReport, error)
}

// Scheduler runs rule health decay in the background.
type Scheduler struct {
	decayer  Decayer
	interval time.Duration
	timeout  time.Duration
	log      *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler that decays every interval.
func NewScheduler(decayer Decayer, interval time.Duration, log *logging.Logger) (*Scheduler, error) {
	if decayer == nil {
		return nil, fmt.Errorf("decayer cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("decay interval must be positive, got %s", interval)
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Scheduler{
		decayer:  decayer,
		interval: interval,
		timeout:  5 * time.Minute,
		log:      log.Named("policy.scheduler"),
	}, nil
}

// Start begins scheduled decay. It returns an error if already running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	s.log.Info(context.Background(), "decay scheduler started", zap.Duration("interval", s.interval))
	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop signals the loop to exit and waits for it. Stopping a stopped
// scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce()
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single decay pass. Errors and panics are logged.
func (s *Scheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error(ctx, "decay pass panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	if _, err := s.decayer.Decay(ctx); err != nil {
		s.log.Error(ctx, "decay pass failed", zap.Error(err))
	}
}
