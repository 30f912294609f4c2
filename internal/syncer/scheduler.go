package syncer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler drives periodic sync rounds. Rounds never overlap: a tick that
// arrives while the previous round is still running is skipped, and no
// failure inside a round terminates the loop.
type Scheduler struct {
	engine   *Engine
	interval time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a scheduler over the engine.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	return &Scheduler{engine: engine, interval: interval}
}

// Start launches the sync loop with an immediate first round.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runRound(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runRound(ctx)
			}
		}
	}()

	log.Info().Dur("interval", s.interval).Msg("Sync scheduler started")
}

// Stop halts the loop and waits for an in-flight round to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scheduler) runRound(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		log.Debug().Msg("Previous sync round still running, skipping tick")
		return
	}
	defer s.running.Store(false)

	results := s.engine.SyncWithAllPeers(ctx)

	var applied, pushed int
	for _, result := range results {
		applied += result.EventsApplied
		pushed += result.EventsPushed
	}
	if applied > 0 || pushed > 0 {
		log.Debug().
			Int("peers", len(results)).
			Int("events_applied", applied).
			Int("events_pushed", pushed).
			Msg("Scheduled sync round finished")
	}
}
