package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/charmbracelet/log"
	"github.com/lazypower/recall/internal/memory"
)

// Scheduler runs decay and consolidation passes on cron schedules. An empty
// expression disables that job.
type Scheduler struct {
	engine          *Engine
	decayExpr       string
	consolidateExpr string
	log             *log.Logger

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

// NewScheduler validates both cron expressions.
func NewScheduler(e *Engine, decayExpr, consolidateExpr string, logger *log.Logger) (*Scheduler, error) {
	g := gronx.New()
	for name, expr := range map[string]string{"decay": decayExpr, "consolidate": consolidateExpr} {
		if expr != "" && !g.IsValid(expr) {
			return nil, memory.Invalid(name+"_schedule", "invalid cron expression %q", expr)
		}
	}
	return &Scheduler{
		engine:          e,
		decayExpr:       decayExpr,
		consolidateExpr: consolidateExpr,
		log:             logger,
		now:             time.Now,
	}, nil
}

// Start launches the scheduling loop. Decay elapsed time is tracked by the
// engine, so manual wall-clock passes and scheduled ones share it.
func (s *Scheduler) Start() {
	if s.decayExpr == "" && s.consolidateExpr == "" {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop()
}

// Stop halts the loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		now := s.now()
		decayAt, decayOK := nextRun(s.decayExpr, now)
		consolidateAt, consolidateOK := nextRun(s.consolidateExpr, now)
		if !decayOK && !consolidateOK {
			s.log.Error("no future runs scheduled, stopping")
			return
		}

		next := earliest(decayAt, decayOK, consolidateAt, consolidateOK)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if decayOK && !decayAt.After(next) {
			s.runDecay(ctx)
		}
		if consolidateOK && !consolidateAt.After(next) {
			s.runConsolidate(ctx)
		}
	}
}

func (s *Scheduler) runDecay(ctx context.Context) {
	_, err := s.engine.DecaySinceLast(ctx)
	if errors.Is(err, memory.ErrBusy) {
		s.log.Info("decay already running, skipping")
		return
	}
	if err != nil {
		s.log.Error("scheduled decay failed", "err", err)
	}
}

func (s *Scheduler) runConsolidate(ctx context.Context) {
	_, err := s.engine.Consolidate(ctx, ConsolidateRequest{})
	if errors.Is(err, memory.ErrBusy) {
		s.log.Info("consolidation already running, skipping")
		return
	}
	if err != nil {
		s.log.Error("scheduled consolidation failed", "err", err)
	}
}

func nextRun(expr string, after time.Time) (time.Time, bool) {
	if expr == "" {
		return time.Time{}, false
	}
	t, err := gronx.NextTickAfter(expr, after, false)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func earliest(a time.Time, aOK bool, b time.Time, bOK bool) time.Time {
	switch {
	case aOK && bOK:
		if b.Before(a) {
			return b
		}
		return a
	case aOK:
		return a
	default:
		return b
	}
}

// String describes the active schedules.
func (s *Scheduler) String() string {
	return fmt.Sprintf("decay=%q consolidate=%q", s.decayExpr, s.consolidateExpr)
}
