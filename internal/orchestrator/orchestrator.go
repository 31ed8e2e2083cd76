// Package orchestrator drives a reconciliation run: a gap fill phase followed by a checksum
// delta phase, each drained through the scheduler before the next begins.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-reconciler/internal/jobgen"
	"github.com/rudderlabs/rudder-reconciler/internal/model"
	"github.com/rudderlabs/rudder-reconciler/utils/misc"
)

// Scheduler runs the jobs pushed to it.
type Scheduler interface {
	Push(job model.DestinationJob)
	IsDone() bool
	Pending() int
	InFlight() int
	TakeFailure() error
	Run(ctx context.Context)
}

// Generators builds the job generators of each phase.
type Generators interface {
	GapFill(metadata []model.TypeMetadata) jobgen.Generator
	Delta(metadata []model.TypeMetadata, salt model.Salt) jobgen.Generator
}

type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseGapFill       Phase = "gap_fill"
	PhaseChecksumDelta Phase = "checksum_delta"
	PhaseDone          Phase = "done"
	PhaseFailed        Phase = "failed"
)

// Status is a snapshot of the progress of a run.
type Status struct {
	Phase     Phase     `json:"phase"`
	StartedAt time.Time `json:"startedAt"`
	Generated int       `json:"generated"`
	Pending   int       `json:"pending"`
	InFlight  int       `json:"inFlight"`
}

type Orchestrator struct {
	scheduler  Scheduler
	generators Generators
	logger     logger.Logger
	stats      stats.Stats

	drainPollInterval *config.Reloadable[time.Duration]
	maxPendingJobs    *config.Reloadable[int]

	mu     sync.Mutex
	status Status
}

func New(scheduler Scheduler, generators Generators, conf *config.Config, log logger.Logger, s stats.Stats) *Orchestrator {
	return &Orchestrator{
		scheduler:         scheduler,
		generators:        generators,
		logger:            log.Child("orchestrator"),
		stats:             s,
		drainPollInterval: conf.GetReloadableDurationVar(1, time.Second, "Reconciler.drainPollInterval"),
		maxPendingJobs:    conf.GetReloadableIntVar(64, 1, "Reconciler.maxPendingJobs"),
		status:            Status{Phase: PhaseIdle},
	}
}

// Migrate reconciles the destination with the source for the types of metadata, in order.
//
// A job failure or a generator error fails the phase once it has fully drained, and the run
// stops there. Cancelling ctx stops generating and waiting, but started jobs keep running on
// the destination.
func (o *Orchestrator) Migrate(ctx context.Context, metadata []model.TypeMetadata) error {
	runCtx, cancel := context.WithCancel(ctx)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		o.scheduler.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-schedulerDone
	}()

	o.setStatus(func(s *Status) { *s = Status{Phase: PhaseIdle, StartedAt: time.Now()} })
	if err := o.runPhase(ctx, PhaseGapFill, o.generators.GapFill(metadata)); err != nil {
		return err
	}
	// checksums are only comparable within a build
	salt := model.NewSalt()
	if err := o.runPhase(ctx, PhaseChecksumDelta, o.generators.Delta(metadata, salt)); err != nil {
		return err
	}
	o.setStatus(func(s *Status) { s.Phase = PhaseDone })
	return nil
}

func (o *Orchestrator) runPhase(ctx context.Context, phase Phase, gen jobgen.Generator) (err error) {
	log := o.logger.Withn(logger.NewStringField("phase", string(phase)))
	log.Infon("Starting phase")
	o.setStatus(func(s *Status) { s.Phase = phase })

	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			o.setStatus(func(s *Status) { s.Phase = PhaseFailed })
		}
		o.stats.NewTaggedStat("reconciler_phase_duration", stats.TimerType, stats.Tags{
			"phase":   string(phase),
			"outcome": outcome,
		}).Since(start)
	}()

	var generated int
	for gen.Next(ctx) {
		if err := o.waitForCapacity(ctx); err != nil {
			return fmt.Errorf("%s: %w", phase, err)
		}
		job := gen.Job()
		o.scheduler.Push(job)
		generated++
		o.setStatus(func(s *Status) { s.Generated++ })
		o.stats.NewTaggedStat("reconciler_generated_jobs", stats.CountType, stats.Tags{
			"phase":         string(phase),
			"migrationType": string(job.MigrationType()),
		}).Increment()
	}
	genErr := gen.Err()
	if genErr != nil && ctx.Err() != nil {
		return fmt.Errorf("%s: %w", phase, ctx.Err())
	}

	// jobs already pushed drain even when generation failed
	if err := misc.WaitUntil(ctx, o.drainPollInterval.Load(), o.scheduler.IsDone); err != nil {
		return fmt.Errorf("%s: waiting for jobs to drain: %w", phase, err)
	}
	if err := errors.Join(genErr, o.scheduler.TakeFailure()); err != nil {
		log.Errorn("Phase failed", logger.NewIntField("jobs", int64(generated)), obskit.Error(err))
		return fmt.Errorf("%s: %w", phase, err)
	}
	log.Infon("Phase completed",
		logger.NewIntField("jobs", int64(generated)),
		logger.NewDurationField("duration", time.Since(start)),
	)
	return nil
}

// waitForCapacity blocks while Reconciler.maxPendingJobs jobs are waiting.
func (o *Orchestrator) waitForCapacity(ctx context.Context) error {
	limit := o.maxPendingJobs.Load()
	if limit <= 0 {
		return nil
	}
	return misc.WaitUntil(ctx, o.drainPollInterval.Load(), func() bool {
		return o.scheduler.Pending() < limit
	})
}

// Status returns the progress of the current or last run.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	s := o.status
	o.mu.Unlock()
	s.Pending = o.scheduler.Pending()
	s.InFlight = o.scheduler.InFlight()
	return s
}

func (o *Orchestrator) setStatus(f func(*Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f(&o.status)
}
