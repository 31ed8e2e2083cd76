// Package scheduler runs destination jobs, never more than one per migration type at a time.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-reconciler/internal/asyncop"
	"github.com/rudderlabs/rudder-reconciler/internal/model"
	"github.com/rudderlabs/rudder-reconciler/utils/misc"
)

// Executor runs async requests until completion.
type Executor interface {
	Execute(ctx context.Context, ep asyncop.Endpoint, req model.Request, timeout time.Duration) (json.RawMessage, error)
}

type Opt func(*Scheduler)

func WithConfig(conf *config.Config) Opt {
	return func(s *Scheduler) {
		s.conf = conf
	}
}

func WithLogger(log logger.Logger) Opt {
	return func(s *Scheduler) {
		s.logger = log
	}
}

func WithStats(st stats.Stats) Opt {
	return func(s *Scheduler) {
		s.stats = st
	}
}

// Scheduler holds destination jobs in a FIFO waiting list and starts each one as soon as no
// other job of its type is running. Jobs of distinct types run concurrently.
//
// Push and the periodic Tick may be called from different goroutines.
type Scheduler struct {
	destination asyncop.Endpoint
	executor    Executor
	conf        *config.Config
	logger      logger.Logger
	stats       stats.Stats

	mu          sync.Mutex
	waiting     []model.DestinationJob
	inFlight    map[model.MigrationType]*runningJob
	lastFailure error

	c struct {
		jobTimeout   *config.Reloadable[time.Duration]
		tickInterval *config.Reloadable[time.Duration]
	}
	waitingGauge  stats.Measurement
	inFlightGauge stats.Measurement
}

type runningJob struct {
	job     model.DestinationJob
	started time.Time
	done    chan struct{}
	err     error // set before done is closed
}

// New creates a scheduler running jobs on the destination through executor.
func New(destination asyncop.Endpoint, executor Executor, opts ...Opt) *Scheduler {
	s := &Scheduler{
		destination: destination,
		executor:    executor,
		inFlight:    map[model.MigrationType]*runningJob{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.conf == nil {
		s.conf = config.Default
	}
	if s.logger == nil {
		s.logger = logger.NewLogger().Child("scheduler")
	}
	if s.stats == nil {
		s.stats = stats.Default
	}
	s.c.jobTimeout = s.conf.GetReloadableDurationVar(30, time.Minute, "Reconciler.jobTimeout")
	s.c.tickInterval = s.conf.GetReloadableDurationVar(1, time.Second, "Reconciler.tickInterval")
	s.waitingGauge = s.stats.NewStat("reconciler_scheduler_waiting_jobs", stats.GaugeType)
	s.inFlightGauge = s.stats.NewStat("reconciler_scheduler_in_flight_jobs", stats.GaugeType)
	return s
}

// Push appends a job to the waiting list.
func (s *Scheduler) Push(job model.DestinationJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting = append(s.waiting, job)
	s.waitingGauge.Gauge(len(s.waiting))
}

// Tick reaps the jobs that reached a terminal state, then starts the first waiting job of every
// type without a job in flight. It never waits for a running job.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for t, r := range s.inFlight {
		select {
		case <-r.done:
			delete(s.inFlight, t)
			s.reap(r)
		default:
		}
	}

	remaining := make([]model.DestinationJob, 0, len(s.waiting))
	for _, job := range s.waiting {
		if _, busy := s.inFlight[job.MigrationType()]; busy {
			remaining = append(remaining, job)
			continue
		}
		s.start(ctx, job)
	}
	s.waiting = remaining

	s.waitingGauge.Gauge(len(s.waiting))
	s.inFlightGauge.Gauge(len(s.inFlight))
}

func (s *Scheduler) start(ctx context.Context, job model.DestinationJob) {
	r := &runningJob{job: job, started: time.Now(), done: make(chan struct{})}
	s.inFlight[job.MigrationType()] = r

	req, err := request(job)
	if err != nil {
		r.err = err
		close(r.done)
		return
	}
	s.logger.Debugn("Starting destination job", logger.NewStringField("job", job.String()))
	timeout := s.c.jobTimeout.Load()
	// started jobs always run to completion
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(r.done)
		_, r.err = s.executor.Execute(ctx, s.destination, req, timeout)
	}()
}

func (s *Scheduler) reap(r *runningJob) {
	tags := stats.Tags{
		"migrationType": string(r.job.MigrationType()),
		"kind":          kind(r.job),
		"outcome":       asyncop.Outcome(r.err),
	}
	s.stats.NewTaggedStat("reconciler_destination_jobs", stats.CountType, tags).Increment()
	s.stats.NewTaggedStat("reconciler_destination_job_duration", stats.TimerType, tags).Since(r.started)
	if r.err == nil {
		s.logger.Debugn("Destination job completed", logger.NewStringField("job", r.job.String()))
		return
	}
	s.logger.Errorn("Destination job failed", logger.NewStringField("job", r.job.String()), obskit.Error(r.err))
	s.lastFailure = fmt.Errorf("%s: %w", r.job, r.err)
}

// IsDone reports whether no job is waiting or in flight.
func (s *Scheduler) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting) == 0 && len(s.inFlight) == 0
}

// Pending returns the number of waiting jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

// InFlight returns the number of running jobs.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// TakeFailure returns the last failure observed since the previous call, if any.
func (s *Scheduler) TakeFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.lastFailure
	s.lastFailure = nil
	return err
}

// Run ticks every Reconciler.tickInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if err := misc.SleepCtx(ctx, s.c.tickInterval.Load()); err != nil {
			return
		}
		s.Tick(ctx)
	}
}

func request(job model.DestinationJob) (model.Request, error) {
	switch j := job.(type) {
	case model.RestoreJob:
		return model.NewRestoreRequest(j.Type, j.BackupFileKey, j.BatchSize, j.AliasType), nil
	case model.DeleteJob:
		return model.NewDeleteRequest(j.Type, j.IDs), nil
	default:
		return model.Request{}, fmt.Errorf("unsupported destination job %T", job)
	}
}

func kind(job model.DestinationJob) string {
	switch job.(type) {
	case model.RestoreJob:
		return string(model.OperationRestore)
	case model.DeleteJob:
		return string(model.OperationDelete)
	default:
		return "unknown"
	}
}
