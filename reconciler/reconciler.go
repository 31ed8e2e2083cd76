// Package reconciler makes a destination admin endpoint converge to a source one.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-reconciler/internal/adminclient"
	"github.com/rudderlabs/rudder-reconciler/internal/asyncop"
	"github.com/rudderlabs/rudder-reconciler/internal/checksum"
	"github.com/rudderlabs/rudder-reconciler/internal/jobgen"
	"github.com/rudderlabs/rudder-reconciler/internal/metadata"
	"github.com/rudderlabs/rudder-reconciler/internal/model"
	"github.com/rudderlabs/rudder-reconciler/internal/orchestrator"
	"github.com/rudderlabs/rudder-reconciler/internal/scheduler"
)

var ErrMissingEndpoint = errors.New("missing endpoint url")

type modeSetter interface {
	SetMode(ctx context.Context, mode adminclient.Mode) error
}

type collector interface {
	Collect(ctx context.Context) ([]model.TypeMetadata, error)
}

type migrator interface {
	Migrate(ctx context.Context, metadata []model.TypeMetadata) error
	Status() orchestrator.Status
}

// Status is the progress of a reconciliation.
type Status struct {
	orchestrator.Status
	Attempt int `json:"attempt"`
}

type Reconciler struct {
	destination modeSetter
	collector   collector
	migrator    migrator
	logger      logger.Logger
	stats       stats.Stats

	maxAttempts          int
	retryInitialInterval time.Duration
	retryMaxInterval     time.Duration
	modeRestoreTimeout   time.Duration

	attempt atomic.Int64
}

// New wires a reconciler between the endpoints at Reconciler.sourceURL and
// Reconciler.destinationURL.
func New(conf *config.Config, log logger.Logger, s stats.Stats) (*Reconciler, error) {
	sourceURL := conf.GetStringVar("", "Reconciler.sourceURL")
	destinationURL := conf.GetStringVar("", "Reconciler.destinationURL")
	if sourceURL == "" {
		return nil, fmt.Errorf("source: %w", ErrMissingEndpoint)
	}
	if destinationURL == "" {
		return nil, fmt.Errorf("destination: %w", ErrMissingEndpoint)
	}
	log = log.Child("reconciler")

	source := adminclient.New("source", sourceURL, conf, log, s)
	destination := adminclient.New("destination", destinationURL, conf, log, s)
	executor := asyncop.NewExecutor(asyncop.WithConfig(conf), asyncop.WithLogger(log.Child("asyncop")), asyncop.WithStats(s))
	backuper := jobgen.NewSourceBackuper(source, executor, conf, log)
	generators := jobgen.Factory{
		Source:          checksum.NewClient(source, executor, conf, log, s),
		Destination:     checksum.NewClient(destination, executor, conf, log, s),
		DestinationIDs:  destination,
		Backuper:        backuper,
		MaxBatchSize:    conf.GetIntVar(10000, 1, "Reconciler.maxBatchSize"),
		IgnoreThreshold: conf.GetInt64Var(0, 1, "Reconciler.destRowCountIgnoreThreshold"),
	}
	sched := scheduler.New(destination, executor,
		scheduler.WithConfig(conf), scheduler.WithLogger(log.Child("scheduler")), scheduler.WithStats(s))

	return newReconciler(
		destination,
		metadata.NewCollector(source, destination, conf, log),
		orchestrator.New(sched, generators, conf, log, s),
		conf, log, s,
	), nil
}

func newReconciler(destination modeSetter, collector collector, migrator migrator, conf *config.Config, log logger.Logger, s stats.Stats) *Reconciler {
	return &Reconciler{
		destination:          destination,
		collector:            collector,
		migrator:             migrator,
		logger:               log,
		stats:                s,
		maxAttempts:          conf.GetIntVar(3, 1, "Reconciler.maxRunAttempts"),
		retryInitialInterval: conf.GetDurationVar(5, time.Second, "Reconciler.runRetry.initialInterval"),
		retryMaxInterval:     conf.GetDurationVar(1, time.Minute, "Reconciler.runRetry.maxInterval"),
		modeRestoreTimeout:   conf.GetDurationVar(30, time.Second, "Reconciler.modeRestoreTimeout"),
	}
}

// Run reconciles the destination with the source. The destination is kept in restricted mode
// for the whole run and is switched back to normal mode however the run ends.
//
// A failed attempt is retried from metadata collection, up to Reconciler.maxRunAttempts attempts.
func (r *Reconciler) Run(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		r.stats.NewTaggedStat("reconciler_run_duration", stats.TimerType, stats.Tags{"outcome": outcome}).Since(start)
	}()

	if err := r.destination.SetMode(ctx, adminclient.ModeRestricted); err != nil {
		return fmt.Errorf("restricting destination writes: %w", err)
	}
	r.logger.Infon("Destination switched to restricted mode")
	defer func() {
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.modeRestoreTimeout)
		defer cancel()
		if modeErr := r.destination.SetMode(restoreCtx, adminclient.ModeNormal); modeErr != nil {
			r.logger.Errorn("Restoring destination normal mode", obskit.Error(modeErr))
			err = errors.Join(err, fmt.Errorf("restoring destination normal mode: %w", modeErr))
			return
		}
		r.logger.Infon("Destination switched back to normal mode")
	}()

	r.attempt.Store(0)
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.retryInitialInterval),
		backoff.WithMaxInterval(r.retryMaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(r.maxAttempts, 1)-1)), ctx)
	err = backoff.RetryNotify(func() error {
		attempt := r.attempt.Add(1)
		r.logger.Infon("Starting reconciliation attempt", logger.NewIntField("attempt", attempt))
		err := r.attemptOnce(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, d time.Duration) {
		r.stats.NewStat("reconciler_run_retries", stats.CountType).Increment()
		r.logger.Warnn("Reconciliation attempt failed, retrying",
			logger.NewIntField("attempt", r.attempt.Load()),
			logger.NewDurationField("retryIn", d),
			obskit.Error(err),
		)
	})
	if err != nil {
		return fmt.Errorf("reconciliation failed after %d attempts: %w", r.attempt.Load(), err)
	}
	r.logger.Infon("Reconciliation completed",
		logger.NewIntField("attempts", r.attempt.Load()),
		logger.NewDurationField("duration", time.Since(start)),
	)
	return nil
}

func (r *Reconciler) attemptOnce(ctx context.Context) error {
	md, err := r.collector.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collecting metadata: %w", err)
	}
	return r.migrator.Migrate(ctx, md)
}

// Collect returns the metadata of the types a run would reconcile.
func (r *Reconciler) Collect(ctx context.Context) ([]model.TypeMetadata, error) {
	return r.collector.Collect(ctx)
}

func (r *Reconciler) Status() Status {
	return Status{Status: r.migrator.Status(), Attempt: int(r.attempt.Load())}
}
