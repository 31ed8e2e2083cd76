package asyncop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-reconciler/internal/model"
	"github.com/rudderlabs/rudder-reconciler/utils/misc"
)

// Endpoint is an administrative endpoint accepting asynchronous jobs.
type Endpoint interface {
	// Name identifies the endpoint in logs and metrics
	Name() string
	// Submit submits a request and returns the initial handle of the job
	Submit(ctx context.Context, req model.Request) (model.Handle, error)
	// Poll returns the current handle of a job
	Poll(ctx context.Context, jobID string) (model.Handle, error)
}

type Opt func(*Executor)

func WithConfig(conf *config.Config) Opt {
	return func(e *Executor) {
		e.conf = conf
	}
}

func WithLogger(log logger.Logger) Opt {
	return func(e *Executor) {
		e.logger = log
	}
}

func WithStats(s stats.Stats) Opt {
	return func(e *Executor) {
		e.stats = s
	}
}

// Executor submits requests to endpoints and polls the resulting jobs until they reach a
// terminal state.
type Executor struct {
	conf   *config.Config
	logger logger.Logger
	stats  stats.Stats

	c struct {
		pollInterval   *config.Reloadable[time.Duration]
		maxPollRetries *config.Reloadable[int]
		pollRetryDelay *config.Reloadable[time.Duration]
	}
}

// NewExecutor creates a new executor. Polling is configured through
// Reconciler.pollInterval, Reconciler.maxPollRetries and Reconciler.pollRetryDelay.
func NewExecutor(opts ...Opt) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	if e.conf == nil {
		e.conf = config.Default
	}
	if e.logger == nil {
		e.logger = logger.NewLogger().Child("asyncop")
	}
	if e.stats == nil {
		e.stats = stats.Default
	}
	e.c.pollInterval = e.conf.GetReloadableDurationVar(1, time.Second, "Reconciler.pollInterval")
	e.c.maxPollRetries = e.conf.GetReloadableIntVar(3, 1, "Reconciler.maxPollRetries")
	e.c.pollRetryDelay = e.conf.GetReloadableDurationVar(1, time.Second, "Reconciler.pollRetryDelay")
	return e
}

// Execute submits req to the endpoint and waits until the remote job completes, returning the
// job's result untouched.
//
// Submission is attempted once. Polls failing with a transient error are retried up to
// Reconciler.maxPollRetries times. The job fails with ErrTimeout as soon as a poll observes
// that more than timeout has elapsed since submission, whatever state that poll reported.
func (e *Executor) Execute(ctx context.Context, ep Endpoint, req model.Request, timeout time.Duration) (json.RawMessage, error) {
	tags := stats.Tags{
		"endpoint":      ep.Name(),
		"operation":     string(req.Operation),
		"migrationType": string(req.MigrationType),
	}
	start := time.Now()
	defer e.stats.NewTaggedStat("reconciler_async_op_duration", stats.TimerType, tags).Since(start)

	res, err := e.execute(ctx, ep, req, start, timeout)
	e.stats.NewTaggedStat("reconciler_async_op_total", stats.CountType, withOutcome(tags, err)).Increment()
	return res, err
}

func (e *Executor) execute(ctx context.Context, ep Endpoint, req model.Request, start time.Time, timeout time.Duration) (json.RawMessage, error) {
	h, err := ep.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submitting %s request to %s: %w", req.Operation, ep.Name(), err)
	}
	// polls address the job by the id returned on submission
	jobID := h.JobID
	log := e.logger.Withn(
		logger.NewStringField("endpoint", ep.Name()),
		logger.NewStringField("operation", string(req.Operation)),
		logger.NewStringField("migrationType", string(req.MigrationType)),
		logger.NewStringField("jobId", jobID),
	)
	log.Debugn("Submitted remote job")

	for !h.State.Terminal() {
		if h.State != model.JobStateProcessing {
			return nil, fmt.Errorf("job %q on %s reported unknown state %q: %w", jobID, ep.Name(), h.State, ErrMalformedResponse)
		}
		if jobID == "" {
			return nil, fmt.Errorf("%s returned a processing job without id: %w", ep.Name(), ErrMalformedResponse)
		}
		if err := misc.SleepCtx(ctx, e.c.pollInterval.Load()); err != nil {
			return nil, fmt.Errorf("waiting for job %q on %s: %w", jobID, ep.Name(), err)
		}
		if h, err = e.poll(ctx, ep, jobID); err != nil {
			return nil, err
		}
		if elapsed := time.Since(start); elapsed > timeout {
			log.Warnn("Remote job timed out",
				logger.NewDurationField("elapsed", elapsed),
				logger.NewDurationField("timeout", timeout),
				logger.NewStringField("lastState", string(h.State)),
			)
			return nil, fmt.Errorf("job %q on %s still %s after %s: %w", jobID, ep.Name(), h.State, elapsed.Round(time.Millisecond), ErrTimeout)
		}
	}

	if h.State == model.JobStateFailed {
		log.Warnn("Remote job failed", logger.NewStringField("details", h.Error))
		return nil, &RemoteJobFailedError{Endpoint: ep.Name(), JobID: jobID, Details: h.Error}
	}
	if !isMigrationResponse(h.Result) {
		return nil, fmt.Errorf("job %q on %s completed with %q: %w", jobID, ep.Name(), string(h.Result), ErrMalformedResponse)
	}
	log.Debugn("Remote job completed", logger.NewDurationField("elapsed", time.Since(start)))
	return h.Result, nil
}

// poll polls the job, retrying transient failures with a constant delay.
func (e *Executor) poll(ctx context.Context, ep Endpoint, jobID string) (model.Handle, error) {
	var (
		h         model.Handle
		permanent bool
		attempts  int
	)
	retries := max(e.c.maxPollRetries.Load(), 0)
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.c.pollRetryDelay.Load()), uint64(retries)),
		ctx,
	)
	err := backoff.RetryNotify(func() error {
		attempts++
		var err error
		h, err = ep.Poll(ctx, jobID)
		if err != nil && !model.IsTransient(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, d time.Duration) {
		e.stats.NewTaggedStat("reconciler_async_op_poll_retries", stats.CountType, stats.Tags{"endpoint": ep.Name()}).Increment()
		e.logger.Warnn("Polling remote job failed, retrying",
			logger.NewStringField("endpoint", ep.Name()),
			logger.NewStringField("jobId", jobID),
			logger.NewIntField("attempt", int64(attempts)),
			logger.NewDurationField("retryIn", d),
			obskit.Error(err),
		)
	})
	switch {
	case err == nil:
		return h, nil
	case permanent:
		return h, fmt.Errorf("polling job %q on %s: %w", jobID, ep.Name(), err)
	case ctx.Err() != nil:
		return h, fmt.Errorf("polling job %q on %s: %w", jobID, ep.Name(), ctx.Err())
	default:
		return h, fmt.Errorf("polling job %q on %s after %d attempts: %w: %w", jobID, ep.Name(), attempts, ErrRetriesExhausted, err)
	}
}

// isMigrationResponse reports whether a completed job's result is a JSON object.
func isMigrationResponse(result json.RawMessage) bool {
	return len(result) > 0 && gjson.ValidBytes(result) && gjson.ParseBytes(result).IsObject()
}

func withOutcome(tags stats.Tags, err error) stats.Tags {
	return lo.Assign(tags, stats.Tags{"outcome": Outcome(err)})
}

// Outcome classifies the result of an execution for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "complete"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRemoteJobFailed):
		return "failed"
	case errors.Is(err, ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "error"
	}
}
