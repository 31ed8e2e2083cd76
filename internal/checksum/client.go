package checksum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-reconciler/internal/asyncop"
	"github.com/rudderlabs/rudder-reconciler/internal/model"
)

// Endpoint is an admin endpoint able to compute checksums both directly and as async jobs.
type Endpoint interface {
	asyncop.Endpoint
	Checksum(ctx context.Context, t model.MigrationType, r model.IDRange, salt model.Salt) (*string, error)
}

// Executor runs async requests until completion.
type Executor interface {
	Execute(ctx context.Context, ep asyncop.Endpoint, req model.Request, timeout time.Duration) (json.RawMessage, error)
}

// Client obtains range checksums from a single endpoint.
type Client struct {
	endpoint Endpoint
	executor Executor
	logger   logger.Logger
	stats    stats.Stats

	timeout *config.Reloadable[time.Duration]
}

func NewClient(endpoint Endpoint, executor Executor, conf *config.Config, log logger.Logger, s stats.Stats) *Client {
	return &Client{
		endpoint: endpoint,
		executor: executor,
		logger:   log.Child("checksum").Withn(logger.NewStringField("endpoint", endpoint.Name())),
		stats:    s,
		timeout:  conf.GetReloadableDurationVar(30, time.Minute, "Reconciler.jobTimeout"),
	}
}

// Checksum returns the checksum of the rows of type t within r, nil if the endpoint holds none.
//
// The direct call is tried first. Only if it fails transiently, or the endpoint does not support
// it, the checksum is computed through an async job.
func (c *Client) Checksum(ctx context.Context, t model.MigrationType, r model.IDRange, salt model.Salt) (*string, error) {
	sum, err := c.endpoint.Checksum(ctx, t, r, salt)
	if err == nil {
		c.count(t, "direct")
		return sum, nil
	}
	if !model.IsTransient(err) && !errors.Is(err, model.ErrUnsupported) {
		return nil, fmt.Errorf("checksum of %s %s on %s: %w", t, r, c.endpoint.Name(), err)
	}
	c.logger.Debugn("Direct checksum unavailable, falling back to async job",
		logger.NewStringField("migrationType", string(t)),
		logger.NewStringField("range", r.String()),
		obskit.Error(err),
	)

	res, err := c.executor.Execute(ctx, c.endpoint, model.NewChecksumRequest(t, r, salt), c.timeout.Load())
	if err != nil {
		return nil, fmt.Errorf("async checksum of %s %s on %s: %w", t, r, c.endpoint.Name(), err)
	}
	c.count(t, "async")
	return parseChecksum(res)
}

func (c *Client) count(t model.MigrationType, path string) {
	c.stats.NewTaggedStat("reconciler_checksum_requests", stats.CountType, stats.Tags{
		"endpoint":      c.endpoint.Name(),
		"migrationType": string(t),
		"path":          path,
	}).Increment()
}

func parseChecksum(res json.RawMessage) (*string, error) {
	v := gjson.GetBytes(res, "checksum")
	switch {
	case !v.Exists():
		return nil, fmt.Errorf("checksum missing from %s: %w", string(res), asyncop.ErrMalformedResponse)
	case v.Type == gjson.Null:
		return nil, nil
	case v.Type == gjson.String:
		sum := v.String()
		return &sum, nil
	default:
		return nil, fmt.Errorf("checksum of unexpected type in %s: %w", string(res), asyncop.ErrMalformedResponse)
	}
}
