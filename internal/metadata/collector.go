// Package metadata snapshots the migration types both endpoints hold, before a run starts.
package metadata

import (
	"context"
	"fmt"
	"slices"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-reconciler/internal/model"
)

// Endpoint reports the types it supports and the bounds of each.
type Endpoint interface {
	Name() string
	Types(ctx context.Context) ([]model.MigrationType, error)
	Bounds(ctx context.Context, t model.MigrationType) (*model.Bounds, error)
}

type Collector struct {
	source      Endpoint
	destination Endpoint
	logger      logger.Logger

	typeOrder   []model.MigrationType
	concurrency int
}

// NewCollector creates a collector. Types are ordered as listed in Reconciler.typeOrder,
// followed by the unlisted ones in alphabetical order.
func NewCollector(source, destination Endpoint, conf *config.Config, log logger.Logger) *Collector {
	typeOrder := lo.Map(conf.GetStringSliceVar(nil, "Reconciler.typeOrder"), func(t string, _ int) model.MigrationType {
		return model.MigrationType(t)
	})
	return &Collector{
		source:      source,
		destination: destination,
		logger:      log.Child("metadata"),
		typeOrder:   typeOrder,
		concurrency: conf.GetIntVar(8, 1, "Reconciler.metadataConcurrency"),
	}
}

// Types returns the types both endpoints support, in migration order.
func (c *Collector) Types(ctx context.Context) ([]model.MigrationType, error) {
	var sourceTypes, destinationTypes []model.MigrationType
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		if sourceTypes, err = c.source.Types(gctx); err != nil {
			return fmt.Errorf("listing %s types: %w", c.source.Name(), err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if destinationTypes, err = c.destination.Types(gctx); err != nil {
			return fmt.Errorf("listing %s types: %w", c.destination.Name(), err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	common := lo.Uniq(lo.Intersect(sourceTypes, destinationTypes))
	if skipped := lo.Without(lo.Union(sourceTypes, destinationTypes), common...); len(skipped) > 0 {
		c.logger.Warnn("Skipping types not supported by both endpoints",
			logger.NewStringField("types", fmt.Sprint(skipped)))
	}
	return order(common, c.typeOrder), nil
}

// Collect returns the metadata of every type both endpoints support, in migration order.
func (c *Collector) Collect(ctx context.Context) ([]model.TypeMetadata, error) {
	types, err := c.Types(ctx)
	if err != nil {
		return nil, err
	}
	metadata := make([]model.TypeMetadata, len(types))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.concurrency, 1))
	for i, t := range types {
		metadata[i].Type = t
		g.Go(func() (err error) {
			if metadata[i].Source, err = c.source.Bounds(gctx, t); err != nil {
				return fmt.Errorf("bounds of %s on %s: %w", t, c.source.Name(), err)
			}
			return nil
		})
		g.Go(func() (err error) {
			if metadata[i].Destination, err = c.destination.Bounds(gctx, t); err != nil {
				return fmt.Errorf("bounds of %s on %s: %w", t, c.destination.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, md := range metadata {
		c.logger.Infon("Collected type metadata",
			logger.NewStringField("migrationType", string(md.Type)),
			logger.NewStringField("source", Describe(md.Source)),
			logger.NewStringField("destination", Describe(md.Destination)),
		)
	}
	return metadata, nil
}

func order(types, typeOrder []model.MigrationType) []model.MigrationType {
	listed := lo.Filter(typeOrder, func(t model.MigrationType, _ int) bool {
		return slices.Contains(types, t)
	})
	rest := lo.Without(types, typeOrder...)
	slices.Sort(rest)
	return append(lo.Uniq(listed), rest...)
}

// Describe renders bounds for logs and tables.
func Describe(b *model.Bounds) string {
	if b == nil {
		return "empty"
	}
	return fmt.Sprintf("[%d, %d] (%d rows)", b.MinID, b.MaxID, b.Count)
}
