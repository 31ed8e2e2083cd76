// Package jobgen generates the destination jobs of a reconciliation run. Generators are lazy:
// every backup or checksum comparison happens while the consumer pulls the next job.
package jobgen

import (
	"context"
	"fmt"

	"github.com/rudderlabs/rudder-reconciler/internal/checksum"
	"github.com/rudderlabs/rudder-reconciler/internal/model"
)

// Generator is a lazy sequence of destination jobs.
type Generator interface {
	// Next advances to the next job, reporting false when the sequence is exhausted or failed
	Next(ctx context.Context) bool
	// Job returns the job Next advanced to
	Job() model.DestinationJob
	// Err returns the error that stopped the sequence, if any
	Err() error
}

// GapFill generates restores for the ids the source holds past the destination's id span.
type GapFill struct {
	metadata        []model.TypeMetadata
	backuper        Backuper
	maxBatchSize    int64
	ignoreThreshold int64

	next       int
	t          model.MigrationType
	start, end int64 // end is exclusive
	job        model.DestinationJob
	err        error
}

// NewGapFill returns the gap fill generator over the types of metadata, in order.
// A destination holding at most ignoreThreshold rows of a type is resynced from the first
// source id.
func NewGapFill(metadata []model.TypeMetadata, backuper Backuper, maxBatchSize int, ignoreThreshold int64) *GapFill {
	return &GapFill{
		metadata:        metadata,
		backuper:        backuper,
		maxBatchSize:    int64(max(maxBatchSize, 1)),
		ignoreThreshold: ignoreThreshold,
	}
}

func (g *GapFill) Next(ctx context.Context) bool {
	for g.err == nil {
		if g.start >= g.end {
			if g.next >= len(g.metadata) {
				return false
			}
			g.reset(g.metadata[g.next])
			g.next++
			continue
		}
		r := model.IDRange{Min: g.start, Max: min(g.start+g.maxBatchSize, g.end) - 1}
		g.start = r.Max + 1
		job, err := g.backuper.Backup(ctx, g.t, r)
		if err != nil {
			g.err = fmt.Errorf("gap fill: %w", err)
			return false
		}
		g.job = job
		return true
	}
	return false
}

// reset positions the generator at the gap of a type, leaving it empty if there is none.
func (g *GapFill) reset(md model.TypeMetadata) {
	g.t = md.Type
	g.start, g.end = 0, 0
	if md.Source == nil {
		return
	}
	g.start = md.Source.MinID
	if dst := md.Destination; dst != nil && dst.Count > g.ignoreThreshold {
		g.start = max(dst.MaxID+1, md.Source.MinID)
	}
	g.end = md.Source.MaxID + 1
}

func (g *GapFill) Job() model.DestinationJob { return g.job }

func (g *GapFill) Err() error { return g.err }

// IDLister lists the ids an endpoint holds within a range.
type IDLister interface {
	IDs(ctx context.Context, t model.MigrationType, r model.IDRange) ([]int64, error)
}

// Delta generates the jobs repairing the ranges whose checksums differ between the endpoints,
// within the source's id span. A leaf the source holds rows of is backed up and restored.
// A leaf only the destination holds rows of is cleared with a delete.
type Delta struct {
	metadata     []model.TypeMetadata
	source       checksum.Checksummer
	destination  checksum.Checksummer
	lister       IDLister
	backuper     Backuper
	salt         model.Salt
	maxBatchSize int

	next int
	cmp  *checksum.Comparator
	job  model.DestinationJob
	err  error
}

// NewDelta returns the checksum delta generator over the types of metadata, in order. The salt
// is shared by every checksum of the build. lister lists the destination's ids.
func NewDelta(
	metadata []model.TypeMetadata,
	source, destination checksum.Checksummer,
	lister IDLister,
	backuper Backuper,
	salt model.Salt,
	maxBatchSize int,
) *Delta {
	return &Delta{
		metadata:     metadata,
		source:       source,
		destination:  destination,
		lister:       lister,
		backuper:     backuper,
		salt:         salt,
		maxBatchSize: maxBatchSize,
	}
}

func (d *Delta) Next(ctx context.Context) bool {
	for d.err == nil {
		if d.cmp == nil {
			if d.next >= len(d.metadata) {
				return false
			}
			md := d.metadata[d.next]
			d.next++
			if md.Source == nil {
				continue
			}
			d.cmp = checksum.NewComparator(d.source, d.destination, md.Type,
				model.IDRange{Min: md.Source.MinID, Max: md.Source.MaxID}, d.salt, d.maxBatchSize)
		}
		if !d.cmp.Next(ctx) {
			if err := d.cmp.Err(); err != nil {
				d.err = fmt.Errorf("checksum delta: %w", err)
				return false
			}
			d.cmp = nil
			continue
		}
		job, ok, err := d.repair(ctx, d.cmp.Mismatch())
		if err != nil {
			d.err = fmt.Errorf("checksum delta: %w", err)
			return false
		}
		if ok {
			d.job = job
			return true
		}
	}
	return false
}

func (d *Delta) repair(ctx context.Context, m checksum.Mismatch) (model.DestinationJob, bool, error) {
	if m.Source != nil {
		job, err := d.backuper.Backup(ctx, m.Type, m.Range)
		return job, err == nil, err
	}
	ids, err := d.lister.IDs(ctx, m.Type, m.Range)
	if err != nil {
		return nil, false, fmt.Errorf("listing destination ids of %s %s: %w", m.Type, m.Range, err)
	}
	if len(ids) == 0 {
		return nil, false, nil
	}
	return model.DeleteJob{Type: m.Type, IDs: ids}, true, nil
}

func (d *Delta) Job() model.DestinationJob { return d.job }

func (d *Delta) Err() error { return d.err }

// Factory builds the generators of a run from shared collaborators.
type Factory struct {
	Source          checksum.Checksummer
	Destination     checksum.Checksummer
	DestinationIDs  IDLister
	Backuper        Backuper
	MaxBatchSize    int
	IgnoreThreshold int64
}

func (f Factory) GapFill(metadata []model.TypeMetadata) Generator {
	return NewGapFill(metadata, f.Backuper, f.MaxBatchSize, f.IgnoreThreshold)
}

func (f Factory) Delta(metadata []model.TypeMetadata, salt model.Salt) Generator {
	return NewDelta(metadata, f.Source, f.Destination, f.DestinationIDs, f.Backuper, salt, f.MaxBatchSize)
}
