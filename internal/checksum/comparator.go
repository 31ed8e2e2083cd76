package checksum

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-reconciler/internal/model"
)

// Checksummer computes the checksum of a range at one endpoint.
type Checksummer interface {
	Checksum(ctx context.Context, t model.MigrationType, r model.IDRange, salt model.Salt) (*string, error)
}

// ChecksummerFunc adapts a function to the Checksummer interface.
type ChecksummerFunc func(ctx context.Context, t model.MigrationType, r model.IDRange, salt model.Salt) (*string, error)

func (f ChecksummerFunc) Checksum(ctx context.Context, t model.MigrationType, r model.IDRange, salt model.Salt) (*string, error) {
	return f(ctx, t, r, salt)
}

// Mismatch is a leaf range whose checksums differ between source and destination.
type Mismatch struct {
	Type        model.MigrationType
	Range       model.IDRange
	Source      *string
	Destination *string
}

// Comparator bisects an id range to find the leaf ranges whose checksums differ.
// Ranges are compared only as the comparator is advanced, and mismatches are emitted in
// ascending id order.
//
//	for cmp.Next(ctx) {
//		handle(cmp.Mismatch())
//	}
//	return cmp.Err()
type Comparator struct {
	source      Checksummer
	destination Checksummer
	t           model.MigrationType
	salt        model.Salt
	leaf        int64

	stack       []model.IDRange
	mismatch    Mismatch
	comparisons int
	err         error
}

// NewComparator returns a comparator over r. A range is a leaf once it spans fewer than
// leafBatchSize ids past its first, or is a single id.
func NewComparator(source, destination Checksummer, t model.MigrationType, r model.IDRange, salt model.Salt, leafBatchSize int) *Comparator {
	return &Comparator{
		source:      source,
		destination: destination,
		t:           t,
		salt:        salt,
		leaf:        int64(max(leafBatchSize, 1)),
		stack:       []model.IDRange{r},
	}
}

// Next advances to the next mismatching leaf, reporting false once the range is exhausted or
// an error occurred.
func (c *Comparator) Next(ctx context.Context) bool {
	for c.err == nil && len(c.stack) > 0 {
		r := c.stack[len(c.stack)-1]
		c.stack = c.stack[:len(c.stack)-1]

		src, dst, err := c.compare(ctx, r)
		if err != nil {
			c.err = err
			return false
		}
		if model.ChecksumsMatch(src, dst) {
			continue
		}
		if r.Single() || r.Max-r.Min < c.leaf {
			c.mismatch = Mismatch{Type: c.t, Range: r, Source: src, Destination: dst}
			return true
		}
		left, right := r.Split()
		c.stack = append(c.stack, right, left)
	}
	return false
}

// Mismatch returns the mismatch Next advanced to.
func (c *Comparator) Mismatch() Mismatch {
	return c.mismatch
}

func (c *Comparator) Err() error {
	return c.err
}

// Comparisons returns the number of ranges compared so far.
func (c *Comparator) Comparisons() int {
	return c.comparisons
}

func (c *Comparator) compare(ctx context.Context, r model.IDRange) (src, dst *string, err error) {
	c.comparisons++
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		src, err = c.source.Checksum(gctx, c.t, r, c.salt)
		return err
	})
	g.Go(func() (err error) {
		dst, err = c.destination.Checksum(gctx, c.t, r, c.salt)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("comparing %s %s: %w", c.t, r, err)
	}
	return src, dst, nil
}
