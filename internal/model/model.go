package model

import (
	"fmt"

	"github.com/google/uuid"
)

// MigrationType identifies a category of entities that is migrated as a unit.
type MigrationType string

// IDRange is a range of ids, inclusive on both ends.
type IDRange struct {
	Min int64 `json:"minId"`
	Max int64 `json:"maxId"`
}

// NewIDRange returns the inclusive range [min, max].
func NewIDRange(min, max int64) (IDRange, error) {
	if min > max {
		return IDRange{}, fmt.Errorf("invalid id range [%d, %d]: min greater than max", min, max)
	}
	return IDRange{Min: min, Max: max}, nil
}

// Len returns the number of ids in the range
func (r IDRange) Len() int64 {
	return r.Max - r.Min + 1
}

// Single reports whether the range holds exactly one id.
func (r IDRange) Single() bool {
	return r.Min == r.Max
}

// Split divides the range at its midpoint into [Min, mid] and [mid+1, Max].
// It must not be called on a single-id range.
func (r IDRange) Split() (IDRange, IDRange) {
	mid := r.Min + (r.Max-r.Min)/2
	return IDRange{Min: r.Min, Max: mid}, IDRange{Min: mid + 1, Max: r.Max}
}

func (r IDRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}

// Bounds are the id bounds and row count of a migration type observed at one endpoint.
type Bounds struct {
	MinID int64 `json:"minId"`
	MaxID int64 `json:"maxId"`
	Count int64 `json:"count"`
}

// TypeMetadata is the snapshot of a migration type at both endpoints.
// A nil side means that store holds no rows of the type.
type TypeMetadata struct {
	Type        MigrationType
	Source      *Bounds
	Destination *Bounds
}

// RangeChecksum is the checksum of a range of rows at one endpoint.
// A nil Checksum means there are no rows in the range.
type RangeChecksum struct {
	Type     MigrationType
	Range    IDRange
	Checksum *string
}

// Matches reports whether both checksums describe the same rows.
func (c RangeChecksum) Matches(other RangeChecksum) bool {
	return ChecksumsMatch(c.Checksum, other.Checksum)
}

// ChecksumsMatch is true if both checksums are nil, or both are non-nil and equal.
func ChecksumsMatch(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Salt is mixed into every checksum computed during a run so that checksums of the same range
// taken at different times remain comparable.
type Salt string

// NewSalt returns a new random salt
func NewSalt() Salt {
	return Salt(uuid.NewString())
}
