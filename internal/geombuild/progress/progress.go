// Package progress tracks running hierarchy batch computations. Records are
// ephemeral: one per hierarchy, last write wins, evicted a grace period after
// reaching a terminal state so a final poll still sees the outcome.
package progress

import (
	"context"
	"time"

	"github.com/uncovering-world/track-your-regions/internal/region"
)

// Status is the coarse state of a batch.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusComputing Status = "computing"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
)

// Record is the shared progress state of one hierarchy batch.
type Record struct {
	HierarchyID     region.HierarchyID `json:"hierarchyId"`
	Status          Status             `json:"status"`
	StatusText      string             `json:"statusText"`
	CancelRequested bool               `json:"cancelRequested"`

	Processed int `json:"processed"`
	Total     int `json:"total"`
	Computed  int `json:"computed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`

	CurrentItem string    `json:"currentItem"`
	StartedAt   time.Time `json:"startedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Terminal reports whether the batch has finished, one way or the other.
func (r *Record) Terminal() bool {
	return r.Status == StatusComplete || r.Status == StatusCancelled
}

// Percent returns completion as 0-100.
func (r *Record) Percent() int {
	if r.Total == 0 {
		return 0
	}
	return r.Processed * 100 / r.Total
}

// Store holds batch progress records keyed by hierarchy. Implementations only
// guarantee "last write per key wins" and TTL-based eviction, so a shared
// cache works as well as process memory.
type Store interface {
	// Get returns the record for a hierarchy, or nil when none exists.
	Get(ctx context.Context, id region.HierarchyID) (*Record, error)
	// Put stores a record, replacing any previous one.
	Put(ctx context.Context, rec *Record) error
	// RequestCancel sets the cancel flag on an existing record. Returns
	// false when no record exists; calling after completion is a no-op.
	RequestCancel(ctx context.Context, id region.HierarchyID) (bool, error)
	// ExpireAfter schedules eviction of the record after ttl.
	ExpireAfter(ctx context.Context, id region.HierarchyID, ttl time.Duration) error
}
