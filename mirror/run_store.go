package mirror

import (
	"context"
	"time"
)

// Run statuses.
const (
	RunSucceeded     = "succeeded"
	RunFailed        = "failed"
	RunPublishFailed = "publish_failed"
)

// RunCounts summarises the work of one run.
type RunCounts struct {
	Total        int `json:"total" bson:"total"`
	Skipped      int `json:"skipped" bson:"skipped"`
	Processed    int `json:"processed" bson:"processed"`
	AssetUploads int `json:"asset_uploads" bson:"asset_uploads"`
	Batches      int `json:"batches" bson:"batches"`
}

// RunRecord is the outcome of one mirror run.
type RunRecord struct {
	RunID        string    `json:"run_id" bson:"_id"`
	Prefix       string    `json:"prefix" bson:"prefix"`
	StartedAt    time.Time `json:"started_at" bson:"started_at"`
	FinishedAt   time.Time `json:"finished_at" bson:"finished_at"`
	Status       string    `json:"status" bson:"status"`
	FailureKind  string    `json:"failure_kind,omitempty" bson:"failure_kind,omitempty"`
	Error        string    `json:"error,omitempty" bson:"error,omitempty"`
	UsedPrevious bool      `json:"used_previous" bson:"used_previous"`
	Counts       RunCounts `json:"counts" bson:"counts"`
}

// RunStore persists run records. Get and Latest return ErrRunNotFound when
// nothing matches.
type RunStore interface {
	Save(ctx context.Context, record RunRecord) error
	Get(ctx context.Context, runID string) (*RunRecord, error)
	Latest(ctx context.Context) (*RunRecord, error)
}
