package plans

import (
	"time"

	"github.com/fitforge/fitforge-backend/internal/artifact"
)

// Record is a persisted, schema-valid generated artifact. Only
// validated artifacts are ever stored.
type Record struct {
	ID          string        `gorm:"primaryKey;size:26" json:"id"` // ULID
	UserID      uint64        `gorm:"index;not null" json:"-"`
	Kind        artifact.Kind `gorm:"type:varchar(32);index;not null" json:"kind"`
	Fingerprint string        `gorm:"type:varchar(64);index;not null" json:"-"`
	Provider    string        `gorm:"type:varchar(32)" json:"provider"`
	Artifact    string        `gorm:"type:text;not null" json:"artifact"` // JSON payload
	CreatedAt   time.Time     `json:"created_at"`
}

func (Record) TableName() string { return "plan_records" }

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an async generation request consumed by cmd/worker.
type Job struct {
	ID     string `gorm:"primaryKey;size:26"` // ULID
	UserID uint64 `gorm:"not null;index:uniq_plan_job_idempo,unique,priority:1"`

	Kind   artifact.Kind `gorm:"type:varchar(32);not null"`
	Params string        `gorm:"type:text;not null"` // JSON of the override parameters

	// idempotency keys are scoped per user
	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_plan_job_idempo,unique,priority:2" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ResultRecordID *string `gorm:"size:26;index"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "plan_jobs" }
