// Copyright 2025 James Ross
package store

import "time"

// AuditAction is the terminal outcome recorded for a write-governance decision.
type AuditAction string

const (
	ActionAllow    AuditAction = "allow"
	ActionRedirect AuditAction = "redirect"
	ActionReject   AuditAction = "reject"
)

// OutboxStatus is the lifecycle state of an outbox memory entry.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxDead    OutboxStatus = "dead"
)

// JobMode distinguishes incremental catch-up from historical backfill.
type JobMode string

const (
	ModeIncremental JobMode = "incremental"
	ModeBackfill    JobMode = "backfill"
)

// JobStatus is the lifecycle state of an SCM sync job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
)

// VCSType identifies the source-control system backing a repo.
type VCSType string

const (
	VCSGit VCSType = "git"
	VCSSVN VCSType = "svn"
)

// Settings is the per-project governance configuration row.
type Settings struct {
	ProjectKey       string
	TeamWriteEnabled bool
	PolicyJSON       []byte
	UpdatedBy        string
	UpdatedAt        time.Time
}

// AuditRecord is one append-only write-governance decision.
type AuditRecord struct {
	AuditID          int64
	Ts               time.Time
	ActorUserID      *string
	TargetSpace      string
	Action           AuditAction
	Reason           string
	PayloadSHA       *string
	EvidenceRefsJSON []byte
}

// OutboxRow is a durable write awaiting delivery to the memory service.
type OutboxRow struct {
	OutboxID      int64
	ItemID        *string
	TargetSpace   string
	PayloadMD     string
	PayloadSHA    string
	Status        OutboxStatus
	RetryCount    int
	NextAttemptAt time.Time
	LockedBy      *string
	LockedAt      *time.Time
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ScmJob is one unit of SCM synchronization work.
type ScmJob struct {
	JobID       string
	RepoID      string
	JobType     string
	Mode        JobMode
	Priority    int
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	NotBefore   time.Time
	LockedBy    *string
	LockedAt    *time.Time
	LeaseSeconds int
	LastRunID   *string
	LastError   *string
	PayloadJSON []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SyncRun is an append-only health record for one job execution.
type SyncRun struct {
	RunID          string
	RepoID         string
	JobType        string
	StartedAt      time.Time
	EndedAt        *time.Time
	Status         string
	ItemsSynced    int
	ItemsFailed    int
	TotalRequests  int
	Total429Hits   int
	TimeoutCount   int
	ErrorCategory  *string
	CursorBefore   *string
	CursorAfter    *string
}

// InstanceBucket is the persisted token-bucket state for one upstream instance.
type InstanceBucket struct {
	InstanceKey string
	Tokens      float64
	Rate        float64
	Burst       float64
	PausedUntil *time.Time
	UpdatedAt   time.Time
}

// ScmRepo identifies one synchronized repository.
type ScmRepo struct {
	RepoID      string
	VCSType     VCSType
	RemoteURL   string
	TenantID    *string
	InstanceKey string
}

// Watermark tracks the forward-only sync cursor for one (repo, job_type) pair.
type Watermark struct {
	RepoID     string
	JobType    string
	CursorTime *time.Time
	CursorRev  *int64
	UpdatedAt  time.Time
}
