package assignment

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus is the aggregate state of one bulk-assignment request.
type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobProcessing     JobStatus = "processing"
	JobCompleted      JobStatus = "completed"
	JobPartialSuccess JobStatus = "partial_success"
	JobFailed         JobStatus = "failed"
	JobCancelled      JobStatus = "cancelled"
)

// Terminal reports whether no further transition may occur.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartialSuccess, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is the state of one (user, project) unit of work.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskSuccess    TaskStatus = "success"
	TaskSkipped    TaskStatus = "skipped"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskSkipped, TaskFailed:
		return true
	default:
		return false
	}
}

// Job is one bulk-assignment request: grant Role to every user in Users on
// every project in Projects. Counters only move forward and are written once
// per settled batch, never per task.
type Job struct {
	ID            string         `gorm:"column:id;primaryKey"` // snowflake string id
	RequesterID   string         `gorm:"column:requester_id;index;not null"`
	Users         datatypes.JSON `gorm:"column:users;not null"`    // ordered JSON array of emails
	Projects      datatypes.JSON `gorm:"column:projects;not null"` // ordered JSON array of project ids
	Role          string         `gorm:"column:role;not null"`
	CredentialRef string         `gorm:"column:credential_ref;not null"`

	TotalUnits     int `gorm:"column:total_units;not null"`
	CompletedCount int `gorm:"column:completed_count;not null;default:0"`
	SuccessCount   int `gorm:"column:success_count;not null;default:0"`
	FailedCount    int `gorm:"column:failed_count;not null;default:0"`

	Status   JobStatus `gorm:"column:status;type:varchar(20);default:'pending';index"`
	ErrorMsg string    `gorm:"column:error_msg;type:text"`

	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	StartedAt   *time.Time `gorm:"column:started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`

	Tasks []Task `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE"`
}

// Task is the permanent audit record for one user × project unit. It is
// created pending before execution begins and mutated exactly once to its
// terminal state.
type Task struct {
	ID          uint   `gorm:"column:id;primaryKey;autoIncrement"`
	JobID       string `gorm:"column:job_id;uniqueIndex:idx_job_project_user;not null"`
	ProjectID   string `gorm:"column:project_id;uniqueIndex:idx_job_project_user;not null"`
	UserEmail   string `gorm:"column:user_email;uniqueIndex:idx_job_project_user;not null"`
	ProjectName string `gorm:"column:project_name"`
	Role        string `gorm:"column:role;not null"`

	Status       TaskStatus `gorm:"column:status;type:varchar(20);default:'pending';index"`
	PreviousRole string     `gorm:"column:previous_role"`
	Action       string     `gorm:"column:action"` // added|updated|skipped
	ErrorCode    string     `gorm:"column:error_code"`
	ErrorMsg     string     `gorm:"column:error_msg;type:text"`
	RequestID    string     `gorm:"column:request_id"` // upstream id for support correlation

	StartedAt   *time.Time `gorm:"column:started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	DurationMS  int64      `gorm:"column:duration_ms"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// terminalStatus computes the job's final state once every task settled.
func terminalStatus(total, success, failed int) JobStatus {
	switch {
	case failed == 0:
		return JobCompleted
	case success == 0 && failed == total:
		return JobFailed
	default:
		return JobPartialSuccess
	}
}
