package assignment

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrJobNotFound is returned by lookups for unknown job ids.
var ErrJobNotFound = errors.New("assignment: job not found")

// Repository describes the persistence operations the processor needs. All
// operations are atomic at row granularity; no cross-row transaction is
// required beyond batch counters being written after the batch tasks.
type Repository interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, requesterID string, limit, offset int) ([]Job, error)

	// MarkJobStarted performs the guarded pending→processing transition.
	// It reports false when the job already left pending, which makes a
	// duplicate queue delivery a no-op.
	MarkJobStarted(ctx context.Context, jobID string, startedAt time.Time) (bool, error)

	// UpdateJobCounters writes the per-batch aggregate in a single update.
	UpdateJobCounters(ctx context.Context, jobID string, completed, success, failed int) error

	// FinishJob records the terminal transition. Jobs already in a terminal
	// state are left untouched.
	FinishJob(ctx context.Context, jobID string, status JobStatus, errorMsg string, completedAt time.Time) error

	// CancelJob flips a pending or processing job to cancelled.
	CancelJob(ctx context.Context, jobID string) (bool, error)

	CreateTasksBulk(ctx context.Context, tasks []Task) error
	ListTasks(ctx context.Context, jobID string) ([]Task, error)
	CountTasks(ctx context.Context, jobID string) (int64, error)
	UpdateTask(ctx context.Context, task *Task) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateJob(ctx context.Context, job *Job) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *gormRepository) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var job Job
	err := r.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (r *gormRepository) ListJobs(ctx context.Context, requesterID string, limit, offset int) ([]Job, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&Job{}).
		Where("requester_id = ?", requesterID).
		Order("created_at DESC").Order("id DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var jobs []Job
	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *gormRepository) MarkJobStarted(ctx context.Context, jobID string, startedAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, JobPending).
		Updates(map[string]any{
			"status":     JobProcessing,
			"started_at": startedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) UpdateJobCounters(ctx context.Context, jobID string, completed, success, failed int) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"completed_count": completed,
			"success_count":   success,
			"failed_count":    failed,
		}).Error
}

func (r *gormRepository) FinishJob(ctx context.Context, jobID string, status JobStatus, errorMsg string, completedAt time.Time) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", jobID, []JobStatus{JobPending, JobProcessing}).
		Updates(map[string]any{
			"status":       status,
			"error_msg":    errorMsg,
			"completed_at": completedAt,
		}).Error
}

func (r *gormRepository) CancelJob(ctx context.Context, jobID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", jobID, []JobStatus{JobPending, JobProcessing}).
		Updates(map[string]any{
			"status":       JobCancelled,
			"completed_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) CreateTasksBulk(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(tasks, 200).Error
}

func (r *gormRepository) ListTasks(ctx context.Context, jobID string) ([]Task, error) {
	var tasks []Task
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *gormRepository) CountTasks(ctx context.Context, jobID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Task{}).
		Where("job_id = ?", jobID).
		Count(&count).Error
	return count, err
}

func (r *gormRepository) UpdateTask(ctx context.Context, task *Task) error {
	return r.db.WithContext(ctx).Save(task).Error
}
