package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"accessplane/pkg/config"
	"accessplane/services/membership"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize  = 5
	defaultBatchDelay = 500 * time.Millisecond
)

// Scheduler decomposes a job into its user × project tasks and executes them
// in fixed-size batches: tasks inside a batch run concurrently, batches run
// strictly in sequence with a pacing delay in between.
type Scheduler struct {
	repo       Repository
	client     membership.Ensurer
	batchSize  int
	batchDelay time.Duration
}

type SchedulerParams struct {
	fx.In
	Repo   Repository
	Client membership.Ensurer
	Config *config.Config
}

func NewScheduler(p SchedulerParams) *Scheduler {
	batchSize := p.Config.Scheduler.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batchDelay := p.Config.Scheduler.BatchDelay
	if batchDelay < 0 {
		batchDelay = defaultBatchDelay
	}

	return &Scheduler{
		repo:       p.Repo,
		client:     p.Client,
		batchSize:  batchSize,
		batchDelay: batchDelay,
	}
}

// Run processes one job end to end. A job that already left pending is left
// alone, so duplicate queue deliveries are no-ops. Task-level failures are
// captured on the task rows; only orchestration failures (project lookup,
// storage) are returned, after the job has been marked failed.
func (s *Scheduler) Run(ctx context.Context, jobID, credential string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	started, err := s.repo.MarkJobStarted(ctx, jobID, time.Now())
	if err != nil {
		return fmt.Errorf("mark job %s started: %w", jobID, err)
	}
	if !started {
		zap.L().Info("job already picked up, skipping",
			zap.String("job_id", jobID),
			zap.String("status", string(job.Status)),
		)
		return nil
	}

	zapLog := zap.L().With(
		zap.String("job_id", jobID),
		zap.String("requester_id", job.RequesterID),
		zap.Int("total_units", job.TotalUnits),
	)
	zapLog.Info("job processing started")

	if err := s.process(ctx, job, credential, zapLog); err != nil {
		zapLog.Error("job aborted", zap.Error(err))
		if ferr := s.repo.FinishJob(ctx, jobID, JobFailed, err.Error(), time.Now()); ferr != nil {
			zapLog.Error("failed to record job failure", zap.Error(ferr))
		}
		return err
	}

	return nil
}

func (s *Scheduler) process(ctx context.Context, job *Job, credential string, zapLog *zap.Logger) error {
	var users, projects []string
	if err := json.Unmarshal(job.Users, &users); err != nil {
		return fmt.Errorf("decode job users: %w", err)
	}
	if err := json.Unmarshal(job.Projects, &projects); err != nil {
		return fmt.Errorf("decode job projects: %w", err)
	}

	// One lookup per distinct project, not per task.
	projectNames := make(map[string]string, len(projects))
	for _, projectID := range projects {
		if _, ok := projectNames[projectID]; ok {
			continue
		}
		project, err := s.client.GetProject(ctx, credential, projectID)
		if err != nil {
			return fmt.Errorf("resolve project %s: %w", projectID, err)
		}
		projectNames[projectID] = project.Name
	}

	tasks, err := s.materializeTasks(ctx, job, users, projects, projectNames)
	if err != nil {
		return err
	}

	total := len(tasks)
	var completed, success, failed int

	for start := 0; start < total; start += s.batchSize {
		end := start + s.batchSize
		if end > total {
			end = total
		}
		batch := tasks[start:end]

		// Cancellation affects future batches only; the in-flight batch
		// always settles.
		current, err := s.repo.GetJob(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("refresh job: %w", err)
		}
		if current.Status == JobCancelled {
			zapLog.Warn("job cancelled, stopping before next batch",
				zap.Int("completed", completed),
			)
			return nil
		}

		batchSuccess, batchFailed := s.runBatch(ctx, credential, batch)

		// Tasks are durably recorded before the counters move.
		for i := range batch {
			if err := s.repo.UpdateTask(ctx, &batch[i]); err != nil {
				return fmt.Errorf("record task result: %w", err)
			}
		}

		completed += len(batch)
		success += batchSuccess
		failed += batchFailed

		if err := s.repo.UpdateJobCounters(ctx, job.ID, completed, success, failed); err != nil {
			return fmt.Errorf("update job counters: %w", err)
		}

		zapLog.Info("batch settled",
			zap.Int("batch_size", len(batch)),
			zap.Int("completed", completed),
			zap.Int("success", success),
			zap.Int("failed", failed),
			zap.Int("percentage", percentage(completed, total)),
		)

		if end < total && s.batchDelay > 0 {
			if err := pace(ctx, s.batchDelay); err != nil {
				return err
			}
		}
	}

	status := terminalStatus(total, success, failed)
	if err := s.repo.FinishJob(ctx, job.ID, status, "", time.Now()); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}

	zapLog.Info("job finished",
		zap.String("status", string(status)),
		zap.Int("success", success),
		zap.Int("failed", failed),
	)
	return nil
}

// materializeTasks persists the full cartesian product before execution, so
// progress queries during the run see the true denominator. On a crashed
// run's redelivery the existing rows are reused instead of recreated.
func (s *Scheduler) materializeTasks(ctx context.Context, job *Job, users, projects []string, projectNames map[string]string) ([]Task, error) {
	count, err := s.repo.CountTasks(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	if count > 0 {
		tasks, err := s.repo.ListTasks(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("load tasks: %w", err)
		}
		return tasks, nil
	}

	tasks := make([]Task, 0, len(users)*len(projects))
	for _, projectID := range projects {
		for _, email := range users {
			tasks = append(tasks, Task{
				JobID:       job.ID,
				ProjectID:   projectID,
				ProjectName: projectNames[projectID],
				UserEmail:   email,
				Role:        job.Role,
				Status:      TaskPending,
			})
		}
	}

	if err := s.repo.CreateTasksBulk(ctx, tasks); err != nil {
		return nil, fmt.Errorf("create tasks: %w", err)
	}
	return tasks, nil
}

// runBatch executes one batch concurrently and waits for every task to
// settle. Failures are captured on the task, never returned: one task's
// failure must not abort its siblings.
func (s *Scheduler) runBatch(ctx context.Context, credential string, batch []Task) (success, failed int) {
	g := errgroup.Group{}
	for i := range batch {
		task := &batch[i]
		g.Go(func() error {
			s.executeTask(ctx, credential, task)
			return nil
		})
	}
	_ = g.Wait()

	for i := range batch {
		if batch[i].Status == TaskFailed {
			failed++
		} else {
			success++
		}
	}
	return success, failed
}

// executeTask runs one unit of work and records the terminal outcome on the
// task struct. The goroutine owns the task; nothing else touches it until
// the batch joins.
func (s *Scheduler) executeTask(ctx context.Context, credential string, task *Task) {
	startedAt := time.Now()
	task.Status = TaskProcessing
	task.StartedAt = &startedAt

	outcome, err := s.client.EnsureRole(ctx, credential, task.ProjectID, task.UserEmail, task.Role)

	completedAt := time.Now()
	task.CompletedAt = &completedAt
	task.DurationMS = completedAt.Sub(startedAt).Milliseconds()

	if err != nil {
		task.Status = TaskFailed
		task.ErrorMsg = err.Error()

		var apiErr *membership.Error
		if errors.As(err, &apiErr) {
			task.ErrorCode = apiErr.Code
			task.ErrorMsg = apiErr.Message
			task.RequestID = apiErr.RequestID
		} else {
			task.ErrorCode = membership.CodeUpstreamUnavailable
		}

		zap.L().Warn("task failed",
			zap.String("job_id", task.JobID),
			zap.String("project_id", task.ProjectID),
			zap.String("user_email", task.UserEmail),
			zap.String("error_code", task.ErrorCode),
			zap.String("request_id", task.RequestID),
		)
		return
	}

	task.Action = string(outcome.Action)
	task.PreviousRole = outcome.PreviousRole
	task.RequestID = outcome.RequestID
	if outcome.Action == membership.ActionSkipped {
		task.Status = TaskSkipped
	} else {
		task.Status = TaskSuccess
	}
}

func percentage(completed, total int) int {
	if total == 0 {
		return 0
	}
	return completed * 100 / total
}

func pace(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
