package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"accessplane/pkg/errutil"
	"accessplane/pkg/task"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service is the surface consumed by the API layer: submit, inspect, list
// and cancel bulk-assignment jobs. Execution itself happens on the worker.
type Service struct {
	repo  Repository
	queue task.Enqueuer
	node  *snowflake.Node
}

type ServiceParams struct {
	fx.In
	Repo  Repository
	Queue task.Enqueuer
	Node  *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		repo:  p.Repo,
		queue: p.Queue,
		node:  p.Node,
	}
}

type SubmitRequest struct {
	RequesterID   string   `json:"requester_id"`
	Users         []string `json:"users"`
	Projects      []string `json:"projects"`
	Role          string   `json:"role"`
	CredentialRef string   `json:"credential_ref"`
}

type JobStatusResponse struct {
	Job      *Job     `json:"job"`
	Progress Progress `json:"progress"`
	Tasks    []Task   `json:"tasks"`
}

// SubmitJob records the job durably, then hands it to the queue. The queue
// task is keyed by the job id, so a repeated enqueue of the same job never
// yields a second unit of work.
func (s *Service) SubmitJob(ctx context.Context, req SubmitRequest) (string, error) {
	if req.RequesterID == "" {
		return "", errutil.ValidationFailed("requester_id is required")
	}
	if req.Role == "" {
		return "", errutil.ValidationFailed("role is required")
	}
	if req.CredentialRef == "" {
		return "", errutil.ValidationFailed("credential_ref is required")
	}

	users := dedupe(req.Users)
	projects := dedupe(req.Projects)
	if len(users) == 0 {
		return "", errutil.ValidationFailed("at least one user is required")
	}
	if len(projects) == 0 {
		return "", errutil.ValidationFailed("at least one project is required")
	}

	usersJSON, err := json.Marshal(users)
	if err != nil {
		return "", errutil.Internal("failed to encode users", errutil.WithErr(err))
	}
	projectsJSON, err := json.Marshal(projects)
	if err != nil {
		return "", errutil.Internal("failed to encode projects", errutil.WithErr(err))
	}

	job := &Job{
		ID:            s.node.Generate().String(),
		RequesterID:   req.RequesterID,
		Users:         usersJSON,
		Projects:      projectsJSON,
		Role:          req.Role,
		CredentialRef: req.CredentialRef,
		TotalUnits:    len(users) * len(projects),
		Status:        JobPending,
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		zap.L().Error("failed to create job", zap.Error(err))
		return "", errutil.Internal("failed to create job", errutil.WithErr(err))
	}

	if err := s.EnqueueJob(ctx, job.ID, req.CredentialRef); err != nil {
		return "", err
	}

	zap.L().Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("requester_id", job.RequesterID),
		zap.Int("total_units", job.TotalUnits),
	)
	return job.ID, nil
}

// EnqueueJob is idempotent keyed by job id: enqueueing an id that is already
// queued is a no-op.
func (s *Service) EnqueueJob(ctx context.Context, jobID, credentialRef string) error {
	t := NewRunTask(RunPayload{JobID: jobID, CredentialRef: credentialRef})
	if _, err := s.queue.Enqueue(ctx, t); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			zap.L().Info("job already enqueued", zap.String("job_id", jobID))
			return nil
		}
		zap.L().Error("failed to enqueue job", zap.String("job_id", jobID), zap.Error(err))
		return errutil.Internal("failed to enqueue job", errutil.WithErr(err))
	}
	return nil
}

func (s *Service) GetJobStatus(ctx context.Context, jobID string) (*JobStatusResponse, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, errutil.NotFound("job not found")
		}
		return nil, errutil.Internal("failed to load job", errutil.WithErr(err))
	}

	tasks, err := s.repo.ListTasks(ctx, jobID)
	if err != nil {
		return nil, errutil.Internal("failed to load tasks", errutil.WithErr(err))
	}

	return &JobStatusResponse{
		Job:      job,
		Progress: ComputeProgress(job, time.Now()),
		Tasks:    tasks,
	}, nil
}

func (s *Service) ListJobs(ctx context.Context, requesterID string, limit, offset int) ([]Job, error) {
	if requesterID == "" {
		return nil, errutil.ValidationFailed("requester_id is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	jobs, err := s.repo.ListJobs(ctx, requesterID, limit, offset)
	if err != nil {
		return nil, errutil.Internal("failed to list jobs", errutil.WithErr(err))
	}
	return jobs, nil
}

// CancelJob stops scheduling of future batches. Tasks already in flight are
// allowed to finish; the job stays cancelled regardless of their outcome.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	ok, err := s.repo.CancelJob(ctx, jobID)
	if err != nil {
		return errutil.Internal("failed to cancel job", errutil.WithErr(err))
	}
	if ok {
		zap.L().Info("job cancelled", zap.String("job_id", jobID))
		return nil
	}

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return errutil.NotFound("job not found")
		}
		return errutil.Internal("failed to load job", errutil.WithErr(err))
	}
	return errutil.Conflict("job already " + string(job.Status))
}

// dedupe keeps first occurrences, preserving the caller's order.
func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
