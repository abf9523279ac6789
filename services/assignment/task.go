package assignment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const TaskAssignmentRun = "assignment:run"

// RunPayload is what travels through the queue: the job id plus the
// pre-validated credential reference the worker hands to the membership
// client. Everything else lives on the job row.
type RunPayload struct {
	JobID         string `json:"job_id"`
	CredentialRef string `json:"credential_ref"`
}

// NewRunTask builds the queue task for a job. The task id is the job id, so
// re-enqueueing the same job is rejected by the broker instead of creating a
// duplicate unit of work.
func NewRunTask(p RunPayload) *asynq.Task {
	payload, _ := json.Marshal(p)
	return asynq.NewTask(TaskAssignmentRun, payload,
		asynq.TaskID(p.JobID),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
		asynq.Queue("default"))
}

type Handler struct {
	scheduler *Scheduler
}

type HandlerParams struct {
	fx.In
	Scheduler *Scheduler
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{scheduler: p.Scheduler}
}

// HandleRunTask is the asynq entry point for assignment jobs. Orchestration
// failures already flipped the job to failed, so the queue must not retry:
// untouched tasks stay pending for operator inspection instead of being
// silently re-run.
func (h *Handler) HandleRunTask(ctx context.Context, t *asynq.Task) error {
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid assignment payload", zap.Error(err))
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zap.L().Info("processing assignment job",
		zap.String("task_type", t.Type()),
		zap.String("job_id", payload.JobID),
	)

	if err := h.scheduler.Run(ctx, payload.JobID, payload.CredentialRef); err != nil {
		return fmt.Errorf("run assignment job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}

	return nil
}
