package assignment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"accessplane/pkg/errutil"
	"accessplane/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: task.Type()}, nil
}

func newTestService(t *testing.T) (*Service, *fakeEnqueuer, Repository) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	repo := NewRepository(testutil.NewTestDB(t, &Job{}, &Task{}))
	queue := &fakeEnqueuer{}
	return &Service{repo: repo, queue: queue, node: node}, queue, repo
}

func requireCode(t *testing.T, err error, code errutil.CoreStatus) {
	t.Helper()

	require.Error(t, err)
	var base errutil.BaseError
	require.ErrorAs(t, err, &base)
	require.Equal(t, code, base.Code)
}

func validSubmit() SubmitRequest {
	return SubmitRequest{
		RequesterID:   "admin@example.com",
		Users:         []string{"u1@example.com", "u2@example.com"},
		Projects:      []string{"p1", "p2", "p3"},
		Role:          "developer",
		CredentialRef: "UPSTREAM_TOKEN",
	}
}

func TestSubmitJobPersistsAndEnqueues(t *testing.T) {
	svc, queue, repo := newTestService(t)

	jobID, err := svc.SubmitJob(context.Background(), validSubmit())
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := repo.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, JobPending, job.Status)
	require.Equal(t, 6, job.TotalUnits)
	require.Zero(t, job.CompletedCount)

	require.Len(t, queue.tasks, 1)
	require.Equal(t, TaskAssignmentRun, queue.tasks[0].Type())

	var payload RunPayload
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload(), &payload))
	require.Equal(t, jobID, payload.JobID)
	require.Equal(t, "UPSTREAM_TOKEN", payload.CredentialRef)
}

func TestSubmitJobDeduplicatesInputs(t *testing.T) {
	svc, _, repo := newTestService(t)

	req := validSubmit()
	req.Users = []string{"u1@example.com", "u1@example.com", "", "u2@example.com"}
	req.Projects = []string{"p1", "p1"}

	jobID, err := svc.SubmitJob(context.Background(), req)
	require.NoError(t, err)

	job, err := repo.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, 2, job.TotalUnits)

	var users []string
	require.NoError(t, json.Unmarshal(job.Users, &users))
	require.Equal(t, []string{"u1@example.com", "u2@example.com"}, users)
}

func TestSubmitJobValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	cases := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"missing requester", func(r *SubmitRequest) { r.RequesterID = "" }},
		{"missing role", func(r *SubmitRequest) { r.Role = "" }},
		{"missing credential", func(r *SubmitRequest) { r.CredentialRef = "" }},
		{"empty users", func(r *SubmitRequest) { r.Users = nil }},
		{"blank users only", func(r *SubmitRequest) { r.Users = []string{""} }},
		{"empty projects", func(r *SubmitRequest) { r.Projects = nil }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validSubmit()
			tc.mutate(&req)

			_, err := svc.SubmitJob(context.Background(), req)
			requireCode(t, err, errutil.StatusValidationFailed)
		})
	}
}

// An id conflict from the broker means the job is already queued; submission
// still succeeds.
func TestEnqueueJobIDConflictIsNoOp(t *testing.T) {
	svc, queue, _ := newTestService(t)
	queue.err = asynq.ErrTaskIDConflict

	jobID, err := svc.SubmitJob(context.Background(), validSubmit())
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	require.NoError(t, svc.EnqueueJob(context.Background(), jobID, "UPSTREAM_TOKEN"))
}

func TestGetJobStatusNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.GetJobStatus(context.Background(), "missing")
	requireCode(t, err, errutil.StatusNotFound)
}

func TestGetJobStatusIncludesProgressAndTasks(t *testing.T) {
	svc, _, repo := newTestService(t)

	jobID, err := svc.SubmitJob(context.Background(), validSubmit())
	require.NoError(t, err)

	require.NoError(t, repo.CreateTasksBulk(context.Background(), []Task{
		{JobID: jobID, ProjectID: "p1", UserEmail: "u1@example.com", Role: "developer", Status: TaskSuccess},
		{JobID: jobID, ProjectID: "p1", UserEmail: "u2@example.com", Role: "developer", Status: TaskPending},
	}))
	require.NoError(t, repo.UpdateJobCounters(context.Background(), jobID, 1, 1, 0))

	status, err := svc.GetJobStatus(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, jobID, status.Job.ID)
	require.Equal(t, 6, status.Progress.Total)
	require.Equal(t, 1, status.Progress.Completed)
	require.Equal(t, 17, status.Progress.Percentage)
	require.Len(t, status.Tasks, 2)
}

func TestListJobsFiltersByRequester(t *testing.T) {
	svc, _, _ := newTestService(t)

	first, err := svc.SubmitJob(context.Background(), validSubmit())
	require.NoError(t, err)

	other := validSubmit()
	other.RequesterID = "someone-else@example.com"
	_, err = svc.SubmitJob(context.Background(), other)
	require.NoError(t, err)

	jobs, err := svc.ListJobs(context.Background(), "admin@example.com", 0, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, first, jobs[0].ID)

	_, err = svc.ListJobs(context.Background(), "", 0, 0)
	requireCode(t, err, errutil.StatusValidationFailed)
}

func TestCancelJobPending(t *testing.T) {
	svc, _, repo := newTestService(t)

	jobID, err := svc.SubmitJob(context.Background(), validSubmit())
	require.NoError(t, err)

	require.NoError(t, svc.CancelJob(context.Background(), jobID))

	job, err := repo.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, JobCancelled, job.Status)
	require.NotNil(t, job.CompletedAt)
}

func TestCancelJobAlreadyTerminal(t *testing.T) {
	svc, _, repo := newTestService(t)

	jobID, err := svc.SubmitJob(context.Background(), validSubmit())
	require.NoError(t, err)
	require.NoError(t, svc.CancelJob(context.Background(), jobID))

	err = svc.CancelJob(context.Background(), jobID)
	requireCode(t, err, errutil.StatusConflict)

	job, err := repo.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, JobCancelled, job.Status)
}

func TestCancelJobNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.CancelJob(context.Background(), "missing")
	requireCode(t, err, errutil.StatusNotFound)
}

// A finished job must never flip back out of its terminal state, even if a
// late finish write races in.
func TestFinishJobNeverOverwritesCancelled(t *testing.T) {
	svc, _, repo := newTestService(t)

	jobID, err := svc.SubmitJob(context.Background(), validSubmit())
	require.NoError(t, err)
	require.NoError(t, svc.CancelJob(context.Background(), jobID))

	require.NoError(t, repo.FinishJob(context.Background(), jobID, JobCompleted, "", time.Now()))

	job, err := repo.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, JobCancelled, job.Status)
}
