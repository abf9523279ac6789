package assignment

import (
	"math"
	"time"
)

// Progress is a pure snapshot derived from a Job. Computing it has no side
// effects, so pollers may request it arbitrarily often.
type Progress struct {
	Total      int            `json:"total"`
	Completed  int            `json:"completed"`
	Success    int            `json:"success"`
	Failed     int            `json:"failed"`
	Percentage int            `json:"percentage"`
	ETA        *time.Duration `json:"eta,omitempty"`
}

// ComputeProgress derives completion percentage and, while the job is
// running, a naive ETA of elapsed/completed × remaining. The ETA is nil
// before the first unit settles and once everything settled.
func ComputeProgress(job *Job, now time.Time) Progress {
	p := Progress{
		Total:     job.TotalUnits,
		Completed: job.CompletedCount,
		Success:   job.SuccessCount,
		Failed:    job.FailedCount,
	}

	if job.TotalUnits > 0 {
		p.Percentage = int(math.Round(float64(job.CompletedCount) / float64(job.TotalUnits) * 100))
	}

	if job.StartedAt != nil && job.CompletedCount > 0 && job.CompletedCount < job.TotalUnits {
		elapsed := now.Sub(*job.StartedAt)
		if elapsed > 0 {
			remaining := job.TotalUnits - job.CompletedCount
			eta := time.Duration(float64(elapsed) / float64(job.CompletedCount) * float64(remaining))
			p.ETA = &eta
		}
	}

	return p
}
