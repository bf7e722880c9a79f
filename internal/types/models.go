package types

import (
	"sync"
	"time"
)

// JobStatus is the lifecycle state of one submitted batch.
type JobStatus string

const (
	JobPending         JobStatus = "pending"
	JobRunning         JobStatus = "running"
	JobCompleted       JobStatus = "completed"
	JobPartiallyFailed JobStatus = "partially_failed"
	JobFailed          JobStatus = "failed"
)

// TaskStatus is the state of a single file inside a job.
// Legal transitions: queued -> in_flight -> succeeded|failed.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskInFlight  TaskStatus = "in_flight"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Failure reasons attached to failed file tasks.
const (
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonRateLimited   = "rate_limited"
	ReasonTimeout       = "timeout"
	ReasonAborted       = "aborted"
	ReasonNoCapacity    = "no_capacity"
	ReasonDetectorError = "detector_error"
)

// DetectorOutcome is the result of one detector on one file.
type DetectorOutcome struct {
	Detector   string  `json:"detector"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence,omitempty"`
	Transcript string  `json:"transcript,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// FileTask is the unit of work for one recording within a job. It is mutated
// only by the worker goroutine processing it and is immutable once terminal.
type FileTask struct {
	FileRef   string                     `json:"file_ref"`
	Status    TaskStatus                 `json:"status"`
	Reason    string                     `json:"reason,omitempty"`
	Outcomes  map[string]DetectorOutcome `json:"outcomes,omitempty"`
	ElapsedMs int64                      `json:"elapsed_ms"`
}

// Job is one user-submitted batch of call recordings.
type Job struct {
	ID        string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Tasks     []*FileTask

	mu sync.Mutex
}

func NewJob(id, userID string, files []string) *Job {
	tasks := make([]*FileTask, 0, len(files))
	for _, f := range files {
		tasks = append(tasks, &FileTask{FileRef: f, Status: TaskQueued})
	}
	return &Job{
		ID:        id,
		UserID:    userID,
		Status:    JobPending,
		CreatedAt: time.Now(),
		Tasks:     tasks,
	}
}

// Lock serializes job-level mutations between the dispatching goroutine and
// the per-file workers.
func (j *Job) Lock()   { j.mu.Lock() }
func (j *Job) Unlock() { j.mu.Unlock() }

// Counts returns (succeeded, failed, total) under the job lock.
func (j *Job) Counts() (succeeded, failed, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.countsLocked()
}

func (j *Job) countsLocked() (succeeded, failed, total int) {
	for _, t := range j.Tasks {
		switch t.Status {
		case TaskSucceeded:
			succeeded++
		case TaskFailed:
			failed++
		}
	}
	return succeeded, failed, len(j.Tasks)
}

// Finalize computes the terminal job status from per-file outcomes. Callers
// guarantee every task is already terminal by marking leftovers as aborted
// before calling this.
func (j *Job) Finalize() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	succeeded, failed, total := j.countsLocked()
	switch {
	case total == 0 || succeeded == total:
		j.Status = JobCompleted
	case succeeded == 0 && failed == total:
		j.Status = JobFailed
	default:
		j.Status = JobPartiallyFailed
	}
	return j.Status
}

// Report is the user-facing snapshot of a job.
type Report struct {
	JobID     string     `json:"job_id"`
	UserID    string     `json:"user_id"`
	Status    JobStatus  `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	Submitted int        `json:"submitted"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Files     []FileTask `json:"files"`
}

// Snapshot copies the job into a Report under the job lock.
func (j *Job) Snapshot() *Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	succeeded, failed, total := j.countsLocked()
	files := make([]FileTask, 0, len(j.Tasks))
	for _, t := range j.Tasks {
		files = append(files, *t)
	}
	return &Report{
		JobID:     j.ID,
		UserID:    j.UserID,
		Status:    j.Status,
		CreatedAt: j.CreatedAt,
		Submitted: total,
		Succeeded: succeeded,
		Failed:    failed,
		Files:     files,
	}
}
