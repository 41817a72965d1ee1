// Package job provides the export Job aggregate, its state machine and the
// repository port used to persist export jobs between the HTTP request that
// creates them and the download that collects the result.
package job

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/maauso/reframe/internal/filter"
	"github.com/maauso/reframe/internal/job/id"
	"github.com/maauso/reframe/internal/media"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusQueued indicates the job was accepted and waits to run.
	StatusQueued Status = "QUEUED"
	// StatusRunning indicates the export is rendering.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the export finished. It may still carry no
	// output, see Job.NoOutput.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the export encountered an error.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the export was cancelled.
	StatusCancelled Status = "CANCELLED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

var validTransitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one export of an uploaded file to a target size and filter set.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Status is the current job state.
	Status Status
	// Progress is the fraction of frames encoded, in [0,1].
	Progress float64
	// Error contains the failure message of a FAILED job.
	Error string

	// Source is the uploaded file.
	Source media.File
	Size   media.Size
	// Filters is the filter assignment applied to every frame.
	Filters filter.Set

	// OutputPath is where the rendered result is kept for download.
	OutputPath string
	// Filename is the suggested download name.
	Filename    string
	ContentType string
	// NoOutput marks a completed export that produced nothing, e.g. a video
	// without a video track.
	NoOutput bool

	// PushToS3 indicates whether to upload the result to S3.
	PushToS3 bool
	// URL is the S3 URL if PushToS3 was true.
	URL string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// New creates a new Job with a generated ID in QUEUED status.
func New() *Job {
	return NewWithID(id.Generate(id.PrefixExport))
}

// NewWithID creates a new QUEUED Job with the specified ID.
func NewWithID(jobID string) *Job {
	now := time.Now()
	return &Job{
		ID:        jobID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo changes the job status. Returns ErrInvalidTransition if the
// transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status)
}

func (j *Job) transitionLocked(status Status) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusRunning:
		j.StartedAt = j.UpdatedAt
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.CompletedAt = j.UpdatedAt
	}
	return nil
}

// Start transitions the job from QUEUED to RUNNING.
func (j *Job) Start() error {
	return j.TransitionTo(StatusRunning)
}

// Complete transitions the job to COMPLETED and sets progress to 1.
func (j *Job) Complete() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusCompleted); err != nil {
		return err
	}
	if !j.NoOutput {
		j.Progress = 1
	}
	return nil
}

// CompleteEmpty transitions the job to COMPLETED without output.
func (j *Job) CompleteEmpty() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusCompleted); err != nil {
		return err
	}
	j.NoOutput = true
	return nil
}

// Fail transitions the job to FAILED with an error message.
func (j *Job) Fail(errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusFailed); err != nil {
		return err
	}
	j.Error = errMsg
	return nil
}

// Cancel transitions the job to CANCELLED.
func (j *Job) Cancel() error {
	return j.TransitionTo(StatusCancelled)
}

// GetStatus returns the current job status.
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// UpdateProgress records export progress. Values are clamped to [0,1] and
// never move backwards.
func (j *Job) UpdateProgress(progress float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case math.IsNaN(progress) || progress < 0:
		progress = 0
	case progress > 1:
		progress = 1
	}
	if progress < j.Progress {
		return
	}
	j.Progress = progress
	j.UpdatedAt = time.Now()
}

// SetOutput records the stored result.
func (j *Job) SetOutput(path, filename, contentType string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.OutputPath = path
	j.Filename = filename
	j.ContentType = contentType
	j.UpdatedAt = time.Now()
}

// SetURL records the S3 URL of the uploaded result.
func (j *Job) SetURL(url string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.URL = url
	j.UpdatedAt = time.Now()
}

// ClearOutput forgets the stored result after its file was removed.
func (j *Job) ClearOutput() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.OutputPath = ""
	j.UpdatedAt = time.Now()
}

// HasOutput reports whether a result is available for download.
func (j *Job) HasOutput() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusCompleted && j.OutputPath != ""
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusCompleted ||
		j.Status == StatusFailed ||
		j.Status == StatusCancelled
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return &Job{
		ID:          j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		Error:       j.Error,
		Source:      j.Source,
		Size:        j.Size,
		Filters:     j.Filters.Clone(),
		OutputPath:  j.OutputPath,
		Filename:    j.Filename,
		ContentType: j.ContentType,
		NoOutput:    j.NoOutput,
		PushToS3:    j.PushToS3,
		URL:         j.URL,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}
