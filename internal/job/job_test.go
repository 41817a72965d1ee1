package job

import (
	"math"
	"sync"
	"testing"

	"github.com/maauso/reframe/internal/filter"
	"github.com/maauso/reframe/internal/media"
)

func TestNew(t *testing.T) {
	job := New()

	if job.ID == "" {
		t.Error("expected job to have an ID")
	}
	if job.Status != StatusQueued {
		t.Errorf("expected status %s, got %s", StatusQueued, job.Status)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
	if job.Progress != 0 {
		t.Errorf("expected zero progress, got %v", job.Progress)
	}
}

func TestJob_ValidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"QUEUED to RUNNING", StatusQueued, StatusRunning, false},
		{"QUEUED to CANCELLED", StatusQueued, StatusCancelled, false},
		{"QUEUED to FAILED", StatusQueued, StatusFailed, false},
		{"QUEUED to COMPLETED", StatusQueued, StatusCompleted, true},
		{"RUNNING to COMPLETED", StatusRunning, StatusCompleted, false},
		{"RUNNING to FAILED", StatusRunning, StatusFailed, false},
		{"RUNNING to CANCELLED", StatusRunning, StatusCancelled, false},
		{"RUNNING to QUEUED", StatusRunning, StatusQueued, true},
		{"COMPLETED to RUNNING", StatusCompleted, StatusRunning, true},
		{"FAILED to RUNNING", StatusFailed, StatusRunning, true},
		{"CANCELLED to RUNNING", StatusCancelled, StatusRunning, true},
		{"unknown status", Status("PAUSED"), StatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewWithID("test")
			job.Status = tt.from

			err := job.TransitionTo(tt.to)
			if tt.wantErr {
				if err != ErrInvalidTransition {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
				if job.Status != tt.from {
					t.Errorf("status changed to %s on a rejected transition", job.Status)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if job.Status != tt.to {
				t.Errorf("expected status %s, got %s", tt.to, job.Status)
			}
		})
	}
}

func TestJob_Lifecycle(t *testing.T) {
	job := New()

	if err := job.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if job.StartedAt.IsZero() {
		t.Error("expected StartedAt to be set")
	}

	job.UpdateProgress(0.4)
	job.SetOutput("/work/clip-1080x1080_1.mp4", "clip-1080x1080.mp4", media.TypeMP4)

	if err := job.Complete(); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if job.CompletedAt.IsZero() {
		t.Error("expected CompletedAt to be set")
	}
	if job.Progress != 1 {
		t.Errorf("expected progress 1 after completion, got %v", job.Progress)
	}
	if !job.HasOutput() {
		t.Error("expected output to be available")
	}
	if !job.IsTerminal() {
		t.Error("expected completed job to be terminal")
	}

	job.ClearOutput()
	if job.HasOutput() {
		t.Error("expected output to be cleared")
	}
}

func TestJob_CompleteEmpty(t *testing.T) {
	job := New()
	_ = job.Start()
	job.UpdateProgress(0.25)

	if err := job.CompleteEmpty(); err != nil {
		t.Fatalf("CompleteEmpty() error = %v", err)
	}
	if !job.NoOutput {
		t.Error("expected NoOutput to be set")
	}
	if job.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", job.Status)
	}
	if job.Progress != 0.25 {
		t.Errorf("progress should stay where the render stopped, got %v", job.Progress)
	}
	if job.HasOutput() {
		t.Error("an empty export has no download")
	}
}

func TestJob_Fail(t *testing.T) {
	job := New()
	_ = job.Start()

	if err := job.Fail("ffmpeg exited"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if job.Error != "ffmpeg exited" {
		t.Errorf("expected error message, got %q", job.Error)
	}

	// A rejected transition keeps the first error.
	if err := job.Fail("second"); err != ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if job.Error != "ffmpeg exited" {
		t.Errorf("error overwritten: %q", job.Error)
	}
}

func TestJob_Cancel(t *testing.T) {
	job := New()
	if err := job.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if job.GetStatus() != StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", job.GetStatus())
	}
	if err := job.Start(); err != ErrInvalidTransition {
		t.Errorf("cancelled job must not start, got %v", err)
	}
}

func TestJob_UpdateProgress(t *testing.T) {
	tests := []struct {
		name  string
		steps []float64
		want  float64
	}{
		{"normal", []float64{0.1, 0.5}, 0.5},
		{"clamps high", []float64{1.7}, 1},
		{"clamps negative", []float64{-3}, 0},
		{"NaN is zero", []float64{math.NaN()}, 0},
		{"never decreases", []float64{0.6, 0.3}, 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := New()
			for _, v := range tt.steps {
				job.UpdateProgress(v)
			}
			if job.Progress != tt.want {
				t.Errorf("expected progress %v, got %v", tt.want, job.Progress)
			}
		})
	}
}

func TestJob_Clone(t *testing.T) {
	job := New()
	job.Source = media.File{Path: "/work/a.png", Name: "a.png", Type: media.TypePNG}
	job.Size = media.Size{Height: 1080, Width: 1920}
	job.Filters = filter.Set{filter.Sepia: 60}
	job.PushToS3 = true
	job.SetURL("https://bucket/a.png")

	clone := job.Clone()
	if clone.ID != job.ID || clone.Source != job.Source || clone.Size != job.Size {
		t.Error("clone differs from the original")
	}
	if clone.URL != job.URL || !clone.PushToS3 {
		t.Error("clone lost the S3 fields")
	}

	clone.Filters[filter.Sepia] = 10
	if job.Filters[filter.Sepia] != 60 {
		t.Error("modifying clone filters affected the original")
	}
}

func TestJob_ConcurrentAccess(t *testing.T) {
	job := New()
	_ = job.Start()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			job.UpdateProgress(float64(i) / 100)
		}(i)
		go func() {
			defer wg.Done()
			_ = job.GetStatus()
		}()
		go func() {
			defer wg.Done()
			_ = job.Clone()
		}()
	}
	wg.Wait()
}
