package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"

	"github.com/maauso/reframe/internal/codec"
	"github.com/maauso/reframe/internal/dispatch"
	"github.com/maauso/reframe/internal/filter"
	"github.com/maauso/reframe/internal/media"
	"github.com/maauso/reframe/internal/render"
	"github.com/maauso/reframe/internal/storage"
)

// Static errors for the export service.
var (
	// ErrNoOutput is returned when downloading a job that has no result.
	ErrNoOutput = errors.New("export has no output")
	// ErrServiceClosed is returned once the service is shutting down.
	ErrServiceClosed = errors.New("export service is closed")
)

// CreateInput describes a new export.
type CreateInput struct {
	// Name is the original file name of the upload.
	Name string
	// Data is the uploaded file content.
	Data io.Reader
	// Type is the declared MIME type. Empty means sniff the content.
	Type     string
	Size     media.Size
	Filters  filter.Set
	PushToS3 bool
}

// ExportService runs export jobs: it stores uploads, renders them through a
// dispatch session, persists progress and keeps the result for download.
type ExportService struct {
	repo   Repository
	store  storage.Storage
	lib    codec.Library
	logger *slog.Logger

	sessionOpts []dispatch.Option

	// base bounds every export started by Submit.
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	running map[string]*dispatch.Operation
	closed  bool
}

// ServiceOption configures an ExportService.
type ServiceOption func(*ExportService)

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *ExportService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSessionOptions passes options to every dispatch session the service creates.
func WithSessionOptions(opts ...dispatch.Option) ServiceOption {
	return func(s *ExportService) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

// NewExportService creates an ExportService.
func NewExportService(repo Repository, store storage.Storage, lib codec.Library, opts ...ServiceOption) *ExportService {
	base, stop := context.WithCancel(context.Background())
	s := &ExportService{
		repo:    repo,
		store:   store,
		lib:     lib,
		logger:  slog.Default(),
		base:    base,
		stop:    stop,
		running: make(map[string]*dispatch.Operation),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessionOpts = append([]dispatch.Option{dispatch.WithLogger(s.logger)}, s.sessionOpts...)
	return s
}

// Create stores the upload and persists a QUEUED job. Unsupported media is
// rejected before a job exists.
func (s *ExportService) Create(ctx context.Context, in CreateInput) (*Job, error) {
	if err := in.Size.Validate(); err != nil {
		return nil, err
	}
	if err := in.Filters.Validate(); err != nil {
		return nil, err
	}

	srcPath, err := s.store.SaveTemp(ctx, in.Name, in.Data)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	file := media.File{Path: srcPath, Name: in.Name, Type: in.Type}
	mimeType, err := file.ResolveType()
	if err != nil {
		s.cleanup(srcPath)
		return nil, fmt.Errorf("detect media type: %w", err)
	}
	if media.Classify(mimeType) == media.KindUnsupported {
		s.cleanup(srcPath)
		return nil, fmt.Errorf("%w: %q", media.ErrUnsupportedMediaType, mimeType)
	}
	file.Type = mimeType

	job := New()
	job.Source = file
	job.Size = in.Size
	job.Filters = in.Filters.Clone()
	job.PushToS3 = in.PushToS3

	s.logger.Info("creating export job",
		slog.String("job_id", job.ID),
		slog.String("file", in.Name),
		slog.String("type", mimeType),
		slog.String("size", in.Size.String()),
		slog.String("filters", in.Filters.String()),
		slog.Bool("push_to_s3", in.PushToS3),
	)

	if err := s.repo.Save(ctx, job); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		s.cleanup(srcPath)
		return nil, err
	}
	return job.Clone(), nil
}

// Submit creates a job and runs it in the background. The export outlives
// ctx; it stops on Cancel or Close.
func (s *ExportService) Submit(ctx context.Context, in CreateInput) (*Job, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrServiceClosed
	}

	job, err := s.Create(ctx, in)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.cleanup(job.Source.Path)
		return nil, ErrServiceClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		err := s.Run(s.base, job.ID)
		if err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrServiceClosed) {
			s.logger.Error("export job failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return job, nil
}

// Run executes a QUEUED job and blocks until it reaches a terminal state.
// ctx bounds the render; cancelling it cancels the job.
func (s *ExportService) Run(ctx context.Context, jobID string) error {
	job, op, err := s.start(ctx, jobID)
	if err != nil {
		return err
	}
	logger := s.logger.With(slog.String("job_id", jobID))
	defer func() {
		s.mu.Lock()
		delete(s.running, jobID)
		s.mu.Unlock()
		s.cleanup(job.Source.Path)
	}()

	export, runErr := op.Result()
	// The render is over; persisting the outcome must not depend on ctx.
	saveCtx := context.WithoutCancel(ctx)

	switch {
	case errors.Is(runErr, render.ErrCancelled):
		logger.Info("export cancelled")
		_ = job.Cancel()
		return s.repo.Save(saveCtx, job)
	case runErr != nil:
		_ = job.Fail(runErr.Error())
		if err := s.repo.Save(saveCtx, job); err != nil {
			return err
		}
		return runErr
	case export.Empty():
		logger.Info("export produced no output")
		_ = job.CompleteEmpty()
		return s.repo.Save(saveCtx, job)
	}

	if err := s.storeResult(saveCtx, job, export); err != nil {
		_ = job.Fail(err.Error())
		if saveErr := s.repo.Save(saveCtx, job); saveErr != nil {
			return saveErr
		}
		return err
	}
	_ = job.Complete()
	logger.Info("export completed",
		slog.String("filename", export.Filename),
		slog.Int("bytes", len(export.Data)),
	)
	return s.repo.Save(saveCtx, job)
}

// start moves the job to RUNNING and hands it to a fresh dispatch session.
// It holds the service lock so Cancel sees either a queued job or its
// running operation.
func (s *ExportService) start(ctx context.Context, jobID string) (*Job, *dispatch.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if err := s.cancelQueuedLocked(context.WithoutCancel(ctx), jobID); err != nil {
			s.logger.Warn("failed to cancel queued job",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
		return nil, nil, ErrServiceClosed
	}
	job, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if err := job.Start(); err != nil {
		return nil, nil, fmt.Errorf("start job %s (%s): %w", jobID, job.GetStatus(), err)
	}
	if err := s.repo.Save(ctx, job); err != nil {
		return nil, nil, err
	}

	progress := func(v float64) {
		job.UpdateProgress(v)
		if err := s.repo.Save(context.WithoutCancel(ctx), job); err != nil {
			s.logger.Warn("failed to persist progress",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}

	session := dispatch.NewSession(s.lib, s.sessionOpts...)
	op := session.Handle(ctx, dispatch.Request{
		File:     job.Source,
		Size:     job.Size,
		Filters:  job.Filters,
		Mode:     render.ModeExport,
		Progress: progress,
	})
	s.running[jobID] = op
	return job, op, nil
}

func (s *ExportService) storeResult(ctx context.Context, job *Job, export dispatch.Export) error {
	outPath, err := s.store.SaveTemp(ctx, export.Filename, bytes.NewReader(export.Data))
	if err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	job.SetOutput(outPath, export.Filename, export.ContentType)

	if !job.PushToS3 {
		return nil
	}
	key := path.Join("exports", job.ID, export.Filename)
	url, err := s.store.UploadToS3(ctx, key, export.ContentType, bytes.NewReader(export.Data))
	if err != nil {
		return err
	}
	job.SetURL(url)
	return nil
}

// Get returns a job by ID.
func (s *ExportService) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.FindByID(ctx, jobID)
}

// List returns all jobs, newest first.
func (s *ExportService) List(ctx context.Context) ([]*Job, error) {
	return s.repo.List(ctx)
}

// Cancel aborts a running job or cancels a queued one. Cancelling a job in a
// terminal state, or one whose render already finished, returns
// ErrInvalidTransition.
func (s *ExportService) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op, ok := s.running[jobID]; ok {
		select {
		case <-op.Done():
			return fmt.Errorf("cancel job %s: render finished: %w", jobID, ErrInvalidTransition)
		default:
		}
		s.logger.Info("cancelling export", slog.String("job_id", jobID))
		op.Cancel()
		return nil
	}
	return s.cancelQueuedLocked(ctx, jobID)
}

func (s *ExportService) cancelQueuedLocked(ctx context.Context, jobID string) error {
	job, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.Cancel(); err != nil {
		return fmt.Errorf("cancel job %s (%s): %w", jobID, job.GetStatus(), err)
	}
	s.cleanup(job.Source.Path)
	return s.repo.Save(ctx, job)
}

// Open returns the result of a completed job. The caller closes the reader.
func (s *ExportService) Open(ctx context.Context, jobID string) (io.ReadCloser, *Job, error) {
	job, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if !job.HasOutput() {
		return nil, job, ErrNoOutput
	}
	rc, err := s.store.Open(ctx, job.OutputPath)
	if err != nil {
		return nil, job, fmt.Errorf("open result: %w", err)
	}
	return rc, job, nil
}

// Delete removes a finished job and its stored result.
func (s *ExportService) Delete(ctx context.Context, jobID string) error {
	job, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return fmt.Errorf("delete job %s (%s): %w", jobID, job.GetStatus(), ErrInvalidTransition)
	}
	if err := s.store.Cleanup(ctx, job.OutputPath); err != nil {
		s.logger.Warn("failed to remove export result",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	return s.repo.Delete(ctx, jobID)
}

// Close aborts every running export and waits for background jobs.
func (s *ExportService) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}

func (s *ExportService) cleanup(p string) {
	if err := s.store.Cleanup(context.Background(), p); err != nil {
		s.logger.Warn("failed to remove temp file",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)
	}
}
